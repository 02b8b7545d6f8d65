package cluster

import (
	"math"
	"sort"
	"strings"
	"time"

	"bastion/config"
	"bastion/core"
)

// SimilarityEngine computes pairwise alert similarity across seven weighted
// dimensions. Scoring is total: missing data on both sides drops a dimension
// from the weighted average instead of producing an error, and data on only
// one side scores the dimension zero.
type SimilarityEngine struct {
	weights        dimensionWeights
	temporalWindow time.Duration
}

type dimensionWeights struct {
	title     float64
	content   float64
	temporal  float64
	spatial   float64
	indicator float64
	tactic    float64
	technique float64
}

// NewSimilarityEngine creates a similarity engine from clustering config.
func NewSimilarityEngine(cfg *config.Config) *SimilarityEngine {
	w := cfg.Clustering.Weights
	return &SimilarityEngine{
		weights: dimensionWeights{
			title:     w.Title,
			content:   w.Content,
			temporal:  w.Temporal,
			spatial:   w.Spatial,
			indicator: w.Indicator,
			tactic:    w.Tactic,
			technique: w.Technique,
		},
		temporalWindow: cfg.Clustering.TemporalWindow,
	}
}

// Similarity scores two alerts. The result is symmetric in its arguments and
// every component lies in [0,1].
func (se *SimilarityEngine) Similarity(a, b *core.Alert) core.SimilarityScore {
	var score core.SimilarityScore
	if a == nil || b == nil {
		return score
	}

	var weightedSum, weightTotal float64
	accumulate := func(weight float64, value float64, applicable bool) float64 {
		if !applicable {
			return 0
		}
		weightedSum += weight * value
		weightTotal += weight
		return value
	}

	titleSim, titleOK := textSimilarity(a.Title, b.Title)
	score.Title = accumulate(se.weights.title, titleSim, titleOK)

	contentSim, contentOK := textSimilarity(a.Description, b.Description)
	score.Content = accumulate(se.weights.content, contentSim, contentOK)

	temporalSim, temporalOK := se.temporalSimilarity(a.Timestamp, b.Timestamp)
	score.Temporal = accumulate(se.weights.temporal, temporalSim, temporalOK)

	spatialSim, spatialOK := jaccard(spatialSet(a), spatialSet(b))
	score.Spatial = accumulate(se.weights.spatial, spatialSim, spatialOK)

	indicatorSim, indicatorOK := jaccard(indicatorSet(a), indicatorSet(b))
	score.Indicator = accumulate(se.weights.indicator, indicatorSim, indicatorOK)

	tacticSim, tacticOK := jaccard(stringSet(a.MitreTactics), stringSet(b.MitreTactics))
	score.Tactic = accumulate(se.weights.tactic, tacticSim, tacticOK)

	techniqueSim, techniqueOK := jaccard(stringSet(a.MitreTechniques), stringSet(b.MitreTechniques))
	score.Technique = accumulate(se.weights.technique, techniqueSim, techniqueOK)

	if weightTotal > 0 {
		score.Overall = clamp01(weightedSum / weightTotal)
	}
	return score
}

// temporalSimilarity decays linearly from 1 at zero gap to 0 at the window.
func (se *SimilarityEngine) temporalSimilarity(a, b time.Time) (float64, bool) {
	if a.IsZero() || b.IsZero() || se.temporalWindow <= 0 {
		return 0, false
	}
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	sim := 1 - float64(gap)/float64(se.temporalWindow)
	if sim < 0 {
		sim = 0
	}
	return sim, true
}

// textSimilarity is cosine similarity over lowercase term-frequency vectors,
// with a normalized edit-distance fallback when neither string tokenizes.
// Returns applicable=false only when both strings are empty.
func textSimilarity(a, b string) (float64, bool) {
	if a == "" && b == "" {
		return 0, false
	}
	if a == "" || b == "" {
		return 0, true
	}

	ta, tb := termFrequencies(a), termFrequencies(b)
	if len(ta) > 0 && len(tb) > 0 {
		return cosine(ta, tb), true
	}
	return editSimilarity(strings.ToLower(a), strings.ToLower(b)), true
}

func termFrequencies(s string) map[string]float64 {
	tokens := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	if len(tokens) == 0 {
		return nil
	}
	tf := make(map[string]float64, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	return tf
}

func cosine(a, b map[string]float64) float64 {
	// Shared terms are summed in sorted order so the score is bit-exact
	// symmetric in its arguments.
	shared := make([]string, 0, len(a))
	var normA, normB float64
	for term, fa := range a {
		normA += fa * fa
		if _, ok := b[term]; ok {
			shared = append(shared, term)
		}
	}
	for _, fb := range b {
		normB += fb * fb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sort.Strings(shared)
	var dot float64
	for _, term := range shared {
		dot += a[term] * b[term]
	}
	return clamp01(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// editSimilarity is 1 minus the Levenshtein distance normalized by the longer
// string's length.
func editSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 && lb == 0 {
		return 1
	}
	longest := la
	if lb > longest {
		longest = lb
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return clamp01(1 - float64(prev[lb])/float64(longest))
}

// jaccard returns |A∩B| / |A∪B|. Two empty sets make the dimension
// inapplicable rather than perfectly similar.
func jaccard(a, b map[string]struct{}) (float64, bool) {
	if len(a) == 0 && len(b) == 0 {
		return 0, false
	}
	if len(a) == 0 || len(b) == 0 {
		return 0, true
	}
	intersection := 0
	for v := range a {
		if _, ok := b[v]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union), true
}

// spatialSet collects an alert's IP addresses and hostname-like indicator
// values into one set.
func spatialSet(a *core.Alert) map[string]struct{} {
	set := make(map[string]struct{}, len(a.IPAddresses)+len(a.Domains))
	for _, ip := range a.IPAddresses {
		if ip != "" {
			set[strings.ToLower(ip)] = struct{}{}
		}
	}
	for _, d := range a.Domains {
		if d != "" {
			set[strings.ToLower(d)] = struct{}{}
		}
	}
	return set
}

// indicatorSet flattens indicator key/value pairs so both key and value
// differences register.
func indicatorSet(a *core.Alert) map[string]struct{} {
	set := make(map[string]struct{}, len(a.Indicators))
	for k, v := range a.Indicators {
		set[strings.ToLower(k)+"="+strings.ToLower(v)] = struct{}{}
	}
	return set
}

func stringSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[strings.ToUpper(v)] = struct{}{}
		}
	}
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
