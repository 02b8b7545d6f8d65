package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"bastion/config"
	"bastion/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClusteringEngine groups alerts by pairwise similarity and reconciles the
// results against recently updated clusters so the same campaign keeps
// accumulating into one cluster across passes.
type ClusteringEngine struct {
	similarity     *SimilarityEngine
	method         string
	threshold      float64
	minClusterSize int
	maxClusterSize int
	logger         *zap.SugaredLogger
}

// NewClusteringEngine creates a clustering engine. The method is validated at
// config load time.
func NewClusteringEngine(cfg *config.Config, logger *zap.SugaredLogger) *ClusteringEngine {
	return &ClusteringEngine{
		similarity:     NewSimilarityEngine(cfg),
		method:         cfg.Clustering.Method,
		threshold:      cfg.Clustering.SimilarityThreshold,
		minClusterSize: cfg.Clustering.MinClusterSize,
		maxClusterSize: cfg.Clustering.MaxClusterSize,
		logger:         logger,
	}
}

// Result separates freshly created clusters from recent clusters that
// absorbed a new batch, so callers can insert one set and update the other.
type Result struct {
	Created []*core.AlertCluster
	Updated []*core.AlertCluster
}

// Cluster groups the batch and reconciles against recentClusters. Every input
// alert ends up in exactly one returned cluster. The context bounds the pass;
// on cancellation the remaining work is abandoned and the partial result
// discarded.
func (ce *ClusteringEngine) Cluster(ctx context.Context, alerts []*core.Alert, recentClusters []*core.AlertCluster) (*Result, error) {
	result := &Result{}
	if len(alerts) == 0 {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matrix := newSimilarityMatrix(ce.similarity, alerts)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var groups [][]int
	switch ce.method {
	case core.ClusteringMethodDBSCAN:
		groups = dbscan(matrix, ce.threshold, ce.minClusterSize)
	case core.ClusteringMethodHierarchical:
		groups = hierarchical(matrix, ce.threshold, ce.maxClusterSize)
	case core.ClusteringMethodHybrid:
		groups = ce.hybrid(matrix)
	default:
		return nil, fmt.Errorf("unknown clustering method %q", ce.method)
	}

	updatedByID := make(map[string]*core.AlertCluster)
	for _, group := range splitOversized(groups, ce.maxClusterSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		members := make([]*core.Alert, len(group))
		for i, idx := range group {
			members[i] = alerts[idx]
		}
		fresh := ce.createCluster(members, matrix, group)

		if existing := ce.reconcile(fresh, recentClusters); existing != nil {
			ce.merge(existing, fresh)
			updatedByID[existing.ID] = existing
			continue
		}
		result.Created = append(result.Created, fresh)
	}

	for _, c := range updatedByID {
		result.Updated = append(result.Updated, c)
	}
	return result, nil
}

// hybrid runs DBSCAN for dense groups, then a hierarchical pass over the
// leftover singletons and undersized groups to catch looser relationships.
// Membership stays disjoint.
func (ce *ClusteringEngine) hybrid(matrix *similarityMatrix) [][]int {
	dense := dbscan(matrix, ce.threshold, ce.minClusterSize)

	var kept [][]int
	var loose []int
	for _, group := range dense {
		if len(group) >= ce.minClusterSize {
			kept = append(kept, group)
			continue
		}
		loose = append(loose, group...)
	}
	if len(loose) == 0 {
		return kept
	}

	sub := subMatrix(matrix, loose)
	for _, group := range hierarchical(sub, ce.threshold, ce.maxClusterSize) {
		mapped := make([]int, len(group))
		for i, idx := range group {
			mapped[i] = loose[idx]
		}
		kept = append(kept, mapped)
	}
	return kept
}

// splitOversized chops groups larger than maxClusterSize into maximal chunks
// so fresh clusters never exceed the configured cap. DBSCAN has no inherent
// size limit; the cap is enforced here instead.
func splitOversized(groups [][]int, maxClusterSize int) [][]int {
	if maxClusterSize <= 0 {
		return groups
	}
	var out [][]int
	for _, group := range groups {
		for len(group) > maxClusterSize {
			out = append(out, group[:maxClusterSize])
			group = group[maxClusterSize:]
		}
		if len(group) > 0 {
			out = append(out, group)
		}
	}
	return out
}

// subMatrix projects the similarity matrix onto a subset of indices.
func subMatrix(matrix *similarityMatrix, indices []int) *similarityMatrix {
	n := len(indices)
	sub := &similarityMatrix{n: n, scores: make([]float64, n*n)}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sub.scores[i*n+j] = matrix.at(indices[i], indices[j])
		}
	}
	return sub
}

// createCluster materializes a raw alert group into a full cluster with its
// derived fields.
func (ce *ClusteringEngine) createCluster(members []*core.Alert, matrix *similarityMatrix, group []int) *core.AlertCluster {
	now := time.Now().UTC()
	avgSim := averageIntraSimilarity(matrix, group)

	c := &core.AlertCluster{
		ID:                  uuid.New().String(),
		ClusterID:           uuid.New().String(),
		Alerts:              members,
		RepresentativeAlert: representativeAlert(members),
		ClusteringMethod:    ce.method,
		Similarity:          avgSim,
		Confidence:          clusterConfidence(avgSim, len(members)),
		MergedIndicators:    mergeIndicators(members),
		Status:              core.ClusterStatusNew,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	c.ImpactScore = impactScore(members)
	c.Urgency = deriveUrgency(topSeverity(members), c.ImpactScore)
	c.Name, c.Description = describeCluster(members)
	return c
}

// reconcile finds a recent cluster similar enough to absorb the fresh one.
// Clusters past twice the configured maximum size are saturated and stop
// accepting merges.
func (ce *ClusteringEngine) reconcile(fresh *core.AlertCluster, recent []*core.AlertCluster) *core.AlertCluster {
	var best *core.AlertCluster
	bestSim := ce.threshold
	for _, existing := range recent {
		if existing.RepresentativeAlert == nil {
			continue
		}
		if ce.maxClusterSize > 0 && existing.Size() >= 2*ce.maxClusterSize {
			continue
		}
		sim := ce.similarity.Similarity(fresh.RepresentativeAlert, existing.RepresentativeAlert).Overall
		if sim >= bestSim {
			bestSim = sim
			best = existing
		}
	}
	return best
}

// merge folds a fresh cluster's members into an existing one and recomputes
// the derived fields. Identity, status and creation time are preserved.
func (ce *ClusteringEngine) merge(existing, fresh *core.AlertCluster) {
	seen := make(map[string]struct{}, existing.Size())
	for _, a := range existing.Alerts {
		seen[a.ID] = struct{}{}
	}
	added := 0
	for _, a := range fresh.Alerts {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		existing.Alerts = append(existing.Alerts, a)
		seen[a.ID] = struct{}{}
		added++
	}

	existing.RepresentativeAlert = representativeAlert(existing.Alerts)
	existing.MergedIndicators = mergeIndicators(existing.Alerts)
	existing.ImpactScore = impactScore(existing.Alerts)
	existing.Urgency = deriveUrgency(topSeverity(existing.Alerts), existing.ImpactScore)
	existing.Similarity = combinedSimilarity(existing.Similarity, fresh.Similarity)
	existing.Confidence = clusterConfidence(existing.Similarity, existing.Size())
	existing.UpdatedAt = time.Now().UTC()

	ce.logger.Debugw("Merged batch into recent cluster",
		"cluster_id", existing.ID,
		"added", added,
		"size", existing.Size())
}

func averageIntraSimilarity(matrix *similarityMatrix, group []int) float64 {
	if len(group) < 2 {
		return 0
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			sum += matrix.at(group[i], group[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

// representativeAlert picks the highest-severity member, breaking ties on
// confidence.
func representativeAlert(members []*core.Alert) *core.Alert {
	var best *core.Alert
	for _, a := range members {
		if best == nil {
			best = a
			continue
		}
		ra, rb := core.SeverityRank(a.Severity), core.SeverityRank(best.Severity)
		if ra > rb || (ra == rb && a.Confidence > best.Confidence) {
			best = a
		}
	}
	return best
}

// mergeIndicators unions member indicators; later members overwrite earlier
// ones on key collision.
func mergeIndicators(members []*core.Alert) map[string]string {
	merged := make(map[string]string)
	for _, a := range members {
		for k, v := range a.Indicators {
			merged[k] = v
		}
	}
	return merged
}

// impactScore is monotonic in member count, top severity and average member
// confidence.
func impactScore(members []*core.Alert) float64 {
	if len(members) == 0 {
		return 0
	}
	countFactor := float64(len(members)) / 10.0
	if countFactor > 1 {
		countFactor = 1
	}
	severityFactor := float64(core.SeverityRank(topSeverity(members))) / 4.0

	var confSum float64
	for _, a := range members {
		confSum += a.Confidence
	}
	avgConfidence := confSum / float64(len(members))

	return clamp01(0.35*countFactor + 0.45*severityFactor + 0.2*avgConfidence)
}

func topSeverity(members []*core.Alert) string {
	top := ""
	for _, a := range members {
		top = core.MaxSeverity(top, a.Severity)
	}
	return top
}

// deriveUrgency bands the top severity, bumped one band by a high impact
// score.
func deriveUrgency(severity string, impact float64) string {
	rank := core.SeverityRank(severity)
	if impact >= 0.75 && rank < 4 {
		rank++
	}
	switch rank {
	case 4:
		return core.UrgencyCritical
	case 3:
		return core.UrgencyHigh
	case 2:
		return core.UrgencyMedium
	default:
		return core.UrgencyLow
	}
}

// clusterConfidence is the average intra-cluster similarity with a small
// size bonus; larger tight clusters score higher, never below the raw
// average.
func clusterConfidence(avgSimilarity float64, size int) float64 {
	if size < 2 {
		return avgSimilarity
	}
	bonus := 0.02 * float64(size-2)
	if bonus > 0.1 {
		bonus = 0.1
	}
	return clamp01(avgSimilarity + bonus)
}

// combinedSimilarity blends the existing and incoming average similarities
// after a merge, floored at the lower of the two.
func combinedSimilarity(a, b float64) float64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	return (a + b) / 2
}

// describeCluster names a cluster from its dominant alert title and common
// tags.
func describeCluster(members []*core.Alert) (string, string) {
	titleCounts := make(map[string]int)
	for _, a := range members {
		if a.Title != "" {
			titleCounts[a.Title]++
		}
	}
	dominant := ""
	dominantCount := 0
	for title, count := range titleCounts {
		if count > dominantCount || (count == dominantCount && title < dominant) {
			dominant = title
			dominantCount = count
		}
	}
	if dominant == "" {
		dominant = "Correlated Alerts"
	}

	name := fmt.Sprintf("%s (%d alerts)", dominant, len(members))
	desc := fmt.Sprintf("Cluster of %d similar alerts, led by %q", len(members), dominant)
	if tags := commonTags(members); len(tags) > 0 {
		desc += ", common tags: " + strings.Join(tags, ", ")
	}
	return name, desc
}

// commonTags returns tags shared by every member, sorted.
func commonTags(members []*core.Alert) []string {
	if len(members) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, a := range members {
		seen := make(map[string]struct{}, len(a.Tags))
		for _, tag := range a.Tags {
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			counts[tag]++
		}
	}
	var common []string
	for tag, count := range counts {
		if count == len(members) {
			common = append(common, tag)
		}
	}
	sort.Strings(common)
	return common
}
