package detect

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"bastion/core"
	"bastion/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// RuleSource is the external rule store contract: a readable collection of
// detection rules, re-fetchable on demand for a full reload.
type RuleSource interface {
	GetEnabledRules(ctx context.Context) ([]core.DetectionRule, error)
}

// ExecutionSink receives append-only rule execution history for metrics.
// Implementations must not block the detection path; failures are logged
// locally and never surfaced to the evaluator.
type ExecutionSink interface {
	RecordExecution(exec core.RuleExecution)
}

// ExecutionStats reads back aggregated execution history for GetMetrics.
type ExecutionStats interface {
	GetExecutionStats(ctx context.Context, since time.Time) (executions, failures int64, avgMs float64, err error)
}

// ruleIndex is one immutable generation of loaded rules. Refresh builds a new
// index and swaps it atomically; in-flight evaluations keep the generation
// they started with, so there is never a partial or mixed view.
type ruleIndex struct {
	ordered    []core.DetectionRule
	byID       map[string]*core.DetectionRule
	byCategory map[string][]*core.DetectionRule
	compiled   map[string]*compiledQuery
	loadedAt   time.Time
}

type compiledQuery struct {
	query *Query
	err   error
}

// RuleEvaluator holds the in-memory index of enabled detection rules and
// evaluates the query sublanguage against single events.
type RuleEvaluator struct {
	source       RuleSource
	sink         ExecutionSink
	stats        ExecutionStats
	regexTimeout time.Duration
	queryCache   *lru.Cache[string, *compiledQuery]
	index        atomic.Pointer[ruleIndex]
	logger       *zap.SugaredLogger
}

// NewRuleEvaluator creates an evaluator with an empty rule index; call
// Refresh to load rules. sink and stats may be nil, disabling execution
// history and the 24h metrics rollup respectively.
func NewRuleEvaluator(source RuleSource, sink ExecutionSink, stats ExecutionStats, regexTimeout time.Duration, queryCacheSize int, logger *zap.SugaredLogger) (*RuleEvaluator, error) {
	if queryCacheSize < 1 {
		queryCacheSize = 1024
	}
	cache, err := lru.New[string, *compiledQuery](queryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	re := &RuleEvaluator{
		source:       source,
		sink:         sink,
		stats:        stats,
		regexTimeout: regexTimeout,
		queryCache:   cache,
		logger:       logger,
	}
	re.index.Store(&ruleIndex{
		byID:       make(map[string]*core.DetectionRule),
		byCategory: make(map[string][]*core.DetectionRule),
		compiled:   make(map[string]*compiledQuery),
	})
	return re, nil
}

// Refresh performs a wholesale, non-incremental reload: the prior index is
// replaced atomically once the new one is fully built. On a source failure
// the previous rule set stays active and the error is returned.
//
// The refresh trigger is externally driven (a scheduler calls Refresh) so the
// evaluator stays testable without real timers.
func (re *RuleEvaluator) Refresh(ctx context.Context) error {
	rules, err := re.source.GetEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	idx := &ruleIndex{
		ordered:    rules,
		byID:       make(map[string]*core.DetectionRule, len(rules)),
		byCategory: make(map[string][]*core.DetectionRule),
		compiled:   make(map[string]*compiledQuery, len(rules)),
		loadedAt:   time.Now().UTC(),
	}

	for i := range idx.ordered {
		rule := &idx.ordered[i]
		idx.byID[rule.RuleID] = rule
		if rule.Category != "" {
			idx.byCategory[rule.Category] = append(idx.byCategory[rule.Category], rule)
		}
		idx.compiled[rule.RuleID] = re.compile(rule.DetectionQuery)
	}

	re.index.Store(idx)
	re.logger.Infow("Rule index refreshed",
		"rules", len(rules),
		"categories", len(idx.byCategory))
	return nil
}

// compile returns the compiled query for a query string, reusing prior
// compilations across refreshes via the LRU so a reload that re-delivers
// unchanged rules does not recompile every regex.
func (re *RuleEvaluator) compile(queryText string) *compiledQuery {
	if cached, ok := re.queryCache.Get(queryText); ok {
		return cached
	}
	q, err := CompileQuery(queryText, re.regexTimeout)
	cq := &compiledQuery{query: q, err: err}
	re.queryCache.Add(queryText, cq)
	return cq
}

// Evaluate runs candidate rules against one event and returns a result per
// match or per-rule failure. Candidates are all loaded rules, or only those
// in the given categories; they are evaluated in severity-descending order
// with ties broken by load order. Evaluate never fails: per-rule errors are
// reported in-line and an unloaded index yields an empty result.
func (re *RuleEvaluator) Evaluate(ctx context.Context, event *core.Event, categories ...string) []core.RuleResult {
	idx := re.index.Load()

	var candidates []*core.DetectionRule
	if len(categories) == 0 {
		candidates = make([]*core.DetectionRule, 0, len(idx.ordered))
		for i := range idx.ordered {
			candidates = append(candidates, &idx.ordered[i])
		}
	} else {
		for _, cat := range categories {
			candidates = append(candidates, idx.byCategory[cat]...)
		}
	}

	// Load order is preserved within equal severities by the stable sort.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Severity > candidates[j].Severity
	})

	var results []core.RuleResult
	for _, rule := range candidates {
		if ctx.Err() != nil {
			break
		}
		if result := re.evaluateRule(idx, rule, event); result != nil {
			results = append(results, *result)
		}
	}
	return results
}

// evaluateRule evaluates one rule, recording timing and execution history.
// A nil return means the rule did not match and did not fail.
func (re *RuleEvaluator) evaluateRule(idx *ruleIndex, rule *core.DetectionRule, event *core.Event) *core.RuleResult {
	start := time.Now()

	cq := idx.compiled[rule.RuleID]
	if cq == nil {
		cq = re.compile(rule.DetectionQuery)
	}

	var matched bool
	var evalErr error
	if cq.err != nil {
		evalErr = cq.err
	} else {
		matched = func() (m bool) {
			defer func() {
				if r := recover(); r != nil {
					evalErr = fmt.Errorf("rule evaluation panic: %v", r)
					m = false
				}
			}()
			return cq.query.Match(event)
		}()
	}

	elapsed := time.Since(start)
	elapsedMs := float64(elapsed.Microseconds()) / 1000.0
	metrics.RuleEvaluationDuration.Observe(elapsed.Seconds())

	outcome := "no_match"
	matchesFound := 0
	if matched {
		outcome = "match"
		matchesFound = 1
	}
	errMsg := ""
	if evalErr != nil {
		outcome = "error"
		errMsg = evalErr.Error()
	}
	metrics.RuleEvaluations.WithLabelValues(outcome).Inc()

	// Execution history is fire-and-forget; the sink owns batching and
	// failure handling so a metrics outage never blocks detection.
	if re.sink != nil {
		re.sink.RecordExecution(core.RuleExecution{
			RuleID:          rule.RuleID,
			ExecutionTimeMs: elapsedMs,
			MatchesFound:    matchesFound,
			ExecutedAt:      start.UTC(),
			ErrorMessage:    errMsg,
		})
	}

	if !matched && evalErr == nil {
		return nil
	}

	return &core.RuleResult{
		RuleID:          rule.RuleID,
		Title:           rule.Title,
		Level:           rule.Level,
		Severity:        rule.Severity,
		Category:        rule.Category,
		MitreTechniques: rule.MitreTechniques,
		MitreTactics:    rule.MitreTactics,
		Matched:         matched,
		ExecutionTimeMs: elapsedMs,
		Error:           errMsg,
		EvaluatedAt:     start.UTC(),
	}
}

// GetRule returns a loaded rule by ID.
func (re *RuleEvaluator) GetRule(id string) (*core.DetectionRule, bool) {
	rule, ok := re.index.Load().byID[id]
	return rule, ok
}

// RuleCount returns the number of loaded rules.
func (re *RuleEvaluator) RuleCount() int {
	return len(re.index.Load().ordered)
}

// GetMetrics aggregates rule counts and 24h execution statistics. A stats
// backend failure degrades to rule counts only.
func (re *RuleEvaluator) GetMetrics(ctx context.Context) core.EvaluatorMetrics {
	idx := re.index.Load()

	m := core.EvaluatorMetrics{
		TotalRules:      len(idx.ordered),
		EnabledRules:    len(idx.ordered), // the source only delivers enabled rules
		RulesBySource:   make(map[string]int),
		RulesBySeverity: make(map[string]int),
		LastRefreshedAt: idx.loadedAt,
	}
	for i := range idx.ordered {
		rule := &idx.ordered[i]
		m.RulesBySource[rule.Source]++
		m.RulesBySeverity[rule.Level]++
	}

	if re.stats != nil {
		since := time.Now().Add(-24 * time.Hour)
		executions, failures, avgMs, err := re.stats.GetExecutionStats(ctx, since)
		if err != nil {
			re.logger.Warnf("Failed to read execution stats: %v", err)
		} else {
			m.Executions24h = executions
			m.Failures24h = failures
			m.AvgExecutionMs = avgMs
		}
	}
	return m
}
