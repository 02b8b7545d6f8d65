package detect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bastion/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockRuleSource struct {
	mu    sync.Mutex
	rules []core.DetectionRule
	err   error
}

func (m *mockRuleSource) GetEnabledRules(ctx context.Context) ([]core.DetectionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]core.DetectionRule, len(m.rules))
	copy(out, m.rules)
	return out, nil
}

func (m *mockRuleSource) set(rules []core.DetectionRule, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = rules
	m.err = err
}

type mockExecutionSink struct {
	mu         sync.Mutex
	executions []core.RuleExecution
}

func (m *mockExecutionSink) RecordExecution(exec core.RuleExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, exec)
}

func (m *mockExecutionSink) all() []core.RuleExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.RuleExecution, len(m.executions))
	copy(out, m.executions)
	return out
}

type mockExecutionStats struct {
	executions, failures int64
	avgMs                float64
	err                  error
}

func (m *mockExecutionStats) GetExecutionStats(ctx context.Context, since time.Time) (int64, int64, float64, error) {
	return m.executions, m.failures, m.avgMs, m.err
}

func testRules() []core.DetectionRule {
	return []core.DetectionRule{
		{
			RuleID:         "rule-low",
			Title:          "Low severity rule",
			DetectionQuery: `user_name contains "admin"`,
			Level:          core.SeverityLow,
			Severity:       20,
			Category:       "authentication",
			Source:         core.RuleSourceCommunity,
			Enabled:        true,
		},
		{
			RuleID:         "rule-high",
			Title:          "High severity rule",
			DetectionQuery: `user_name contains "admin"`,
			Level:          core.SeverityHigh,
			Severity:       80,
			Category:       "authentication",
			Source:         core.RuleSourceCustom,
			Enabled:        true,
		},
		{
			RuleID:         "rule-process",
			Title:          "Process rule",
			DetectionQuery: `process_name startswith "powershell"`,
			Level:          core.SeverityMedium,
			Severity:       50,
			Category:       "process",
			Source:         core.RuleSourceCommunity,
			Enabled:        true,
		},
	}
}

func newTestEvaluator(t *testing.T, source RuleSource, sink ExecutionSink, stats ExecutionStats) *RuleEvaluator {
	t.Helper()
	re, err := NewRuleEvaluator(source, sink, stats, 500*time.Millisecond, 128, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return re
}

func adminEvent() *core.Event {
	ev := core.NewEvent()
	ev.Fields[core.FieldUserName] = "local-administrator"
	return ev
}

func TestEvaluator_MatchesSortedBySeverity(t *testing.T) {
	source := &mockRuleSource{}
	source.set(testRules(), nil)
	re := newTestEvaluator(t, source, nil, nil)
	require.NoError(t, re.Refresh(context.Background()))

	results := re.Evaluate(context.Background(), adminEvent())
	require.Len(t, results, 2)
	assert.Equal(t, "rule-high", results[0].RuleID)
	assert.Equal(t, "rule-low", results[1].RuleID)
	for _, r := range results {
		assert.True(t, r.Matched)
		assert.Empty(t, r.Error)
	}
}

func TestEvaluator_SeverityTieBrokenByLoadOrder(t *testing.T) {
	rules := []core.DetectionRule{
		{RuleID: "first", DetectionQuery: `user_name contains "admin"`, Severity: 50, Enabled: true},
		{RuleID: "second", DetectionQuery: `user_name contains "admin"`, Severity: 50, Enabled: true},
	}
	source := &mockRuleSource{}
	source.set(rules, nil)
	re := newTestEvaluator(t, source, nil, nil)
	require.NoError(t, re.Refresh(context.Background()))

	results := re.Evaluate(context.Background(), adminEvent())
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].RuleID)
	assert.Equal(t, "second", results[1].RuleID)
}

func TestEvaluator_CategoryFilter(t *testing.T) {
	source := &mockRuleSource{}
	source.set(testRules(), nil)
	re := newTestEvaluator(t, source, nil, nil)
	require.NoError(t, re.Refresh(context.Background()))

	ev := adminEvent()
	results := re.Evaluate(context.Background(), ev, "process")
	assert.Empty(t, results)

	results = re.Evaluate(context.Background(), ev, "authentication")
	assert.Len(t, results, 2)
}

func TestEvaluator_NoMatchForOtherUser(t *testing.T) {
	source := &mockRuleSource{}
	source.set(testRules(), nil)
	re := newTestEvaluator(t, source, nil, nil)
	require.NoError(t, re.Refresh(context.Background()))

	ev := core.NewEvent()
	ev.Fields[core.FieldUserName] = "jsmith"
	assert.Empty(t, re.Evaluate(context.Background(), ev))
}

func TestEvaluator_InvalidRegexReportedNotFatal(t *testing.T) {
	rules := append(testRules(), core.DetectionRule{
		RuleID:         "rule-bad-regex",
		Title:          "Broken rule",
		DetectionQuery: `raw_data matches regex "("`,
		Level:          core.SeverityCritical,
		Severity:       95,
		Enabled:        true,
	})
	source := &mockRuleSource{}
	source.set(rules, nil)
	re := newTestEvaluator(t, source, nil, nil)
	require.NoError(t, re.Refresh(context.Background()))

	results := re.Evaluate(context.Background(), adminEvent())
	require.Len(t, results, 3)

	// Highest severity first, so the broken rule's error result leads.
	assert.Equal(t, "rule-bad-regex", results[0].RuleID)
	assert.False(t, results[0].Matched)
	assert.NotEmpty(t, results[0].Error)
	assert.True(t, results[1].Matched)
}

func TestEvaluator_RefreshFailureKeepsOldRules(t *testing.T) {
	source := &mockRuleSource{}
	source.set(testRules(), nil)
	re := newTestEvaluator(t, source, nil, nil)
	require.NoError(t, re.Refresh(context.Background()))
	require.Equal(t, 3, re.RuleCount())

	source.set(nil, errors.New("store unavailable"))
	assert.Error(t, re.Refresh(context.Background()))
	assert.Equal(t, 3, re.RuleCount(), "old rule set must stay active")
	assert.Len(t, re.Evaluate(context.Background(), adminEvent()), 2)
}

func TestEvaluator_RefreshSwapsAtomically(t *testing.T) {
	source := &mockRuleSource{}
	source.set(testRules(), nil)
	re := newTestEvaluator(t, source, nil, nil)
	require.NoError(t, re.Refresh(context.Background()))

	replacement := []core.DetectionRule{{
		RuleID:         "only-rule",
		DetectionQuery: `user_name == "nobody"`,
		Severity:       10,
		Enabled:        true,
	}}
	source.set(replacement, nil)
	require.NoError(t, re.Refresh(context.Background()))

	assert.Equal(t, 1, re.RuleCount())
	assert.Empty(t, re.Evaluate(context.Background(), adminEvent()))
	_, ok := re.GetRule("only-rule")
	assert.True(t, ok)
	_, ok = re.GetRule("rule-high")
	assert.False(t, ok)
}

func TestEvaluator_EmptyIndexEvaluatesToNothing(t *testing.T) {
	re := newTestEvaluator(t, &mockRuleSource{}, nil, nil)
	assert.Empty(t, re.Evaluate(context.Background(), adminEvent()))
}

func TestEvaluator_ExecutionHistoryRecorded(t *testing.T) {
	source := &mockRuleSource{}
	source.set(testRules(), nil)
	sink := &mockExecutionSink{}
	re := newTestEvaluator(t, source, sink, nil)
	require.NoError(t, re.Refresh(context.Background()))

	re.Evaluate(context.Background(), adminEvent())

	execs := sink.all()
	require.Len(t, execs, 3, "every candidate rule records an execution")

	matches := 0
	for _, e := range execs {
		assert.False(t, e.ExecutedAt.IsZero())
		matches += e.MatchesFound
	}
	assert.Equal(t, 2, matches)
}

func TestEvaluator_GetMetrics(t *testing.T) {
	source := &mockRuleSource{}
	source.set(testRules(), nil)
	stats := &mockExecutionStats{executions: 120, failures: 3, avgMs: 1.25}
	re := newTestEvaluator(t, source, nil, stats)
	require.NoError(t, re.Refresh(context.Background()))

	m := re.GetMetrics(context.Background())
	assert.Equal(t, 3, m.TotalRules)
	assert.Equal(t, 2, m.RulesBySource[core.RuleSourceCommunity])
	assert.Equal(t, 1, m.RulesBySource[core.RuleSourceCustom])
	assert.Equal(t, 1, m.RulesBySeverity[core.SeverityHigh])
	assert.Equal(t, int64(120), m.Executions24h)
	assert.Equal(t, int64(3), m.Failures24h)
	assert.InDelta(t, 1.25, m.AvgExecutionMs, 1e-9)
}

func TestEvaluator_StatsFailureDegrades(t *testing.T) {
	source := &mockRuleSource{}
	source.set(testRules(), nil)
	stats := &mockExecutionStats{err: errors.New("clickhouse down")}
	re := newTestEvaluator(t, source, nil, stats)
	require.NoError(t, re.Refresh(context.Background()))

	m := re.GetMetrics(context.Background())
	assert.Equal(t, 3, m.TotalRules)
	assert.Zero(t, m.Executions24h)
	assert.Zero(t, m.AvgExecutionMs)
}
