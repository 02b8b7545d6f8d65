package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"bastion/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, method string) *ClusteringEngine {
	t.Helper()
	cfg := testConfig(t)
	cfg.Clustering.Method = method
	return NewClusteringEngine(cfg, zaptest.NewLogger(t).Sugar())
}

// batchAlert builds an alert belonging to one of a few distinct attack
// families so tests can control which alerts should group together.
func batchAlert(family string, n int, ts time.Time) *core.Alert {
	a := core.NewAlert(
		fmt.Sprintf("%s Activity Detected", family),
		core.SeverityHigh,
		"bastion",
	)
	a.ID = fmt.Sprintf("%s-%d", family, n)
	a.Timestamp = ts
	a.IPAddresses = []string{fmt.Sprintf("10.0.%s.5", family[:1])}
	a.MitreTechniques = []string{"T1110"}
	a.Confidence = 0.8
	a.Tags = []string{family}
	return a
}

func distinctAlert(n int, ts time.Time) *core.Alert {
	a := core.NewAlert(fmt.Sprintf("Unrelated Finding Number %d With Unique Words %d%d", n, n, n),
		core.SeverityLow, "bastion")
	a.ID = fmt.Sprintf("solo-%d", n)
	a.Timestamp = ts.Add(time.Duration(n) * 5 * time.Hour)
	a.IPAddresses = []string{fmt.Sprintf("172.16.%d.%d", n, n)}
	a.MitreTechniques = []string{fmt.Sprintf("T9%03d", n)}
	return a
}

func memberIDs(clusters []*core.AlertCluster) map[string]int {
	counts := make(map[string]int)
	for _, c := range clusters {
		for _, a := range c.Alerts {
			counts[a.ID]++
		}
	}
	return counts
}

func TestClustering_Completeness(t *testing.T) {
	for _, method := range []string{core.ClusteringMethodDBSCAN, core.ClusteringMethodHierarchical, core.ClusteringMethodHybrid} {
		t.Run(method, func(t *testing.T) {
			engine := newTestEngine(t, method)
			now := time.Now()

			var alerts []*core.Alert
			for i := 0; i < 4; i++ {
				alerts = append(alerts, batchAlert("bruteforce", i, now.Add(time.Duration(i)*time.Minute)))
			}
			for i := 0; i < 3; i++ {
				alerts = append(alerts, distinctAlert(i, now))
			}

			result, err := engine.Cluster(context.Background(), alerts, nil)
			require.NoError(t, err)
			require.Empty(t, result.Updated)

			counts := memberIDs(result.Created)
			assert.Len(t, counts, len(alerts), "no alert dropped")
			for id, n := range counts {
				assert.Equal(t, 1, n, "alert %s appears exactly once", id)
			}
		})
	}
}

func TestClustering_DBSCANGroupsDenseAlerts(t *testing.T) {
	engine := newTestEngine(t, core.ClusteringMethodDBSCAN)
	now := time.Now()

	var alerts []*core.Alert
	for i := 0; i < 5; i++ {
		alerts = append(alerts, batchAlert("bruteforce", i, now.Add(time.Duration(i)*time.Minute)))
	}
	alerts = append(alerts, distinctAlert(0, now))

	result, err := engine.Cluster(context.Background(), alerts, nil)
	require.NoError(t, err)
	require.Len(t, result.Created, 2)

	var dense, noise *core.AlertCluster
	for _, c := range result.Created {
		if c.Size() > 1 {
			dense = c
		} else {
			noise = c
		}
	}
	require.NotNil(t, dense)
	require.NotNil(t, noise)
	assert.Equal(t, 5, dense.Size())
	assert.GreaterOrEqual(t, dense.Size(), 2)
	assert.LessOrEqual(t, dense.Size(), 50)
	assert.Equal(t, "solo-0", noise.Alerts[0].ID, "outlier becomes a singleton cluster")
}

func TestClustering_HierarchicalRespectsMaxSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.Clustering.Method = core.ClusteringMethodHierarchical
	cfg.Clustering.MaxClusterSize = 3
	engine := NewClusteringEngine(cfg, zaptest.NewLogger(t).Sugar())

	now := time.Now()
	var alerts []*core.Alert
	for i := 0; i < 7; i++ {
		alerts = append(alerts, batchAlert("bruteforce", i, now.Add(time.Duration(i)*time.Minute)))
	}

	result, err := engine.Cluster(context.Background(), alerts, nil)
	require.NoError(t, err)
	for _, c := range result.Created {
		assert.LessOrEqual(t, c.Size(), 3)
	}
	counts := memberIDs(result.Created)
	assert.Len(t, counts, 7)
}

func TestClustering_ScenarioTwoNearIdenticalAlerts(t *testing.T) {
	for _, method := range []string{core.ClusteringMethodDBSCAN, core.ClusteringMethodHierarchical, core.ClusteringMethodHybrid} {
		t.Run(method, func(t *testing.T) {
			engine := newTestEngine(t, method)
			now := time.Now()

			a := bruteForceAlert(now)
			a.ID = "alert-a"
			b := bruteForceAlert(now.Add(3 * time.Minute))
			b.ID = "alert-b"

			result, err := engine.Cluster(context.Background(), []*core.Alert{a, b}, nil)
			require.NoError(t, err)
			require.Len(t, result.Created, 1)

			c := result.Created[0]
			assert.Equal(t, 2, c.Size())
			assert.Greater(t, c.Similarity, 0.9)
			assert.Greater(t, c.Confidence, 0.9)
		})
	}
}

func TestClustering_Materialization(t *testing.T) {
	engine := newTestEngine(t, core.ClusteringMethodHybrid)
	now := time.Now()

	a := bruteForceAlert(now)
	a.ID = "alert-a"
	a.Severity = core.SeverityMedium
	a.Indicators = map[string]string{"src_ip": "10.0.0.5"}
	a.Tags = []string{"auth", "external"}

	b := bruteForceAlert(now.Add(time.Minute))
	b.ID = "alert-b"
	b.Severity = core.SeverityCritical
	b.Confidence = 0.95
	b.Indicators = map[string]string{"src_ip": "10.0.0.5", "target_user": "admin"}
	b.Tags = []string{"auth"}

	result, err := engine.Cluster(context.Background(), []*core.Alert{a, b}, nil)
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	c := result.Created[0]

	assert.Equal(t, "alert-b", c.RepresentativeAlert.ID, "highest severity member is representative")
	assert.Equal(t, map[string]string{"src_ip": "10.0.0.5", "target_user": "admin"}, c.MergedIndicators)
	assert.Equal(t, core.UrgencyCritical, c.Urgency)
	assert.Greater(t, c.ImpactScore, 0.5)
	assert.Contains(t, c.Name, "Brute Force Attack Detected")
	assert.Contains(t, c.Description, "auth")
	assert.Equal(t, core.ClusterStatusNew, c.Status)
	assert.NotEmpty(t, c.ID)
}

func TestClustering_ImpactScoreMonotonicInCount(t *testing.T) {
	engine := newTestEngine(t, core.ClusteringMethodHybrid)
	now := time.Now()

	small := []*core.Alert{batchAlert("bruteforce", 0, now), batchAlert("bruteforce", 1, now)}
	large := append([]*core.Alert{}, small...)
	for i := 2; i < 8; i++ {
		large = append(large, batchAlert("bruteforce", i, now))
	}
	_ = engine

	assert.Greater(t, impactScore(large), impactScore(small))
}

func TestClustering_ReconcileMergesIntoRecentCluster(t *testing.T) {
	engine := newTestEngine(t, core.ClusteringMethodHybrid)
	now := time.Now()

	existingMembers := []*core.Alert{bruteForceAlert(now.Add(-30 * time.Minute)), bruteForceAlert(now.Add(-25 * time.Minute))}
	existingMembers[0].ID = "old-a"
	existingMembers[1].ID = "old-b"
	existing := &core.AlertCluster{
		ID:                  "existing-cluster",
		ClusterID:           "existing-cluster",
		Alerts:              existingMembers,
		RepresentativeAlert: existingMembers[0],
		Similarity:          0.95,
		Status:              core.ClusterStatusInvestigating,
		CreatedAt:           now.Add(-time.Hour),
	}

	fresh := []*core.Alert{bruteForceAlert(now), bruteForceAlert(now.Add(time.Minute))}
	fresh[0].ID = "new-a"
	fresh[1].ID = "new-b"

	result, err := engine.Cluster(context.Background(), fresh, []*core.AlertCluster{existing})
	require.NoError(t, err)
	assert.Empty(t, result.Created)
	require.Len(t, result.Updated, 1)

	merged := result.Updated[0]
	assert.Equal(t, "existing-cluster", merged.ID)
	assert.Equal(t, 4, merged.Size())
	assert.Equal(t, core.ClusterStatusInvestigating, merged.Status, "merge preserves status")
}

func TestClustering_MergeDeduplicatesAlerts(t *testing.T) {
	engine := newTestEngine(t, core.ClusteringMethodHybrid)
	now := time.Now()

	shared := bruteForceAlert(now)
	shared.ID = "shared"
	existing := &core.AlertCluster{
		ID:                  "existing-cluster",
		Alerts:              []*core.Alert{shared},
		RepresentativeAlert: shared,
		Status:              core.ClusterStatusNew,
	}

	other := bruteForceAlert(now.Add(time.Minute))
	other.ID = "other"
	result, err := engine.Cluster(context.Background(), []*core.Alert{shared, other}, []*core.AlertCluster{existing})
	require.NoError(t, err)
	require.Len(t, result.Updated, 1)
	assert.Equal(t, 2, result.Updated[0].Size(), "shared alert is not duplicated")
}

func TestClustering_SaturatedClusterStopsMerging(t *testing.T) {
	cfg := testConfig(t)
	cfg.Clustering.Method = core.ClusteringMethodHybrid
	cfg.Clustering.MaxClusterSize = 2
	engine := NewClusteringEngine(cfg, zaptest.NewLogger(t).Sugar())
	now := time.Now()

	var members []*core.Alert
	for i := 0; i < 4; i++ {
		m := bruteForceAlert(now.Add(-time.Duration(i) * time.Minute))
		m.ID = fmt.Sprintf("old-%d", i)
		members = append(members, m)
	}
	saturated := &core.AlertCluster{
		ID:                  "saturated",
		Alerts:              members,
		RepresentativeAlert: members[0],
		Status:              core.ClusterStatusNew,
	}

	fresh := []*core.Alert{bruteForceAlert(now), bruteForceAlert(now.Add(time.Minute))}
	fresh[0].ID = "new-a"
	fresh[1].ID = "new-b"

	result, err := engine.Cluster(context.Background(), fresh, []*core.AlertCluster{saturated})
	require.NoError(t, err)
	assert.Empty(t, result.Updated)
	require.Len(t, result.Created, 1, "saturated cluster no longer absorbs batches")
}

func TestClustering_CancelledContext(t *testing.T) {
	engine := newTestEngine(t, core.ClusteringMethodHybrid)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Cluster(ctx, []*core.Alert{bruteForceAlert(time.Now())}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClustering_EmptyBatch(t *testing.T) {
	engine := newTestEngine(t, core.ClusteringMethodHybrid)
	result, err := engine.Cluster(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Created)
	assert.Empty(t, result.Updated)
}

func TestDeriveUrgency(t *testing.T) {
	assert.Equal(t, core.UrgencyCritical, deriveUrgency(core.SeverityCritical, 0.2))
	assert.Equal(t, core.UrgencyCritical, deriveUrgency(core.SeverityHigh, 0.8), "high impact bumps the band")
	assert.Equal(t, core.UrgencyHigh, deriveUrgency(core.SeverityHigh, 0.2))
	assert.Equal(t, core.UrgencyMedium, deriveUrgency(core.SeverityMedium, 0.1))
	assert.Equal(t, core.UrgencyLow, deriveUrgency(core.SeverityLow, 0.1))
}
