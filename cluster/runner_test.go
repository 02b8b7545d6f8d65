package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"bastion/core"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockAlertSource struct {
	mu     sync.Mutex
	alerts []*core.Alert
}

func (s *mockAlertSource) GetRecentAlerts(_ context.Context, _ time.Time, limit int) ([]*core.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.alerts) > limit {
		return s.alerts[:limit], nil
	}
	return s.alerts, nil
}

type mockClusterStorage struct {
	mu       sync.Mutex
	clusters map[string]*core.AlertCluster
	stores   int
	updates  int
	reads    int
}

func newMockClusterStorage() *mockClusterStorage {
	return &mockClusterStorage{clusters: make(map[string]*core.AlertCluster)}
}

func (s *mockClusterStorage) StoreCluster(_ context.Context, c *core.AlertCluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters[c.ID] = c
	s.stores++
	return nil
}

func (s *mockClusterStorage) UpdateCluster(_ context.Context, c *core.AlertCluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters[c.ID] = c
	s.updates++
	return nil
}

func (s *mockClusterStorage) GetRecentClusters(_ context.Context, since time.Time) ([]*core.AlertCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	var out []*core.AlertCluster
	for _, c := range s.clusters {
		if !c.UpdatedAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *mockClusterStorage) GetClustersByStatus(_ context.Context, status core.ClusterStatus) ([]*core.AlertCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.AlertCluster
	for _, c := range s.clusters {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *mockClusterStorage) DeleteCluster(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clusters, id)
	return nil
}

func newTestRunner(t *testing.T, source AlertSource, storage ClusterStorage, cache *core.RedisCache) *Runner {
	t.Helper()
	cfg := testConfig(t)
	engine := NewClusteringEngine(cfg, zaptest.NewLogger(t).Sugar())
	return NewRunner(engine, source, storage, cache, cfg, zaptest.NewLogger(t).Sugar())
}

func newTestRedisCache(t *testing.T) *core.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return core.NewRedisCacheWithClient(client, zaptest.NewLogger(t).Sugar())
}

func TestRunner_PassStoresClusters(t *testing.T) {
	now := time.Now()
	source := &mockAlertSource{alerts: []*core.Alert{
		bruteForceAlert(now), bruteForceAlert(now.Add(time.Minute)),
	}}
	storage := newMockClusterStorage()
	runner := newTestRunner(t, source, storage, nil)

	runner.RunPass(context.Background())

	assert.Equal(t, 1, storage.stores)
	assert.Equal(t, 0, storage.updates)
}

func TestRunner_SecondPassMergesIntoStoredCluster(t *testing.T) {
	now := time.Now()
	source := &mockAlertSource{alerts: []*core.Alert{
		bruteForceAlert(now), bruteForceAlert(now.Add(time.Minute)),
	}}
	storage := newMockClusterStorage()
	runner := newTestRunner(t, source, storage, nil)

	runner.RunPass(context.Background())
	require.Equal(t, 1, storage.stores)

	source.mu.Lock()
	source.alerts = []*core.Alert{
		bruteForceAlert(now.Add(5 * time.Minute)),
		bruteForceAlert(now.Add(6 * time.Minute)),
	}
	source.mu.Unlock()

	runner.RunPass(context.Background())
	assert.Equal(t, 1, storage.stores, "no duplicate cluster for the same campaign")
	assert.Equal(t, 1, storage.updates)
}

func TestRunner_EmptyBatchIsNoop(t *testing.T) {
	storage := newMockClusterStorage()
	runner := newTestRunner(t, &mockAlertSource{}, storage, nil)

	runner.RunPass(context.Background())
	assert.Equal(t, 0, storage.stores)
	assert.Equal(t, 0, storage.reads, "recent clusters are not fetched for an empty batch")
}

func TestRunner_CachePopulatedAndInvalidated(t *testing.T) {
	now := time.Now()
	cache := newTestRedisCache(t)
	source := &mockAlertSource{alerts: []*core.Alert{
		bruteForceAlert(now), bruteForceAlert(now.Add(time.Minute)),
	}}
	storage := newMockClusterStorage()
	runner := newTestRunner(t, source, storage, cache)

	// First pass: cache miss, storage read, then invalidation after the write.
	runner.RunPass(context.Background())
	assert.Equal(t, 1, storage.reads)
	_, err := cache.GetRecentClusters(context.Background())
	assert.True(t, core.IsCacheMiss(err), "cache invalidated after a mutating pass")

	// The read-through path repopulates the cache and serves the next read
	// without touching storage.
	since := time.Now().Add(-time.Hour)
	recent, err := runner.recentClusters(context.Background(), since)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	assert.Equal(t, 2, storage.reads)

	again, err := runner.recentClusters(context.Background(), since)
	require.NoError(t, err)
	assert.Len(t, again, 1)
	assert.Equal(t, 2, storage.reads, "second read served from cache")
}

func TestRunner_StartStop(t *testing.T) {
	storage := newMockClusterStorage()
	runner := newTestRunner(t, &mockAlertSource{}, storage, nil)

	runner.Start(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
