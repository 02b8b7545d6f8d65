package cluster

import (
	"context"
	"time"

	"bastion/config"
	"bastion/core"
	"bastion/metrics"
	"bastion/util/goroutine"

	"go.uber.org/zap"
)

// AlertSource supplies the bounded alert batches the runner clusters.
type AlertSource interface {
	// GetRecentAlerts returns up to limit alerts observed at or after since,
	// oldest first.
	GetRecentAlerts(ctx context.Context, since time.Time, limit int) ([]*core.Alert, error)
}

// ClusterStorage is the external cluster persistence contract.
type ClusterStorage interface {
	StoreCluster(ctx context.Context, cluster *core.AlertCluster) error
	UpdateCluster(ctx context.Context, cluster *core.AlertCluster) error
	// GetRecentClusters returns clusters updated at or after since.
	GetRecentClusters(ctx context.Context, since time.Time) ([]*core.AlertCluster, error)
	GetClustersByStatus(ctx context.Context, status core.ClusterStatus) ([]*core.AlertCluster, error)
	DeleteCluster(ctx context.Context, id string) error
}

// Runner schedules clustering passes. Each pass reads a bounded alert batch,
// clusters it against the recent-cluster set and persists the result within a
// configurable time budget; work that does not fit the budget waits for the
// next pass.
type Runner struct {
	engine  *ClusteringEngine
	source  AlertSource
	storage ClusterStorage
	cache   *core.RedisCache

	interval     time.Duration
	budget       time.Duration
	batchSize    int
	recentWindow time.Duration
	cacheTTL     time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.SugaredLogger
}

// NewRunner creates a clustering pass runner. cache may be nil, in which case
// the recent-cluster set is always read from storage.
func NewRunner(engine *ClusteringEngine, source AlertSource, storage ClusterStorage, cache *core.RedisCache, cfg *config.Config, logger *zap.SugaredLogger) *Runner {
	return &Runner{
		engine:       engine,
		source:       source,
		storage:      storage,
		cache:        cache,
		interval:     cfg.Clustering.PassInterval,
		budget:       cfg.Clustering.PassBudget,
		batchSize:    cfg.Clustering.BatchSize,
		recentWindow: cfg.Clustering.RecentWindow,
		cacheTTL:     cfg.Redis.TTL,
		logger:       logger,
	}
}

// Start launches the pass loop. The first pass runs after one full interval.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer goroutine.Recover("clustering-runner", r.logger)
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunPass(ctx)
			}
		}
	}()
	r.logger.Infow("Clustering runner started",
		"interval", r.interval,
		"budget", r.budget,
		"batch_size", r.batchSize)
}

// Stop halts the pass loop and waits for an in-flight pass to finish or hit
// its budget.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Infow("Clustering runner stopped")
}

// RunPass executes one clustering pass under the configured time budget.
func (r *Runner) RunPass(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, r.budget)
	defer cancel()

	start := time.Now()
	err := r.pass(ctx)
	duration := time.Since(start)
	metrics.ClusteringPassDuration.Observe(duration.Seconds())

	switch {
	case err == nil:
		metrics.ClusteringPasses.WithLabelValues("success").Inc()
	case ctx.Err() != nil:
		metrics.ClusteringPasses.WithLabelValues("deadline").Inc()
		r.logger.Warnw("Clustering pass hit its time budget, deferring remaining work",
			"budget", r.budget,
			"duration", duration)
	default:
		metrics.ClusteringPasses.WithLabelValues("error").Inc()
		r.logger.Errorw("Clustering pass failed", "error", err)
	}
}

func (r *Runner) pass(ctx context.Context) error {
	since := time.Now().Add(-r.recentWindow)
	alerts, err := r.source.GetRecentAlerts(ctx, since, r.batchSize)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return nil
	}

	recent, err := r.recentClusters(ctx, since)
	if err != nil {
		return err
	}

	result, err := r.engine.Cluster(ctx, alerts, recent)
	if err != nil {
		return err
	}

	for _, c := range result.Created {
		if err := r.storage.StoreCluster(ctx, c); err != nil {
			return err
		}
	}
	for _, c := range result.Updated {
		if err := r.storage.UpdateCluster(ctx, c); err != nil {
			return err
		}
	}
	metrics.ClustersActive.Set(float64(len(result.Created) + len(result.Updated)))

	if r.cache != nil && len(result.Created)+len(result.Updated) > 0 {
		if err := r.cache.InvalidateRecentClusters(ctx); err != nil {
			metrics.CacheErrors.WithLabelValues("redis", "invalidate").Inc()
			r.logger.Warnf("Failed to invalidate recent-cluster cache: %v", err)
		}
	}

	r.logger.Infow("Clustering pass complete",
		"alerts", len(alerts),
		"created", len(result.Created),
		"updated", len(result.Updated))
	return nil
}

// recentClusters reads the reconcile set, preferring the cache and falling
// back to storage on a miss or cache failure.
func (r *Runner) recentClusters(ctx context.Context, since time.Time) ([]*core.AlertCluster, error) {
	if r.cache != nil {
		cached, err := r.cache.GetRecentClusters(ctx)
		if err == nil {
			return cached, nil
		}
		if !core.IsCacheMiss(err) {
			metrics.CacheErrors.WithLabelValues("redis", "get").Inc()
			r.logger.Warnf("Recent-cluster cache read failed, falling back to storage: %v", err)
		}
	}

	recent, err := r.storage.GetRecentClusters(ctx, since)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.SetRecentClusters(ctx, recent, r.cacheTTL); err != nil {
			metrics.CacheErrors.WithLabelValues("redis", "set").Inc()
			r.logger.Warnf("Failed to cache recent clusters: %v", err)
		}
	}
	return recent, nil
}
