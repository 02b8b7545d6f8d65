package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bastion/cluster"
	"bastion/config"
	"bastion/core"
	"bastion/correlate"
	"bastion/detect"
	"bastion/storage"
	"bastion/util/goroutine"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// App represents the detection core with all its components wired together.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	SQLite     *storage.SQLite
	MongoDB    *storage.MongoDB
	ClickHouse *storage.ClickHouse
	History    *storage.ExecutionHistory
	Redis      *core.RedisCache

	// Pipeline
	EventCh   chan *core.Event
	Window    *detect.WindowBuffer
	Patterns  *detect.PatternMatcher
	Evaluator *detect.RuleEvaluator
	Detector  *detect.Detector
	Incidents *correlate.IncidentManager
	Clusters  *cluster.Runner

	metricsServer *http.Server
	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
}

// NewApp creates an application instance and initializes all components.
// Initialization is fail-fast: any storage or configuration error aborts
// startup.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := InitConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, sugar, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &App{
		Config: cfg,
		Logger: logger,
		Sugar:  sugar,
	}
	sugar.Info("Bastion detection core starting...")

	sqlite, err := storage.NewSQLite(cfg.SQLite.Path, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule store: %w", err)
	}
	app.SQLite = sqlite

	mongodb, err := storage.NewMongoDB(cfg, sugar)
	if err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to initialize MongoDB: %w", err)
	}
	app.MongoDB = mongodb

	clickhouse, err := storage.NewClickHouse(cfg, sugar)
	if err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to initialize ClickHouse: %w", err)
	}
	app.ClickHouse = clickhouse
	app.History = storage.NewExecutionHistory(clickhouse, cfg, sugar)

	if cfg.Redis.Enabled {
		redisCache := core.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, sugar)
		if err := redisCache.Ping(ctx); err != nil {
			sugar.Warnf("Redis unavailable, recent-cluster cache disabled: %v", err)
		} else {
			app.Redis = redisCache
		}
	}

	// Detection pipeline
	app.EventCh = make(chan *core.Event, cfg.Engine.ChannelBufferSize)
	app.Window = detect.NewWindowBuffer(cfg.Window.MaxAge, cfg.Window.MaxEventsPerKey)
	app.Patterns = detect.NewPatternMatcher(app.Window, cfg, sugar)

	evaluator, err := detect.NewRuleEvaluator(sqlite, app.History, app.History,
		cfg.Evaluator.RegexTimeout, cfg.Evaluator.QueryCacheSize, sugar)
	if err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to initialize rule evaluator: %w", err)
	}
	app.Evaluator = evaluator

	app.Incidents = correlate.NewIncidentManager(mongodb,
		cfg.Incidents.DedupWindow, cfg.Incidents.DefaultRelevance, sugar)

	handler := NewMatchHandler(app.Incidents, mongodb, cfg.Engine.StorageTimeout, sugar)
	app.Detector = detect.NewDetector(app.Window, app.Patterns, evaluator, handler,
		app.EventCh, cfg.Engine.WorkerCount, sugar)

	clusterEngine := cluster.NewClusteringEngine(cfg, sugar)
	app.Clusters = cluster.NewRunner(clusterEngine, mongodb, mongodb, app.Redis, cfg, sugar)

	return app, nil
}

// Start loads the rule set and launches the pipeline, the rule refresh loop,
// the clustering runner and the metrics endpoint.
func (a *App) Start(ctx context.Context) error {
	if err := a.Evaluator.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load initial rule set: %w", err)
	}
	a.Sugar.Infow("Rule set loaded", "rules", a.Evaluator.RuleCount())

	a.startRuleRefresh(ctx)
	a.Detector.Start(ctx)
	a.Clusters.Start(ctx)

	if a.Config.Metrics.Enabled {
		a.startMetricsServer()
	}

	a.Sugar.Infow("Bastion detection core started",
		"workers", a.Config.Engine.WorkerCount,
		"clustering_method", a.Config.Clustering.Method)
	return nil
}

// Submit feeds one normalized event into the pipeline, blocking while the
// channel is full.
func (a *App) Submit(event *core.Event) {
	a.EventCh <- event
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops components in dependency order: producers first, then the
// pipeline, then storage.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	if a.refreshCancel != nil {
		a.refreshCancel()
		<-a.refreshDone
	}

	if a.Detector != nil {
		a.Detector.Stop()
	}
	if a.EventCh != nil {
		close(a.EventCh)
	}
	if a.Clusters != nil {
		a.Clusters.Stop()
	}
	if a.History != nil {
		a.History.Close()
	}

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.Sugar.Warnf("Metrics server shutdown: %v", err)
		}
		cancel()
	}

	a.closeStorage()
	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

func (a *App) closeStorage() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Sugar.Warnf("Redis close: %v", err)
		}
	}
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			a.Sugar.Warnf("ClickHouse close: %v", err)
		}
	}
	if a.MongoDB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.MongoDB.Close(ctx); err != nil {
			a.Sugar.Warnf("MongoDB close: %v", err)
		}
		cancel()
	}
	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Sugar.Warnf("SQLite close: %v", err)
		}
	}
}

// startRuleRefresh reloads the rule set wholesale on the configured interval.
// A failed refresh keeps the previous rule set serving.
func (a *App) startRuleRefresh(ctx context.Context) {
	ctx, a.refreshCancel = context.WithCancel(ctx)
	a.refreshDone = make(chan struct{})

	go func() {
		defer goroutine.Recover("rule-refresh", a.Sugar)
		defer close(a.refreshDone)

		ticker := time.NewTicker(a.Config.Evaluator.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.Evaluator.Refresh(ctx); err != nil {
					a.Sugar.Warnf("Rule refresh failed, keeping previous rule set: %v", err)
				}
			}
		}
	}()
}

func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.metricsServer = &http.Server{
		Addr:              a.Config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		defer goroutine.Recover("metrics-server", a.Sugar)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Sugar.Errorw("Metrics server failed", "error", err)
		}
	}()
	a.Sugar.Infow("Metrics endpoint listening", "addr", a.Config.Metrics.Addr)
}
