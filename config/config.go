package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Bastion detection core
type Config struct {
	Window struct {
		// MaxAge bounds how far back the sliding buffer retains events.
		// Must cover the largest detector window.
		MaxAge time.Duration `mapstructure:"max_age"`
		// MaxEventsPerKey caps per-key buffer size; eviction is oldest-first.
		MaxEventsPerKey int `mapstructure:"max_events_per_key"`
	} `mapstructure:"window"`

	Patterns struct {
		BruteForceWindow    time.Duration `mapstructure:"brute_force_window"`
		BruteForceThreshold int           `mapstructure:"brute_force_threshold"`
		PrivEscWindow       time.Duration `mapstructure:"priv_esc_window"`
		PrivEscThreshold    int           `mapstructure:"priv_esc_threshold"`
		LateralWindow       time.Duration `mapstructure:"lateral_window"`
		LateralHostCount    int           `mapstructure:"lateral_host_count"`
		ExfilWindow         time.Duration `mapstructure:"exfil_window"`
		ExfilThreshold      int           `mapstructure:"exfil_threshold"`
	} `mapstructure:"patterns"`

	Evaluator struct {
		// RefreshInterval drives the wholesale rule reload schedule.
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
		// RegexTimeout bounds a single regex match against operator input.
		RegexTimeout time.Duration `mapstructure:"regex_timeout"`
		// QueryCacheSize is the LRU capacity for compiled detection queries.
		QueryCacheSize int `mapstructure:"query_cache_size"`
	} `mapstructure:"evaluator"`

	Incidents struct {
		// DedupWindow is how far back an open incident's last_seen may be for
		// a new match to attach to it instead of opening a new incident.
		DedupWindow time.Duration `mapstructure:"dedup_window"`
		// DefaultRelevance is recorded on incident-event links when the
		// matcher supplies no relevance score.
		DefaultRelevance float64 `mapstructure:"default_relevance"`
	} `mapstructure:"incidents"`

	Clustering struct {
		Method              string        `mapstructure:"method"`
		SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
		MinClusterSize      int           `mapstructure:"min_cluster_size"`
		MaxClusterSize      int           `mapstructure:"max_cluster_size"`
		TemporalWindow      time.Duration `mapstructure:"temporal_window"`
		RecentWindow        time.Duration `mapstructure:"recent_window"`
		PassBudget          time.Duration `mapstructure:"pass_budget"`
		PassInterval        time.Duration `mapstructure:"pass_interval"`
		BatchSize           int           `mapstructure:"batch_size"`
		Weights             struct {
			Title     float64 `mapstructure:"title"`
			Content   float64 `mapstructure:"content"`
			Temporal  float64 `mapstructure:"temporal"`
			Spatial   float64 `mapstructure:"spatial"`
			Indicator float64 `mapstructure:"indicator"`
			Tactic    float64 `mapstructure:"tactic"`
			Technique float64 `mapstructure:"technique"`
		} `mapstructure:"weights"`
	} `mapstructure:"clustering"`

	Engine struct {
		ChannelBufferSize int `mapstructure:"channel_buffer_size"`
		WorkerCount       int `mapstructure:"worker_count"`
		// StorageTimeout wraps persistence calls to the external stores.
		StorageTimeout time.Duration `mapstructure:"storage_timeout"`
	} `mapstructure:"engine"`

	MongoDB struct {
		URI         string `mapstructure:"uri"`
		Database    string `mapstructure:"database"`
		MaxPoolSize uint64 `mapstructure:"max_pool_size"`
	} `mapstructure:"mongodb"`

	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	ClickHouse struct {
		Addr          string        `mapstructure:"addr"`
		Database      string        `mapstructure:"database"`
		Username      string        `mapstructure:"username"`
		Password      string        `mapstructure:"password"`
		MaxPoolSize   int           `mapstructure:"max_pool_size"`
		BatchSize     int           `mapstructure:"batch_size"`
		FlushInterval time.Duration `mapstructure:"flush_interval"`
	} `mapstructure:"clickhouse"`

	Redis struct {
		Enabled  bool          `mapstructure:"enabled"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		PoolSize int           `mapstructure:"pool_size"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Logging struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"logging"`
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("window.max_age", 24*time.Hour)
	viper.SetDefault("window.max_events_per_key", 10000)

	viper.SetDefault("patterns.brute_force_window", 10*time.Minute)
	viper.SetDefault("patterns.brute_force_threshold", 5)
	viper.SetDefault("patterns.priv_esc_window", 1*time.Hour)
	viper.SetDefault("patterns.priv_esc_threshold", 3)
	viper.SetDefault("patterns.lateral_window", 30*time.Minute)
	viper.SetDefault("patterns.lateral_host_count", 3)
	viper.SetDefault("patterns.exfil_window", 15*time.Minute)
	viper.SetDefault("patterns.exfil_threshold", 50)

	viper.SetDefault("evaluator.refresh_interval", 5*time.Minute)
	viper.SetDefault("evaluator.regex_timeout", 500*time.Millisecond)
	viper.SetDefault("evaluator.query_cache_size", 2048)

	viper.SetDefault("incidents.dedup_window", 30*time.Minute)
	viper.SetDefault("incidents.default_relevance", 0.8)

	viper.SetDefault("clustering.method", "hybrid")
	viper.SetDefault("clustering.similarity_threshold", 0.7)
	viper.SetDefault("clustering.min_cluster_size", 2)
	viper.SetDefault("clustering.max_cluster_size", 50)
	viper.SetDefault("clustering.temporal_window", 4*time.Hour)
	viper.SetDefault("clustering.recent_window", 24*time.Hour)
	viper.SetDefault("clustering.pass_budget", 2*time.Minute)
	viper.SetDefault("clustering.pass_interval", 10*time.Minute)
	viper.SetDefault("clustering.batch_size", 1000)
	viper.SetDefault("clustering.weights.title", 0.2)
	viper.SetDefault("clustering.weights.content", 0.1)
	viper.SetDefault("clustering.weights.temporal", 0.15)
	viper.SetDefault("clustering.weights.spatial", 0.2)
	viper.SetDefault("clustering.weights.indicator", 0.15)
	viper.SetDefault("clustering.weights.tactic", 0.1)
	viper.SetDefault("clustering.weights.technique", 0.1)

	viper.SetDefault("engine.channel_buffer_size", 1000)
	viper.SetDefault("engine.worker_count", 4)
	viper.SetDefault("engine.storage_timeout", 5*time.Second)

	viper.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	viper.SetDefault("mongodb.database", "bastion")
	viper.SetDefault("mongodb.max_pool_size", 10)

	viper.SetDefault("sqlite.path", "./data/bastion.db")

	viper.SetDefault("clickhouse.addr", "localhost:9000")
	viper.SetDefault("clickhouse.database", "bastion")
	viper.SetDefault("clickhouse.username", "default")
	viper.SetDefault("clickhouse.password", "")
	viper.SetDefault("clickhouse.max_pool_size", 10)
	viper.SetDefault("clickhouse.batch_size", 500)
	viper.SetDefault("clickhouse.flush_interval", 5*time.Second)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.ttl", 15*time.Minute)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.addr", ":9109")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.development", false)
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	setDefaults()

	viper.SetConfigName("bastion")
	viper.SetConfigType("yaml")
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/bastion")
	}

	viper.SetEnvPrefix("BASTION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults plus env carry the load.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration invariants. Configuration failures are fatal
// at startup.
func (c *Config) Validate() error {
	switch c.Clustering.Method {
	case "dbscan", "hierarchical", "hybrid":
	default:
		return fmt.Errorf("invalid clustering method %q (want dbscan, hierarchical or hybrid)", c.Clustering.Method)
	}

	if c.Clustering.SimilarityThreshold <= 0 || c.Clustering.SimilarityThreshold > 1 {
		return fmt.Errorf("clustering.similarity_threshold must be in (0,1], got %v", c.Clustering.SimilarityThreshold)
	}
	if c.Clustering.MinClusterSize < 1 {
		return fmt.Errorf("clustering.min_cluster_size must be >= 1, got %d", c.Clustering.MinClusterSize)
	}
	if c.Clustering.MaxClusterSize < c.Clustering.MinClusterSize {
		return fmt.Errorf("clustering.max_cluster_size %d below min_cluster_size %d",
			c.Clustering.MaxClusterSize, c.Clustering.MinClusterSize)
	}

	weights := []struct {
		name  string
		value float64
	}{
		{"title", c.Clustering.Weights.Title},
		{"content", c.Clustering.Weights.Content},
		{"temporal", c.Clustering.Weights.Temporal},
		{"spatial", c.Clustering.Weights.Spatial},
		{"indicator", c.Clustering.Weights.Indicator},
		{"tactic", c.Clustering.Weights.Tactic},
		{"technique", c.Clustering.Weights.Technique},
	}
	for _, w := range weights {
		if w.value < 0 || w.value > 1 {
			return fmt.Errorf("clustering.weights.%s must be in [0,1], got %v", w.name, w.value)
		}
	}

	if c.Window.MaxAge <= 0 {
		return fmt.Errorf("window.max_age must be positive, got %v", c.Window.MaxAge)
	}
	largest := c.Patterns.BruteForceWindow
	for _, w := range []time.Duration{c.Patterns.PrivEscWindow, c.Patterns.LateralWindow, c.Patterns.ExfilWindow} {
		if w > largest {
			largest = w
		}
	}
	if c.Window.MaxAge < largest {
		return fmt.Errorf("window.max_age %v does not cover the largest detector window %v", c.Window.MaxAge, largest)
	}

	if c.Incidents.DedupWindow <= 0 {
		return fmt.Errorf("incidents.dedup_window must be positive, got %v", c.Incidents.DedupWindow)
	}
	if c.Incidents.DefaultRelevance < 0 || c.Incidents.DefaultRelevance > 1 {
		return fmt.Errorf("incidents.default_relevance must be in [0,1], got %v", c.Incidents.DefaultRelevance)
	}

	if c.Evaluator.RefreshInterval <= 0 {
		return fmt.Errorf("evaluator.refresh_interval must be positive, got %v", c.Evaluator.RefreshInterval)
	}
	if c.Engine.WorkerCount < 1 {
		return fmt.Errorf("engine.worker_count must be >= 1, got %d", c.Engine.WorkerCount)
	}

	return nil
}
