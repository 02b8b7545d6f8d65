package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_events_processed_total",
			Help: "Total number of events run through the detection pipeline",
		},
	)

	PatternMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_pattern_matches_total",
			Help: "Total number of pattern detector matches",
		},
		[]string{"pattern"},
	)

	PatternDetectorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_pattern_detector_failures_total",
			Help: "Total number of recovered pattern detector panics",
		},
		[]string{"pattern"},
	)

	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_rule_evaluations_total",
			Help: "Total number of rule evaluations by outcome",
		},
		[]string{"outcome"},
	)

	RuleEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_rule_evaluation_duration_seconds",
			Help:    "Time taken to evaluate a single rule against an event",
			Buckets: prometheus.DefBuckets,
		},
	)

	IncidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_incidents_created_total",
			Help: "Total number of incidents created",
		},
		[]string{"severity"},
	)

	IncidentsUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_incidents_updated_total",
			Help: "Total number of correlated matches attached to open incidents",
		},
	)

	ClusteringPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_clustering_passes_total",
			Help: "Total number of clustering passes by outcome",
		},
		[]string{"outcome"},
	)

	ClusteringPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_clustering_pass_duration_seconds",
			Help:    "Time taken by a full clustering pass",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
	)

	ClustersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_clusters_active",
			Help: "Number of clusters produced or updated by the last pass",
		},
	)

	ExecutionHistoryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_execution_history_failures_total",
			Help: "Total number of rule execution history writes that failed",
		},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_cache_errors_total",
			Help: "Total number of cache errors",
		},
		[]string{"cache", "operation"},
	)

	WindowEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_window_evictions_total",
			Help: "Total number of events evicted from the sliding window buffer",
		},
	)
)
