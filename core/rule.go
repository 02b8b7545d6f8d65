package core

import "time"

// Rule sources.
const (
	RuleSourceCommunity = "community"
	RuleSourceCustom    = "custom"
)

// RuleAggregation describes an optional aggregation clause on a detection
// rule (count of a field over a window compared against a threshold).
type RuleAggregation struct {
	Field     string  `json:"field" bson:"field"`
	Operation string  `json:"operation" bson:"operation"`
	Threshold float64 `json:"threshold" bson:"threshold"`
}

// DetectionRule is a community or operator-authored detection rule. Rules are
// loaded in bulk from the rule store and are immutable between refreshes.
type DetectionRule struct {
	RuleID          string           `json:"rule_id" bson:"rule_id"`
	Title           string           `json:"title" bson:"title"`
	Description     string           `json:"description,omitempty" bson:"description,omitempty"`
	DetectionQuery  string           `json:"detection_query" bson:"detection_query"`
	Level           string           `json:"level" bson:"level"`
	Severity        int              `json:"severity" bson:"severity"`
	MitreTechniques []string         `json:"mitre_techniques,omitempty" bson:"mitre_techniques,omitempty"`
	MitreTactics    []string         `json:"mitre_tactics,omitempty" bson:"mitre_tactics,omitempty"`
	Category        string           `json:"category" bson:"category"`
	Source          string           `json:"source" bson:"source"`
	Enabled         bool             `json:"enabled" bson:"enabled"`
	Aggregation     *RuleAggregation `json:"aggregation,omitempty" bson:"aggregation,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at" bson:"updated_at"`
}

// RuleResult is the outcome of evaluating one rule against one event. Results
// are produced for matches and for per-rule evaluation failures; rules that
// simply do not match produce no result.
type RuleResult struct {
	RuleID          string    `json:"rule_id"`
	Title           string    `json:"title"`
	Level           string    `json:"level"`
	Severity        int       `json:"severity"`
	Category        string    `json:"category"`
	MitreTechniques []string  `json:"mitre_techniques,omitempty"`
	MitreTactics    []string  `json:"mitre_tactics,omitempty"`
	Matched         bool      `json:"matched"`
	ExecutionTimeMs float64   `json:"execution_time_ms"`
	Error           string    `json:"error,omitempty"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

// RuleExecution is one row of the append-only rule execution history used for
// evaluator metrics.
type RuleExecution struct {
	RuleID          string    `json:"rule_id"`
	ExecutionTimeMs float64   `json:"execution_time_ms"`
	MatchesFound    int       `json:"matches_found"`
	ExecutedAt      time.Time `json:"executed_at"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// EvaluatorMetrics aggregates rule counts and 24h execution statistics.
type EvaluatorMetrics struct {
	TotalRules      int            `json:"total_rules"`
	EnabledRules    int            `json:"enabled_rules"`
	RulesBySource   map[string]int `json:"rules_by_source"`
	RulesBySeverity map[string]int `json:"rules_by_severity"`
	Executions24h   int64          `json:"executions_24h"`
	Failures24h     int64          `json:"failures_24h"`
	AvgExecutionMs  float64        `json:"avg_execution_ms"`
	LastRefreshedAt time.Time      `json:"last_refreshed_at"`
}
