package core

// Severity levels used across rules, pattern matches, incidents and alerts.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// severityRanks orders severities for sorting and comparison. Unknown
// severities rank below low so they sort last.
var severityRanks = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityRank returns the numeric rank of a severity level (higher is more
// severe). Unknown levels return 0.
func SeverityRank(severity string) int {
	return severityRanks[severity]
}

// MaxSeverity returns the more severe of two severity levels.
func MaxSeverity(a, b string) string {
	if SeverityRank(b) > SeverityRank(a) {
		return b
	}
	return a
}

// Pattern types recognized by the pattern matcher.
const (
	PatternBruteForce          = "brute_force"
	PatternPrivilegeEscalation = "privilege_escalation"
	PatternLateralMovement     = "lateral_movement"
	PatternDataExfiltration    = "data_exfiltration"
)

// Clustering methods supported by the cluster engine.
const (
	ClusteringMethodDBSCAN       = "dbscan"
	ClusteringMethodHierarchical = "hierarchical"
	ClusteringMethodHybrid       = "hybrid"
)

// Urgency bands derived for clusters.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)
