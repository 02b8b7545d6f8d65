package core

import (
	"time"

	"github.com/google/uuid"
)

// Alert is a single detection output entering the clustering path. Alerts may
// originate from incidents or from other detection sources; they carry a
// superset of incident-shaped data.
type Alert struct {
	ID              string            `json:"id" bson:"_id"`
	Title           string            `json:"title" bson:"title"`
	Description     string            `json:"description" bson:"description"`
	Severity        string            `json:"severity" bson:"severity"`
	Source          string            `json:"source" bson:"source"`
	Timestamp       time.Time         `json:"timestamp" bson:"timestamp"`
	RuleID          string            `json:"rule_id,omitempty" bson:"rule_id,omitempty"`
	RuleName        string            `json:"rule_name,omitempty" bson:"rule_name,omitempty"`
	Indicators      map[string]string `json:"indicators,omitempty" bson:"indicators,omitempty"`
	Tags            []string          `json:"tags,omitempty" bson:"tags,omitempty"`
	IPAddresses     []string          `json:"ip_addresses,omitempty" bson:"ip_addresses,omitempty"`
	Usernames       []string          `json:"usernames,omitempty" bson:"usernames,omitempty"`
	Processes       []string          `json:"processes,omitempty" bson:"processes,omitempty"`
	Files           []string          `json:"files,omitempty" bson:"files,omitempty"`
	Domains         []string          `json:"domains,omitempty" bson:"domains,omitempty"`
	MitreTactics    []string          `json:"mitre_tactics,omitempty" bson:"mitre_tactics,omitempty"`
	MitreTechniques []string          `json:"mitre_techniques,omitempty" bson:"mitre_techniques,omitempty"`
	RiskScore       float64           `json:"risk_score" bson:"risk_score"`
	Confidence      float64           `json:"confidence" bson:"confidence"`
}

// NewAlert creates an Alert with a generated ID and current timestamp.
func NewAlert(title, severity, source string) *Alert {
	return &Alert{
		ID:         uuid.New().String(),
		Title:      title,
		Severity:   severity,
		Source:     source,
		Timestamp:  time.Now().UTC(),
		Indicators: make(map[string]string),
	}
}

// ClusterStatus represents the lifecycle status of an alert cluster
type ClusterStatus string

const (
	ClusterStatusNew           ClusterStatus = "new"
	ClusterStatusInvestigating ClusterStatus = "investigating"
	ClusterStatusResolved      ClusterStatus = "resolved"
	ClusterStatusFalsePositive ClusterStatus = "false_positive"
)

// IsValid checks if the status is valid
func (s ClusterStatus) IsValid() bool {
	switch s {
	case ClusterStatusNew, ClusterStatusInvestigating, ClusterStatusResolved, ClusterStatusFalsePositive:
		return true
	default:
		return false
	}
}

// AlertCluster is a set of alerts grouped by similarity. Clusters are created
// by a clustering pass, possibly merged with a recent cluster in subsequent
// passes, and mutated in place; the core never deletes them.
type AlertCluster struct {
	ID                  string            `json:"id" bson:"_id"`
	ClusterID           string            `json:"cluster_id" bson:"cluster_id"`
	Name                string            `json:"name" bson:"name"`
	Description         string            `json:"description" bson:"description"`
	Alerts              []*Alert          `json:"alerts" bson:"alerts"`
	RepresentativeAlert *Alert            `json:"representative_alert" bson:"representative_alert"`
	ClusteringMethod    string            `json:"clustering_method" bson:"clustering_method"`
	Similarity          float64           `json:"similarity" bson:"similarity"`
	Confidence          float64           `json:"confidence" bson:"confidence"`
	MergedIndicators    map[string]string `json:"merged_indicators,omitempty" bson:"merged_indicators,omitempty"`
	ImpactScore         float64           `json:"impact_score" bson:"impact_score"`
	Urgency             string            `json:"urgency" bson:"urgency"`
	Status              ClusterStatus     `json:"status" bson:"status"`
	CreatedAt           time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at" bson:"updated_at"`
}

// Size returns the number of member alerts.
func (c *AlertCluster) Size() int {
	return len(c.Alerts)
}

// SimilarityScore is the ephemeral pairwise result of the similarity engine.
// Every component and the overall score lie in [0,1].
type SimilarityScore struct {
	Overall   float64 `json:"overall"`
	Title     float64 `json:"title"`
	Content   float64 `json:"content"`
	Temporal  float64 `json:"temporal"`
	Spatial   float64 `json:"spatial"`
	Indicator float64 `json:"indicator"`
	Tactic    float64 `json:"tactic"`
	Technique float64 `json:"technique"`
}
