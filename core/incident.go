package core

import (
	"time"

	"github.com/google/uuid"
)

// IncidentStatus represents the lifecycle status of an incident
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusResolved      IncidentStatus = "resolved"
)

// String returns the string representation
func (s IncidentStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentStatusOpen, IncidentStatusInvestigating, IncidentStatusResolved:
		return true
	default:
		return false
	}
}

// Incident is a correlated, deduplicated grouping of one or more triggering
// events tied to a single rule or pattern over time.
//
// Invariants: LastSeen >= FirstSeen and EventCount >= 1. At most one incident
// is open for a given (rule, asset, time window) combination; the incident
// manager's find-then-create protocol enforces this.
type Incident struct {
	ID             string                 `json:"id" bson:"_id"`
	RuleID         string                 `json:"rule_id,omitempty" bson:"rule_id,omitempty"`
	PatternID      string                 `json:"pattern_id,omitempty" bson:"pattern_id,omitempty"`
	IncidentType   string                 `json:"incident_type" bson:"incident_type"`
	Severity       string                 `json:"severity" bson:"severity"`
	Title          string                 `json:"title" bson:"title"`
	Description    string                 `json:"description" bson:"description"`
	Status         IncidentStatus         `json:"status" bson:"status"`
	FirstSeen      time.Time              `json:"first_seen" bson:"first_seen"`
	LastSeen       time.Time              `json:"last_seen" bson:"last_seen"`
	EventCount     int                    `json:"event_count" bson:"event_count"`
	AffectedAssets []string               `json:"affected_assets" bson:"affected_assets"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Resolution     string                 `json:"resolution,omitempty" bson:"resolution,omitempty"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" bson:"updated_at"`
}

// NewIncident creates an open incident seeded from its first triggering event
// timestamp.
func NewIncident(incidentType, severity, title string, firstSeen time.Time) *Incident {
	now := time.Now().UTC()
	return &Incident{
		ID:           uuid.New().String(),
		IncidentType: incidentType,
		Severity:     severity,
		Title:        title,
		Status:       IncidentStatusOpen,
		FirstSeen:    firstSeen,
		LastSeen:     firstSeen,
		EventCount:   1,
		Metadata:     make(map[string]interface{}),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IncidentEventLink records the incident-to-event join with the relevance the
// matcher assigned to the correlated event. (incident, event) pairs are
// unique; re-recording the same pair is a no-op at the storage layer.
type IncidentEventLink struct {
	IncidentID     string    `json:"incident_id" bson:"incident_id"`
	EventID        string    `json:"event_id" bson:"event_id"`
	RelevanceScore float64   `json:"relevance_score" bson:"relevance_score"`
	LinkedAt       time.Time `json:"linked_at" bson:"linked_at"`
}

// IncidentStats is a 30-day rollup of incident counts and resolution timing.
type IncidentStats struct {
	Total             int64            `json:"total"`
	ByStatus          map[string]int64 `json:"by_status"`
	BySeverity        map[string]int64 `json:"by_severity"`
	MeanResolutionSec float64          `json:"mean_resolution_seconds"`
}
