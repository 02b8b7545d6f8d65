package correlate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bastion/core"
	"bastion/metrics"

	"go.uber.org/zap"
)

// IncidentStorage is the external incident persistence contract. The core
// defines the query shape, not the storage engine.
type IncidentStorage interface {
	InsertIncident(ctx context.Context, incident *core.Incident) error
	UpdateIncident(ctx context.Context, incident *core.Incident) error
	// FindOpenIncidents returns open incidents for a rule or pattern key
	// whose last_seen is at or after since.
	FindOpenIncidents(ctx context.Context, key string, since time.Time) ([]core.Incident, error)
	GetIncidentByID(ctx context.Context, id string) (*core.Incident, error)
	// GetActiveIncidents returns open and investigating incidents.
	GetActiveIncidents(ctx context.Context) ([]core.Incident, error)
	// LinkEvent records the incident-event join; duplicate (incident, event)
	// pairs must be idempotent no-ops.
	LinkEvent(ctx context.Context, link core.IncidentEventLink) error
	// GetIncidentStats aggregates counts by status and severity plus mean
	// resolution time for incidents created at or after since.
	GetIncidentStats(ctx context.Context, since time.Time) (*core.IncidentStats, error)
}

// IncidentManager creates, deduplicates and transitions incidents. The
// find-then-create sequence is serialized per dedup key so two concurrent
// matches for the same (rule, asset, window) cannot both create incidents.
type IncidentManager struct {
	storage          IncidentStorage
	dedupWindow      time.Duration
	defaultRelevance float64
	logger           *zap.SugaredLogger

	// Per-key mutexes for the find-then-create critical section. Keys are
	// rule/pattern IDs, so the map stays small and entries are not reaped.
	locks sync.Map // string -> *sync.Mutex
}

// NewIncidentManager creates an incident manager.
func NewIncidentManager(storage IncidentStorage, dedupWindow time.Duration, defaultRelevance float64, logger *zap.SugaredLogger) *IncidentManager {
	if defaultRelevance <= 0 {
		defaultRelevance = 0.8
	}
	return &IncidentManager{
		storage:          storage,
		dedupWindow:      dedupWindow,
		defaultRelevance: defaultRelevance,
		logger:           logger,
	}
}

// HandlePatternMatch correlates a pattern match into an incident.
func (im *IncidentManager) HandlePatternMatch(ctx context.Context, match *core.PatternMatch) error {
	event := match.TriggeringEvent()
	if event == nil {
		return fmt.Errorf("pattern match %s has no events", match.ID)
	}

	return im.correlate(ctx, matchContext{
		key:          match.PatternType,
		patternID:    match.PatternType,
		incidentType: match.PatternType,
		severity:     match.Severity,
		title:        match.Name,
		description:  fmt.Sprintf("Pattern %s matched %d events", match.PatternType, len(match.MatchedEvents)),
		relevance:    match.RelevanceScore,
		event:        event,
	})
}

// HandleRuleMatch correlates a detection rule match into an incident.
func (im *IncidentManager) HandleRuleMatch(ctx context.Context, result core.RuleResult, event *core.Event) error {
	severity := result.Level
	if core.SeverityRank(severity) == 0 {
		severity = core.SeverityMedium
	}
	return im.correlate(ctx, matchContext{
		key:          result.RuleID,
		ruleID:       result.RuleID,
		incidentType: "rule_match",
		severity:     severity,
		title:        result.Title,
		description:  fmt.Sprintf("Detection rule %s matched", result.RuleID),
		relevance:    im.defaultRelevance,
		event:        event,
	})
}

type matchContext struct {
	key          string
	ruleID       string
	patternID    string
	incidentType string
	severity     string
	title        string
	description  string
	relevance    float64
	event        *core.Event
}

// correlate runs the dedup-then-update protocol: search for an open incident
// on the same key within the dedup window sharing an affected asset, update
// it if found, create a new incident otherwise.
func (im *IncidentManager) correlate(ctx context.Context, mc matchContext) error {
	mu := im.lockFor(mc.key)
	mu.Lock()
	defer mu.Unlock()

	assets := deriveAssets(mc.event)
	existing, err := im.findOpenIncident(ctx, mc.key, assets, mc.event.SourceIdentifier)
	if err != nil {
		return err
	}

	if existing != nil {
		return im.attach(ctx, existing, mc)
	}
	return im.create(ctx, mc, assets)
}

// findOpenIncident searches open incidents on the key within the dedup
// window whose affected assets intersect the new event's assets, or whose
// stored source_identifier metadata matches. The two strategies are OR'ed,
// preserving upstream behavior. Multiple open matches violate the dedup
// invariant; the most recently updated one wins and a warning is logged.
func (im *IncidentManager) findOpenIncident(ctx context.Context, key string, assets []string, sourceIdentifier string) (*core.Incident, error) {
	since := time.Now().Add(-im.dedupWindow)
	candidates, err := im.storage.FindOpenIncidents(ctx, key, since)
	if err != nil {
		return nil, fmt.Errorf("failed to search open incidents: %w", err)
	}

	var matched []core.Incident
	for _, inc := range candidates {
		if inc.Status != core.IncidentStatusOpen {
			continue
		}
		if assetsOverlap(inc.AffectedAssets, assets) || metadataSourceMatches(inc.Metadata, sourceIdentifier) {
			matched = append(matched, inc)
		}
	}

	if len(matched) == 0 {
		return nil, nil
	}
	if len(matched) > 1 {
		im.logger.Warnw("Multiple open incidents matched dedup search, picking most recently updated",
			"key", key,
			"count", len(matched))
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		})
	}
	return &matched[0], nil
}

// attach records a correlated match on an existing open incident.
func (im *IncidentManager) attach(ctx context.Context, inc *core.Incident, mc matchContext) error {
	inc.LastSeen = mc.event.Timestamp
	inc.EventCount++
	inc.UpdatedAt = time.Now().UTC()
	inc.Severity = core.MaxSeverity(inc.Severity, mc.severity)
	inc.AffectedAssets = unionAssets(inc.AffectedAssets, deriveAssets(mc.event))
	if inc.Metadata == nil {
		inc.Metadata = make(map[string]interface{})
	}
	inc.Metadata["last_match_event_id"] = mc.event.EventID
	if mc.event.SourceIdentifier != "" {
		inc.Metadata["source_identifier"] = mc.event.SourceIdentifier
	}

	if err := im.storage.UpdateIncident(ctx, inc); err != nil {
		return fmt.Errorf("failed to update incident %s: %w", inc.ID, err)
	}

	im.linkEvent(ctx, inc.ID, mc)
	metrics.IncidentsUpdated.Inc()
	im.logger.Debugw("Correlated match attached to incident",
		"incident_id", inc.ID,
		"event_count", inc.EventCount)
	return nil
}

// create opens a new incident for an uncorrelated match.
func (im *IncidentManager) create(ctx context.Context, mc matchContext, assets []string) error {
	inc := core.NewIncident(mc.incidentType, mc.severity, mc.title, mc.event.Timestamp)
	inc.RuleID = mc.ruleID
	inc.PatternID = mc.patternID
	inc.Description = mc.description
	inc.AffectedAssets = assets
	if mc.event.SourceIdentifier != "" {
		inc.Metadata["source_identifier"] = mc.event.SourceIdentifier
	}

	if err := im.storage.InsertIncident(ctx, inc); err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}

	im.linkEvent(ctx, inc.ID, mc)
	metrics.IncidentsCreated.WithLabelValues(inc.Severity).Inc()
	im.logger.Infow("Incident created",
		"incident_id", inc.ID,
		"type", inc.IncidentType,
		"severity", inc.Severity)
	return nil
}

// linkEvent records the incident-event join. Link failures degrade the audit
// trail, not the correlation path.
func (im *IncidentManager) linkEvent(ctx context.Context, incidentID string, mc matchContext) {
	relevance := mc.relevance
	if relevance <= 0 {
		relevance = im.defaultRelevance
	}
	link := core.IncidentEventLink{
		IncidentID:     incidentID,
		EventID:        mc.event.EventID,
		RelevanceScore: relevance,
		LinkedAt:       time.Now().UTC(),
	}
	if err := im.storage.LinkEvent(ctx, link); err != nil {
		im.logger.Warnf("Failed to link event %s to incident %s: %v", mc.event.EventID, incidentID, err)
	}
}

// UpdateIncidentStatus transitions an incident, validating the state machine
// and stamping resolved_at only on transitions into resolved.
func (im *IncidentManager) UpdateIncidentStatus(ctx context.Context, id string, status core.IncidentStatus, resolution string) (*core.Incident, error) {
	inc, err := im.storage.GetIncidentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := inc.TransitionTo(status, resolution); err != nil {
		return nil, err
	}
	if err := im.storage.UpdateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("failed to persist status change: %w", err)
	}
	return inc, nil
}

// GetIncidentByID returns a single incident.
func (im *IncidentManager) GetIncidentByID(ctx context.Context, id string) (*core.Incident, error) {
	return im.storage.GetIncidentByID(ctx, id)
}

// GetActiveIncidents returns open and investigating incidents ordered by
// severity descending, then recency descending.
func (im *IncidentManager) GetActiveIncidents(ctx context.Context) ([]core.Incident, error) {
	incidents, err := im.storage.GetActiveIncidents(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(incidents, func(i, j int) bool {
		ri, rj := core.SeverityRank(incidents[i].Severity), core.SeverityRank(incidents[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return incidents[i].LastSeen.After(incidents[j].LastSeen)
	})
	return incidents, nil
}

// GetIncidentStats returns the 30-day incident rollup.
func (im *IncidentManager) GetIncidentStats(ctx context.Context) (*core.IncidentStats, error) {
	since := time.Now().Add(-30 * 24 * time.Hour)
	return im.storage.GetIncidentStats(ctx, since)
}

func (im *IncidentManager) lockFor(key string) *sync.Mutex {
	mu, _ := im.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// deriveAssets extracts host, user and IP identifiers from an event.
func deriveAssets(event *core.Event) []string {
	var assets []string
	for _, v := range []string{event.ComputerName(), event.UserName(), event.SourceIP(), event.DestinationIP()} {
		if v != "" {
			assets = append(assets, v)
		}
	}
	return assets
}

func assetsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func unionAssets(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range append(a, b...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func metadataSourceMatches(metadata map[string]interface{}, sourceIdentifier string) bool {
	if sourceIdentifier == "" || metadata == nil {
		return false
	}
	stored, ok := metadata["source_identifier"].(string)
	return ok && stored == sourceIdentifier
}
