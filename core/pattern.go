package core

import "github.com/google/uuid"

// PatternMatch is the ephemeral result of a pattern detector recognizing a
// known attack shape in the event window. Matches are consumed by the
// incident manager and never persisted directly.
type PatternMatch struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	PatternType    string   `json:"pattern_type"`
	Severity       string   `json:"severity"`
	MatchedEvents  []*Event `json:"matched_events"`
	RelevanceScore float64  `json:"relevance_score"`
}

// NewPatternMatch creates a PatternMatch with a generated ID.
func NewPatternMatch(name, patternType, severity string, events []*Event, score float64) *PatternMatch {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return &PatternMatch{
		ID:             uuid.New().String(),
		Name:           name,
		PatternType:    patternType,
		Severity:       severity,
		MatchedEvents:  events,
		RelevanceScore: score,
	}
}

// TriggeringEvent returns the most recent matched event, which is the event
// whose arrival produced this match.
func (m *PatternMatch) TriggeringEvent() *Event {
	if len(m.MatchedEvents) == 0 {
		return nil
	}
	return m.MatchedEvents[len(m.MatchedEvents)-1]
}
