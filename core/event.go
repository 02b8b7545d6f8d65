package core

import (
	"time"

	"github.com/google/uuid"
)

// Event represents the common event schema for all ingested security events.
// Events are created by the ingestion layer and are read-only to the
// detection core.
type Event struct {
	EventID          string                 `json:"event_id" bson:"event_id"`
	Timestamp        time.Time              `json:"timestamp" bson:"timestamp"`
	SourceIdentifier string                 `json:"source_identifier" bson:"source_identifier"`
	EventCode        string                 `json:"event_code" bson:"event_code"`
	Fields           map[string]interface{} `json:"fields" bson:"fields"`
	RawData          string                 `json:"raw_data" bson:"raw_data"`
}

// Well-known normalized field names populated by ingestion.
const (
	FieldUserName      = "user_name"
	FieldSourceIP      = "source_ip"
	FieldDestinationIP = "destination_ip"
	FieldComputerName  = "computer_name"
	FieldAuthResult    = "auth_result"
	FieldEventCategory = "event_category"
)

// NewEvent creates a new Event with a generated UUID
func NewEvent() *Event {
	return &Event{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Fields:    make(map[string]interface{}),
	}
}

// StringField returns the named normalized field as a string, or "" if the
// field is missing or not a string.
func (e *Event) StringField(name string) string {
	if e.Fields == nil {
		return ""
	}
	if v, ok := e.Fields[name].(string); ok {
		return v
	}
	return ""
}

// UserName returns the normalized user name field.
func (e *Event) UserName() string { return e.StringField(FieldUserName) }

// SourceIP returns the normalized source IP field.
func (e *Event) SourceIP() string { return e.StringField(FieldSourceIP) }

// DestinationIP returns the normalized destination IP field.
func (e *Event) DestinationIP() string { return e.StringField(FieldDestinationIP) }

// ComputerName returns the normalized computer name field.
func (e *Event) ComputerName() string { return e.StringField(FieldComputerName) }
