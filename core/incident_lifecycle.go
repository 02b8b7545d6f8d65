package core

import (
	"errors"
	"fmt"
	"time"
)

// validIncidentTransitions defines allowed state transitions for incidents.
// An incident may stay open while accumulating correlated matches; reopening
// from investigating is allowed, resolved is final.
var validIncidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentStatusOpen:          {IncidentStatusInvestigating, IncidentStatusResolved},
	IncidentStatusInvestigating: {IncidentStatusOpen, IncidentStatusResolved},
	IncidentStatusResolved:      {},
}

// TransitionTo validates and executes an incident state transition.
// ResolvedAt is set only when transitioning into resolved; any other status
// leaves it untouched.
func (i *Incident) TransitionTo(newStatus IncidentStatus, resolution string) error {
	if newStatus == "" {
		return errors.New("new status cannot be empty")
	}
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid incident status: %s", newStatus)
	}

	allowed, exists := validIncidentTransitions[i.Status]
	if !exists {
		return fmt.Errorf("unknown current status: %s", i.Status)
	}

	permitted := false
	for _, status := range allowed {
		if status == newStatus {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("invalid transition: %s -> %s (allowed: %v)", i.Status, newStatus, allowed)
	}

	i.Status = newStatus
	i.UpdatedAt = time.Now().UTC()
	if newStatus == IncidentStatusResolved {
		now := time.Now().UTC()
		i.ResolvedAt = &now
		if resolution != "" {
			i.Resolution = resolution
		}
	}
	return nil
}

// CanTransitionTo checks if a transition is allowed without executing it
func (i *Incident) CanTransitionTo(newStatus IncidentStatus) bool {
	if !newStatus.IsValid() {
		return false
	}
	for _, status := range validIncidentTransitions[i.Status] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// IsFinalState checks if the incident is in a final state
func (i *Incident) IsFinalState() bool {
	return len(validIncidentTransitions[i.Status]) == 0
}
