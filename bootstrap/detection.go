package bootstrap

import (
	"context"
	"time"

	"bastion/core"
	"bastion/correlate"
	"bastion/detect"

	"go.uber.org/zap"
)

// patternTechniques maps pattern types to their ATT&CK techniques so alerts
// derived from pattern matches carry a technique dimension for clustering.
var patternTechniques = map[string][]string{
	core.PatternBruteForce:          {"T1110"},
	core.PatternPrivilegeEscalation: {"T1068"},
	core.PatternLateralMovement:     {"T1021"},
	core.PatternDataExfiltration:    {"T1048"},
}

// AlertStore persists alerts for later clustering passes.
type AlertStore interface {
	StoreAlert(ctx context.Context, alert *core.Alert) error
}

// matchHandler is the production detect.MatchHandler: every match is
// correlated into an incident and also published as an alert feeding the
// clustering path. Alert persistence failures degrade clustering, not
// detection, so they are logged and swallowed.
type matchHandler struct {
	incidents      *correlate.IncidentManager
	alerts         AlertStore
	storageTimeout time.Duration
	logger         *zap.SugaredLogger
}

// NewMatchHandler builds the handler bridging detection to correlation and
// clustering.
func NewMatchHandler(incidents *correlate.IncidentManager, alerts AlertStore, storageTimeout time.Duration, logger *zap.SugaredLogger) detect.MatchHandler {
	return &matchHandler{
		incidents:      incidents,
		alerts:         alerts,
		storageTimeout: storageTimeout,
		logger:         logger,
	}
}

func (h *matchHandler) HandlePatternMatch(ctx context.Context, match *core.PatternMatch) error {
	if err := h.correlateWithTimeout(ctx, func(ctx context.Context) error {
		return h.incidents.HandlePatternMatch(ctx, match)
	}); err != nil {
		return err
	}
	h.publishAlert(ctx, alertFromPattern(match))
	return nil
}

func (h *matchHandler) HandleRuleMatch(ctx context.Context, result core.RuleResult, event *core.Event) error {
	if err := h.correlateWithTimeout(ctx, func(ctx context.Context) error {
		return h.incidents.HandleRuleMatch(ctx, result, event)
	}); err != nil {
		return err
	}
	h.publishAlert(ctx, alertFromRule(result, event))
	return nil
}

func (h *matchHandler) correlateWithTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, h.storageTimeout)
	defer cancel()
	return fn(ctx)
}

func (h *matchHandler) publishAlert(ctx context.Context, alert *core.Alert) {
	if h.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.storageTimeout)
	defer cancel()
	if err := h.alerts.StoreAlert(ctx, alert); err != nil {
		h.logger.Warnf("Failed to store alert %s for clustering: %v", alert.ID, err)
	}
}

// alertFromPattern projects a pattern match into the alert model.
func alertFromPattern(match *core.PatternMatch) *core.Alert {
	alert := core.NewAlert(match.Name, match.Severity, "pattern")
	alert.Description = match.PatternType
	alert.MitreTechniques = patternTechniques[match.PatternType]
	alert.Confidence = match.RelevanceScore
	alert.RiskScore = match.RelevanceScore * float64(core.SeverityRank(match.Severity)) / 4

	if event := match.TriggeringEvent(); event != nil {
		alert.Timestamp = event.Timestamp
	}
	seenIPs := make(map[string]struct{})
	seenUsers := make(map[string]struct{})
	for _, event := range match.MatchedEvents {
		for _, ip := range []string{event.SourceIP(), event.DestinationIP()} {
			if ip == "" {
				continue
			}
			if _, ok := seenIPs[ip]; !ok {
				seenIPs[ip] = struct{}{}
				alert.IPAddresses = append(alert.IPAddresses, ip)
			}
		}
		if user := event.UserName(); user != "" {
			if _, ok := seenUsers[user]; !ok {
				seenUsers[user] = struct{}{}
				alert.Usernames = append(alert.Usernames, user)
			}
		}
	}
	return alert
}

// alertFromRule projects a rule match into the alert model.
func alertFromRule(result core.RuleResult, event *core.Event) *core.Alert {
	alert := core.NewAlert(result.Title, result.Level, "rule")
	alert.RuleID = result.RuleID
	alert.RuleName = result.Title
	alert.MitreTechniques = result.MitreTechniques
	alert.MitreTactics = result.MitreTactics
	alert.Confidence = 0.8
	alert.RiskScore = float64(result.Severity) / 100

	if event != nil {
		alert.Timestamp = event.Timestamp
		for _, ip := range []string{event.SourceIP(), event.DestinationIP()} {
			if ip != "" {
				alert.IPAddresses = append(alert.IPAddresses, ip)
			}
		}
		if user := event.UserName(); user != "" {
			alert.Usernames = append(alert.Usernames, user)
		}
	}
	return alert
}
