package detect

import (
	"strings"

	"bastion/config"
	"bastion/core"
	"bastion/metrics"

	"go.uber.org/zap"
)

// PatternMatcher is a fixed set of heuristic detectors that scan the window
// buffer plus the newly arrived event for known attack shapes. Each detector
// runs independently per incoming event; a panic in one detector is recovered
// and does not block the others.
type PatternMatcher struct {
	window *WindowBuffer
	cfg    *config.Config
	logger *zap.SugaredLogger
}

// NewPatternMatcher creates a pattern matcher over the given window buffer.
func NewPatternMatcher(window *WindowBuffer, cfg *config.Config, logger *zap.SugaredLogger) *PatternMatcher {
	return &PatternMatcher{
		window: window,
		cfg:    cfg,
		logger: logger,
	}
}

type detector struct {
	name string
	fn   func(*core.Event) *core.PatternMatch
}

// Match runs every detector against the event and returns all matches
// together. The event is expected to already be appended to the window
// buffer. Detector ordering is not significant.
func (pm *PatternMatcher) Match(event *core.Event) []*core.PatternMatch {
	if event == nil {
		return nil
	}

	detectors := []detector{
		{core.PatternBruteForce, pm.detectBruteForce},
		{core.PatternPrivilegeEscalation, pm.detectPrivilegeEscalation},
		{core.PatternLateralMovement, pm.detectLateralMovement},
		{core.PatternDataExfiltration, pm.detectDataExfiltration},
	}

	var matches []*core.PatternMatch
	for _, d := range detectors {
		if m := pm.runDetector(d, event); m != nil {
			metrics.PatternMatches.WithLabelValues(d.name).Inc()
			matches = append(matches, m)
		}
	}
	return matches
}

// runDetector isolates a single detector so one panicking on malformed event
// data is logged and skipped rather than aborting the batch.
func (pm *PatternMatcher) runDetector(d detector, event *core.Event) (match *core.PatternMatch) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PatternDetectorFailures.WithLabelValues(d.name).Inc()
			pm.logger.Errorw("Pattern detector panic recovered",
				"detector", d.name,
				"event_id", event.EventID,
				"panic", r)
			match = nil
		}
	}()
	return d.fn(event)
}

// detectBruteForce matches repeated failed authentications from one source IP
// inside the trailing brute-force window.
func (pm *PatternMatcher) detectBruteForce(event *core.Event) *core.PatternMatch {
	if !isFailedAuth(event) {
		return nil
	}
	sourceIP := event.SourceIP()
	if sourceIP == "" {
		return nil
	}

	since := event.Timestamp.Add(-pm.cfg.Patterns.BruteForceWindow)
	related := pm.window.Query(since, func(ev *core.Event) bool {
		return isFailedAuth(ev) && ev.SourceIP() == sourceIP
	})

	if len(related) < pm.cfg.Patterns.BruteForceThreshold {
		return nil
	}

	score := float64(len(related)) / 10.0
	return core.NewPatternMatch(
		"Brute force authentication attempts from "+sourceIP,
		core.PatternBruteForce,
		core.SeverityHigh,
		related,
		score,
	)
}

// detectPrivilegeEscalation matches a burst of privilege-related events for
// the same user.
func (pm *PatternMatcher) detectPrivilegeEscalation(event *core.Event) *core.PatternMatch {
	if !isPrivilegeEvent(event) {
		return nil
	}
	user := event.UserName()
	if user == "" {
		return nil
	}

	since := event.Timestamp.Add(-pm.cfg.Patterns.PrivEscWindow)
	related := pm.window.Query(since, func(ev *core.Event) bool {
		return isPrivilegeEvent(ev) && ev.UserName() == user
	})

	if len(related) < pm.cfg.Patterns.PrivEscThreshold {
		return nil
	}

	score := float64(len(related)) / 5.0
	return core.NewPatternMatch(
		"Privilege escalation activity by "+user,
		core.PatternPrivilegeEscalation,
		core.SeverityCritical,
		related,
		score,
	)
}

// detectLateralMovement matches network logons by one user from one source IP
// against multiple distinct target hosts.
func (pm *PatternMatcher) detectLateralMovement(event *core.Event) *core.PatternMatch {
	if !isNetworkLogon(event) {
		return nil
	}
	user := event.UserName()
	sourceIP := event.SourceIP()
	if user == "" || sourceIP == "" {
		return nil
	}

	since := event.Timestamp.Add(-pm.cfg.Patterns.LateralWindow)
	related := pm.window.Query(since, func(ev *core.Event) bool {
		return isNetworkLogon(ev) && ev.UserName() == user && ev.SourceIP() == sourceIP
	})

	hosts := make(map[string]struct{})
	for _, ev := range related {
		if host := ev.ComputerName(); host != "" {
			hosts[host] = struct{}{}
		}
	}

	if len(hosts) < pm.cfg.Patterns.LateralHostCount {
		return nil
	}

	score := float64(len(hosts)) / 5.0
	return core.NewPatternMatch(
		"Lateral movement by "+user+" from "+sourceIP,
		core.PatternLateralMovement,
		core.SeverityCritical,
		related,
		score,
	)
}

// detectDataExfiltration matches a high volume of outbound network events
// from one source IP.
func (pm *PatternMatcher) detectDataExfiltration(event *core.Event) *core.PatternMatch {
	if !isOutboundNetwork(event) {
		return nil
	}
	sourceIP := event.SourceIP()
	if sourceIP == "" {
		return nil
	}

	since := event.Timestamp.Add(-pm.cfg.Patterns.ExfilWindow)
	related := pm.window.Query(since, func(ev *core.Event) bool {
		return isOutboundNetwork(ev) && ev.SourceIP() == sourceIP
	})

	if len(related) < pm.cfg.Patterns.ExfilThreshold {
		return nil
	}

	score := float64(len(related)) / 100.0
	return core.NewPatternMatch(
		"Possible data exfiltration from "+sourceIP,
		core.PatternDataExfiltration,
		core.SeverityHigh,
		related,
		score,
	)
}

// Event classification helpers. Event codes cover Windows security log IDs
// plus their pre-Vista equivalents.

func isFailedAuth(ev *core.Event) bool {
	if ev.EventCode == "4625" {
		return true
	}
	return ev.StringField(core.FieldAuthResult) == "failure"
}

var privilegeEventCodes = map[string]struct{}{
	"4672": {}, "4673": {}, "4648": {}, "592": {},
}

func isPrivilegeEvent(ev *core.Event) bool {
	if _, ok := privilegeEventCodes[ev.EventCode]; ok {
		return true
	}
	return strings.Contains(strings.ToLower(ev.RawData), "admin")
}

var networkLogonCodes = map[string]struct{}{
	"4624": {}, "4648": {}, "528": {}, "540": {},
}

func isNetworkLogon(ev *core.Event) bool {
	if _, ok := networkLogonCodes[ev.EventCode]; !ok {
		return false
	}
	return ev.StringField("logon_type") == "network"
}

func isOutboundNetwork(ev *core.Event) bool {
	return ev.StringField(core.FieldEventCategory) == "network" && ev.DestinationIP() != ""
}
