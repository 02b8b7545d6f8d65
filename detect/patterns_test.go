package detect

import (
	"testing"
	"time"

	"bastion/config"
	"bastion/core"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func newTestMatcher(t *testing.T) (*PatternMatcher, *WindowBuffer) {
	t.Helper()
	cfg := testConfig(t)
	w := NewWindowBuffer(cfg.Window.MaxAge, cfg.Window.MaxEventsPerKey)
	return NewPatternMatcher(w, cfg, zaptest.NewLogger(t).Sugar()), w
}

func failedLogon(ip string, ts time.Time) *core.Event {
	ev := core.NewEvent()
	ev.SourceIdentifier = "dc-01"
	ev.EventCode = "4625"
	ev.Timestamp = ts
	ev.Fields[core.FieldSourceIP] = ip
	ev.Fields[core.FieldUserName] = "jsmith"
	return ev
}

func TestBruteForce_FiveFailuresInWindow(t *testing.T) {
	pm, w := newTestMatcher(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var last *core.Event
	for _, offset := range []time.Duration{0, 2, 4, 6, 8} {
		last = failedLogon("10.0.0.5", base.Add(offset*time.Minute))
		w.Append(last)
	}

	matches := pm.Match(last)
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, core.PatternBruteForce, m.PatternType)
	assert.InDelta(t, 0.5, m.RelevanceScore, 1e-9)
	assert.Len(t, m.MatchedEvents, 5)
}

func TestBruteForce_FourFailuresDoNotMatch(t *testing.T) {
	pm, w := newTestMatcher(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var last *core.Event
	for _, offset := range []time.Duration{0, 2, 4, 6} {
		last = failedLogon("10.0.0.5", base.Add(offset*time.Minute))
		w.Append(last)
	}

	assert.Empty(t, pm.Match(last))
}

func TestBruteForce_WindowExcludesOldEvents(t *testing.T) {
	pm, w := newTestMatcher(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Four failures early, fifth at minute 11: the first no longer counts.
	var last *core.Event
	for _, offset := range []time.Duration{0, 3, 5, 7} {
		w.Append(failedLogon("10.0.0.5", base.Add(offset*time.Minute)))
	}
	last = failedLogon("10.0.0.5", base.Add(11*time.Minute))
	w.Append(last)

	assert.Empty(t, pm.Match(last))
}

func TestBruteForce_DifferentIPsDoNotAggregate(t *testing.T) {
	pm, w := newTestMatcher(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		w.Append(failedLogon("10.0.0.5", base.Add(time.Duration(i)*time.Minute)))
	}
	last := failedLogon("192.168.1.20", base.Add(5*time.Minute))
	w.Append(last)

	assert.Empty(t, pm.Match(last))
}

func TestBruteForce_AuthResultFailureCounts(t *testing.T) {
	pm, w := newTestMatcher(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var last *core.Event
	for i := 0; i < 5; i++ {
		ev := core.NewEvent()
		ev.SourceIdentifier = "vpn-gw"
		ev.EventCode = "ssh_auth"
		ev.Timestamp = base.Add(time.Duration(i) * time.Minute)
		ev.Fields[core.FieldSourceIP] = "203.0.113.7"
		ev.Fields[core.FieldAuthResult] = "failure"
		w.Append(ev)
		last = ev
	}

	matches := pm.Match(last)
	require.Len(t, matches, 1)
	assert.Equal(t, core.PatternBruteForce, matches[0].PatternType)
}

func privilegeEvent(user string, ts time.Time) *core.Event {
	ev := core.NewEvent()
	ev.SourceIdentifier = "dc-01"
	ev.EventCode = "4672"
	ev.Timestamp = ts
	ev.Fields[core.FieldUserName] = user
	return ev
}

func TestPrivilegeEscalation_ThresholdAndScore(t *testing.T) {
	pm, w := newTestMatcher(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var last *core.Event
	for i := 0; i < 3; i++ {
		last = privilegeEvent("svc-backup", base.Add(time.Duration(i)*10*time.Minute))
		w.Append(last)
	}

	matches := pm.Match(last)
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, core.PatternPrivilegeEscalation, m.PatternType)
	assert.InDelta(t, 0.6, m.RelevanceScore, 1e-9)

	// Two related events stay below the threshold.
	pm2, w2 := newTestMatcher(t)
	var last2 *core.Event
	for i := 0; i < 2; i++ {
		last2 = privilegeEvent("svc-backup", base.Add(time.Duration(i)*time.Minute))
		w2.Append(last2)
	}
	assert.Empty(t, pm2.Match(last2))
}

func TestPrivilegeEscalation_AdminKeyword(t *testing.T) {
	pm, w := newTestMatcher(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var last *core.Event
	for i := 0; i < 3; i++ {
		ev := core.NewEvent()
		ev.SourceIdentifier = "app-01"
		ev.EventCode = "audit"
		ev.Timestamp = base.Add(time.Duration(i) * time.Minute)
		ev.RawData = "added to Administrators group"
		ev.Fields[core.FieldUserName] = "mallory"
		w.Append(ev)
		last = ev
	}

	matches := pm.Match(last)
	require.Len(t, matches, 1)
	assert.Equal(t, core.PatternPrivilegeEscalation, matches[0].PatternType)
}

func networkLogon(user, ip, host string, ts time.Time) *core.Event {
	ev := core.NewEvent()
	ev.SourceIdentifier = host
	ev.EventCode = "4624"
	ev.Timestamp = ts
	ev.Fields[core.FieldUserName] = user
	ev.Fields[core.FieldSourceIP] = ip
	ev.Fields[core.FieldComputerName] = host
	ev.Fields["logon_type"] = "network"
	return ev
}

func TestLateralMovement_DistinctHosts(t *testing.T) {
	pm, w := newTestMatcher(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	w.Append(networkLogon("jsmith", "10.0.0.5", "srv-01", base))
	w.Append(networkLogon("jsmith", "10.0.0.5", "srv-02", base.Add(5*time.Minute)))
	// Repeat host does not add a distinct target.
	w.Append(networkLogon("jsmith", "10.0.0.5", "srv-02", base.Add(7*time.Minute)))
	last := networkLogon("jsmith", "10.0.0.5", "srv-03", base.Add(10*time.Minute))
	w.Append(last)

	matches := pm.Match(last)
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, core.PatternLateralMovement, m.PatternType)
	assert.InDelta(t, 0.6, m.RelevanceScore, 1e-9) // 3 hosts / 5
}

func TestLateralMovement_TwoHostsDoNotMatch(t *testing.T) {
	pm, w := newTestMatcher(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	w.Append(networkLogon("jsmith", "10.0.0.5", "srv-01", base))
	last := networkLogon("jsmith", "10.0.0.5", "srv-02", base.Add(time.Minute))
	w.Append(last)

	assert.Empty(t, pm.Match(last))
}

func TestLateralMovement_InteractiveLogonIgnored(t *testing.T) {
	pm, w := newTestMatcher(t)
	ev := networkLogon("jsmith", "10.0.0.5", "srv-01", time.Now().UTC())
	ev.Fields["logon_type"] = "interactive"
	w.Append(ev)
	assert.Empty(t, pm.Match(ev))
}

func outboundEvent(ip string, ts time.Time) *core.Event {
	ev := core.NewEvent()
	ev.SourceIdentifier = "fw-01"
	ev.EventCode = "conn"
	ev.Timestamp = ts
	ev.Fields[core.FieldSourceIP] = ip
	ev.Fields[core.FieldDestinationIP] = "198.51.100.9"
	ev.Fields[core.FieldEventCategory] = "network"
	return ev
}

func TestDataExfiltration_FiftyConnections(t *testing.T) {
	pm, w := newTestMatcher(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var last *core.Event
	for i := 0; i < 50; i++ {
		last = outboundEvent("10.0.0.8", base.Add(time.Duration(i)*time.Second))
		w.Append(last)
	}

	matches := pm.Match(last)
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, core.PatternDataExfiltration, m.PatternType)
	assert.InDelta(t, 0.5, m.RelevanceScore, 1e-9)
}

func TestDataExfiltration_BelowThreshold(t *testing.T) {
	pm, w := newTestMatcher(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var last *core.Event
	for i := 0; i < 49; i++ {
		last = outboundEvent("10.0.0.8", base.Add(time.Duration(i)*time.Second))
		w.Append(last)
	}
	assert.Empty(t, pm.Match(last))
}

func TestMatch_DetectorPanicIsIsolated(t *testing.T) {
	pm, w := newTestMatcher(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// An event with a nil Fields map exercises detector robustness; the
	// brute-force path must still run on the 4625 code alone.
	var last *core.Event
	for i := 0; i < 5; i++ {
		ev := &core.Event{
			EventID:          "e",
			SourceIdentifier: "dc-01",
			EventCode:        "4625",
			Timestamp:        base.Add(time.Duration(i) * time.Minute),
			Fields:           map[string]interface{}{core.FieldSourceIP: "10.0.0.5"},
		}
		w.Append(ev)
		last = ev
	}

	matches := pm.Match(last)
	require.Len(t, matches, 1)
}
