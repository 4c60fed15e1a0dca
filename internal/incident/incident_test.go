package incident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveStatus(t *testing.T) {
	th := Thresholds{WarningPercent: 10, CriticalPercent: 25, MinIncidents: 2}

	cases := []struct {
		name  string
		stats Stats
		want  Status
	}{
		{"无数据", Stats{Total: 0}, StatusNoData},
		{"低于最少事件数", Stats{Total: 2, Incidents: 1}, StatusHealthy},
		{"严重", Stats{Total: 8, Incidents: 2}, StatusCritical},
		{"告警边界", Stats{Total: 20, Incidents: 2}, StatusWarning},
		{"健康", Stats{Total: 100, Incidents: 3}, StatusHealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveStatus(tc.stats, th))
		})
	}
}

func TestStatusReason(t *testing.T) {
	th := Thresholds{WarningPercent: 10, CriticalPercent: 25, MinIncidents: 1}
	assert.Equal(t, "no-data", StatusReason(StatusNoData, Stats{}, th))
	assert.Equal(t, "incident-rate 50% >= 25%", StatusReason(StatusCritical, Stats{Total: 2, Incidents: 1}, th))
	assert.Equal(t, "incident-rate-healthy", StatusReason(StatusHealthy, Stats{Total: 100, Incidents: 1}, th))
}

func TestNormalizeThresholds(t *testing.T) {
	got := NormalizeThresholds(Thresholds{WarningPercent: 30, CriticalPercent: 20, MinIncidents: 0})
	assert.Equal(t, Thresholds{WarningPercent: 30, CriticalPercent: 30, MinIncidents: 1}, got)

	got = NormalizeThresholds(Thresholds{WarningPercent: -5, CriticalPercent: 150.126, MinIncidents: 3})
	assert.Equal(t, Thresholds{WarningPercent: 0, CriticalPercent: 100, MinIncidents: 3}, got)

	got = NormalizeThresholds(Thresholds{WarningPercent: 12.346, CriticalPercent: 12.344})
	assert.Equal(t, 12.35, got.WarningPercent)
	assert.Equal(t, 12.35, got.CriticalPercent)
}

func TestRatePercent(t *testing.T) {
	assert.Equal(t, 0.0, RatePercent(0, 0))
	assert.Equal(t, 33.33, RatePercent(1, 3))
	assert.Equal(t, 66.67, RatePercent(2, 3))
	assert.Equal(t, 100.0, RatePercent(5, 3))
}

// 依次评估 WARNING -> WARNING(冷却内) -> CRITICAL -> HEALTHY：
// 第 1、3 次告警，第 4 次清除状态
func TestDecide_Hysteresis(t *testing.T) {
	cooldown := time.Hour
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var state State

	apply := func(status Status, at time.Time) Decision {
		d := Decide(state, status, at, cooldown)
		switch {
		case d.Alert:
			alertedAt := at
			state = State{LastStatus: status, LastAlertedAt: &alertedAt}
		case d.Clear:
			state = State{}
		}
		return d
	}

	first := apply(StatusWarning, start)
	assert.True(t, first.Alert)
	assert.Equal(t, "first-alert", first.Reason)

	second := apply(StatusWarning, start.Add(10*time.Minute))
	assert.False(t, second.Alert)
	assert.Equal(t, "cooldown-active", second.Reason)

	third := apply(StatusCritical, start.Add(20*time.Minute))
	assert.True(t, third.Alert)
	assert.Equal(t, "status-changed", third.Reason)

	fourth := apply(StatusHealthy, start.Add(30*time.Minute))
	assert.False(t, fourth.Alert)
	assert.True(t, fourth.Clear)
	assert.True(t, state.Empty())
}

func TestDecide_CooldownElapsed(t *testing.T) {
	alertedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := State{LastStatus: StatusCritical, LastAlertedAt: &alertedAt}

	d := Decide(prev, StatusCritical, alertedAt.Add(time.Hour), time.Hour)
	assert.True(t, d.Alert)
	assert.Equal(t, "cooldown-elapsed", d.Reason)

	d = Decide(State{}, StatusNoData, alertedAt, time.Hour)
	assert.False(t, d.Alert)
	assert.False(t, d.Clear)
}

func TestResolveCooldown(t *testing.T) {
	assert.Equal(t, time.Hour, ResolveCooldown(time.Hour, nil))

	fifteen := 15
	assert.Equal(t, 15*time.Minute, ResolveCooldown(time.Hour, &fifteen))

	zero := 0
	assert.Equal(t, time.Minute, ResolveCooldown(time.Hour, &zero))

	huge := 99999
	assert.Equal(t, 24*time.Hour, ResolveCooldown(time.Hour, &huge))
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusCritical, ParseStatus("CRITICAL"))
	assert.Equal(t, Status(""), ParseStatus("bogus"))
}
