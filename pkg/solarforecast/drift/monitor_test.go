package drift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/config"
)

func testDriftConfig() config.DriftConfig {
	return config.DriftConfig{
		WarningRatio:     1.5,
		CriticalRatio:    2.0,
		CoverageFloor:    0.5,
		CUSUMThreshold:   5.0,
		CUSUMSlack:       0.5,
		BaselineDays:     90,
		PhysicsBoostDays: 7,
	}
}

var now = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

// seedResiduals records one residual per day over [daysFrom, daysTo) days
// back, each with a fixed absolute error around a 2.0 kWh actual. Noon
// timestamps keep day N inside an N-day rolling window.
func seedResiduals(m *Monitor, group string, daysFrom, daysTo int, absErr float64) {
	for d := daysFrom; d < daysTo; d++ {
		t := now.AddDate(0, 0, -d).Add(12 * time.Hour)
		m.Record(group, t, 2.0+absErr, 2.0)
	}
}

func TestMetricsRollingWindows(t *testing.T) {
	m := NewMonitor(testDriftConfig())
	seedResiduals(m, "roof", 1, 8, 0.4)   // Last 7 days
	seedResiduals(m, "roof", 8, 31, 0.8)  // Older

	week := m.Metrics("roof", now, 7)
	assert.Equal(t, 7, week.Samples)
	assert.InDelta(t, 0.4, week.MAE, 1e-9)
	assert.InDelta(t, 0.4, week.RMSE, 1e-9)
	assert.InDelta(t, 0.4, week.Bias, 1e-9) // All errors positive
	assert.InDelta(t, 1.0, week.Coverage, 1e-9)

	month := m.Metrics("roof", now, 30)
	assert.Equal(t, 30, month.Samples)
	assert.Greater(t, month.MAE, week.MAE)

	// Residuals flow into the global scope too
	global := m.Metrics(GlobalScope, now, 7)
	assert.Equal(t, 7, global.Samples)
}

func TestEvaluateWarningOnDoubledMAE(t *testing.T) {
	m := NewMonitor(testDriftConfig())
	seedResiduals(m, "roof", 8, 91, 0.4) // Baseline
	seedResiduals(m, "roof", 1, 8, 1.2)  // Recent degradation

	events, action := m.Evaluate("roof", now)
	require.Len(t, events, 1)
	assert.Equal(t, SeverityWarning, events[0].Severity)
	assert.Equal(t, ActionLightRetrain, events[0].Action)
	assert.Equal(t, StateStable, events[0].FromState)
	assert.Equal(t, StateWarning, events[0].ToState)
	assert.Equal(t, ActionLightRetrain, action)
	assert.Equal(t, StateWarning, m.StateOf("roof"))
	assert.Greater(t, events[0].Value, 1.5)
}

func TestEvaluateRecoveryBackToStable(t *testing.T) {
	m := NewMonitor(testDriftConfig())
	seedResiduals(m, "roof", 8, 91, 0.4)
	seedResiduals(m, "roof", 1, 8, 1.2)
	_, action := m.Evaluate("roof", now)
	require.Equal(t, ActionLightRetrain, action)

	// A clean week after the retrain
	later := now.AddDate(0, 0, 7)
	for d := 0; d < 7; d++ {
		m.Record("roof", now.AddDate(0, 0, d), 2.4, 2.0)
	}

	events, action := m.Evaluate("roof", later)
	require.Len(t, events, 1)
	assert.Equal(t, SeverityInfo, events[0].Severity)
	assert.Equal(t, StateStable, events[0].ToState)
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, StateStable, m.StateOf("roof"))
}

func TestEvaluateEscalationNeverSkips(t *testing.T) {
	m := NewMonitor(testDriftConfig())
	seedResiduals(m, "roof", 8, 91, 0.4)
	seedResiduals(m, "roof", 1, 8, 2.0) // Far past critical

	_, first := m.Evaluate("roof", now)
	assert.Equal(t, ActionLightRetrain, first)

	_, second := m.Evaluate("roof", now)
	assert.Equal(t, ActionPhysicsBoost, second)
	assert.Equal(t, StateResponding, m.StateOf("roof"))
	assert.True(t, m.PhysicsBoostActive("roof", now.AddDate(0, 0, 3)))
	assert.False(t, m.PhysicsBoostActive("roof", now.AddDate(0, 0, 10)))

	_, third := m.Evaluate("roof", now)
	assert.Equal(t, ActionFullReset, third)

	// Escalation caps at the full reset
	_, fourth := m.Evaluate("roof", now)
	assert.Equal(t, ActionFullReset, fourth)
}

func TestEvaluateCriticalBreachPassesThroughCritical(t *testing.T) {
	m := NewMonitor(testDriftConfig())
	seedResiduals(m, "roof", 8, 91, 0.4)
	seedResiduals(m, "roof", 1, 8, 2.0) // Far past critical

	_, first := m.Evaluate("roof", now)
	require.Equal(t, ActionLightRetrain, first)
	require.Equal(t, StateWarning, m.StateOf("roof"))

	// The breach and the response are separate audit events: the scope
	// passes through critical on its way to responding
	events, action := m.Evaluate("roof", now)
	require.Len(t, events, 2)
	assert.Equal(t, StateWarning, events[0].FromState)
	assert.Equal(t, StateCritical, events[0].ToState)
	assert.Equal(t, ActionNone, events[0].Action)
	assert.Equal(t, SeverityCritical, events[0].Severity)
	assert.Equal(t, StateCritical, events[1].FromState)
	assert.Equal(t, StateResponding, events[1].ToState)
	assert.Equal(t, ActionPhysicsBoost, events[1].Action)
	assert.Equal(t, ActionPhysicsBoost, action)
	assert.Equal(t, StateResponding, m.StateOf("roof"))
}

func TestEvaluateCUSUMTriggersWarning(t *testing.T) {
	m := NewMonitor(testDriftConfig())
	// MAE ratio stays at 1.0 but errors sit above the slack, so the CUSUM
	// statistic accumulates past its threshold
	seedResiduals(m, "roof", 1, 91, 0.6)

	require.Greater(t, m.CUSUM("roof"), 5.0)
	events, action := m.Evaluate("roof", now)
	require.Len(t, events, 1)
	assert.Equal(t, ActionLightRetrain, action)
}

func TestEvaluateNoDataNoAction(t *testing.T) {
	m := NewMonitor(testDriftConfig())
	events, action := m.Evaluate("roof", now)
	assert.Empty(t, events)
	assert.Equal(t, ActionNone, action)
}

func TestResidualsTrimmedToBaselineWindow(t *testing.T) {
	m := NewMonitor(testDriftConfig())
	seedResiduals(m, "roof", 100, 200, 0.4)
	m.Record("roof", now, 2.4, 2.0)

	// Everything older than 90 days before the newest record is gone
	metrics := m.Metrics("roof", now, 365)
	assert.Equal(t, 1, metrics.Samples)
}

func TestSnapshotLoadRoundTrip(t *testing.T) {
	m := NewMonitor(testDriftConfig())
	seedResiduals(m, "roof", 8, 91, 0.4)
	seedResiduals(m, "roof", 1, 8, 1.2)
	m.Evaluate("roof", now)

	restored := NewMonitor(testDriftConfig())
	restored.Load(m.Snapshot())
	assert.Equal(t, m.StateOf("roof"), restored.StateOf("roof"))
	assert.InDelta(t, m.CUSUM("roof"), restored.CUSUM("roof"), 1e-9)
	assert.Equal(t, m.Metrics("roof", now, 7), restored.Metrics("roof", now, 7))
}

func TestResetScope(t *testing.T) {
	m := NewMonitor(testDriftConfig())
	seedResiduals(m, "roof", 1, 91, 1.0)
	require.Greater(t, m.Metrics("roof", now, 7).Samples, 0)

	m.ResetScope("roof")
	assert.Equal(t, 0, m.Metrics("roof", now, 7).Samples)
	assert.Equal(t, StateStable, m.StateOf("roof"))
}
