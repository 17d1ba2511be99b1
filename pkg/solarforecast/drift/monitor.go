// Package drift watches forecast quality over rolling windows and drives
// the bounded auto-response loop. Responses escalate from a light retrain
// through a temporary physics boost to a full reset, in that order, and
// every state transition leaves an immutable audit event.
package drift

import (
	"fmt"
	"math"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/config"
)

// GlobalScope aggregates residuals across all panel groups
const GlobalScope = "global"

// Rolling windows reported by Metrics, in days
var Windows = []int{7, 14, 30, 60}

// Coverage counts predictions within this relative error of the actual
const coverageTolerance = 0.20

// State is the per-scope drift state
type State string

const (
	StateStable     State = "stable"
	StateWarning    State = "warning"
	StateCritical   State = "critical"
	StateResponding State = "responding"
)

// Severity classifies an audit event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Action is the auto-response requested from the engine
type Action string

const (
	ActionNone         Action = "none"
	ActionLightRetrain Action = "light_retrain"
	ActionPhysicsBoost Action = "physics_boost"
	ActionFullReset    Action = "full_reset"
)

var escalation = []Action{ActionLightRetrain, ActionPhysicsBoost, ActionFullReset}

// Event is one immutable entry in the drift audit trail
type Event struct {
	Scope     string    `json:"scope"`
	Time      time.Time `json:"time"`
	Severity  Severity  `json:"severity"`
	Action    Action    `json:"action"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	FromState State     `json:"fromState"`
	ToState   State     `json:"toState"`
}

// Metrics summarizes one scope over one rolling window
type Metrics struct {
	MAE      float64
	RMSE     float64
	Bias     float64
	Coverage float64 // Fraction of predictions within +-20% of actual
	Samples  int
}

type residual struct {
	Time      time.Time `json:"time"`
	Error     float64   `json:"error"` // predicted - actual
	Predicted float64   `json:"predicted"`
	Actual    float64   `json:"actual"`
}

type scopeState struct {
	Residuals  []residual `json:"residuals"`
	CUSUM      float64    `json:"cusum"`
	State      State      `json:"state"`
	Escalation int        `json:"escalation"` // Index of the last issued response
	BoostUntil time.Time  `json:"boostUntil"`
}

// Snapshot is the persistable monitor state
type Snapshot map[string]*scopeState

// Monitor tracks residuals, rolling metrics and the per-scope state
// machine. Events are append-only; the monitor hands them to the caller
// for durable storage and never rewrites one.
type Monitor struct {
	config config.DriftConfig

	mutex  sync.RWMutex
	scopes map[string]*scopeState
}

// NewMonitor creates a drift monitor with all scopes stable
func NewMonitor(cfg config.DriftConfig) *Monitor {
	return &Monitor{
		config: cfg,
		scopes: make(map[string]*scopeState),
	}
}

func (m *Monitor) scope(name string) *scopeState {
	s, ok := m.scopes[name]
	if !ok {
		s = &scopeState{State: StateStable}
		m.scopes[name] = s
	}
	return s
}

// Record adds one backfilled prediction residual to a scope and to the
// global scope, advancing the CUSUM statistics.
func (m *Monitor) Record(group string, t time.Time, predicted, actual float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, name := range []string{group, GlobalScope} {
		m.recordLocked(name, t, predicted, actual)
	}
}

func (m *Monitor) recordLocked(name string, t time.Time, predicted, actual float64) {
	s := m.scope(name)
	s.Residuals = append(s.Residuals, residual{
		Time: t, Error: predicted - actual, Predicted: predicted, Actual: actual,
	})

	// One-sided CUSUM on the absolute error; slack absorbs normal noise
	s.CUSUM = math.Max(0, s.CUSUM+math.Abs(predicted-actual)-m.config.CUSUMSlack)

	cutoff := t.AddDate(0, 0, -m.config.BaselineDays)
	trimmed := s.Residuals[:0]
	for _, r := range s.Residuals {
		if r.Time.After(cutoff) {
			trimmed = append(trimmed, r)
		}
	}
	s.Residuals = trimmed
}

// Metrics computes rolling metrics for a scope over the trailing window
func (m *Monitor) Metrics(scope string, now time.Time, windowDays int) Metrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.metricsLocked(scope, now, windowDays)
}

func (m *Monitor) metricsLocked(scope string, now time.Time, windowDays int) Metrics {
	s, ok := m.scopes[scope]
	if !ok {
		return Metrics{}
	}

	cutoff := now.AddDate(0, 0, -windowDays)
	var out Metrics
	var sumAbs, sumSq, sumErr float64
	covered := 0
	for _, r := range s.Residuals {
		if !r.Time.After(cutoff) {
			continue
		}
		out.Samples++
		sumAbs += math.Abs(r.Error)
		sumSq += r.Error * r.Error
		sumErr += r.Error
		if r.Actual > 1e-9 && math.Abs(r.Error)/r.Actual <= coverageTolerance {
			covered++
		}
	}
	if out.Samples == 0 {
		return out
	}
	n := float64(out.Samples)
	out.MAE = sumAbs / n
	out.RMSE = math.Sqrt(sumSq / n)
	out.Bias = sumErr / n
	out.Coverage = float64(covered) / n
	return out
}

// CUSUM returns the current statistic for a scope
func (m *Monitor) CUSUM(scope string) float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if s, ok := m.scopes[scope]; ok {
		return s.CUSUM
	}
	return 0
}

// StateOf returns the state machine position for a scope
func (m *Monitor) StateOf(scope string) State {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if s, ok := m.scopes[scope]; ok {
		return s.State
	}
	return StateStable
}

// PhysicsBoostActive reports whether the capped physics-boost response is
// in effect for a scope at the given time.
func (m *Monitor) PhysicsBoostActive(scope string, now time.Time) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if s, ok := m.scopes[scope]; ok {
		return now.Before(s.BoostUntil)
	}
	return false
}

// Evaluate runs the state machine for one scope. It returns the audit
// events produced and the response the engine must execute; executing the
// response (and resetting the CUSUM afterwards) is the caller's job.
func (m *Monitor) Evaluate(scope string, now time.Time) ([]Event, Action) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s := m.scope(scope)
	current := m.metricsLocked(scope, now, 7)
	baseline := m.metricsLocked(scope, now, m.config.BaselineDays)
	if current.Samples == 0 || baseline.Samples == 0 || baseline.MAE < 1e-9 {
		return nil, ActionNone
	}

	ratio := current.MAE / baseline.MAE
	warn := ratio > m.config.WarningRatio || s.CUSUM > m.config.CUSUMThreshold
	crit := ratio > m.config.CriticalRatio || current.Coverage < m.config.CoverageFloor

	var events []Event
	action := ActionNone
	emit := func(sev Severity, act Action, metric string, value, threshold float64, to State) {
		events = append(events, Event{
			Scope: scope, Time: now, Severity: sev, Action: act,
			Metric: metric, Value: value, Threshold: threshold,
			FromState: s.State, ToState: to,
		})
		klog.InfoS("Drift state transition",
			"scope", scope, "from", s.State, "to", to,
			"severity", sev, "action", act, "metric", metric,
			"value", value, "threshold", threshold)
		s.State = to
	}

	switch s.State {
	case StateStable:
		if warn || crit {
			// First response is always the lightest, regardless of how bad
			// the ratio looks
			action = ActionLightRetrain
			s.Escalation = 0
			emit(SeverityWarning, action, "mae_ratio", ratio, m.config.WarningRatio, StateWarning)
		}

	case StateWarning:
		if crit {
			// The chain passes through critical so the audit trail records
			// the breach separately from the response
			emit(SeverityCritical, ActionNone, "mae_ratio", ratio, m.config.CriticalRatio, StateCritical)
			action = m.nextResponse(s)
			emit(SeverityCritical, action, "mae_ratio", ratio, m.config.CriticalRatio, StateResponding)
		} else if !warn {
			emit(SeverityInfo, ActionNone, "mae_ratio", ratio, m.config.WarningRatio, StateStable)
			s.Escalation = 0
		}

	case StateCritical:
		// A scope restored mid-chain responds on its next evaluation
		action = m.nextResponse(s)
		emit(SeverityCritical, action, "mae_ratio", ratio, m.config.CriticalRatio, StateResponding)

	case StateResponding:
		if !warn && !crit {
			emit(SeverityInfo, ActionNone, "mae_ratio", ratio, m.config.WarningRatio, StateStable)
			s.Escalation = 0
			s.CUSUM = 0
		} else if crit {
			action = m.nextResponse(s)
			emit(SeverityCritical, action, "mae_ratio", ratio, m.config.CriticalRatio, StateResponding)
		}
	}

	if action == ActionPhysicsBoost {
		s.BoostUntil = now.AddDate(0, 0, m.config.PhysicsBoostDays)
	}
	return events, action
}

// nextResponse escalates one step past the last issued response, never
// skipping a level and never going beyond the full reset.
func (m *Monitor) nextResponse(s *scopeState) Action {
	if s.Escalation < len(escalation)-1 {
		s.Escalation++
	}
	return escalation[s.Escalation]
}

// ResetScope clears residuals and state for one scope, used after a full
// reset response. The audit events survive in the store.
func (m *Monitor) ResetScope(scope string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.scopes, scope)
}

// Snapshot returns the persistable state
func (m *Monitor) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make(Snapshot, len(m.scopes))
	for name, s := range m.scopes {
		cp := *s
		cp.Residuals = make([]residual, len(s.Residuals))
		copy(cp.Residuals, s.Residuals)
		out[name] = &cp
	}
	return out
}

// Load replaces the monitor state from a persisted snapshot
func (m *Monitor) Load(snap Snapshot) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.scopes = make(map[string]*scopeState, len(snap))
	for name, s := range snap {
		cp := *s
		if cp.State == "" {
			cp.State = StateStable
		}
		cp.Residuals = make([]residual, len(s.Residuals))
		copy(cp.Residuals, s.Residuals)
		m.scopes[name] = &cp
	}
}

// String implements fmt.Stringer for diagnostics output
func (s State) String() string { return string(s) }

// Describe renders one event for logs and diagnostics
func (e Event) Describe() string {
	return fmt.Sprintf("%s: %s -> %s (%s %s=%.3f threshold=%.3f action=%s)",
		e.Scope, e.FromState, e.ToState, e.Severity, e.Metric, e.Value, e.Threshold, e.Action)
}
