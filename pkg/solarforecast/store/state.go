package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"k8s.io/klog/v2"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/drift"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/ensemble"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/weather"
)

// Calibration factor invariants
const (
	MinCalibrationFactor = 0.5
	MaxCalibrationFactor = 1.5
)

// CalibrationFactor is one learned correction row. Scope is "global", a
// cloud bucket name, or "hour:NN".
type CalibrationFactor struct {
	Group       string
	Scope       string
	Factor      float64
	Confidence  float64
	SampleCount int
}

// clampCalibration enforces the store-level invariants: factor inside
// [0.5, 1.5] and confidence inside [0, 1].
func clampCalibration(f CalibrationFactor) CalibrationFactor {
	f.Factor = math.Max(MinCalibrationFactor, math.Min(MaxCalibrationFactor, f.Factor))
	f.Confidence = math.Max(0, math.Min(1, f.Confidence))
	return f
}

// Calibration loads one factor row; a missing row yields the neutral factor
func (s *Store) Calibration(group, scope string) (CalibrationFactor, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	f := CalibrationFactor{Group: group, Scope: scope, Factor: 1.0}
	err := s.db.QueryRow(
		`SELECT factor, confidence, sample_count FROM calibration_factors
		 WHERE group_name = ? AND scope = ?`, group, scope).
		Scan(&f.Factor, &f.Confidence, &f.SampleCount)
	if err == sql.ErrNoRows {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("failed to load calibration %s/%s: %v", group, scope, err)
	}
	return f, nil
}

// Calibrations loads all factor rows for a group
func (s *Store) Calibrations(group string) ([]CalibrationFactor, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.Query(
		`SELECT scope, factor, confidence, sample_count FROM calibration_factors
		 WHERE group_name = ?`, group)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibrations: %v", err)
	}
	defer rows.Close()

	var out []CalibrationFactor
	for rows.Next() {
		f := CalibrationFactor{Group: group}
		if err := rows.Scan(&f.Scope, &f.Factor, &f.Confidence, &f.SampleCount); err != nil {
			return nil, fmt.Errorf("failed to scan calibration: %v", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ModelState loads a model's persisted payload; nil when absent
func (s *Store) ModelState(model, group string) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var payload string
	err := s.db.QueryRow(
		`SELECT payload FROM model_states WHERE model = ? AND group_name = ?`,
		model, group).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model state %s/%s: %v", model, group, err)
	}
	return []byte(payload), nil
}

// ComponentState loads a named component snapshot (detectors, blender
// trust, drift monitor); nil when absent.
func (s *Store) ComponentState(name string) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var payload string
	err := s.db.QueryRow(
		`SELECT payload FROM component_states WHERE name = ?`, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load component state %s: %v", name, err)
	}
	return []byte(payload), nil
}

// EnsembleWeights loads all persisted bucket weights
func (s *Store) EnsembleWeights() (map[ensemble.Key]ensemble.Weights, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.Query(
		`SELECT group_name, bucket, hour_bucket, season, physics, ridge, sequence
		 FROM ensemble_weights`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ensemble weights: %v", err)
	}
	defer rows.Close()

	out := make(map[ensemble.Key]ensemble.Weights)
	for rows.Next() {
		var k ensemble.Key
		var w ensemble.Weights
		var bucket string
		if err := rows.Scan(&k.Group, &bucket, &k.HourBucket, &k.Season,
			&w.Physics, &w.Ridge, &w.Sequence); err != nil {
			return nil, fmt.Errorf("failed to scan ensemble weight: %v", err)
		}
		k.Bucket = weather.CloudBucket(bucket)
		out[k] = w
	}
	return out, rows.Err()
}

// TrustWeights loads all persisted weather source trust weights
func (s *Store) TrustWeights() (map[weather.TrustKey]float64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.Query(`SELECT bucket, source, weight FROM trust_weights`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trust weights: %v", err)
	}
	defer rows.Close()

	out := make(map[weather.TrustKey]float64)
	for rows.Next() {
		var bucket, source string
		var weight float64
		if err := rows.Scan(&bucket, &source, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan trust weight: %v", err)
		}
		out[weather.TrustKey{Bucket: weather.CloudBucket(bucket), Source: source}] = weight
	}
	return out, rows.Err()
}

// AppendDriftEvents writes audit events. Events are insert-only; nothing
// in the store ever updates or deletes one.
func (s *Store) AppendDriftEvents(events []drift.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return appendDriftEvents(s.db, events)
}

func appendDriftEvents(ex execer, events []drift.Event) error {
	for _, e := range events {
		if _, err := ex.Exec(
			`INSERT INTO drift_events (scope, time, severity, action, metric, value, threshold, from_state, to_state)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Scope, e.Time, string(e.Severity), string(e.Action), e.Metric,
			e.Value, e.Threshold, string(e.FromState), string(e.ToState),
		); err != nil {
			return fmt.Errorf("failed to append drift event: %v", err)
		}
	}
	return nil
}

// DriftEvents returns the newest events for a scope, newest first
func (s *Store) DriftEvents(scope string, limit int) ([]drift.Event, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.Query(
		`SELECT scope, time, severity, action, metric, value, threshold, from_state, to_state
		 FROM drift_events WHERE scope = ? ORDER BY id DESC LIMIT ?`, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query drift events: %v", err)
	}
	defer rows.Close()

	var out []drift.Event
	for rows.Next() {
		var e drift.Event
		var severity, action, from, to string
		if err := rows.Scan(&e.Scope, &e.Time, &severity, &action, &e.Metric,
			&e.Value, &e.Threshold, &from, &to); err != nil {
			return nil, fmt.Errorf("failed to scan drift event: %v", err)
		}
		e.Severity = drift.Severity(severity)
		e.Action = drift.Action(action)
		e.FromState = drift.State(from)
		e.ToState = drift.State(to)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CacheWeather stores raw source records for later trust scoring
func (s *Store) CacheWeather(source string, records []weather.SourceRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal weather record: %v", err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO weather_cache (source, timestamp, payload) VALUES (?, ?, ?)
			 ON CONFLICT(source, timestamp) DO UPDATE SET payload = excluded.payload`,
			source, r.Timestamp, string(payload),
		); err != nil {
			return fmt.Errorf("failed to cache weather record: %v", err)
		}
	}
	return nil
}

// CachedWeather loads the raw records one source reported for a time range
func (s *Store) CachedWeather(source string, start, end time.Time) ([]weather.SourceRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.Query(
		`SELECT payload FROM weather_cache
		 WHERE source = ? AND timestamp BETWEEN ? AND ?
		 ORDER BY timestamp ASC`, source, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query weather cache: %v", err)
	}
	defer rows.Close()

	var out []weather.SourceRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan weather cache row: %v", err)
		}
		var r weather.SourceRecord
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			klog.V(2).InfoS("Skipping unreadable cached weather record", "source", source, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// LearningCycleResult is everything a learning cycle wants to persist.
// CommitLearningCycle writes it in one transaction: either the whole cycle
// lands or none of it does.
type LearningCycleResult struct {
	ModelStates        map[string]map[string][]byte // model -> group -> payload
	ComponentStates    map[string][]byte            // component name -> payload
	EnsembleWeights    map[ensemble.Key]ensemble.Weights
	TrustWeights       map[weather.TrustKey]float64
	CalibrationFactors []CalibrationFactor
	DriftEvents        []drift.Event
	FlagUpdates        []FlagUpdate
}

// FlagUpdate carries an anomaly verdict for one prediction row
type FlagUpdate struct {
	PredictionID int64
	IsOutlier    bool
	Clipped      bool
	Exclude      bool
}

// CommitLearningCycle persists a full cycle atomically
func (s *Store) CommitLearningCycle(result LearningCycleResult) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin learning cycle transaction: %v", err)
	}
	defer tx.Rollback()

	for model, byGroup := range result.ModelStates {
		for group, payload := range byGroup {
			if _, err := tx.Exec(
				`INSERT INTO model_states (model, group_name, payload, updated_at)
				 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
				 ON CONFLICT(model, group_name) DO UPDATE SET
					payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`,
				model, group, string(payload),
			); err != nil {
				return fmt.Errorf("failed to store %s state for %s: %v", model, group, err)
			}
		}
	}

	for name, payload := range result.ComponentStates {
		if _, err := tx.Exec(
			`INSERT INTO component_states (name, payload, updated_at)
			 VALUES (?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(name) DO UPDATE SET
				payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`,
			name, string(payload),
		); err != nil {
			return fmt.Errorf("failed to store component state %s: %v", name, err)
		}
	}

	for key, w := range result.EnsembleWeights {
		if _, err := tx.Exec(
			`INSERT INTO ensemble_weights (group_name, bucket, hour_bucket, season, physics, ridge, sequence, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(group_name, bucket, hour_bucket, season) DO UPDATE SET
				physics = excluded.physics, ridge = excluded.ridge,
				sequence = excluded.sequence, updated_at = CURRENT_TIMESTAMP`,
			key.Group, string(key.Bucket), key.HourBucket, key.Season,
			w.Physics, w.Ridge, w.Sequence,
		); err != nil {
			return fmt.Errorf("failed to store ensemble weights: %v", err)
		}
	}

	for key, weight := range result.TrustWeights {
		if _, err := tx.Exec(
			`INSERT INTO trust_weights (bucket, source, weight, updated_at)
			 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(bucket, source) DO UPDATE SET
				weight = excluded.weight, updated_at = CURRENT_TIMESTAMP`,
			string(key.Bucket), key.Source, weight,
		); err != nil {
			return fmt.Errorf("failed to store trust weight: %v", err)
		}
	}

	for _, f := range result.CalibrationFactors {
		f = clampCalibration(f)
		if _, err := tx.Exec(
			`INSERT INTO calibration_factors (group_name, scope, factor, confidence, sample_count, updated_at)
			 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(group_name, scope) DO UPDATE SET
				factor = excluded.factor, confidence = excluded.confidence,
				sample_count = excluded.sample_count, updated_at = CURRENT_TIMESTAMP`,
			f.Group, f.Scope, f.Factor, f.Confidence, f.SampleCount,
		); err != nil {
			return fmt.Errorf("failed to store calibration factor: %v", err)
		}
	}

	if err := appendDriftEvents(tx, result.DriftEvents); err != nil {
		return err
	}

	for _, u := range result.FlagUpdates {
		if _, err := tx.Exec(
			`UPDATE predictions SET is_outlier = ?, inverter_clipped = ?, exclude_from_learning = ?
			 WHERE id = ?`,
			boolToInt(u.IsOutlier), boolToInt(u.Clipped), boolToInt(u.Exclude), u.PredictionID,
		); err != nil {
			return fmt.Errorf("failed to update prediction flags: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit learning cycle: %v", err)
	}
	klog.V(2).InfoS("Learning cycle committed",
		"calibrations", len(result.CalibrationFactors),
		"ensembleBuckets", len(result.EnsembleWeights),
		"driftEvents", len(result.DriftEvents),
		"flagUpdates", len(result.FlagUpdates))
	return nil
}
