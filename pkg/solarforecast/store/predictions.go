package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"k8s.io/klog/v2"
)

// DateFormat is the canonical target-date key
const DateFormat = "2006-01-02"

// Prediction is one (group, date, hour) forecast row. ActualKWh and
// ErrorKWh stay nil until the actual is backfilled.
type Prediction struct {
	ID                  int64
	RunID               string
	Group               string
	Date                string
	Hour                int
	PhysicsKWh          float64
	RidgeKWh            *float64
	SequenceKWh         *float64
	BlendedKWh          float64
	Confidence          float64
	IntervalLowKWh      float64
	IntervalHighKWh     float64
	StaleWeather        bool
	ReducedConfidence   bool
	ActualKWh           *float64
	ErrorKWh            *float64
	IsOutlier           bool
	InverterClipped     bool
	ExcludeFromLearning bool
}

// WeatherSnapshot is the blended weather a prediction was computed from,
// kept as a detail row so training features can be rebuilt later.
type WeatherSnapshot struct {
	CloudCover    float64
	Temperature   float64
	Humidity      float64
	WindSpeed     float64
	Transmittance float64
	GHI           float64
	SunElevation  float64
	SunAzimuth    float64
}

// UpsertPrediction writes a forecast row, overwriting any previous forecast
// for the same (group, date, hour) deterministically, and stores the
// weather snapshot alongside it. Returns the row id.
func (s *Store) UpsertPrediction(p Prediction, wx WeatherSnapshot) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := s.prepared["upsert_prediction"].Exec(
		p.RunID, p.Group, p.Date, p.Hour,
		p.PhysicsKWh, p.RidgeKWh, p.SequenceKWh, p.BlendedKWh,
		p.Confidence, p.IntervalLowKWh, p.IntervalHighKWh,
		boolToInt(p.StaleWeather), boolToInt(p.ReducedConfidence),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert prediction: %v", err)
	}

	var id int64
	if err := s.prepared["select_prediction_id"].QueryRow(p.Group, p.Date, p.Hour).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to resolve prediction id: %v", err)
	}

	if _, err := s.prepared["upsert_prediction_weather"].Exec(
		id, wx.CloudCover, wx.Temperature, wx.Humidity, wx.WindSpeed,
		wx.Transmittance, wx.GHI, wx.SunElevation, wx.SunAzimuth,
	); err != nil {
		return 0, fmt.Errorf("failed to upsert prediction weather: %v", err)
	}

	klog.V(4).InfoS("Prediction stored",
		"group", p.Group, "date", p.Date, "hour", p.Hour,
		"blended", p.BlendedKWh, "stale", p.StaleWeather)
	return id, nil
}

// BackfillActual records the observed yield for a prediction. Re-applying
// the same value is a no-op; the returned flag reports whether the row
// changed.
func (s *Store) BackfillActual(predictionID int64, actualKWh float64) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var existing sql.NullFloat64
	var blended float64
	err := s.prepared["select_actual"].QueryRow(predictionID).Scan(&existing, &blended)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("prediction %d not found", predictionID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read prediction %d: %v", predictionID, err)
	}
	if existing.Valid && math.Abs(existing.Float64-actualKWh) < 1e-9 {
		return false, nil
	}

	if _, err := s.prepared["backfill_actual"].Exec(actualKWh, actualKWh, predictionID); err != nil {
		return false, fmt.Errorf("failed to backfill actual: %v", err)
	}
	klog.V(3).InfoS("Actual backfilled",
		"predictionID", predictionID, "actualKWh", actualKWh,
		"errorKWh", blended-actualKWh)
	return true, nil
}

// UpdateFlags stores the anomaly gate verdict for a prediction
func (s *Store) UpdateFlags(predictionID int64, isOutlier, clipped, exclude bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := s.prepared["update_flags"].Exec(
		boolToInt(isOutlier), boolToInt(clipped), boolToInt(exclude), predictionID)
	if err != nil {
		return fmt.Errorf("failed to update flags: %v", err)
	}
	return nil
}

const predictionColumns = `
	p.id, p.run_id, p.group_name, p.target_date, p.target_hour,
	p.physics_kwh, p.ridge_kwh, p.sequence_kwh, p.blended_kwh,
	p.confidence, p.interval_low_kwh, p.interval_high_kwh,
	p.stale_weather, p.reduced_confidence, p.actual_kwh, p.error_kwh,
	p.is_outlier, p.inverter_clipped, p.exclude_from_learning`

// GetPrediction loads one row by id
func (s *Store) GetPrediction(id int64) (*Prediction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	row := s.db.QueryRow(
		`SELECT`+predictionColumns+` FROM predictions p WHERE p.id = ?`, id)
	p, err := scanPrediction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("prediction %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prediction %d: %v", id, err)
	}
	return p, nil
}

// GetDay loads all predictions for one group and date, ordered by hour
func (s *Store) GetDay(group, date string) ([]Prediction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.Query(
		`SELECT`+predictionColumns+` FROM predictions p
		 WHERE p.group_name = ? AND p.target_date = ?
		 ORDER BY p.target_hour ASC`, group, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query day: %v", err)
	}
	defer rows.Close()
	return scanPredictions(rows)
}

// TrainingRow pairs a backfilled prediction with its weather snapshot
type TrainingRow struct {
	Prediction Prediction
	Weather    WeatherSnapshot
}

// TrainingData returns backfilled, non-excluded predictions for a group
// over the trailing lookback window, ordered chronologically.
func (s *Store) TrainingData(group string, since time.Time) ([]TrainingRow, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.Query(
		`SELECT`+predictionColumns+`,
			w.cloud_cover, w.temperature, w.humidity, w.wind_speed,
			w.transmittance, w.ghi, w.sun_elevation, w.sun_azimuth
		 FROM predictions p
		 JOIN prediction_weather w ON w.prediction_id = p.id
		 WHERE p.group_name = ?
		   AND p.target_date >= ?
		   AND p.actual_kwh IS NOT NULL
		   AND p.exclude_from_learning = 0
		 ORDER BY p.target_date ASC, p.target_hour ASC`,
		group, since.Format(DateFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query training data: %v", err)
	}
	defer rows.Close()
	return scanTrainingRows(rows)
}

func scanTrainingRows(rows *sql.Rows) ([]TrainingRow, error) {
	var out []TrainingRow
	for rows.Next() {
		var tr TrainingRow
		var aux predScan
		dest := predictionDest(&tr.Prediction, &aux)
		dest = append(dest,
			&tr.Weather.CloudCover, &tr.Weather.Temperature, &tr.Weather.Humidity,
			&tr.Weather.WindSpeed, &tr.Weather.Transmittance, &tr.Weather.GHI,
			&tr.Weather.SunElevation, &tr.Weather.SunAzimuth)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan training row: %v", err)
		}
		normalizePrediction(&tr.Prediction, &aux)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// DayWithWeather returns all backfilled predictions for one group and date
// joined with their weather snapshots, including excluded rows. The anomaly
// day scan needs the excluded hours too.
func (s *Store) DayWithWeather(group, date string) ([]TrainingRow, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.Query(
		`SELECT`+predictionColumns+`,
			w.cloud_cover, w.temperature, w.humidity, w.wind_speed,
			w.transmittance, w.ghi, w.sun_elevation, w.sun_azimuth
		 FROM predictions p
		 JOIN prediction_weather w ON w.prediction_id = p.id
		 WHERE p.group_name = ? AND p.target_date = ? AND p.actual_kwh IS NOT NULL
		 ORDER BY p.target_hour ASC`, group, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query day with weather: %v", err)
	}
	defer rows.Close()
	return scanTrainingRows(rows)
}

// BackfilledDay returns all backfilled predictions for one group and date
// including excluded ones, for the anomaly day scan.
func (s *Store) BackfilledDay(group, date string) ([]Prediction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.Query(
		`SELECT`+predictionColumns+` FROM predictions p
		 WHERE p.group_name = ? AND p.target_date = ? AND p.actual_kwh IS NOT NULL
		 ORDER BY p.target_hour ASC`, group, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query backfilled day: %v", err)
	}
	defer rows.Close()
	return scanPredictions(rows)
}

// DeleteBefore removes prediction rows (and their cascaded detail rows)
// older than the cutoff date.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM predictions WHERE target_date < ?`, cutoff.Format(DateFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old predictions: %v", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		klog.V(2).InfoS("Old predictions removed", "rows", n, "cutoff", cutoff.Format(DateFormat))
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// predScan holds scan targets that need conversion after the row read
type predScan struct {
	stale, reduced, outlier, clipped, exclude int
	ridge, sequence, actual, errKWh           sql.NullFloat64
}

func predictionDest(p *Prediction, aux *predScan) []any {
	return []any{
		&p.ID, &p.RunID, &p.Group, &p.Date, &p.Hour,
		&p.PhysicsKWh, &aux.ridge, &aux.sequence, &p.BlendedKWh,
		&p.Confidence, &p.IntervalLowKWh, &p.IntervalHighKWh,
		&aux.stale, &aux.reduced, &aux.actual, &aux.errKWh,
		&aux.outlier, &aux.clipped, &aux.exclude,
	}
}

func normalizePrediction(p *Prediction, aux *predScan) {
	p.StaleWeather = aux.stale != 0
	p.ReducedConfidence = aux.reduced != 0
	p.IsOutlier = aux.outlier != 0
	p.InverterClipped = aux.clipped != 0
	p.ExcludeFromLearning = aux.exclude != 0
	p.RidgeKWh = nullToPtr(aux.ridge)
	p.SequenceKWh = nullToPtr(aux.sequence)
	p.ActualKWh = nullToPtr(aux.actual)
	p.ErrorKWh = nullToPtr(aux.errKWh)
}

func scanPrediction(row rowScanner) (*Prediction, error) {
	var p Prediction
	var aux predScan
	if err := row.Scan(predictionDest(&p, &aux)...); err != nil {
		return nil, err
	}
	normalizePrediction(&p, &aux)
	return &p, nil
}

func scanPredictions(rows *sql.Rows) ([]Prediction, error) {
	var out []Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %v", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func nullToPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
