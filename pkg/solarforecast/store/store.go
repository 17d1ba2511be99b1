// Package store persists predictions, learned state and the drift audit
// trail in SQLite. Learning-cycle output is committed in one transaction
// so a crash mid-cycle never leaves half-updated weights behind.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database
type Store struct {
	db       *sql.DB
	dbPath   string
	mutex    sync.RWMutex
	prepared map[string]*sql.Stmt
}

// Open creates or opens the database at dbPath and migrates the schema
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	s := &Store{
		db:       db,
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %v", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %v", err)
	}

	klog.V(2).InfoS("Forecast store opened", "path", dbPath)
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS predictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		group_name TEXT NOT NULL,
		target_date TEXT NOT NULL,
		target_hour INTEGER NOT NULL,
		physics_kwh REAL NOT NULL,
		ridge_kwh REAL,
		sequence_kwh REAL,
		blended_kwh REAL NOT NULL,
		confidence REAL NOT NULL,
		interval_low_kwh REAL NOT NULL,
		interval_high_kwh REAL NOT NULL,
		stale_weather INTEGER NOT NULL DEFAULT 0,
		reduced_confidence INTEGER NOT NULL DEFAULT 0,
		actual_kwh REAL,
		error_kwh REAL,
		is_outlier INTEGER NOT NULL DEFAULT 0,
		inverter_clipped INTEGER NOT NULL DEFAULT 0,
		exclude_from_learning INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(group_name, target_date, target_hour)
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_date ON predictions(target_date);
	CREATE INDEX IF NOT EXISTS idx_predictions_group_date ON predictions(group_name, target_date);

	CREATE TABLE IF NOT EXISTS prediction_weather (
		prediction_id INTEGER NOT NULL REFERENCES predictions(id) ON DELETE CASCADE,
		cloud_cover REAL NOT NULL,
		temperature REAL NOT NULL,
		humidity REAL NOT NULL,
		wind_speed REAL NOT NULL,
		transmittance REAL NOT NULL,
		ghi REAL NOT NULL,
		sun_elevation REAL NOT NULL,
		sun_azimuth REAL NOT NULL,
		UNIQUE(prediction_id)
	);

	CREATE TABLE IF NOT EXISTS weather_cache (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source, timestamp)
	);

	CREATE TABLE IF NOT EXISTS calibration_factors (
		group_name TEXT NOT NULL,
		scope TEXT NOT NULL,
		factor REAL NOT NULL,
		confidence REAL NOT NULL,
		sample_count INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(group_name, scope)
	);

	CREATE TABLE IF NOT EXISTS model_states (
		model TEXT NOT NULL,
		group_name TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(model, group_name)
	);

	CREATE TABLE IF NOT EXISTS ensemble_weights (
		group_name TEXT NOT NULL,
		bucket TEXT NOT NULL,
		hour_bucket INTEGER NOT NULL,
		season TEXT NOT NULL,
		physics REAL NOT NULL,
		ridge REAL NOT NULL,
		sequence REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(group_name, bucket, hour_bucket, season)
	);

	CREATE TABLE IF NOT EXISTS trust_weights (
		bucket TEXT NOT NULL,
		source TEXT NOT NULL,
		weight REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(bucket, source)
	);

	CREATE TABLE IF NOT EXISTS drift_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		time DATETIME NOT NULL,
		severity TEXT NOT NULL,
		action TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		threshold REAL NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_drift_events_scope ON drift_events(scope, time);

	CREATE TABLE IF NOT EXISTS component_states (
		name TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) prepareStatements() error {
	statements := map[string]string{
		"upsert_prediction": `
			INSERT INTO predictions (
				run_id, group_name, target_date, target_hour,
				physics_kwh, ridge_kwh, sequence_kwh, blended_kwh,
				confidence, interval_low_kwh, interval_high_kwh,
				stale_weather, reduced_confidence
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_name, target_date, target_hour) DO UPDATE SET
				run_id = excluded.run_id,
				physics_kwh = excluded.physics_kwh,
				ridge_kwh = excluded.ridge_kwh,
				sequence_kwh = excluded.sequence_kwh,
				blended_kwh = excluded.blended_kwh,
				confidence = excluded.confidence,
				interval_low_kwh = excluded.interval_low_kwh,
				interval_high_kwh = excluded.interval_high_kwh,
				stale_weather = excluded.stale_weather,
				reduced_confidence = excluded.reduced_confidence
		`,
		"upsert_prediction_weather": `
			INSERT INTO prediction_weather (
				prediction_id, cloud_cover, temperature, humidity,
				wind_speed, transmittance, ghi, sun_elevation, sun_azimuth
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(prediction_id) DO UPDATE SET
				cloud_cover = excluded.cloud_cover,
				temperature = excluded.temperature,
				humidity = excluded.humidity,
				wind_speed = excluded.wind_speed,
				transmittance = excluded.transmittance,
				ghi = excluded.ghi,
				sun_elevation = excluded.sun_elevation,
				sun_azimuth = excluded.sun_azimuth
		`,
		"select_prediction_id": `
			SELECT id FROM predictions
			WHERE group_name = ? AND target_date = ? AND target_hour = ?
		`,
		"select_actual": `
			SELECT actual_kwh, blended_kwh FROM predictions WHERE id = ?
		`,
		"backfill_actual": `
			UPDATE predictions
			SET actual_kwh = ?, error_kwh = blended_kwh - ?
			WHERE id = ?
		`,
		"update_flags": `
			UPDATE predictions
			SET is_outlier = ?, inverter_clipped = ?, exclude_from_learning = ?
			WHERE id = ?
		`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %v", name, err)
		}
		s.prepared[name] = stmt
	}
	return nil
}

// Close releases the prepared statements and the database handle
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, stmt := range s.prepared {
		stmt.Close()
	}
	return s.db.Close()
}
