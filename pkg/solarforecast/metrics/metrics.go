// Package metrics exposes Prometheus instrumentation for the forecast
// engine. Everything registers on the default registry; the binary serves
// it via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const subsystem = "solar_forecast"

var (
	// PredictedKWh is the most recent hourly estimate per group and model
	PredictedKWh = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "predicted_kwh",
			Help:      "Latest predicted hourly yield (kWh) per panel group and model",
		},
		[]string{"group", "model"},
	)

	// ForecastConfidence is the blended confidence of the latest forecast
	ForecastConfidence = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "forecast_confidence",
			Help:      "Blended confidence (0-1) of the latest forecast per panel group",
		},
		[]string{"group"},
	)

	// ForecastRuns counts forecast generations by result
	ForecastRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "forecast_runs_total",
			Help:      "Number of forecast generations by result",
		},
		[]string{"result"}, // "success", "error", "suppressed"
	)

	// OperationDuration measures long-running engine operations
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"operation"}, // "forecast", "learning_cycle", "retrain", "grid_search", "bootstrap"
	)

	// WeatherSourceUp reports per-source health (1 healthy, 0 skipped)
	WeatherSourceUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "weather_source_up",
			Help:      "Whether a weather source is currently healthy",
		},
		[]string{"source"},
	)

	// WeatherSourceTrust is the learned trust weight per source and cloud bucket
	WeatherSourceTrust = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "weather_source_trust",
			Help:      "Learned trust weight (0-1) per weather source and cloud bucket",
		},
		[]string{"source", "bucket"},
	)

	// StaleWeatherHours counts forecast hours served from the stale cache
	StaleWeatherHours = promauto.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "stale_weather_hours_total",
			Help:      "Forecast hours computed from stale cached weather",
		},
	)

	// LearningCycles counts nightly learning cycles by result
	LearningCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "learning_cycles_total",
			Help:      "Number of learning cycles by result",
		},
		[]string{"result"}, // "success", "error", "skipped"
	)

	// ModelError is the rolling MAE per group, model and window
	ModelError = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "model_mae_kwh",
			Help:      "Rolling mean absolute error (kWh) per scope and window",
		},
		[]string{"scope", "window_days"},
	)

	// DriftState encodes the drift state machine per scope
	// (0 stable, 1 warning, 2 critical, 3 responding)
	DriftState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "drift_state",
			Help:      "Drift state per scope: 0 stable, 1 warning, 2 critical, 3 responding",
		},
		[]string{"scope"},
	)

	// DriftEvents counts audit events by severity and action
	DriftEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "drift_events_total",
			Help:      "Drift audit events by severity and response action",
		},
		[]string{"scope", "severity", "action"},
	)

	// AnomalousHours counts hours excluded from learning by detector
	AnomalousHours = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "anomalous_hours_total",
			Help:      "Hours excluded from learning by anomaly type",
		},
		[]string{"group", "kind"}, // kind: "shadow", "frost", "snow", "clipping"
	)

	// EnsembleWeight is the current blend weight per group and model
	EnsembleWeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "ensemble_weight",
			Help:      "Blend weight applied in the most recent forecast per group and model",
		},
		[]string{"group", "model"},
	)

	// CalibrationFactorGauge is the learned correction factor per group and scope
	CalibrationFactorGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "calibration_factor",
			Help:      "Learned production correction factor per group and scope",
		},
		[]string{"group", "scope"},
	)
)

// DriftStateValue maps a drift state name onto its gauge encoding
func DriftStateValue(state string) float64 {
	switch state {
	case "warning":
		return 1
	case "critical":
		return 2
	case "responding":
		return 3
	default:
		return 0
	}
}
