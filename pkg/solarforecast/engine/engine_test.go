package engine

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/config"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/model"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/physics"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/store"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/weather"
)

// fakeSource serves deterministic synthetic weather for the horizon
type fakeSource struct {
	name  string
	cloud float64
	temp  float64 // 18 C when zero
	empty bool
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchHourly(_ context.Context, start time.Time, hours int) ([]weather.SourceRecord, error) {
	if f.empty {
		return nil, nil
	}
	records := make([]weather.SourceRecord, 0, hours)
	for h := 0; h < hours; h++ {
		ts := start.Truncate(time.Hour).Add(time.Duration(h) * time.Hour)
		cloud, temp, hum, wind := f.cloud, 18.0, 55.0, 2.5
		if f.temp != 0 {
			temp = f.temp
		}
		records = append(records, weather.SourceRecord{
			Timestamp:   ts,
			CloudCover:  &cloud,
			Temperature: &temp,
			Humidity:    &hum,
			WindSpeed:   &wind,
		})
	}
	return records, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Site: config.SiteConfig{
			Latitude:  48.1,
			Longitude: 11.6,
			Albedo:    0.2,
			Timezone:  "UTC",
		},
		PanelGroups: []config.PanelGroup{
			{Name: "roof", CapacityKWp: 9.6, TiltDeg: 30, AzimuthDeg: 180},
		},
		Weather: config.WeatherConfig{
			Sources:        []string{"fake"},
			FetchTimeout:   5 * time.Second,
			MaxRetries:     1,
			RetryBaseDelay: time.Millisecond,
			TrustAlpha:     0.3,
			TrustAlphaFast: 0.5,
		},
		Learning: config.LearningConfig{
			MinRidgeSamples:      10,
			FullRidgeSamples:     50,
			MinSequenceDays:      30,
			MinGeometrySamples:   20,
			LookbackDays:         60,
			MaxAnomalousFraction: 0.25,
			CycleHour:            21,
			ForecastRefreshHour:  6,
			CycleTimeout:         time.Minute,
			CloudBuckets:         []float64{25, 75, 100},
			HourBucketSize:       4,
		},
		Drift: config.DriftConfig{
			WarningRatio:     1.5,
			CriticalRatio:    2.0,
			CoverageFloor:    0.5,
			CUSUMThreshold:   5.0,
			CUSUMSlack:       0.5,
			BaselineDays:     90,
			PhysicsBoostDays: 7,
		},
		Storage: config.StorageConfig{
			DatabasePath:  filepath.Join(t.TempDir(), "forecast.db"),
			RetentionDays: 365,
		},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, sources ...weather.Source) *Engine {
	t.Helper()
	st, err := store.Open(cfg.Storage.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e, err := New(cfg, st, sources...)
	require.NoError(t, err)
	return e
}

func TestForecastColdStartUsesPhysicsOnly(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})

	results, err := e.Forecast(context.Background(), "", 24)
	require.NoError(t, err)
	require.Contains(t, results, "roof")
	series := results["roof"]
	require.Len(t, series, 24)

	daylight := 0
	for _, hf := range series {
		// No history: neither learned model may contribute
		assert.Nil(t, hf.RidgeKWh)
		assert.Nil(t, hf.SequenceKWh)
		assert.False(t, hf.StaleWeather)
		if hf.BlendedKWh > 0 {
			daylight++
			assert.InDelta(t, hf.PhysicsKWh, hf.BlendedKWh, 1e-9)
			assert.LessOrEqual(t, hf.IntervalLowKWh, hf.BlendedKWh)
			assert.GreaterOrEqual(t, hf.IntervalHighKWh, hf.BlendedKWh)
		}
	}
	assert.Greater(t, daylight, 4) // Munich in any season has daylight
}

func TestForecastPersistsPredictions(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})

	results, err := e.Forecast(context.Background(), "roof", 6)
	require.NoError(t, err)

	for _, hf := range results["roof"] {
		stored, err := e.store.GetDay("roof", hf.Timestamp.Format(store.DateFormat))
		require.NoError(t, err)
		found := false
		for _, p := range stored {
			if p.Hour == hf.Timestamp.Hour() {
				found = true
				assert.InDelta(t, hf.BlendedKWh, p.BlendedKWh, 1e-9)
			}
		}
		assert.True(t, found, "hour %d not stored", hf.Timestamp.Hour())
	}
}

func TestForecastUnknownGroup(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})

	_, err := e.Forecast(context.Background(), "carport", 6)
	assert.Error(t, err)
}

func TestForecastMarksStaleWeather(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", empty: true})

	results, err := e.Forecast(context.Background(), "", 4)
	require.NoError(t, err)
	for _, hf := range results["roof"] {
		assert.True(t, hf.StaleWeather)
	}
}

func TestForecastFallsBackToProfileOnDegradedPhysics(t *testing.T) {
	cfg := testConfig(t)
	// An implausible ambient temperature degrades every physics estimate
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10, temp: 99})

	g, err := e.group("roof")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		g.profile.Observe(12, 3.3)
	}

	results, err := e.Forecast(context.Background(), "roof", 24)
	require.NoError(t, err)

	// With no trained model, the hour with profile history serves its median
	found := false
	for _, hf := range results["roof"] {
		if hf.Timestamp.Hour() == 12 {
			found = true
			assert.InDelta(t, 3.3, hf.BlendedKWh, 1e-9)
		}
	}
	assert.True(t, found)
}

func TestRecordActualIdempotent(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})

	results, err := e.Forecast(context.Background(), "roof", 3)
	require.NoError(t, err)
	hf := results["roof"][0]
	date := hf.Timestamp.Format(store.DateFormat)
	hour := hf.Timestamp.Hour()

	changed, err := e.RecordActual("roof", date, hour, 1.5)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = e.RecordActual("roof", date, hour, 1.5)
	require.NoError(t, err)
	assert.False(t, changed)

	// A corrective re-run applies
	changed, err = e.RecordActual("roof", date, hour, 1.6)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestRecordActualWithoutPrediction(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})

	_, err := e.RecordActual("roof", "2025-01-01", 12, 1.0)
	assert.Error(t, err)

	_, err = e.RecordActual("carport", "2025-01-01", 12, 1.0)
	assert.Error(t, err)
}

// seedHistory writes backfilled daylight predictions for the trailing days
// so the learning cycle has training data. Production tracks the clear-sky
// maximum closely enough that no anomaly detector fires on these days.
func seedHistory(t *testing.T, e *Engine, days int) {
	t.Helper()
	g, err := e.group("roof")
	require.NoError(t, err)
	now := time.Now().UTC()
	for d := days; d >= 1; d-- {
		day := now.AddDate(0, 0, -d)
		date := day.Format(store.DateFormat)
		for hour := 8; hour <= 16; hour++ {
			ts := time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, time.UTC)
			sun := physics.SunPositionAt(ts, 48.1, 11.6)
			if sun.ElevationDeg <= 5 {
				continue
			}
			theoretical := g.physics.TheoreticalMax(sun)
			if theoretical < 0.1 {
				continue
			}
			physicsKWh := theoretical * 0.95
			id, err := e.store.UpsertPrediction(store.Prediction{
				RunID: "seed", Group: "roof", Date: date, Hour: hour,
				PhysicsKWh: physicsKWh, BlendedKWh: physicsKWh,
				Confidence: 0.7, IntervalLowKWh: physicsKWh * 0.8, IntervalHighKWh: physicsKWh * 1.2,
			}, store.WeatherSnapshot{
				CloudCover: 10, Temperature: 18, Humidity: 55, WindSpeed: 2.5,
				Transmittance: 1.0, GHI: 600 * math.Sin(sun.ElevationDeg*math.Pi/180.0),
				SunElevation: sun.ElevationDeg, SunAzimuth: sun.AzimuthDeg,
			})
			require.NoError(t, err)
			// Actual runs a stable 10% below physics
			_, err = e.store.BackfillActual(id, physicsKWh*0.9)
			require.NoError(t, err)
		}
	}
}

func TestLearningCycleTrainsAndCommits(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})
	seedHistory(t, e, 14)

	date := time.Now().UTC().AddDate(0, 0, -1).Format(store.DateFormat)
	require.NoError(t, e.RunLearningCycle(context.Background(), date))

	g, err := e.group("roof")
	require.NoError(t, err)
	assert.True(t, g.ridge.Ready())
	assert.False(t, g.sequence.Ready()) // 14 days is below the 30-day floor

	// The trained state must be in the store
	payload, err := e.store.ModelState(model.NameRidge, "roof")
	require.NoError(t, err)
	assert.NotEmpty(t, payload)

	// The systematic 10% shortfall must show up as a sub-unity calibration
	f, err := e.store.Calibration("roof", "global")
	require.NoError(t, err)
	assert.Less(t, f.Factor, 1.0)
	assert.Greater(t, f.Factor, 0.8)
}

func TestLearningCycleExcludesFreshlyFlaggedDay(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})
	seedHistory(t, e, 14)

	// Collapse yesterday to a few percent of its clear-sky expectation so
	// the anomaly scan flags every hour and skips the whole day
	date := time.Now().UTC().AddDate(0, 0, -1).Format(store.DateFormat)
	day, err := e.store.GetDay("roof", date)
	require.NoError(t, err)
	require.NotEmpty(t, day)
	for _, p := range day {
		_, err := e.store.BackfillActual(p.ID, p.PhysicsKWh*0.02)
		require.NoError(t, err)
	}

	require.NoError(t, e.RunLearningCycle(context.Background(), date))

	// After the commit the flagged day is excluded from training data; the
	// cycle that flagged it must not have trained on it either
	since := time.Now().UTC().AddDate(0, 0, -cfg.Learning.LookbackDays)
	rows, err := e.store.TrainingData("roof", since)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for _, row := range rows {
		assert.NotEqual(t, date, row.Prediction.Date)
	}

	g, err := e.group("roof")
	require.NoError(t, err)
	require.True(t, g.ridge.Ready())
	assert.Equal(t, len(rows), g.ridge.State().Samples)

	// The collapsed day must not drag the calibration factor down
	f, err := e.store.Calibration("roof", "global")
	require.NoError(t, err)
	assert.Greater(t, f.Factor, 0.8)
}

func TestLearnedStateSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(cfg.Storage.DatabasePath)
	require.NoError(t, err)

	e, err := New(cfg, st, &fakeSource{name: "fake", cloud: 10})
	require.NoError(t, err)
	seedHistory(t, e, 14)
	date := time.Now().UTC().AddDate(0, 0, -1).Format(store.DateFormat)
	require.NoError(t, e.RunLearningCycle(context.Background(), date))
	require.NoError(t, st.Close())

	st2, err := store.Open(cfg.Storage.DatabasePath)
	require.NoError(t, err)
	defer st2.Close()

	restarted, err := New(cfg, st2, &fakeSource{name: "fake", cloud: 10})
	require.NoError(t, err)

	g, err := restarted.group("roof")
	require.NoError(t, err)
	assert.True(t, g.ridge.Ready())
	assert.Greater(t, g.profile.Samples(), 0)
	g.mutex.RLock()
	_, hasGlobal := g.calibration["global"]
	g.mutex.RUnlock()
	assert.True(t, hasGlobal)
}

func TestRidgeContributesAfterTraining(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})
	seedHistory(t, e, 14)
	date := time.Now().UTC().AddDate(0, 0, -1).Format(store.DateFormat)
	require.NoError(t, e.RunLearningCycle(context.Background(), date))

	results, err := e.Forecast(context.Background(), "roof", 24)
	require.NoError(t, err)

	ridgeHours := 0
	for _, hf := range results["roof"] {
		if hf.RidgeKWh != nil {
			ridgeHours++
		}
		assert.Nil(t, hf.SequenceKWh) // Still below the sequence floor
	}
	assert.Equal(t, 24, ridgeHours)
}

func TestBootstrapFromHistory(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})
	seedHistory(t, e, 14)

	require.NoError(t, e.BootstrapFromHistory(context.Background(), 30))

	g, err := e.group("roof")
	require.NoError(t, err)
	assert.True(t, g.ridge.Ready())
	assert.Greater(t, g.profile.Samples(), 0)
}

func TestResetScopes(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})
	seedHistory(t, e, 14)
	require.NoError(t, e.BootstrapFromHistory(context.Background(), 30))

	g, err := e.group("roof")
	require.NoError(t, err)
	require.True(t, g.ridge.Ready())

	require.NoError(t, e.Reset(context.Background(), ResetModels))
	assert.False(t, g.ridge.Ready())
	assert.Equal(t, 0, g.profile.Samples())

	payload, err := e.store.ModelState(model.NameRidge, "roof")
	require.NoError(t, err)
	assert.Nil(t, payload)

	g.mutex.RLock()
	calibrated := len(g.calibration) > 0
	g.mutex.RUnlock()
	assert.True(t, calibrated) // Model reset keeps calibration

	require.NoError(t, e.Reset(context.Background(), ResetCalibration))
	g.mutex.RLock()
	calibrated = len(g.calibration) > 0
	g.mutex.RUnlock()
	assert.False(t, calibrated)

	assert.Error(t, e.Reset(context.Background(), "everything"))
}

func TestRetrainTargetValidation(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})
	assert.Error(t, e.Retrain(context.Background(), "linear"))
}

func TestCalibrationFactorCombination(t *testing.T) {
	g := &groupState{calibration: map[string]store.CalibrationFactor{
		"global": {Factor: 1.2, Confidence: 1.0},
		"clear":  {Factor: 1.1, Confidence: 0.5},
	}}

	got := g.calibrationFactor(weather.BucketClear, 12)
	// 1.2 * (1 + 0.1*0.5) = 1.26
	assert.InDelta(t, 1.26, got, 1e-9)

	// Overcast hours only see the global factor
	got = g.calibrationFactor(weather.BucketOvercast, 12)
	assert.InDelta(t, 1.2, got, 1e-9)

	// The combined factor is clamped to the store bounds
	g.calibration["global"] = store.CalibrationFactor{Factor: 1.5, Confidence: 1.0}
	g.calibration["clear"] = store.CalibrationFactor{Factor: 1.5, Confidence: 1.0}
	assert.Equal(t, store.MaxCalibrationFactor, g.calibrationFactor(weather.BucketClear, 12))
}

func TestCalibrationFactorSmoothing(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})
	g, err := e.group("roof")
	require.NoError(t, err)

	rows := make([]store.TrainingRow, 0, 12)
	for i := 0; i < 12; i++ {
		actual := 1.8
		rows = append(rows, store.TrainingRow{
			Prediction: store.Prediction{Date: "2025-06-01", Hour: 10, PhysicsKWh: 2.0, ActualKWh: &actual},
			Weather:    store.WeatherSnapshot{CloudCover: 10},
		})
	}

	// Without a prior the observed ratio is adopted directly
	factors := e.calibrationFactors(g, "roof", rows)
	byScope := map[string]store.CalibrationFactor{}
	for _, f := range factors {
		byScope[f.Scope] = f
	}
	require.Contains(t, byScope, "global")
	assert.InDelta(t, 0.9, byScope["global"].Factor, 1e-9)

	// With a prior the factor moves one smoothing step, not the whole way
	g.mutex.Lock()
	g.calibration["global"] = store.CalibrationFactor{Factor: 1.2, Confidence: 1.0}
	g.mutex.Unlock()

	factors = e.calibrationFactors(g, "roof", rows)
	for _, f := range factors {
		if f.Scope == "global" {
			assert.InDelta(t, 1.2+0.3*(0.9-1.2), f.Factor, 1e-9)
		}
	}
}

func TestPaddedWindowRepeatsEarliestRow(t *testing.T) {
	short := [][]float64{{1}, {2}}
	padded := paddedWindow(short)
	require.Len(t, padded, model.WindowHours)
	assert.Equal(t, []float64{1}, padded[0])
	assert.Equal(t, []float64{1}, padded[model.WindowHours-3])
	assert.Equal(t, []float64{2}, padded[model.WindowHours-1])
}

func TestConsecutiveDetectsGaps(t *testing.T) {
	rows := func(hours ...int) []store.TrainingRow {
		out := make([]store.TrainingRow, len(hours))
		for i, h := range hours {
			out[i].Prediction = store.Prediction{Date: "2025-06-01", Hour: h}
		}
		return out
	}
	assert.True(t, consecutive(rows(10, 11, 12)))
	assert.False(t, consecutive(rows(10, 12, 13)))

	// Midnight rollover counts as consecutive
	cross := rows(23)
	cross = append(cross, store.TrainingRow{Prediction: store.Prediction{Date: "2025-06-02", Hour: 0}})
	assert.True(t, consecutive(cross))
}

func TestConditionCodeParsing(t *testing.T) {
	assert.Equal(t, 73, conditionCodeOf(weather.Blended{ConditionCode: "73"}))
	assert.Equal(t, -1, conditionCodeOf(weather.Blended{ConditionCode: "cloudy"}))
	assert.Equal(t, -1, conditionCodeOf(weather.Blended{}))
}

func TestDiagnostics(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})

	d := e.Diagnostics()
	require.Contains(t, d.Groups, "roof")
	assert.False(t, d.Groups["roof"].RidgeReady)
	assert.Equal(t, "stable", d.Groups["roof"].DriftState)
	assert.Equal(t, 30.0, d.Groups["roof"].GeometryTiltDeg)
}

func TestGroupNames(t *testing.T) {
	cfg := testConfig(t)
	cfg.PanelGroups = append(cfg.PanelGroups, config.PanelGroup{
		Name: "carport", CapacityKWp: 3.2, TiltDeg: 10, AzimuthDeg: 170,
	})
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})

	assert.Equal(t, []string{"roof", "carport"}, e.groupNames(""))
	assert.Equal(t, []string{"carport"}, e.groupNames("carport"))
}

func TestTickReturnsWhileLearningCycleRuns(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, &fakeSource{name: "fake", cloud: 10})

	ctx, cancel := context.WithCancel(context.Background())

	// Holding the learn mutex stands in for a long-running cycle; the tick
	// at the cycle hour must still return promptly
	e.learnMutex.Lock()
	done := make(chan struct{})
	go func() {
		e.tick(ctx, time.Date(2025, 6, 1, cfg.Learning.CycleHour, 0, 0, 0, time.UTC))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("tick blocked behind the learning cycle")
	}

	cancel()
	e.learnMutex.Unlock()
}

func TestSequenceWindowsChronology(t *testing.T) {
	var rows []store.TrainingRow
	var features [][]float64
	var targets []float64
	for d := 1; d <= 2; d++ {
		date := fmt.Sprintf("2025-06-%02d", d)
		for h := 0; h < 24; h++ {
			rows = append(rows, store.TrainingRow{Prediction: store.Prediction{Date: date, Hour: h}})
			features = append(features, []float64{float64(d*24 + h)})
			targets = append(targets, float64(h))
		}
	}

	windows, windowTargets, days := sequenceWindows(rows, features, targets)
	assert.Equal(t, 2, days)
	require.Len(t, windows, 48-model.WindowHours+1)
	require.Len(t, windowTargets, len(windows))
	// Each window ends at the row its target belongs to
	assert.Equal(t, features[model.WindowHours-1], windows[0][model.WindowHours-1])
	assert.Equal(t, targets[model.WindowHours-1], windowTargets[0])
}
