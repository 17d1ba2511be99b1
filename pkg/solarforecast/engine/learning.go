package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"k8s.io/klog/v2"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/anomaly"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/drift"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/ensemble"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/feature"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/geometry"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/metrics"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/model"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/physics"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/store"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/weather"
)

// Calibration confidence saturates at this many contributing hours
const calibrationFullSamples = 30

// Smoothing step applied per cycle when a calibration scope has a prior
const calibrationAlpha = 0.3

// RunLearningCycle executes the nightly cycle for one target date: anomaly
// scan, ensemble and trust updates, model retraining, geometry calibration,
// calibration factors, drift evaluation with auto-response, and a single
// atomic commit. Nothing learned is persisted unless the whole cycle
// succeeds.
func (e *Engine) RunLearningCycle(ctx context.Context, date string) error {
	e.learnMutex.Lock()
	defer e.learnMutex.Unlock()

	start := e.clock()
	defer func() {
		metrics.OperationDuration.WithLabelValues("learning_cycle").Observe(e.clock().Sub(start).Seconds())
	}()

	if e.config.Learning.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Learning.CycleTimeout)
		defer cancel()
	}

	result := store.LearningCycleResult{
		ModelStates:     map[string]map[string][]byte{model.NameRidge: {}, model.NameSequence: {}},
		ComponentStates: map[string][]byte{},
	}

	for _, name := range e.groupNames("") {
		if err := ctx.Err(); err != nil {
			metrics.LearningCycles.WithLabelValues("error").Inc()
			return err
		}
		if err := e.learnGroup(ctx, name, date, &result); err != nil {
			metrics.LearningCycles.WithLabelValues("error").Inc()
			return fmt.Errorf("learning failed for group %s: %v", name, err)
		}
	}

	if err := e.updateSourceTrust(date); err != nil {
		klog.ErrorS(err, "Weather source trust update skipped")
	}

	driftEvents := e.evaluateDrift(&result)
	result.DriftEvents = driftEvents

	e.collectStates(&result)
	result.EnsembleWeights = e.combiner.Snapshot()
	result.TrustWeights = e.blender.Weights()

	if err := e.store.CommitLearningCycle(result); err != nil {
		metrics.LearningCycles.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to commit learning cycle: %v", err)
	}

	if e.config.Storage.RetentionDays > 0 {
		cutoff := e.clock().In(e.location).AddDate(0, 0, -e.config.Storage.RetentionDays)
		if _, err := e.store.DeleteBefore(cutoff); err != nil {
			klog.ErrorS(err, "Retention cleanup failed")
		}
	}

	e.publishLearningMetrics()
	metrics.LearningCycles.WithLabelValues("success").Inc()
	klog.InfoS("Learning cycle committed", "date", date,
		"driftEvents", len(driftEvents), "flagUpdates", len(result.FlagUpdates))
	return nil
}

// learnGroup runs the per-group learning steps for one target date and
// folds the outcome into the pending commit.
func (e *Engine) learnGroup(ctx context.Context, name, date string, result *store.LearningCycleResult) error {
	g, err := e.group(name)
	if err != nil {
		return err
	}

	day, err := e.store.DayWithWeather(name, date)
	if err != nil {
		return err
	}

	excluded := map[int64]bool{}
	skipDay := false
	if len(day) > 0 {
		excluded, skipDay = e.scanDay(g, name, day, result)
	}
	if !skipDay && len(day) > 0 {
		e.updateEnsembleWeights(name, dropFlagged(day, date, excluded, false))
	}

	since := e.clock().In(e.location).AddDate(0, 0, -e.config.Learning.LookbackDays)
	rows, err := e.store.TrainingData(name, since)
	if err != nil {
		return err
	}
	// The exclusion flags from the scan above only land with the commit,
	// after this read; drop the freshly flagged hours here so they never
	// reach the trainers.
	rows = dropFlagged(rows, date, excluded, skipDay)
	if len(rows) == 0 {
		klog.V(2).InfoS("No training data for group", "group", name)
		return nil
	}

	features, targets := e.trainingVectors(name, rows)

	if len(features) >= e.config.Learning.MinRidgeSamples {
		if err := g.ridge.Train(features, targets); err != nil {
			return fmt.Errorf("ridge training failed: %v", err)
		}
	}

	windows, windowTargets, trainedDays := sequenceWindows(rows, features, targets)
	if trainedDays >= e.config.Learning.MinSequenceDays {
		if err := g.sequence.Train(windows, windowTargets, trainedDays, g.sequence.Ready()); err != nil {
			return fmt.Errorf("sequence training failed: %v", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	e.fitGeometry(g, name, rows)

	factors := e.calibrationFactors(g, name, rows)
	result.CalibrationFactors = append(result.CalibrationFactors, factors...)
	g.mutex.Lock()
	for _, f := range factors {
		g.calibration[f.Scope] = clampFactor(f)
	}
	g.mutex.Unlock()
	return nil
}

// clampFactor mirrors the store-level clamps so the in-memory factors the
// forecast path reads match what the commit will persist.
func clampFactor(f store.CalibrationFactor) store.CalibrationFactor {
	f.Factor = math.Max(store.MinCalibrationFactor, math.Min(store.MaxCalibrationFactor, f.Factor))
	f.Confidence = math.Max(0, math.Min(1, f.Confidence))
	return f
}

// scanDay runs the anomaly detectors over one backfilled day and queues
// the flag updates. Returns the prediction IDs excluded from learning and
// whether the whole day must be skipped.
func (e *Engine) scanDay(g *groupState, name string, day []store.TrainingRow, result *store.LearningCycleResult) (map[int64]bool, bool) {
	inputs := make([]anomaly.HourInput, len(day))
	for i, row := range day {
		sun := physics.SunPosition{
			ElevationDeg: row.Weather.SunElevation,
			AzimuthDeg:   row.Weather.SunAzimuth,
		}
		inputs[i] = anomaly.HourInput{
			Group:          name,
			Hour:           row.Prediction.Hour,
			ActualKWh:      actualOf(row.Prediction),
			TheoreticalKWh: g.physics.TheoreticalMax(sun),
			CloudCover:     row.Weather.CloudCover,
			TemperatureC:   row.Weather.Temperature,
			HumidityPct:    row.Weather.Humidity,
			WindMs:         row.Weather.WindSpeed,
			// Precipitation and condition codes are not part of the stored
			// snapshot; the snow detector falls back to its heuristic.
			ConditionCode: -1,
			TiltDeg:       g.physics.Geometry().TiltDeg,
		}
	}

	flags, skipDay := e.gates.EvaluateDay(inputs)
	excluded := make(map[int64]bool)
	for i, f := range flags {
		exclude := f.ExcludeFromLearning || skipDay
		if exclude {
			excluded[day[i].Prediction.ID] = true
		}
		result.FlagUpdates = append(result.FlagUpdates, store.FlagUpdate{
			PredictionID: day[i].Prediction.ID,
			IsOutlier:    f.Shadow || f.Frost || f.Snow,
			Clipped:      f.Clipped,
			Exclude:      exclude,
		})
		countAnomalies(name, f)
	}
	return excluded, skipDay
}

// dropFlagged removes the rows excluded by the current cycle's anomaly
// scan. With skipDay set, every row of the scanned date goes.
func dropFlagged(rows []store.TrainingRow, date string, excluded map[int64]bool, skipDay bool) []store.TrainingRow {
	if len(excluded) == 0 && !skipDay {
		return rows
	}
	kept := make([]store.TrainingRow, 0, len(rows))
	for _, row := range rows {
		if skipDay && row.Prediction.Date == date {
			continue
		}
		if excluded[row.Prediction.ID] {
			continue
		}
		kept = append(kept, row)
	}
	return kept
}

func countAnomalies(group string, f anomaly.HourFlags) {
	if f.Shadow {
		metrics.AnomalousHours.WithLabelValues(group, "shadow").Inc()
	}
	if f.Frost {
		metrics.AnomalousHours.WithLabelValues(group, "frost").Inc()
	}
	if f.Snow {
		metrics.AnomalousHours.WithLabelValues(group, "snow").Inc()
	}
	if f.Clipped {
		metrics.AnomalousHours.WithLabelValues(group, "clipping").Inc()
	}
}

// updateEnsembleWeights folds one day's per-model errors into the bucketed
// blend weights.
func (e *Engine) updateEnsembleWeights(name string, day []store.TrainingRow) {
	perKey := map[ensemble.Key]map[string][]float64{}

	for _, row := range day {
		actual := actualOf(row.Prediction)
		ts, err := time.ParseInLocation(store.DateFormat, row.Prediction.Date, e.location)
		if err != nil {
			continue
		}
		ts = ts.Add(time.Duration(row.Prediction.Hour) * time.Hour)
		key := e.combiner.KeyFor(name, e.blender.BucketFor(row.Weather.CloudCover), ts)

		errs, ok := perKey[key]
		if !ok {
			errs = map[string][]float64{}
			perKey[key] = errs
		}
		errs[model.NamePhysics] = append(errs[model.NamePhysics], math.Abs(row.Prediction.PhysicsKWh-actual))
		if row.Prediction.RidgeKWh != nil {
			errs[model.NameRidge] = append(errs[model.NameRidge], math.Abs(*row.Prediction.RidgeKWh-actual))
		}
		if row.Prediction.SequenceKWh != nil {
			errs[model.NameSequence] = append(errs[model.NameSequence], math.Abs(*row.Prediction.SequenceKWh-actual))
		}
	}

	for key, errs := range perKey {
		mae := map[string]float64{}
		for m, list := range errs {
			sum := 0.0
			for _, v := range list {
				sum += v
			}
			mae[m] = sum / float64(len(list))
		}
		e.combiner.UpdateFromErrors(key, mae)
	}
}

// trainingVectors rebuilds the forecast-time feature vectors from stored
// rows. Lag features come from the rows themselves, keeping training and
// inference features consistent.
func (e *Engine) trainingVectors(name string, rows []store.TrainingRow) ([][]float64, []float64) {
	totals := map[string]float64{}
	byHour := map[string]map[int]float64{}
	for _, row := range rows {
		actual := actualOf(row.Prediction)
		totals[row.Prediction.Date] += actual
		h, ok := byHour[row.Prediction.Date]
		if !ok {
			h = map[int]float64{}
			byHour[row.Prediction.Date] = h
		}
		h[row.Prediction.Hour] = actual
	}

	features := make([][]float64, 0, len(rows))
	targets := make([]float64, 0, len(rows))
	for _, row := range rows {
		ts, err := time.ParseInLocation(store.DateFormat, row.Prediction.Date, e.location)
		if err != nil {
			continue
		}
		ts = ts.Add(time.Duration(row.Prediction.Hour) * time.Hour)
		yesterday := ts.AddDate(0, 0, -1).Format(store.DateFormat)

		lags := feature.Lags{YesterdayTotalKWh: totals[yesterday]}
		if hours, ok := byHour[yesterday]; ok {
			lags.SameHourYesterdayKWh = hours[row.Prediction.Hour]
		}

		wx := weather.Blended{
			CloudCover:    row.Weather.CloudCover,
			Temperature:   row.Weather.Temperature,
			Humidity:      row.Weather.Humidity,
			WindSpeed:     row.Weather.WindSpeed,
			Transmittance: row.Weather.Transmittance,
			GHI:           row.Weather.GHI,
		}
		sun := physics.SunPosition{
			ElevationDeg: row.Weather.SunElevation,
			AzimuthDeg:   row.Weather.SunAzimuth,
		}
		features = append(features, feature.Vector(ts, wx, sun, row.Prediction.PhysicsKWh, lags))
		targets = append(targets, actualOf(row.Prediction))
	}
	return features, targets
}

// sequenceWindows slides a 24-hour window over the chronological feature
// rows. A window is only emitted when its rows are consecutive hours; gaps
// from excluded or missing hours break the chain.
func sequenceWindows(rows []store.TrainingRow, features [][]float64, targets []float64) ([][][]float64, []float64, int) {
	var windows [][][]float64
	var windowTargets []float64
	days := map[string]bool{}

	for i := range rows {
		days[rows[i].Prediction.Date] = true
		if i < model.WindowHours-1 {
			continue
		}
		if !consecutive(rows[i-model.WindowHours+1 : i+1]) {
			continue
		}
		window := make([][]float64, model.WindowHours)
		copy(window, features[i-model.WindowHours+1:i+1])
		windows = append(windows, window)
		windowTargets = append(windowTargets, targets[i])
	}
	return windows, windowTargets, len(days)
}

// consecutive reports whether the rows form an unbroken hourly chain
func consecutive(rows []store.TrainingRow) bool {
	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1].Prediction, rows[i].Prediction
		if prev.Date == cur.Date && cur.Hour == prev.Hour+1 {
			continue
		}
		if cur.Hour == 0 && prev.Hour == 23 && nextDate(prev.Date) == cur.Date {
			continue
		}
		return false
	}
	return true
}

func nextDate(date string) string {
	t, err := time.Parse(store.DateFormat, date)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, 1).Format(store.DateFormat)
}

// fitGeometry runs the orientation calibration on clear hours and installs
// the result when the fit converged.
func (e *Engine) fitGeometry(g *groupState, name string, rows []store.TrainingRow) {
	var samples []geometry.Sample
	for _, row := range rows {
		if row.Weather.CloudCover >= 25 || row.Weather.GHI < 50 || row.Weather.SunElevation <= 3 {
			continue
		}
		sun := physics.SunPosition{
			ElevationDeg: row.Weather.SunElevation,
			AzimuthDeg:   row.Weather.SunAzimuth,
		}
		samples = append(samples, geometry.Sample{
			Sun:        sun,
			Irradiance: decomposeGHI(row.Weather.GHI, row.Weather.CloudCover, sun),
			AmbientC:   row.Weather.Temperature,
			WindMs:     row.Weather.WindSpeed,
			ActualKWh:  actualOf(row.Prediction),
		})
	}
	if len(samples) < e.config.Learning.MinGeometrySamples {
		klog.V(3).InfoS("Too few clear hours for geometry calibration",
			"group", name, "samples", len(samples))
		return
	}

	fit, err := g.geometry.Fit(g.physics.Geometry(), g.physics.SystemEfficiency(), samples)
	if err != nil {
		klog.ErrorS(err, "Geometry calibration failed", "group", name)
		return
	}
	if !fit.Converged {
		return
	}
	g.physics.UpdateGeometry(fit.Geometry, fit.Efficiency)
	g.mutex.Lock()
	g.geoConf = fit.Confidence
	g.mutex.Unlock()
}

// decomposeGHI splits a global value into direct and diffuse components
// using a cloud-driven diffuse fraction.
func decomposeGHI(ghi, cloudCover float64, sun physics.SunPosition) physics.Irradiance {
	kd := 0.25 + 0.75*cloudCover/100.0
	dhi := ghi * kd
	dni := 0.0
	if sinElev := math.Sin(sun.ElevationDeg * math.Pi / 180.0); sinElev > 0.05 {
		dni = (ghi - dhi) / sinElev
	}
	return physics.Irradiance{GHI: ghi, DNI: dni, DHI: dhi}
}

// calibrationFactors derives global, per-bucket and per-hour correction
// factors from the actual/physics ratio over the lookback window. Scopes
// with a prior factor move toward the observed ratio by one smoothing
// step per cycle; scopes without one adopt the observed ratio directly.
func (e *Engine) calibrationFactors(g *groupState, name string, rows []store.TrainingRow) []store.CalibrationFactor {
	type acc struct {
		actual, physics float64
		n               int
	}
	scopes := map[string]*acc{}
	add := func(scope string, row store.TrainingRow) {
		a, ok := scopes[scope]
		if !ok {
			a = &acc{}
			scopes[scope] = a
		}
		a.actual += actualOf(row.Prediction)
		a.physics += row.Prediction.PhysicsKWh
		a.n++
	}

	for _, row := range rows {
		if row.Prediction.PhysicsKWh < 0.05 {
			continue // Night and dawn hours carry no calibration signal
		}
		add("global", row)
		add(string(e.blender.BucketFor(row.Weather.CloudCover)), row)
		add(hourScope(row.Prediction.Hour), row)
	}

	g.mutex.RLock()
	priors := make(map[string]store.CalibrationFactor, len(g.calibration))
	for scope, f := range g.calibration {
		priors[scope] = f
	}
	g.mutex.RUnlock()

	var out []store.CalibrationFactor
	for scope, a := range scopes {
		if a.physics < 1e-9 {
			continue
		}
		factor := a.actual / a.physics
		if prior, ok := priors[scope]; ok {
			factor = prior.Factor + calibrationAlpha*(factor-prior.Factor)
		}
		out = append(out, store.CalibrationFactor{
			Group:       name,
			Scope:       scope,
			Factor:      factor,
			Confidence:  math.Min(1.0, float64(a.n)/calibrationFullSamples),
			SampleCount: a.n,
		})
	}
	return out
}

// updateSourceTrust compares each source's cached forecast for the target
// date against the blended values the predictions were computed from, and
// folds the per-bucket errors into the trust weights.
func (e *Engine) updateSourceTrust(date string) error {
	names := e.groupNames("")
	if len(names) == 0 {
		return nil
	}
	// Weather is site-wide; any group's snapshots carry the blended values
	day, err := e.store.DayWithWeather(names[0], date)
	if err != nil {
		return err
	}
	if len(day) == 0 {
		return nil
	}

	dayStart, err := time.ParseInLocation(store.DateFormat, date, e.location)
	if err != nil {
		return err
	}

	type acc struct {
		sum float64
		n   int
	}
	errors := map[weather.TrustKey]*acc{}

	for _, sourceName := range e.config.Weather.Sources {
		cached, err := e.store.CachedWeather(sourceName, dayStart, dayStart.Add(24*time.Hour))
		if err != nil {
			klog.V(2).InfoS("No cached weather for source", "source", sourceName)
			continue
		}
		byHour := map[int]weather.SourceRecord{}
		for _, rec := range cached {
			byHour[rec.Timestamp.In(e.location).Hour()] = rec
		}
		for _, row := range day {
			rec, ok := byHour[row.Prediction.Hour]
			if !ok || rec.CloudCover == nil {
				continue
			}
			key := weather.TrustKey{
				Bucket: e.blender.BucketFor(row.Weather.CloudCover),
				Source: sourceName,
			}
			a, ok := errors[key]
			if !ok {
				a = &acc{}
				errors[key] = a
			}
			a.sum += math.Abs(*rec.CloudCover - row.Weather.CloudCover)
			a.n++
		}
	}

	for key, a := range errors {
		e.blender.UpdateTrust(key.Bucket, key.Source, a.sum/float64(a.n))
	}
	return nil
}

// evaluateDrift runs the state machine per scope and executes the bounded
// responses. Returns the audit events for the commit.
func (e *Engine) evaluateDrift(result *store.LearningCycleResult) []drift.Event {
	now := e.clock()
	scopes := append(e.groupNames(""), drift.GlobalScope)

	var events []drift.Event
	for _, scope := range scopes {
		scopeEvents, action := e.monitor.Evaluate(scope, now)
		events = append(events, scopeEvents...)
		for _, ev := range scopeEvents {
			metrics.DriftEvents.WithLabelValues(ev.Scope, string(ev.Severity), string(ev.Action)).Inc()
			klog.InfoS("Drift event", "event", ev.Describe())
		}
		e.executeDriftResponse(scope, action, result)
	}
	return events
}

// executeDriftResponse applies one auto-response. The light retrain is
// already satisfied by the cycle's full refit; the physics boost is
// applied at forecast time via the monitor's boost window; the full reset
// discards learned state while keeping the audit trail.
func (e *Engine) executeDriftResponse(scope string, action drift.Action, result *store.LearningCycleResult) {
	switch action {
	case drift.ActionNone, drift.ActionLightRetrain, drift.ActionPhysicsBoost:
		return
	case drift.ActionFullReset:
		names := e.groupNames("")
		if scope != drift.GlobalScope {
			names = []string{scope}
		}
		for _, name := range names {
			g, err := e.group(name)
			if err != nil {
				continue
			}
			g.ridge.Reset()
			g.sequence.Reset()
			g.profile.Reset()
			g.mutex.Lock()
			g.calibration = map[string]store.CalibrationFactor{}
			g.mutex.Unlock()
		}
		e.combiner.Reset()
		e.monitor.ResetScope(scope)
		// Drop the queued calibration factors so the commit does not
		// immediately reintroduce what was just reset, and clear the
		// persisted rows that a restart would otherwise reload
		result.CalibrationFactors = nil
		if err := e.store.DeleteCalibrations(); err != nil {
			klog.ErrorS(err, "Failed to clear persisted calibrations")
		}
		if err := e.store.DeleteEnsembleWeights(); err != nil {
			klog.ErrorS(err, "Failed to clear persisted ensemble weights")
		}
		klog.InfoS("Full model reset executed", "scope", scope)
	}
}

// collectStates snapshots every learned component for the atomic commit
func (e *Engine) collectStates(result *store.LearningCycleResult) {
	for name, g := range e.groups {
		if payload, err := json.Marshal(g.ridge.State()); err == nil {
			result.ModelStates[model.NameRidge][name] = payload
		}
		if payload, err := json.Marshal(g.sequence.State()); err == nil {
			result.ModelStates[model.NameSequence][name] = payload
		}
	}

	if payload, err := json.Marshal(e.gates.Shadow.State()); err == nil {
		result.ComponentStates[stateShadow] = payload
	}
	if payload, err := json.Marshal(e.gates.Snow.State()); err == nil {
		result.ComponentStates[stateSnow] = payload
	}
	if payload, err := json.Marshal(e.monitor.Snapshot()); err == nil {
		result.ComponentStates[stateDrift] = payload
	}
	visErrors, visSamples := e.blender.VisibilityLearner().State()
	if payload, err := json.Marshal(visibilityState{Errors: visErrors, Samples: visSamples}); err == nil {
		result.ComponentStates[stateVisibility] = payload
	}
}

// publishLearningMetrics refreshes the drift and error gauges after a cycle
func (e *Engine) publishLearningMetrics() {
	now := e.clock()
	for _, scope := range append(e.groupNames(""), drift.GlobalScope) {
		metrics.DriftState.WithLabelValues(scope).Set(
			metrics.DriftStateValue(string(e.monitor.StateOf(scope))))
		for _, window := range drift.Windows {
			m := e.monitor.Metrics(scope, now, window)
			if m.Samples > 0 {
				metrics.ModelError.WithLabelValues(scope, fmt.Sprintf("%d", window)).Set(m.MAE)
			}
		}
	}
	for key, w := range e.blender.Weights() {
		metrics.WeatherSourceTrust.WithLabelValues(key.Source, string(key.Bucket)).Set(w)
	}
	for name, g := range e.groups {
		g.mutex.RLock()
		for scope, f := range g.calibration {
			metrics.CalibrationFactorGauge.WithLabelValues(name, scope).Set(f.Factor)
		}
		g.mutex.RUnlock()
	}
}

func actualOf(p store.Prediction) float64 {
	if p.ActualKWh == nil {
		return 0
	}
	return *p.ActualKWh
}
