package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/drift"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/ensemble"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/feature"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/metrics"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/model"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/physics"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/store"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/weather"
)

// Confidence handling in the forecast path
const (
	physicsBaseConfidence    = 0.7
	reducedConfidencePenalty = 0.5
	staleWeatherPenalty      = 0.7
	physicsBoostFactor       = 1.5
	boostedModelPenalty      = 0.7
)

// HourForecast is one forecast hour as returned to callers. The same data
// is persisted as a store.Prediction.
type HourForecast struct {
	Timestamp       time.Time
	PhysicsKWh      float64
	RidgeKWh        *float64
	SequenceKWh     *float64
	BlendedKWh      float64
	Confidence      float64
	IntervalLowKWh  float64
	IntervalHighKWh float64
	StaleWeather    bool
}

// Forecast generates and persists hourly forecasts for the coming horizon.
// With group == "" all configured panel groups are forecast; a failing
// group is logged and skipped so the others still publish. The returned
// map holds the per-group hourly series that were stored.
func (e *Engine) Forecast(ctx context.Context, group string, horizonHours int) (map[string][]HourForecast, error) {
	start := e.clock()
	defer func() {
		metrics.OperationDuration.WithLabelValues("forecast").Observe(e.clock().Sub(start).Seconds())
	}()

	if horizonHours <= 0 {
		horizonHours = 48
	}
	names := e.groupNames(group)
	for _, name := range names {
		if _, err := e.group(name); err != nil {
			metrics.ForecastRuns.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	firstHour := start.In(e.location).Truncate(time.Hour).Add(time.Hour)
	blended, err := e.blender.FetchAndBlend(ctx, firstHour, horizonHours)
	if err != nil {
		metrics.ForecastRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("weather fetch failed: %v", err)
	}

	for source, up := range e.blender.SourceHealth() {
		v := 0.0
		if up {
			v = 1.0
		}
		metrics.WeatherSourceUp.WithLabelValues(source).Set(v)
	}

	runID := uuid.NewString()
	results := make(map[string][]HourForecast, len(names))
	var resultsMutex sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			series, err := e.forecastGroup(gctx, runID, name, blended)
			if err != nil {
				// One broken group must not suppress the others
				klog.ErrorS(err, "Forecast failed for panel group", "group", name)
				metrics.ForecastRuns.WithLabelValues("suppressed").Inc()
				return nil
			}
			resultsMutex.Lock()
			results[name] = series
			resultsMutex.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.ForecastRuns.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(results) == 0 {
		metrics.ForecastRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("forecast failed for all %d panel groups", len(names))
	}

	metrics.ForecastRuns.WithLabelValues("success").Inc()
	klog.InfoS("Forecast stored", "runID", runID,
		"groups", len(results), "horizonHours", horizonHours)
	return results, nil
}

// forecastGroup runs the per-hour pipeline for one panel group
func (e *Engine) forecastGroup(ctx context.Context, runID, name string, blended []weather.Blended) ([]HourForecast, error) {
	g, err := e.group(name)
	if err != nil {
		return nil, err
	}

	lags := e.lagsFor(name)
	boosted := e.monitor.PhysicsBoostActive(name, e.clock()) ||
		e.monitor.PhysicsBoostActive(drift.GlobalScope, e.clock())

	series := make([]HourForecast, 0, len(blended))
	window := make([][]float64, 0, model.WindowHours)

	for _, wx := range blended {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ts := wx.Timestamp.In(e.location)
		sun := physics.SunPositionAt(ts, e.config.Site.Latitude, e.config.Site.Longitude)
		bucket := e.blender.BucketFor(wx.CloudCover)

		ir := irradianceFor(wx, sun)
		power := g.physics.EstimatePower(ir, sun, wx.Temperature, wx.WindSpeed)
		physicsKWh := power.PowerKWh * g.calibrationFactor(bucket, ts.Hour())

		if wx.Stale {
			metrics.StaleWeatherHours.Inc()
		}

		estimates := map[string]model.Estimate{
			model.NamePhysics: physicsEstimate(physicsKWh, power.ReducedConfidence, boosted),
		}
		// With degraded physics inputs and no trained model, the hourly
		// profile median is the estimate of last resort
		if power.ReducedConfidence && !g.ridge.Ready() && !g.sequence.Ready() {
			if est, err := g.profile.EstimateForHour(ts.Hour()); err == nil {
				estimates[model.NamePhysics] = est
			}
		}

		features := feature.Vector(ts, wx, sun, physicsKWh, lags.forHour(ts))
		window = append(window, features)
		if len(window) > model.WindowHours {
			window = window[1:]
		}

		var ridgeKWh, sequenceKWh *float64
		if g.ridge.Ready() {
			est, err := g.ridge.ProduceEstimate(features)
			if err != nil {
				return nil, fmt.Errorf("ridge estimate failed: %v", err)
			}
			est = penalizeIfBoosted(est, boosted)
			estimates[model.NameRidge] = est
			v := est.ValueKWh
			ridgeKWh = &v
		}
		if g.sequence.Ready() {
			est, err := g.sequence.PredictWindow(paddedWindow(window))
			if err != nil {
				return nil, fmt.Errorf("sequence estimate failed: %v", err)
			}
			est = penalizeIfBoosted(est, boosted)
			estimates[model.NameSequence] = est
			v := est.ValueKWh
			sequenceKWh = &v
		}

		if wx.Stale {
			for k, est := range estimates {
				est.Confidence *= staleWeatherPenalty
				estimates[k] = est
			}
		}

		key := e.combiner.KeyFor(name, bucket, ts)
		blend := e.combiner.Blend(key, estimates, g.sequence.Ready(), g.physics.TheoreticalMax(sun))

		hf := HourForecast{
			Timestamp:       ts,
			PhysicsKWh:      physicsKWh,
			RidgeKWh:        ridgeKWh,
			SequenceKWh:     sequenceKWh,
			BlendedKWh:      blend.ValueKWh,
			Confidence:      blend.Confidence,
			IntervalLowKWh:  blend.IntervalLowKWh,
			IntervalHighKWh: blend.IntervalHighKWh,
			StaleWeather:    wx.Stale,
		}
		series = append(series, hf)

		if _, err := e.store.UpsertPrediction(store.Prediction{
			RunID:             runID,
			Group:             name,
			Date:              ts.Format(store.DateFormat),
			Hour:              ts.Hour(),
			PhysicsKWh:        physicsKWh,
			RidgeKWh:          ridgeKWh,
			SequenceKWh:       sequenceKWh,
			BlendedKWh:        blend.ValueKWh,
			Confidence:        blend.Confidence,
			IntervalLowKWh:    blend.IntervalLowKWh,
			IntervalHighKWh:   blend.IntervalHighKWh,
			StaleWeather:      wx.Stale,
			ReducedConfidence: power.ReducedConfidence,
		}, store.WeatherSnapshot{
			CloudCover:    wx.CloudCover,
			Temperature:   wx.Temperature,
			Humidity:      wx.Humidity,
			WindSpeed:     wx.WindSpeed,
			Transmittance: wx.Transmittance,
			GHI:           wx.GHI,
			SunElevation:  sun.ElevationDeg,
			SunAzimuth:    sun.AzimuthDeg,
		}); err != nil {
			return nil, err
		}

		publishHourMetrics(name, estimates, blend)
	}
	return series, nil
}

// RecordActual backfills the observed yield for one already-forecast hour.
// Re-applying the same value is a no-op; a changed value also feeds the
// drift monitor and the hourly profile.
func (e *Engine) RecordActual(group, date string, hour int, actualKWh float64) (bool, error) {
	g, err := e.group(group)
	if err != nil {
		return false, err
	}

	day, err := e.store.GetDay(group, date)
	if err != nil {
		return false, err
	}
	var target *store.Prediction
	for i := range day {
		if day[i].Hour == hour {
			target = &day[i]
			break
		}
	}
	if target == nil {
		return false, fmt.Errorf("no prediction for %s %s hour %d", group, date, hour)
	}

	changed, err := e.store.BackfillActual(target.ID, actualKWh)
	if err != nil || !changed {
		return changed, err
	}

	parsed, err := time.ParseInLocation(store.DateFormat, date, e.location)
	if err != nil {
		return true, fmt.Errorf("invalid target date %q: %v", date, err)
	}
	ts := parsed.Add(time.Duration(hour) * time.Hour)
	e.monitor.Record(group, ts, target.BlendedKWh, actualKWh)
	g.profile.Observe(hour, actualKWh)
	return true, nil
}

// lagState caches yesterday's backfilled production for lag features
type lagState struct {
	totals map[string]float64         // date -> total kWh
	byHour map[string]map[int]float64 // date -> hour -> kWh
}

// lagsFor loads the trailing two days of backfilled production so every
// forecast hour can look up its lag features without further queries.
func (e *Engine) lagsFor(group string) *lagState {
	ls := &lagState{
		totals: make(map[string]float64),
		byHour: make(map[string]map[int]float64),
	}
	today := e.clock().In(e.location)
	for _, d := range []time.Time{today, today.AddDate(0, 0, -1)} {
		date := d.Format(store.DateFormat)
		day, err := e.store.GetDay(group, date)
		if err != nil {
			klog.V(3).InfoS("No lag history for date", "group", group, "date", date)
			continue
		}
		hours := make(map[int]float64)
		total := 0.0
		for _, p := range day {
			if p.ActualKWh == nil {
				continue
			}
			hours[p.Hour] = *p.ActualKWh
			total += *p.ActualKWh
		}
		ls.totals[date] = total
		ls.byHour[date] = hours
	}
	return ls
}

// forHour resolves the lag features for a forecast hour: total production
// on the day before the target date and the same hour on that day. Hours
// without history fall back to zero, which the scaler centers out.
func (ls *lagState) forHour(ts time.Time) feature.Lags {
	yesterday := ts.AddDate(0, 0, -1).Format(store.DateFormat)
	lags := feature.Lags{YesterdayTotalKWh: ls.totals[yesterday]}
	if hours, ok := ls.byHour[yesterday]; ok {
		lags.SameHourYesterdayKWh = hours[ts.Hour()]
	}
	return lags
}

// irradianceFor returns the irradiance to feed the physics model. When the
// sources reported none, a clear-sky estimate attenuated by cloud cover
// stands in. Fog transmittance applies in both cases.
func irradianceFor(wx weather.Blended, sun physics.SunPosition) physics.Irradiance {
	ir := physics.Irradiance{GHI: wx.GHI, DNI: wx.DNI, DHI: wx.DHI}
	if ir.GHI <= 0 && sun.ElevationDeg > 0 {
		clear := physics.ClearSkyIrradiance(sun)
		// Kasten-Czeplak cloud attenuation on the global component
		cloudFactor := 1.0 - 0.75*math.Pow(wx.CloudCover/100.0, 3.4)
		ir = physics.Irradiance{
			GHI: clear.GHI * cloudFactor,
			DNI: clear.DNI * (1.0 - wx.CloudCover/100.0),
			DHI: clear.DHI,
		}
	}
	ir.GHI *= wx.Transmittance
	ir.DNI *= wx.Transmittance
	ir.DHI *= wx.Transmittance
	return ir
}

// physicsEstimate wraps the physics value with its confidence, applying
// the reduced-input penalty and the drift boost.
func physicsEstimate(valueKWh float64, reduced, boosted bool) model.Estimate {
	conf := physicsBaseConfidence
	if reduced {
		conf *= reducedConfidencePenalty
	}
	if boosted {
		conf = math.Min(1.0, conf*physicsBoostFactor)
	}
	return model.Estimate{ValueKWh: valueKWh, Confidence: conf}
}

// penalizeIfBoosted shifts blend mass toward physics while a drift
// response has the physics boost active.
func penalizeIfBoosted(est model.Estimate, boosted bool) model.Estimate {
	if boosted {
		est.Confidence *= boostedModelPenalty
	}
	return est
}

// paddedWindow returns a full-length sequence window, repeating the
// earliest row when fewer than WindowHours have accumulated.
func paddedWindow(window [][]float64) [][]float64 {
	if len(window) >= model.WindowHours {
		return window
	}
	padded := make([][]float64, 0, model.WindowHours)
	for i := len(window); i < model.WindowHours; i++ {
		padded = append(padded, window[0])
	}
	return append(padded, window...)
}

func publishHourMetrics(group string, estimates map[string]model.Estimate, blend ensemble.BlendResult) {
	for name, est := range estimates {
		metrics.PredictedKWh.WithLabelValues(group, name).Set(est.ValueKWh)
	}
	metrics.PredictedKWh.WithLabelValues(group, "blended").Set(blend.ValueKWh)
	metrics.ForecastConfidence.WithLabelValues(group).Set(blend.Confidence)
	metrics.EnsembleWeight.WithLabelValues(group, model.NamePhysics).Set(blend.Weights.Physics)
	metrics.EnsembleWeight.WithLabelValues(group, model.NameRidge).Set(blend.Weights.Ridge)
	metrics.EnsembleWeight.WithLabelValues(group, model.NameSequence).Set(blend.Weights.Sequence)
}
