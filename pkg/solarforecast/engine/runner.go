package engine

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/store"
)

// Forecast horizons for the scheduled runs
const (
	hourlyHorizon  = 24
	refreshHorizon = 48
)

// Run drives the scheduled loop: a forecast at the top of every hour, a
// deep refresh in the morning and the learning cycle in the evening. It
// blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	klog.InfoS("Forecast engine started",
		"groups", len(e.groups),
		"cycleHour", e.config.Learning.CycleHour,
		"refreshHour", e.config.Learning.ForecastRefreshHour)

	if _, err := e.Forecast(ctx, "", refreshHorizon); err != nil {
		// The first forecast failing is not fatal; sources may still be
		// warming up and the hourly tick retries
		klog.ErrorS(err, "Initial forecast failed")
	}

	for {
		next := e.clock().In(e.location).Truncate(time.Hour).Add(time.Hour)
		timer := time.NewTimer(next.Sub(e.clock()))
		select {
		case <-ctx.Done():
			timer.Stop()
			klog.InfoS("Forecast engine stopping")
			return ctx.Err()
		case <-timer.C:
		}
		e.tick(ctx, next)
	}
}

// tick runs whatever is scheduled for one wall-clock hour
func (e *Engine) tick(ctx context.Context, now time.Time) {
	horizon := hourlyHorizon
	if now.Hour() == e.config.Learning.ForecastRefreshHour {
		horizon = refreshHorizon
	}
	if _, err := e.Forecast(ctx, "", horizon); err != nil {
		klog.ErrorS(err, "Scheduled forecast failed", "hour", now.Hour())
	}

	if now.Hour() == e.config.Learning.CycleHour {
		date := now.Format(store.DateFormat)
		// The cycle can take minutes; it must not delay the next hourly
		// forecast, so it runs off the tick goroutine. The learn mutex
		// keeps concurrent cycles serialized.
		go func() {
			if err := e.RunLearningCycle(ctx, date); err != nil {
				klog.ErrorS(err, "Learning cycle failed", "date", date)
			}
		}()
	}
}
