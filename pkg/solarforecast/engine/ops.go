package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/metrics"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/model"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/store"
)

// Retrain targets
const (
	TargetRidge    = "ridge"
	TargetSequence = "sequence"
	TargetAll      = "all"
)

// Reset scopes
const (
	ResetModels      = "models"
	ResetCalibration = "calibration"
	ResetAll         = "all"
)

// Retrain refits the named models from stored history outside the nightly
// cycle, typically after an operator intervention, and persists the result.
func (e *Engine) Retrain(ctx context.Context, target string) error {
	if target != TargetRidge && target != TargetSequence && target != TargetAll {
		return fmt.Errorf("unknown retrain target %q", target)
	}

	e.learnMutex.Lock()
	defer e.learnMutex.Unlock()

	start := e.clock()
	defer func() {
		metrics.OperationDuration.WithLabelValues("retrain").Observe(e.clock().Sub(start).Seconds())
	}()

	result := store.LearningCycleResult{
		ModelStates: map[string]map[string][]byte{model.NameRidge: {}, model.NameSequence: {}},
	}

	since := e.clock().In(e.location).AddDate(0, 0, -e.config.Learning.LookbackDays)
	for _, name := range e.groupNames("") {
		if err := ctx.Err(); err != nil {
			return err
		}
		g, err := e.group(name)
		if err != nil {
			return err
		}
		rows, err := e.store.TrainingData(name, since)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}
		features, targets := e.trainingVectors(name, rows)

		if (target == TargetRidge || target == TargetAll) && len(features) >= e.config.Learning.MinRidgeSamples {
			if err := g.ridge.Train(features, targets); err != nil {
				return fmt.Errorf("ridge retrain failed for %s: %v", name, err)
			}
			if payload, err := json.Marshal(g.ridge.State()); err == nil {
				result.ModelStates[model.NameRidge][name] = payload
			}
		}
		if target == TargetSequence || target == TargetAll {
			windows, windowTargets, trainedDays := sequenceWindows(rows, features, targets)
			if trainedDays >= e.config.Learning.MinSequenceDays {
				if err := g.sequence.Train(windows, windowTargets, trainedDays, false); err != nil {
					return fmt.Errorf("sequence retrain failed for %s: %v", name, err)
				}
				if payload, err := json.Marshal(g.sequence.State()); err == nil {
					result.ModelStates[model.NameSequence][name] = payload
				}
			}
		}
	}

	if err := e.store.CommitLearningCycle(result); err != nil {
		return fmt.Errorf("failed to persist retrained models: %v", err)
	}
	klog.InfoS("Retrain complete", "target", target)
	return nil
}

// Reset discards learned state for a scope. The drift audit trail and the
// prediction history always survive.
func (e *Engine) Reset(ctx context.Context, scope string) error {
	if scope != ResetModels && scope != ResetCalibration && scope != ResetAll {
		return fmt.Errorf("unknown reset scope %q", scope)
	}

	e.learnMutex.Lock()
	defer e.learnMutex.Unlock()

	if scope == ResetModels || scope == ResetAll {
		for _, g := range e.groups {
			g.ridge.Reset()
			g.sequence.Reset()
			g.profile.Reset()
		}
		if err := e.store.DeleteModelStates(); err != nil {
			return err
		}
		if err := e.store.DeleteComponentStates(stateSequence); err != nil {
			return err
		}
	}

	if scope == ResetCalibration || scope == ResetAll {
		for _, g := range e.groups {
			g.mutex.Lock()
			g.calibration = map[string]store.CalibrationFactor{}
			g.geoConf = 0
			g.mutex.Unlock()
		}
		if err := e.store.DeleteCalibrations(); err != nil {
			return err
		}
	}

	if scope == ResetAll {
		e.combiner.Reset()
		e.gates.Reset()
		if err := e.store.DeleteEnsembleWeights(); err != nil {
			return err
		}
		if err := e.store.DeleteComponentStates(stateShadow, stateSnow); err != nil {
			return err
		}
	}

	klog.InfoS("Learned state reset", "scope", scope)
	return nil
}

// BootstrapFromHistory trains all models from already-stored backfilled
// history, used when the engine is pointed at a database that predates it.
func (e *Engine) BootstrapFromHistory(ctx context.Context, days int) error {
	e.learnMutex.Lock()
	defer e.learnMutex.Unlock()

	start := e.clock()
	defer func() {
		metrics.OperationDuration.WithLabelValues("bootstrap").Observe(e.clock().Sub(start).Seconds())
	}()

	if days <= 0 {
		days = e.config.Learning.LookbackDays
	}
	since := e.clock().In(e.location).AddDate(0, 0, -days)

	result := store.LearningCycleResult{
		ModelStates:     map[string]map[string][]byte{model.NameRidge: {}, model.NameSequence: {}},
		ComponentStates: map[string][]byte{},
	}

	for _, name := range e.groupNames("") {
		if err := ctx.Err(); err != nil {
			return err
		}
		g, err := e.group(name)
		if err != nil {
			return err
		}
		rows, err := e.store.TrainingData(name, since)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			klog.V(2).InfoS("No history to bootstrap from", "group", name)
			continue
		}

		g.profile.Reset()
		for _, row := range rows {
			g.profile.Observe(row.Prediction.Hour, actualOf(row.Prediction))
		}

		features, targets := e.trainingVectors(name, rows)
		if len(features) >= e.config.Learning.MinRidgeSamples {
			if err := g.ridge.Train(features, targets); err != nil {
				return fmt.Errorf("bootstrap ridge training failed for %s: %v", name, err)
			}
		}
		windows, windowTargets, trainedDays := sequenceWindows(rows, features, targets)
		if trainedDays >= e.config.Learning.MinSequenceDays {
			if err := g.sequence.Train(windows, windowTargets, trainedDays, false); err != nil {
				return fmt.Errorf("bootstrap sequence training failed for %s: %v", name, err)
			}
		}
		e.fitGeometry(g, name, rows)

		factors := e.calibrationFactors(g, name, rows)
		result.CalibrationFactors = append(result.CalibrationFactors, factors...)
		g.mutex.Lock()
		for _, f := range factors {
			g.calibration[f.Scope] = clampFactor(f)
		}
		g.mutex.Unlock()

		klog.InfoS("Group bootstrapped", "group", name,
			"samples", len(rows), "days", trainedDays,
			"ridgeReady", g.ridge.Ready(), "sequenceReady", g.sequence.Ready())
	}

	e.collectStates(&result)
	if err := e.store.CommitLearningCycle(result); err != nil {
		return fmt.Errorf("failed to persist bootstrap: %v", err)
	}
	return nil
}

// GridSearch tunes the sequence model hyperparameters on the group with
// the deepest history, adopts the winner for every group and persists it.
// The next learning cycle retrains with the new configuration.
func (e *Engine) GridSearch(ctx context.Context) (*model.GridSearchReport, error) {
	e.learnMutex.Lock()
	defer e.learnMutex.Unlock()

	start := e.clock()
	defer func() {
		metrics.OperationDuration.WithLabelValues("grid_search").Observe(e.clock().Sub(start).Seconds())
	}()

	since := e.clock().In(e.location).AddDate(0, 0, -e.config.Learning.LookbackDays)

	var bestRows []store.TrainingRow
	for _, name := range e.groupNames("") {
		rows, err := e.store.TrainingData(name, since)
		if err != nil {
			return nil, err
		}
		if len(rows) > len(bestRows) {
			bestRows = rows
		}
	}
	if len(bestRows) == 0 {
		return nil, fmt.Errorf("no training data available for grid search")
	}

	features, targets := e.trainingVectors(bestRows[0].Prediction.Group, bestRows)
	windows, windowTargets, trainedDays := sequenceWindows(bestRows, features, targets)

	report, err := model.GridSearchSequence(ctx, windows, windowTargets, trainedDays, e.config.Learning.MinSequenceDays)
	if err != nil {
		return nil, err
	}

	for _, g := range e.groups {
		g.sequence.SetConfig(report.Best.Config)
	}
	payload, err := json.Marshal(report.Best.Config)
	if err != nil {
		return nil, err
	}
	err = e.store.CommitLearningCycle(store.LearningCycleResult{
		ComponentStates: map[string][]byte{stateSequence: payload},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist sequence configuration: %v", err)
	}
	return report, nil
}
