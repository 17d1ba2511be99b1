// Package engine orchestrates the forecast pipeline: weather blending,
// physics estimation, the learned models, ensemble blending, anomaly
// gating and the drift response loop. Learned state mutates only inside
// the serialized learning operations; forecast reads never take that lock.
package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/anomaly"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/config"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/drift"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/ensemble"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/geometry"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/model"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/physics"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/store"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/weather"
)

// Component state names in the store
const (
	stateShadow     = "shadow"
	stateSnow       = "snow"
	stateDrift      = "drift"
	stateVisibility = "visibility"
	stateSequence   = "sequence_config"
)

// visibilityState is the persisted form of the visibility learner
type visibilityState struct {
	Errors  map[string]float64 `json:"errors"`
	Samples map[string]int     `json:"samples"`
}

// groupState bundles everything owned by one panel group
type groupState struct {
	cfg      config.PanelGroup
	physics  *physics.Engine
	geometry *geometry.Learner
	ridge    *model.Ridge
	sequence *model.Sequence
	profile  *model.Profile

	mutex       sync.RWMutex
	calibration map[string]store.CalibrationFactor // scope -> factor
	geoConf     float64
}

// Engine is the forecast coordinator. One instance owns all per-group
// state; there are no package-level singletons.
type Engine struct {
	config   *config.Config
	store    *store.Store
	blender  *weather.Blender
	combiner *ensemble.Combiner
	monitor  *drift.Monitor
	gates    *anomaly.Gates

	groups   map[string]*groupState
	location *time.Location

	// Serializes learning cycles, retrains, resets and bootstraps.
	// Never held across a network call or while serving forecasts.
	learnMutex sync.Mutex

	clock func() time.Time
}

// New builds an engine from validated configuration, opens nothing itself:
// the store and weather sources are injected so tests can fake them.
func New(cfg *config.Config, st *store.Store, sources ...weather.Source) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	blender := weather.NewBlender(weather.BlenderConfig{
		FetchTimeout:   cfg.Weather.FetchTimeout,
		MaxRetries:     cfg.Weather.MaxRetries,
		RetryBaseDelay: cfg.Weather.RetryBaseDelay,
		TrustAlpha:     cfg.Weather.TrustAlpha,
		TrustAlphaFast: cfg.Weather.TrustAlphaFast,
		CloudBuckets:   cfg.Learning.CloudBuckets,
	}, sources...)

	location, err := time.LoadLocation(cfg.Site.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid site timezone %q: %v", cfg.Site.Timezone, err)
	}

	e := &Engine{
		config:   cfg,
		store:    st,
		blender:  blender,
		location: location,
		combiner: ensemble.NewCombiner(ensemble.Config{
			HourBucketSize:         cfg.Learning.HourBucketSize,
			DisagreementSpread:     0.75,
			TheoreticalCapMultiple: 1.1,
			UpdateAlpha:            0.3,
			ErrorScale:             0.5,
		}),
		monitor: drift.NewMonitor(cfg.Drift),
		gates:   anomaly.NewGates(cfg.Learning.MaxAnomalousFraction),
		groups:  make(map[string]*groupState),
		clock:   time.Now,
	}

	for _, pg := range cfg.PanelGroups {
		e.groups[pg.Name] = &groupState{
			cfg: pg,
			physics: physics.NewEngine(pg.CapacityKWp,
				physics.Geometry{TiltDeg: pg.TiltDeg, AzimuthDeg: pg.AzimuthDeg},
				cfg.Site.Albedo, 0),
			geometry:    geometry.NewLearner(pg.CapacityKWp, cfg.Site.Albedo, cfg.Learning.MinGeometrySamples),
			ridge:       model.NewRidge(cfg.Learning.MinRidgeSamples, cfg.Learning.FullRidgeSamples),
			sequence:    model.NewSequence(model.DefaultSequenceConfig(), cfg.Learning.MinSequenceDays),
			profile:     model.NewProfile(),
			calibration: map[string]store.CalibrationFactor{},
		}
	}

	// Archive every source's raw forecast so the learning cycle can score
	// the sources against each other afterwards
	blender.SetRecorder(func(source string, records []weather.SourceRecord) {
		if err := st.CacheWeather(source, records); err != nil {
			klog.ErrorS(err, "Failed to cache source weather", "source", source)
		}
	})

	if err := e.restore(); err != nil {
		return nil, fmt.Errorf("failed to restore persisted state: %v", err)
	}
	return e, nil
}

// restore reloads all persisted learned state after a restart
func (e *Engine) restore() error {
	trust, err := e.store.TrustWeights()
	if err != nil {
		return err
	}
	e.blender.LoadWeights(trust)

	weights, err := e.store.EnsembleWeights()
	if err != nil {
		return err
	}
	e.combiner.Load(weights)

	restoreComponent := func(name string, into any) error {
		payload, err := e.store.ComponentState(name)
		if err != nil || payload == nil {
			return err
		}
		if err := json.Unmarshal(payload, into); err != nil {
			klog.ErrorS(err, "Discarding unreadable component state", "component", name)
		}
		return nil
	}

	var shadowState map[string][]anomaly.ShadowSample
	if err := restoreComponent(stateShadow, &shadowState); err != nil {
		return err
	}
	if shadowState != nil {
		e.gates.Shadow.Load(shadowState)
	}

	var snowState map[string]float64
	if err := restoreComponent(stateSnow, &snowState); err != nil {
		return err
	}
	if snowState != nil {
		e.gates.Snow.Load(snowState)
	}

	var driftState drift.Snapshot
	if err := restoreComponent(stateDrift, &driftState); err != nil {
		return err
	}
	if driftState != nil {
		e.monitor.Load(driftState)
	}

	var visState visibilityState
	if err := restoreComponent(stateVisibility, &visState); err != nil {
		return err
	}
	if visState.Errors != nil {
		e.blender.VisibilityLearner().LoadState(visState.Errors, visState.Samples)
	}

	var seqConfig model.SequenceConfig
	if err := restoreComponent(stateSequence, &seqConfig); err != nil {
		return err
	}

	for name, g := range e.groups {
		if seqConfig.HiddenSize > 0 {
			g.sequence.SetConfig(seqConfig)
		}
		if payload, err := e.store.ModelState(model.NameRidge, name); err != nil {
			return err
		} else if payload != nil {
			var rs model.RidgeState
			if err := json.Unmarshal(payload, &rs); err == nil {
				g.ridge.Restore(rs)
			} else {
				klog.ErrorS(err, "Discarding unreadable ridge state", "group", name)
			}
		}
		if payload, err := e.store.ModelState(model.NameSequence, name); err != nil {
			return err
		} else if payload != nil {
			var ss model.SequenceState
			if err := json.Unmarshal(payload, &ss); err == nil {
				g.sequence.Restore(ss)
			} else {
				klog.ErrorS(err, "Discarding unreadable sequence state", "group", name)
			}
		}

		factors, err := e.store.Calibrations(name)
		if err != nil {
			return err
		}
		g.mutex.Lock()
		for _, f := range factors {
			g.calibration[f.Scope] = f
		}
		g.mutex.Unlock()

		// The hourly profile is cheap to rebuild from history, so it is
		// never persisted as model state
		since := e.clock().In(e.location).AddDate(0, 0, -e.config.Learning.LookbackDays)
		rows, err := e.store.TrainingData(name, since)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.Prediction.ActualKWh != nil {
				g.profile.Observe(row.Prediction.Hour, *row.Prediction.ActualKWh)
			}
		}
	}

	klog.V(2).InfoS("Persisted state restored",
		"trustWeights", len(trust), "ensembleBuckets", len(weights), "groups", len(e.groups))
	return nil
}

// group returns the state for a named panel group
func (e *Engine) group(name string) (*groupState, error) {
	g, ok := e.groups[name]
	if !ok {
		return nil, fmt.Errorf("unknown panel group %q", name)
	}
	return g, nil
}

// groupNames returns all configured group names, or just the one requested
func (e *Engine) groupNames(only string) []string {
	if only != "" {
		return []string{only}
	}
	names := make([]string, 0, len(e.groups))
	for _, pg := range e.config.PanelGroups {
		names = append(names, pg.Name)
	}
	return names
}

// calibrationFactor returns the combined correction for an hour: the
// global, cloud-bucket and hour factors multiplied, each weighted by its
// confidence so an unconfident factor pulls toward neutral.
func (g *groupState) calibrationFactor(bucket weather.CloudBucket, hour int) float64 {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	combined := 1.0
	for _, scope := range []string{"global", string(bucket), hourScope(hour)} {
		if f, ok := g.calibration[scope]; ok {
			combined *= 1.0 + (f.Factor-1.0)*f.Confidence
		}
	}
	if combined < store.MinCalibrationFactor {
		combined = store.MinCalibrationFactor
	}
	if combined > store.MaxCalibrationFactor {
		combined = store.MaxCalibrationFactor
	}
	return combined
}

func hourScope(hour int) string {
	return fmt.Sprintf("hour:%02d", hour)
}

// conditionCodeOf parses the blended weather condition code; -1 when the
// sources did not report one.
func conditionCodeOf(wx weather.Blended) int {
	if wx.ConditionCode == "" {
		return -1
	}
	code, err := strconv.Atoi(wx.ConditionCode)
	if err != nil {
		return -1
	}
	return code
}

// Diagnostics is the introspection snapshot returned to integrations
type Diagnostics struct {
	Groups       map[string]GroupDiagnostics     `json:"groups"`
	DriftStates  map[string]string               `json:"driftStates"`
	TrustWeights map[string]float64              `json:"trustWeights"`
	Ensemble     map[string]ensemble.Weights     `json:"ensemble"`
}

// GroupDiagnostics summarizes one panel group's model state
type GroupDiagnostics struct {
	RidgeReady         bool    `json:"ridgeReady"`
	SequenceReady      bool    `json:"sequenceReady"`
	ProfileSamples     int     `json:"profileSamples"`
	GeometryTiltDeg    float64 `json:"geometryTiltDeg"`
	GeometryAzimuthDeg float64 `json:"geometryAzimuthDeg"`
	SystemEfficiency   float64 `json:"systemEfficiency"`
	GeometryConfidence float64 `json:"geometryConfidence"`
	DriftState         string  `json:"driftState"`
}

// Diagnostics reports model readiness, drift state and learned weights
func (e *Engine) Diagnostics() Diagnostics {
	d := Diagnostics{
		Groups:       make(map[string]GroupDiagnostics, len(e.groups)),
		DriftStates:  map[string]string{drift.GlobalScope: string(e.monitor.StateOf(drift.GlobalScope))},
		TrustWeights: make(map[string]float64),
		Ensemble:     make(map[string]ensemble.Weights),
	}
	for name, g := range e.groups {
		geo := g.physics.Geometry()
		g.mutex.RLock()
		geoConf := g.geoConf
		g.mutex.RUnlock()
		d.Groups[name] = GroupDiagnostics{
			RidgeReady:         g.ridge.Ready(),
			SequenceReady:      g.sequence.Ready(),
			ProfileSamples:     g.profile.Samples(),
			GeometryTiltDeg:    geo.TiltDeg,
			GeometryAzimuthDeg: geo.AzimuthDeg,
			SystemEfficiency:   g.physics.SystemEfficiency(),
			GeometryConfidence: geoConf,
			DriftState:         string(e.monitor.StateOf(name)),
		}
		d.DriftStates[name] = string(e.monitor.StateOf(name))
	}
	for key, w := range e.blender.Weights() {
		d.TrustWeights[fmt.Sprintf("%s/%s", key.Bucket, key.Source)] = w
	}
	for key, w := range e.combiner.Snapshot() {
		d.Ensemble[fmt.Sprintf("%s/%s/%d/%s", key.Group, key.Bucket, key.HourBucket, key.Season)] = w
	}
	return d
}
