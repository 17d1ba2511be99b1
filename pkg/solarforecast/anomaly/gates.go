package anomaly

import "k8s.io/klog/v2"

// HourFlags is the combined annotation for one observed hour
type HourFlags struct {
	Shadow              bool
	FixedShadow         bool
	Frost               bool
	Snow                bool
	Clipped             bool
	ExcludeFromLearning bool
}

// Flagged reports whether any detector fired
func (f HourFlags) Flagged() bool {
	return f.Shadow || f.Frost || f.Snow || f.Clipped
}

// Gates bundles the detectors and applies the exclusion policy. Detectors
// annotate hours; the gate decides what may influence learning.
type Gates struct {
	Shadow *ShadowDetector
	Snow   *SnowDetector

	// Fraction of a day's flagged hours above which the whole day is
	// dropped from learning
	maxAnomalousFraction float64
}

// NewGates creates the detector bundle. maxAnomalousFraction is the
// day-skip threshold, typically 0.25.
func NewGates(maxAnomalousFraction float64) *Gates {
	if maxAnomalousFraction <= 0 || maxAnomalousFraction > 1 {
		maxAnomalousFraction = 0.25
	}
	return &Gates{
		Shadow:               NewShadowDetector(),
		Snow:                 NewSnowDetector(),
		maxAnomalousFraction: maxAnomalousFraction,
	}
}

// HourInput carries everything the detectors need for one observed hour
type HourInput struct {
	Group           string
	Hour            int
	ActualKWh       float64
	TheoreticalKWh  float64
	CloudCover      float64
	TemperatureC    float64
	HumidityPct     float64
	WindMs          float64
	PrecipitationMm float64
	ConditionCode   int // Negative when no code is available
	TiltDeg         float64
}

// EvaluateHour runs all per-hour detectors and combines their verdicts.
// Clipping needs the full day and is merged in by EvaluateDay.
func (g *Gates) EvaluateHour(in HourInput) HourFlags {
	var flags HourFlags

	shadow := g.Shadow.Evaluate(in.Group, in.Hour, in.ActualKWh, in.TheoreticalKWh, in.CloudCover)
	flags.Shadow = shadow.Shortfall
	flags.FixedShadow = shadow.FixedPattern

	frost := DetectFrost(in.TemperatureC, in.HumidityPct, in.WindMs)
	flags.Frost = frost.Flagged

	snow := g.Snow.Observe(in.Group, in.ConditionCode, in.TemperatureC, in.PrecipitationMm, in.TiltDeg)
	flags.Snow = snow.Covered

	flags.ExcludeFromLearning = flags.Flagged()
	return flags
}

// EvaluateDay runs the per-hour detectors across one day, merges in the
// clipping scan, and reports whether the day has too many anomalous hours
// to learn from at all.
func (g *Gates) EvaluateDay(inputs []HourInput) (flags []HourFlags, skipDay bool) {
	flags = make([]HourFlags, len(inputs))
	clipSamples := make([]ClippingSample, len(inputs))
	for i, in := range inputs {
		flags[i] = g.EvaluateHour(in)
		clipSamples[i] = ClippingSample{ActualKWh: in.ActualKWh, TheoreticalKWh: in.TheoreticalKWh}
	}

	for i, clipped := range DetectClipping(clipSamples) {
		if clipped {
			flags[i].Clipped = true
			flags[i].ExcludeFromLearning = true
		}
	}

	excluded := 0
	for _, f := range flags {
		if f.ExcludeFromLearning {
			excluded++
		}
	}
	if len(inputs) > 0 && float64(excluded)/float64(len(inputs)) > g.maxAnomalousFraction {
		skipDay = true
		klog.V(2).InfoS("Day excluded from learning, too many anomalous hours",
			"excluded", excluded, "total", len(inputs))
	}
	return flags, skipDay
}

// Reset clears all detector state
func (g *Gates) Reset() {
	g.Shadow.Reset()
	g.Snow.Reset()
}
