package anomaly

import (
	"sync"

	"k8s.io/klog/v2"
)

const (
	// Panels are treated as covered above this estimated depth
	snowCoverThresholdCm = 0.5
	// Accumulation per mm of precipitation at snow temperatures
	snowAccumulationCmPerMm = 1.0
	// Ambient temperature at or below which precipitation falls as snow
	snowAccumulationTempC = 1.0
	// Base melt per above-freezing hour on a flat panel
	snowMeltCmPerHour = 0.3
)

// SnowResult describes the estimated cover for one hour
type SnowResult struct {
	DepthCm float64
	Covered bool
}

// SnowDetector tracks an estimated snow depth per panel group. Depth
// accumulates from a weather condition code or from a cold-precipitation
// heuristic, and melts down as above-freezing hours pass. Steeper panels
// shed snow faster.
type SnowDetector struct {
	mutex sync.Mutex
	depth map[string]float64
}

// NewSnowDetector creates a detector with no accumulated snow
func NewSnowDetector() *SnowDetector {
	return &SnowDetector{depth: make(map[string]float64)}
}

// isSnowCode reports whether a WMO weather code indicates snowfall
func isSnowCode(code int) bool {
	switch {
	case code >= 71 && code <= 77: // Snow fall and snow grains
		return true
	case code == 85 || code == 86: // Snow showers
		return true
	default:
		return false
	}
}

// Observe advances the per-group depth estimate by one hour and returns
// the resulting cover state. conditionCode < 0 means no code is available
// and only the temperature/precipitation heuristic applies. tiltDeg is the
// panel tilt; vertical panels hold almost no snow.
func (d *SnowDetector) Observe(group string, conditionCode int, tempC, precipitationMm, tiltDeg float64) SnowResult {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	depth := d.depth[group]

	snowing := isSnowCode(conditionCode) ||
		(conditionCode < 0 && tempC <= snowAccumulationTempC && precipitationMm > 0)
	if snowing {
		depth += precipitationMm * snowAccumulationCmPerMm
	}

	if tempC > 0 {
		// Melt scales with warmth and with tilt; a 60 degree panel sheds
		// roughly twice as fast as a 15 degree one
		tiltFactor := 1.0 + tiltDeg/45.0
		melt := snowMeltCmPerHour * (1.0 + tempC/5.0) * tiltFactor
		depth -= melt
	}
	if depth < 0 {
		depth = 0
	}
	d.depth[group] = depth

	covered := depth > snowCoverThresholdCm
	if covered {
		klog.V(3).InfoS("Snow cover estimated", "group", group, "depthCm", depth)
	}
	return SnowResult{DepthCm: depth, Covered: covered}
}

// Depth returns the current estimated depth for a group
func (d *SnowDetector) Depth(group string) float64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.depth[group]
}

// State returns the per-group depths for persistence
func (d *SnowDetector) State() map[string]float64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	out := make(map[string]float64, len(d.depth))
	for k, v := range d.depth {
		out[k] = v
	}
	return out
}

// Load replaces the per-group depths from a persisted snapshot
func (d *SnowDetector) Load(depth map[string]float64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.depth = make(map[string]float64, len(depth))
	for k, v := range depth {
		d.depth[k] = v
	}
}

// Reset clears all accumulated snow
func (d *SnowDetector) Reset() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.depth = make(map[string]float64)
}
