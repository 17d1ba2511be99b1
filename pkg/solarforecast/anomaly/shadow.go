package anomaly

import (
	"fmt"
	"math"
	"sync"

	"k8s.io/klog/v2"
)

const (
	// Actual/theoretical ratio below which an hour counts as a shortfall
	shadowShortfallRatio = 0.7
	// Cloud cover above which a shortfall is attributed to weather
	shadowCloudThreshold = 60.0
	// Same-hour history required before a fixed pattern can be declared
	shadowMinHistory = 3
	// Fraction of historical same-hour samples that must show the
	// shortfall for it to count as recurring
	shadowRecurrenceFraction = 0.6
	// Maximum spread among recurring low ratios; a fixed obstruction
	// produces a consistent ratio, clouds do not
	shadowMaxSpread = 0.15
	// History kept per (group, hour)
	shadowHistoryDepth = 30
	// Fixed-pattern confidence saturates after this many recurring days
	shadowFullConfidenceDays = 10
)

// ShadowResult classifies one hour's production shortfall
type ShadowResult struct {
	Ratio        float64
	Shortfall    bool
	FixedPattern bool // Recurring at the same solar position across days
	Confidence   float64
}

type ShadowSample struct {
	Ratio      float64 `json:"ratio"`
	CloudCover float64 `json:"cloudCover"`
}

// ShadowDetector compares the actual/theoretical power ratio against the
// clear-sky expectation and separates cloud-correlated shortfalls from
// fixed obstructions (trees, buildings) that recur at the same hour. It
// keeps a bounded same-hour ratio history per panel group.
type ShadowDetector struct {
	mutex   sync.RWMutex
	history map[string][]ShadowSample
}

// NewShadowDetector creates a detector with empty history
func NewShadowDetector() *ShadowDetector {
	return &ShadowDetector{history: make(map[string][]ShadowSample)}
}

func shadowKey(group string, hour int) string {
	return fmt.Sprintf("%s|%02d", group, hour)
}

// Evaluate classifies one observed hour and records it into the same-hour
// history. theoreticalKWh at or near zero (night, twilight) yields a
// non-shortfall result and records nothing.
func (d *ShadowDetector) Evaluate(group string, hour int, actualKWh, theoreticalKWh, cloudCover float64) ShadowResult {
	if theoreticalKWh < 0.05 {
		return ShadowResult{Ratio: 1}
	}
	ratio := actualKWh / theoreticalKWh
	if ratio > 1 {
		ratio = 1
	}

	result := ShadowResult{Ratio: ratio}
	if ratio < shadowShortfallRatio {
		result.Shortfall = true
		if cloudCover < shadowCloudThreshold {
			result.FixedPattern, result.Confidence = d.matchesFixedPattern(group, hour, ratio)
		}
	}

	d.record(group, hour, ratio, cloudCover)

	if result.FixedPattern {
		klog.V(2).InfoS("Fixed-pattern shadow detected",
			"group", group, "hour", hour, "ratio", ratio,
			"confidence", result.Confidence)
	}
	return result
}

// matchesFixedPattern checks whether the same-hour history shows the
// shortfall recurring under low cloud, with a tight ratio spread.
func (d *ShadowDetector) matchesFixedPattern(group string, hour int, ratio float64) (bool, float64) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	samples := d.history[shadowKey(group, hour)]
	if len(samples) < shadowMinHistory {
		return false, 0
	}

	var low []float64
	clearSamples := 0
	for _, s := range samples {
		if s.CloudCover >= shadowCloudThreshold {
			continue
		}
		clearSamples++
		if s.Ratio < shadowShortfallRatio {
			low = append(low, s.Ratio)
		}
	}
	if clearSamples < shadowMinHistory {
		return false, 0
	}
	if float64(len(low))/float64(clearSamples) < shadowRecurrenceFraction {
		return false, 0
	}

	// A real obstruction blocks the same fraction of the panel every day
	var mean float64
	for _, r := range low {
		mean += r
	}
	mean /= float64(len(low))
	var spread float64
	for _, r := range low {
		spread += (r - mean) * (r - mean)
	}
	spread = math.Sqrt(spread / float64(len(low)))
	if spread > shadowMaxSpread || math.Abs(ratio-mean) > 2*shadowMaxSpread {
		return false, 0
	}

	conf := float64(len(low)) / shadowFullConfidenceDays
	if conf > 1 {
		conf = 1
	}
	return true, conf
}

func (d *ShadowDetector) record(group string, hour int, ratio, cloudCover float64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	key := shadowKey(group, hour)
	samples := append(d.history[key], ShadowSample{Ratio: ratio, CloudCover: cloudCover})
	if len(samples) > shadowHistoryDepth {
		samples = samples[len(samples)-shadowHistoryDepth:]
	}
	d.history[key] = samples
}

// State returns the same-hour history for persistence
func (d *ShadowDetector) State() map[string][]ShadowSample {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	out := make(map[string][]ShadowSample, len(d.history))
	for k, v := range d.history {
		cp := make([]ShadowSample, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Load replaces the history from a persisted snapshot
func (d *ShadowDetector) Load(history map[string][]ShadowSample) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.history = make(map[string][]ShadowSample, len(history))
	for k, v := range history {
		cp := make([]ShadowSample, len(v))
		copy(cp, v)
		d.history[k] = cp
	}
}

// Reset discards all learned shadow patterns
func (d *ShadowDetector) Reset() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.history = make(map[string][]ShadowSample)
}
