package weather

import (
	"math"
	"sync"

	"k8s.io/klog/v2"
)

// VisibilityLearner tracks which source's visibility field has historically
// been most accurate, and uses that source when sources disagree.
type VisibilityLearner struct {
	mutex     sync.RWMutex
	errorEMA  map[string]float64
	samples   map[string]int
	smoothing float64
}

// NewVisibilityLearner creates a learner with default smoothing
func NewVisibilityLearner() *VisibilityLearner {
	return &VisibilityLearner{
		errorEMA:  make(map[string]float64),
		samples:   make(map[string]int),
		smoothing: 0.2,
	}
}

// RecordError folds one observed absolute visibility error (meters) for a
// source into its running accuracy estimate.
func (v *VisibilityLearner) RecordError(source string, absErrorM float64) {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	if prev, ok := v.errorEMA[source]; ok {
		v.errorEMA[source] = prev*(1-v.smoothing) + absErrorM*v.smoothing
	} else {
		v.errorEMA[source] = absErrorM
	}
	v.samples[source]++
}

// Authoritative returns the source with the lowest error estimate, or ""
// when no source has history yet.
func (v *VisibilityLearner) Authoritative() string {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	best := ""
	bestErr := math.Inf(1)
	for source, e := range v.errorEMA {
		if v.samples[source] < 3 {
			continue // Too little history to prefer this source
		}
		if e < bestErr {
			bestErr = e
			best = source
		}
	}
	return best
}

// Resolve picks the visibility value for an hour. When an authoritative
// source reported one, that wins; otherwise the minimum reported visibility
// is used as the conservative choice.
func (v *VisibilityLearner) Resolve(records map[string]SourceRecord) float64 {
	if auth := v.Authoritative(); auth != "" {
		if rec, ok := records[auth]; ok && rec.VisibilityM != nil {
			return *rec.VisibilityM
		}
		klog.V(4).InfoS("Authoritative visibility source did not report", "source", auth)
	}

	min := math.Inf(1)
	for _, rec := range records {
		if rec.VisibilityM != nil && *rec.VisibilityM < min {
			min = *rec.VisibilityM
		}
	}
	if math.IsInf(min, 1) {
		return 0.0
	}
	return min
}

// State returns the per-source error estimates for persistence
func (v *VisibilityLearner) State() (errors map[string]float64, samples map[string]int) {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	errors = make(map[string]float64, len(v.errorEMA))
	samples = make(map[string]int, len(v.samples))
	for k, e := range v.errorEMA {
		errors[k] = e
		samples[k] = v.samples[k]
	}
	return errors, samples
}

// LoadState restores persisted learner state
func (v *VisibilityLearner) LoadState(errors map[string]float64, samples map[string]int) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	for k, e := range errors {
		v.errorEMA[k] = e
		v.samples[k] = samples[k]
	}
}
