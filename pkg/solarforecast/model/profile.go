package model

import (
	"fmt"
	"sort"
	"sync"
)

// profileFullSamples is where profile confidence saturates (hours observed)
const profileFullSamples = 300

// Profile is the last-resort estimator: the per-hour median of observed
// production. It carries no weather awareness and is only consulted when
// the learned models are unavailable or the ensemble needs a sanity floor.
type Profile struct {
	mutex   sync.RWMutex
	byHour  map[int][]float64
	medians map[int]float64
	samples int
}

// NewProfile creates an empty hourly profile
func NewProfile() *Profile {
	return &Profile{
		byHour:  make(map[int][]float64),
		medians: make(map[int]float64),
	}
}

// Observe records one hour of actual production
func (p *Profile) Observe(hour int, actualKWh float64) {
	if hour < 0 || hour > 23 || actualKWh < 0 {
		return
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.byHour[hour] = append(p.byHour[hour], actualKWh)
	p.samples++
	p.medians[hour] = median(p.byHour[hour])
}

// Median returns the profile value for an hour and whether any samples exist
func (p *Profile) Median(hour int) (float64, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	m, ok := p.medians[hour]
	return m, ok
}

// Samples returns the total hour count observed
func (p *Profile) Samples() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.samples
}

// Reset discards all observed hours
func (p *Profile) Reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.byHour = make(map[int][]float64)
	p.medians = make(map[int]float64)
	p.samples = 0
}

// EstimateForHour returns the median for the hour with a confidence that
// grows with total sample count, floored at 0.1 so the ensemble never
// treats an available fallback as worthless.
func (p *Profile) EstimateForHour(hour int) (Estimate, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	m, ok := p.medians[hour]
	if !ok {
		return Estimate{}, fmt.Errorf("no profile samples for hour %d", hour)
	}
	conf := float64(p.samples) / profileFullSamples
	if conf > 1 {
		conf = 1
	}
	if conf < 0.1 {
		conf = 0.1
	}
	return Estimate{ValueKWh: m, Confidence: conf}, nil
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
