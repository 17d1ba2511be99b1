// Package ensemble blends the physics, ridge and sequence estimates using
// learned per-bucket weights. Weights live in buckets of (panel group,
// cloud bucket, hour-of-day bucket, season) so the combiner can prefer the
// physics model on clear summer noons and the learned models in conditions
// the physics model handles poorly.
package ensemble

import (
	"math"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/model"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/weather"
)

// Key identifies one weight bucket
type Key struct {
	Group      string              `json:"group"`
	Bucket     weather.CloudBucket `json:"bucket"`
	HourBucket int                 `json:"hourBucket"`
	Season     string              `json:"season"`
}

// Weights holds the blend weights for one bucket. They are kept normalized
// so they always sum to 1.
type Weights struct {
	Physics  float64 `json:"physics"`
	Ridge    float64 `json:"ridge"`
	Sequence float64 `json:"sequence"`
}

// Normalized clamps negatives to zero and rescales to sum 1. All-zero
// weights fall back to physics only.
func (w Weights) Normalized() Weights {
	p := math.Max(0, w.Physics)
	r := math.Max(0, w.Ridge)
	s := math.Max(0, w.Sequence)
	sum := p + r + s
	if sum <= 0 {
		return Weights{Physics: 1}
	}
	return Weights{Physics: p / sum, Ridge: r / sum, Sequence: s / sum}
}

// BlendResult is the combined forecast for one hour
type BlendResult struct {
	ValueKWh        float64
	Confidence      float64
	IntervalLowKWh  float64
	IntervalHighKWh float64
	Weights         Weights
	Disagreement    bool
	Capped          bool
}

// Config tunes the combiner
type Config struct {
	HourBucketSize int // Hours per hour-of-day bucket
	// Relative spread between member estimates above which the interval
	// is widened
	DisagreementSpread float64
	// Blended output is capped at this multiple of the clear-sky maximum
	TheoreticalCapMultiple float64
	// EMA factor for nightly weight updates
	UpdateAlpha float64
	// Softmax temperature for inverse-error weight targets, in kWh of MAE
	ErrorScale float64
}

// DefaultConfig returns the combiner tuning used in production
func DefaultConfig() Config {
	return Config{
		HourBucketSize:         4,
		DisagreementSpread:     0.75,
		TheoreticalCapMultiple: 1.1,
		UpdateAlpha:            0.3,
		ErrorScale:             0.5,
	}
}

// Combiner holds the bucketed weights and produces blended forecasts
type Combiner struct {
	config Config

	mutex   sync.RWMutex
	weights map[Key]Weights
}

// NewCombiner creates a combiner with no learned weights; unseen buckets
// start at an equal three-way split.
func NewCombiner(config Config) *Combiner {
	if config.HourBucketSize <= 0 {
		config = DefaultConfig()
	}
	return &Combiner{
		config:  config,
		weights: make(map[Key]Weights),
	}
}

// SeasonFor maps a timestamp to a meteorological season
func SeasonFor(t time.Time) string {
	switch t.Month() {
	case time.December, time.January, time.February:
		return "winter"
	case time.March, time.April, time.May:
		return "spring"
	case time.June, time.July, time.August:
		return "summer"
	default:
		return "autumn"
	}
}

// KeyFor builds the weight bucket key for one forecast hour
func (c *Combiner) KeyFor(group string, bucket weather.CloudBucket, ts time.Time) Key {
	return Key{
		Group:      group,
		Bucket:     bucket,
		HourBucket: ts.Hour() / c.config.HourBucketSize,
		Season:     SeasonFor(ts),
	}
}

// WeightsFor returns the normalized weights for a bucket
func (c *Combiner) WeightsFor(key Key) Weights {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if w, ok := c.weights[key]; ok {
		return w.Normalized()
	}
	return Weights{Physics: 1, Ridge: 1, Sequence: 1}.Normalized()
}

// Snapshot returns a copy of all learned weights for persistence
func (c *Combiner) Snapshot() map[Key]Weights {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make(map[Key]Weights, len(c.weights))
	for k, w := range c.weights {
		out[k] = w
	}
	return out
}

// Load replaces the learned weights from a persisted snapshot
func (c *Combiner) Load(weights map[Key]Weights) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.weights = make(map[Key]Weights, len(weights))
	for k, w := range weights {
		c.weights[k] = w.Normalized()
	}
}

// Reset discards all learned weights
func (c *Combiner) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.weights = make(map[Key]Weights)
}

// Blend combines the available member estimates. Estimates are keyed by
// model name; a missing or not-ready member simply contributes nothing and
// the remaining weights are renormalized. sequenceReady must be false while
// the sequence model lacks history, which forces its effective weight to
// zero regardless of the stored bucket weight. theoreticalMaxKWh caps the
// output; pass 0 to disable the cap (night hours).
func (c *Combiner) Blend(key Key, estimates map[string]model.Estimate, sequenceReady bool, theoreticalMaxKWh float64) BlendResult {
	base := c.WeightsFor(key)

	type member struct {
		name   string
		est    model.Estimate
		weight float64
	}
	var members []member
	add := func(name string, base float64) {
		est, ok := estimates[name]
		if !ok {
			return
		}
		if name == model.NameSequence && !sequenceReady {
			return
		}
		conf := math.Max(0, math.Min(1, est.Confidence))
		members = append(members, member{name: name, est: est, weight: base * conf})
	}
	add(model.NamePhysics, base.Physics)
	add(model.NameRidge, base.Ridge)
	add(model.NameSequence, base.Sequence)

	result := BlendResult{Weights: Weights{}}
	if len(members) == 0 {
		return result
	}

	var weightSum float64
	for _, m := range members {
		weightSum += m.weight
	}
	if weightSum <= 0 {
		// All confidences zero: fall back to a flat average
		for i := range members {
			members[i].weight = 1
		}
		weightSum = float64(len(members))
	}

	var value, conf, low, high float64
	low = math.Inf(1)
	high = math.Inf(-1)
	for _, m := range members {
		frac := m.weight / weightSum
		value += frac * m.est.ValueKWh
		conf += frac * m.est.Confidence
		low = math.Min(low, m.est.ValueKWh)
		high = math.Max(high, m.est.ValueKWh)
		switch m.name {
		case model.NamePhysics:
			result.Weights.Physics = frac
		case model.NameRidge:
			result.Weights.Ridge = frac
		case model.NameSequence:
			result.Weights.Sequence = frac
		}
	}

	// Strong disagreement widens the interval and dents confidence; the
	// blend itself stays a weighted average
	spread := 0.0
	if value > 1e-9 {
		spread = (high - low) / value
	}
	halfWidth := (1 - conf) * value
	if len(members) > 1 {
		halfWidth = math.Max(halfWidth, (high-low)/2)
	}
	if spread > c.config.DisagreementSpread && len(members) > 1 {
		result.Disagreement = true
		halfWidth *= 2
		conf *= 0.7
		klog.V(3).InfoS("Model disagreement detected",
			"group", key.Group, "bucket", key.Bucket, "spread", spread,
			"low", low, "high", high)
	}

	if theoreticalMaxKWh > 0 {
		limit := theoreticalMaxKWh * c.config.TheoreticalCapMultiple
		if value > limit {
			value = limit
			result.Capped = true
		}
	}

	result.ValueKWh = value
	result.Confidence = conf
	result.IntervalLowKWh = math.Max(0, value-halfWidth)
	result.IntervalHighKWh = value + halfWidth
	return result
}

// UpdateFromErrors moves a bucket's weights toward an inverse-error target
// computed from each member's recent MAE. Members without an error sample
// keep their current share. Called on the nightly learning cycle.
func (c *Combiner) UpdateFromErrors(key Key, maeByModel map[string]float64) {
	if len(maeByModel) == 0 {
		return
	}

	current := c.WeightsFor(key)
	target := current

	score := func(mae float64) float64 {
		return math.Exp(-mae / c.config.ErrorScale)
	}
	var sum float64
	scores := make(map[string]float64, len(maeByModel))
	for name, mae := range maeByModel {
		s := score(mae)
		scores[name] = s
		sum += s
	}
	if sum <= 0 {
		return
	}
	if s, ok := scores[model.NamePhysics]; ok {
		target.Physics = s / sum
	}
	if s, ok := scores[model.NameRidge]; ok {
		target.Ridge = s / sum
	}
	if s, ok := scores[model.NameSequence]; ok {
		target.Sequence = s / sum
	}

	alpha := c.config.UpdateAlpha
	next := Weights{
		Physics:  current.Physics*(1-alpha) + target.Physics*alpha,
		Ridge:    current.Ridge*(1-alpha) + target.Ridge*alpha,
		Sequence: current.Sequence*(1-alpha) + target.Sequence*alpha,
	}.Normalized()

	c.mutex.Lock()
	c.weights[key] = next
	c.mutex.Unlock()

	klog.V(4).InfoS("Ensemble weights updated",
		"group", key.Group, "bucket", key.Bucket, "hourBucket", key.HourBucket,
		"season", key.Season, "physics", next.Physics, "ridge", next.Ridge,
		"sequence", next.Sequence)
}
