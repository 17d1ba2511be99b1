package weather

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// TrustKey identifies a per-bucket per-source trust weight
type TrustKey struct {
	Bucket CloudBucket
	Source string
}

// BlenderConfig holds blending and trust-learning settings
type BlenderConfig struct {
	FetchTimeout   time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	TrustAlpha     float64
	TrustAlphaFast float64
	CloudBuckets   []float64 // Ascending cloud-cover upper bounds per bucket
}

// Blender merges hourly records from multiple weather sources into one
// corrected series, weighting each source by its learned trust.
type Blender struct {
	config  BlenderConfig
	sources []*trackedSource

	mutex      sync.RWMutex
	trust      map[TrustKey]float64
	lastMAE    map[TrustKey]float64
	visibility *VisibilityLearner
	lastGood   *Blended
	recorder   Recorder
}

// Recorder receives every source's raw records after a successful fetch.
// Used to archive source forecasts for later trust scoring.
type Recorder func(source string, records []SourceRecord)

// NewBlender creates a blender over the given sources
func NewBlender(config BlenderConfig, sources ...Source) *Blender {
	tracked := make([]*trackedSource, 0, len(sources))
	for _, s := range sources {
		tracked = append(tracked, &trackedSource{source: s})
	}
	return &Blender{
		config:     config,
		sources:    tracked,
		trust:      make(map[TrustKey]float64),
		lastMAE:    make(map[TrustKey]float64),
		visibility: NewVisibilityLearner(),
	}
}

// BucketFor maps a cloud cover percentage onto a bucket using the
// configured bounds. Without at least two bounds the package defaults
// apply.
func (b *Blender) BucketFor(cloudCover float64) CloudBucket {
	bounds := b.config.CloudBuckets
	if len(bounds) < 2 {
		return BucketFor(cloudCover)
	}
	switch {
	case cloudCover < bounds[0]:
		return BucketClear
	case cloudCover < bounds[1]:
		return BucketPartlyCloudy
	default:
		return BucketOvercast
	}
}

// SourceHealth reports each source's current health flag
func (b *Blender) SourceHealth() map[string]bool {
	health := make(map[string]bool, len(b.sources))
	for _, ts := range b.sources {
		health[ts.source.Name()] = ts.healthy()
	}
	return health
}

// defaultTrust is the weight for a source with no history in a bucket
const defaultTrust = 0.5

// TrustWeight returns the current trust for a source in a cloud bucket
func (b *Blender) TrustWeight(bucket CloudBucket, source string) float64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if w, ok := b.trust[TrustKey{Bucket: bucket, Source: source}]; ok {
		return w
	}
	return defaultTrust
}

// Weights returns a snapshot of all trust weights for persistence
func (b *Blender) Weights() map[TrustKey]float64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	out := make(map[TrustKey]float64, len(b.trust))
	for k, v := range b.trust {
		out[k] = v
	}
	return out
}

// LoadWeights restores persisted trust weights
func (b *Blender) LoadWeights(weights map[TrustKey]float64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for k, v := range weights {
		b.trust[k] = clamp01(v)
	}
}

// VisibilityLearner returns the learner deciding the authoritative
// visibility source.
func (b *Blender) VisibilityLearner() *VisibilityLearner {
	return b.visibility
}

// SetRecorder installs the raw-record archive hook
func (b *Blender) SetRecorder(r Recorder) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.recorder = r
}

// UpdateTrust folds a source's daily mean absolute error for a bucket into
// its trust weight via exponential smoothing. The smoothing factor
// accelerates when the error changed a lot since the last update.
func (b *Blender) UpdateTrust(bucket CloudBucket, source string, mae float64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	key := TrustKey{Bucket: bucket, Source: source}
	old, ok := b.trust[key]
	if !ok {
		old = defaultTrust
	}

	alpha := b.config.TrustAlpha
	if prev, ok := b.lastMAE[key]; ok && prev > 0 {
		if change := math.Abs(mae-prev) / prev; change > 0.5 {
			alpha = b.config.TrustAlphaFast
		}
	}
	b.lastMAE[key] = mae

	updated := clamp01(old*(1-alpha) + trustScore(mae)*alpha)
	b.trust[key] = updated

	klog.V(3).InfoS("Updated weather source trust",
		"source", source, "bucket", bucket, "mae", mae, "weight", updated)
}

// trustScore maps a mean absolute error (in percent cloud cover, the
// dominant blended field) onto (0, 1]: zero error scores 1.
func trustScore(mae float64) float64 {
	if mae < 0 {
		mae = 0
	}
	return 1.0 / (1.0 + mae/10.0)
}

// FetchAndBlend fetches the horizon from every healthy source and blends it
// into one hourly series. Hours no source could provide are served from the
// last-good cache and marked stale.
func (b *Blender) FetchAndBlend(ctx context.Context, start time.Time, hours int) ([]Blended, error) {
	type fetchResult struct {
		name    string
		records []SourceRecord
	}

	fetchCtx, cancel := context.WithTimeout(ctx, b.config.FetchTimeout)
	defer cancel()

	results := make([]fetchResult, len(b.sources))
	g, gctx := errgroup.WithContext(fetchCtx)
	for i, ts := range b.sources {
		i, ts := i, ts
		if !ts.healthy() {
			klog.V(2).InfoS("Skipping unhealthy weather source", "source", ts.source.Name())
			continue
		}
		g.Go(func() error {
			records, err := ts.fetchWithRetry(gctx, start, hours, b.config.MaxRetries, b.config.RetryBaseDelay)
			if err != nil {
				// A failed source degrades the blend, it does not fail it
				klog.V(2).InfoS("Weather source unavailable", "source", ts.source.Name(), "error", err)
				return nil
			}
			results[i] = fetchResult{name: ts.source.Name(), records: records}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("weather fetch aborted: %v", err)
	}

	b.mutex.RLock()
	recorder := b.recorder
	b.mutex.RUnlock()

	// Index records by hour per source
	bySource := make(map[string]map[time.Time]SourceRecord)
	for _, r := range results {
		if r.name == "" {
			continue
		}
		if recorder != nil {
			recorder(r.name, r.records)
		}
		idx := make(map[time.Time]SourceRecord, len(r.records))
		for _, rec := range r.records {
			idx[rec.Timestamp.Truncate(time.Hour)] = rec
		}
		bySource[r.name] = idx
	}

	blended := make([]Blended, 0, hours)
	for h := 0; h < hours; h++ {
		ts := start.Truncate(time.Hour).Add(time.Duration(h) * time.Hour)
		hourly := make(map[string]SourceRecord)
		for name, idx := range bySource {
			if rec, ok := idx[ts]; ok {
				hourly[name] = rec
			}
		}
		blended = append(blended, b.BlendHour(ts, hourly))
	}
	return blended, nil
}

// BlendHour merges the per-source records for one hour. With no records at
// all it falls back to the last successfully blended hour, marked stale.
func (b *Blender) BlendHour(ts time.Time, records map[string]SourceRecord) Blended {
	if len(records) == 0 {
		b.mutex.RLock()
		last := b.lastGood
		b.mutex.RUnlock()
		if last != nil {
			stale := *last
			stale.Timestamp = ts
			stale.Stale = true
			klog.V(2).InfoS("No weather source reported, serving stale cache",
				"hour", ts, "cachedFrom", last.Timestamp)
			return stale
		}
		return Blended{Timestamp: ts, Stale: true, Transmittance: 1.0, Fog: FogNone}
	}

	// Provisional cloud bucket from the unweighted mean decides which trust
	// weights apply for this hour.
	bucket := b.BucketFor(b.meanField(records, func(r SourceRecord) *float64 { return r.CloudCover }))

	out := Blended{
		Timestamp:     ts,
		CloudCover:    b.blendField(bucket, records, func(r SourceRecord) *float64 { return r.CloudCover }),
		Temperature:   b.blendField(bucket, records, func(r SourceRecord) *float64 { return r.Temperature }),
		Humidity:      b.blendField(bucket, records, func(r SourceRecord) *float64 { return r.Humidity }),
		WindSpeed:     b.blendField(bucket, records, func(r SourceRecord) *float64 { return r.WindSpeed }),
		Precipitation: b.blendField(bucket, records, func(r SourceRecord) *float64 { return r.Precipitation }),
		GHI:           b.blendField(bucket, records, func(r SourceRecord) *float64 { return r.GHI }),
		DNI:           b.blendField(bucket, records, func(r SourceRecord) *float64 { return r.DNI }),
		DHI:           b.blendField(bucket, records, func(r SourceRecord) *float64 { return r.DHI }),
		SourceCount:   len(records),
	}

	out.VisibilityM = b.visibility.Resolve(records)
	if out.VisibilityM <= 0 {
		out.VisibilityM = LightFogVisibilityM // No visibility data means no fog assumption
	}
	out.Fog = ClassifyFog(out.VisibilityM)
	out.Transmittance = FogTransmittance(out.Fog)

	for _, rec := range records {
		if rec.ConditionCode != "" {
			out.ConditionCode = rec.ConditionCode
			break
		}
	}

	b.mutex.Lock()
	cached := out
	b.lastGood = &cached
	b.mutex.Unlock()

	return out
}

// blendField computes the trust-weighted average of one field across the
// sources that reported it. Missing sources are excluded and the remaining
// weights renormalized; there is no interpolation across sources.
func (b *Blender) blendField(bucket CloudBucket, records map[string]SourceRecord, get func(SourceRecord) *float64) float64 {
	sum := 0.0
	weightSum := 0.0
	for name, rec := range records {
		v := get(rec)
		if v == nil || math.IsNaN(*v) {
			continue
		}
		w := b.TrustWeight(bucket, name)
		sum += *v * w
		weightSum += w
	}
	if weightSum <= 0 {
		return 0.0
	}
	return sum / weightSum
}

func (b *Blender) meanField(records map[string]SourceRecord, get func(SourceRecord) *float64) float64 {
	sum := 0.0
	n := 0
	for _, rec := range records {
		if v := get(rec); v != nil && !math.IsNaN(*v) {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return 0.0
	}
	return sum / float64(n)
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}
