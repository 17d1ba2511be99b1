package ensemble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/model"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/weather"
)

func testKey() Key {
	return Key{Group: "roof", Bucket: weather.BucketClear, HourBucket: 3, Season: "summer"}
}

func TestWeightsNormalized(t *testing.T) {
	w := Weights{Physics: 2, Ridge: 1, Sequence: 1}.Normalized()
	assert.InDelta(t, 1.0, w.Physics+w.Ridge+w.Sequence, 1e-9)
	assert.InDelta(t, 0.5, w.Physics, 1e-9)

	// Negatives clamp to zero
	w = Weights{Physics: -1, Ridge: 1, Sequence: 1}.Normalized()
	assert.Equal(t, 0.0, w.Physics)
	assert.InDelta(t, 1.0, w.Ridge+w.Sequence, 1e-9)

	// All-zero falls back to physics
	w = Weights{}.Normalized()
	assert.Equal(t, 1.0, w.Physics)
}

func TestSeasonFor(t *testing.T) {
	assert.Equal(t, "winter", SeasonFor(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "winter", SeasonFor(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "spring", SeasonFor(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "summer", SeasonFor(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "autumn", SeasonFor(time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)))
}

func TestBlendWeightedAverage(t *testing.T) {
	c := NewCombiner(DefaultConfig())
	ests := map[string]model.Estimate{
		model.NamePhysics: {ValueKWh: 2.0, Confidence: 0.8},
		model.NameRidge:   {ValueKWh: 2.2, Confidence: 0.8},
	}

	result := c.Blend(testKey(), ests, false, 0)
	assert.Greater(t, result.ValueKWh, 2.0)
	assert.Less(t, result.ValueKWh, 2.2)
	assert.InDelta(t, 1.0, result.Weights.Physics+result.Weights.Ridge, 1e-9)
	assert.False(t, result.Disagreement)
}

func TestBlendSequenceForcedZeroWhenNotReady(t *testing.T) {
	c := NewCombiner(DefaultConfig())
	ests := map[string]model.Estimate{
		model.NamePhysics:  {ValueKWh: 2.0, Confidence: 0.8},
		model.NameRidge:    {ValueKWh: 2.0, Confidence: 0.8},
		model.NameSequence: {ValueKWh: 50.0, Confidence: 0.9},
	}

	result := c.Blend(testKey(), ests, false, 0)
	assert.Equal(t, 0.0, result.Weights.Sequence)
	assert.InDelta(t, 2.0, result.ValueKWh, 1e-9)
}

func TestBlendDisagreementWidensInterval(t *testing.T) {
	c := NewCombiner(DefaultConfig())
	agree := c.Blend(testKey(), map[string]model.Estimate{
		model.NamePhysics: {ValueKWh: 2.0, Confidence: 0.8},
		model.NameRidge:   {ValueKWh: 2.1, Confidence: 0.8},
	}, false, 0)
	require.False(t, agree.Disagreement)

	disagree := c.Blend(testKey(), map[string]model.Estimate{
		model.NamePhysics: {ValueKWh: 1.0, Confidence: 0.8},
		model.NameRidge:   {ValueKWh: 4.0, Confidence: 0.8},
	}, false, 0)
	assert.True(t, disagree.Disagreement)
	assert.Greater(t,
		disagree.IntervalHighKWh-disagree.IntervalLowKWh,
		agree.IntervalHighKWh-agree.IntervalLowKWh)
	assert.Less(t, disagree.Confidence, agree.Confidence)
}

func TestBlendCappedAtTheoreticalMax(t *testing.T) {
	c := NewCombiner(DefaultConfig())
	result := c.Blend(testKey(), map[string]model.Estimate{
		model.NameRidge: {ValueKWh: 10.0, Confidence: 0.9},
	}, false, 2.0)
	assert.True(t, result.Capped)
	assert.InDelta(t, 2.2, result.ValueKWh, 1e-9)

	// Zero disables the cap
	uncapped := c.Blend(testKey(), map[string]model.Estimate{
		model.NameRidge: {ValueKWh: 10.0, Confidence: 0.9},
	}, false, 0)
	assert.False(t, uncapped.Capped)
	assert.InDelta(t, 10.0, uncapped.ValueKWh, 1e-9)
}

func TestBlendNoMembers(t *testing.T) {
	c := NewCombiner(DefaultConfig())
	result := c.Blend(testKey(), map[string]model.Estimate{}, true, 0)
	assert.Equal(t, 0.0, result.ValueKWh)
	assert.Equal(t, 0.0, result.Confidence)
}

func TestUpdateFromErrorsShiftsTowardBetterModel(t *testing.T) {
	c := NewCombiner(DefaultConfig())
	key := testKey()
	before := c.WeightsFor(key)

	for i := 0; i < 10; i++ {
		c.UpdateFromErrors(key, map[string]float64{
			model.NamePhysics:  0.1,
			model.NameRidge:    2.0,
			model.NameSequence: 2.0,
		})
	}
	after := c.WeightsFor(key)
	assert.Greater(t, after.Physics, before.Physics)
	assert.Less(t, after.Ridge, before.Ridge)
	assert.InDelta(t, 1.0, after.Physics+after.Ridge+after.Sequence, 1e-9)
}

func TestUpdateFromErrorsPartialMembers(t *testing.T) {
	c := NewCombiner(DefaultConfig())
	key := testKey()

	// Only ridge has error samples: others keep their current share
	c.UpdateFromErrors(key, map[string]float64{model.NameRidge: 0.5})
	w := c.WeightsFor(key)
	assert.InDelta(t, 1.0, w.Physics+w.Ridge+w.Sequence, 1e-9)
	assert.Greater(t, w.Sequence, 0.0)
}

func TestSnapshotLoadRoundTrip(t *testing.T) {
	c := NewCombiner(DefaultConfig())
	key := testKey()
	c.UpdateFromErrors(key, map[string]float64{
		model.NamePhysics: 0.2,
		model.NameRidge:   1.0,
	})

	restored := NewCombiner(DefaultConfig())
	restored.Load(c.Snapshot())
	assert.Equal(t, c.WeightsFor(key), restored.WeightsFor(key))

	restored.Reset()
	fresh := restored.WeightsFor(key)
	assert.InDelta(t, fresh.Physics, fresh.Ridge, 1e-9)
}
