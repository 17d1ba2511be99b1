package model

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticWindows(n int, seed int64) ([][][]float64, []float64) {
	rng := rand.New(rand.NewSource(seed))
	windows := make([][][]float64, n)
	targets := make([]float64, n)
	for i := 0; i < n; i++ {
		w := make([][]float64, WindowHours)
		for t := range w {
			w[t] = []float64{rng.Float64(), rng.Float64(), rng.Float64()}
		}
		windows[i] = w
		// Target depends on the most recent hours only; attention has
		// something to find
		targets[i] = 2*w[WindowHours-1][0] + w[WindowHours-2][1]
	}
	return windows, targets
}

func smallConfig() SequenceConfig {
	return SequenceConfig{HiddenSize: 8, LearningRate: 0.01, BatchSize: 8, Epochs: 30, WarmEpochs: 5}
}

func TestSequenceGradientsMatchFiniteDifference(t *testing.T) {
	s := NewSequence(SequenceConfig{HiddenSize: 3, LearningRate: 0.01, BatchSize: 1, Epochs: 1, WarmEpochs: 1}, 1)
	w := s.initWeights(2, 3)

	rng := rand.New(rand.NewSource(9))
	window := make([][]float64, 4)
	for t := range window {
		window[t] = []float64{rng.NormFloat64(), rng.NormFloat64()}
	}
	target := 0.7

	loss := func() float64 {
		pred, _ := s.forward(w, window)
		return (pred - target) * (pred - target)
	}

	grads := newSeqGrads(2, 3)
	s.backward(w, window, target, grads)

	const eps = 1e-6
	check := func(name string, param *float64, analytic float64) {
		orig := *param
		*param = orig + eps
		up := loss()
		*param = orig - eps
		down := loss()
		*param = orig
		numeric := (up - down) / (2 * eps)
		assert.InDelta(t, numeric, analytic, 1e-4, "gradient mismatch for %s", name)
	}

	check("Wz[0][1]", &w.Wz[0][1], grads.wz[0][1])
	check("Uz[1][2]", &w.Uz[1][2], grads.uz[1][2])
	check("Wr[2][0]", &w.Wr[2][0], grads.wr[2][0])
	check("Ur[0][0]", &w.Ur[0][0], grads.ur[0][0])
	check("Wh[1][1]", &w.Wh[1][1], grads.wh[1][1])
	check("Uh[2][1]", &w.Uh[2][1], grads.uh[2][1])
	check("Bz[0]", &w.Bz[0], grads.bz[0])
	check("Br[1]", &w.Br[1], grads.br[1])
	check("Bh[2]", &w.Bh[2], grads.bh[2])
	check("Wa[0][2]", &w.Wa[0][2], grads.wa[0][2])
	check("Ba[1]", &w.Ba[1], grads.ba[1])
	check("Va[0]", &w.Va[0], grads.va[0])
	check("Wo[2]", &w.Wo[2], grads.wo[2])
	check("Bo", &w.Bo, grads.bo)
}

func TestSequenceLearnsBetterThanMean(t *testing.T) {
	windows, targets := syntheticWindows(150, 11)

	s := NewSequence(smallConfig(), 30)
	require.NoError(t, s.Train(windows, targets, 40, false))
	require.True(t, s.Ready())

	// Baseline: predicting the training mean for every validation sample
	valStart := len(targets) * 8 / 10
	var mean float64
	for _, y := range targets[:valStart] {
		mean += y
	}
	mean /= float64(valStart)
	var baseline float64
	for _, y := range targets[valStart:] {
		baseline += math.Abs(y - mean)
	}
	baseline /= float64(len(targets) - valStart)

	assert.Less(t, s.ValidationMAE(), baseline)
}

func TestSequenceNotReadyBelowMinDays(t *testing.T) {
	windows, targets := syntheticWindows(60, 12)
	s := NewSequence(smallConfig(), 30)
	require.NoError(t, s.Train(windows, targets, 15, false))
	assert.False(t, s.Ready())
}

func TestSequenceWarmStartKeepsScaler(t *testing.T) {
	windows, targets := syntheticWindows(100, 13)
	s := NewSequence(smallConfig(), 30)
	require.NoError(t, s.Train(windows, targets, 35, false))
	scalerBefore := s.State().Scaler

	more, moreTargets := syntheticWindows(40, 14)
	require.NoError(t, s.Train(more, moreTargets, 40, true))
	assert.Equal(t, scalerBefore.Means, s.State().Scaler.Means)
}

func TestSequencePredictWindowValidation(t *testing.T) {
	windows, targets := syntheticWindows(80, 15)
	s := NewSequence(smallConfig(), 30)
	require.NoError(t, s.Train(windows, targets, 40, false))

	est, err := s.PredictWindow(windows[0])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, est.ValueKWh, 0.0)
	assert.Greater(t, est.Confidence, 0.0)

	_, err = s.PredictWindow(windows[0][:5])
	assert.Error(t, err)
}

func TestSequenceStateRoundTrip(t *testing.T) {
	windows, targets := syntheticWindows(80, 16)
	s := NewSequence(smallConfig(), 30)
	require.NoError(t, s.Train(windows, targets, 40, false))

	restored := NewSequence(smallConfig(), 30)
	restored.Restore(s.State())
	require.True(t, restored.Ready())

	want, err := s.PredictWindow(windows[3])
	require.NoError(t, err)
	got, err := restored.PredictWindow(windows[3])
	require.NoError(t, err)
	assert.InDelta(t, want.ValueKWh, got.ValueKWh, 1e-12)
}

func TestSequenceResetAndReconfigure(t *testing.T) {
	windows, targets := syntheticWindows(80, 17)
	s := NewSequence(smallConfig(), 30)
	require.NoError(t, s.Train(windows, targets, 40, false))
	require.True(t, s.Ready())

	s.Reset()
	assert.False(t, s.Ready())
	_, err := s.PredictWindow(windows[0])
	assert.Error(t, err)

	// Changing the hidden size discards incompatible weights
	require.NoError(t, s.Train(windows, targets, 40, false))
	cfg := smallConfig()
	cfg.HiddenSize = 16
	s.SetConfig(cfg)
	assert.False(t, s.Ready())
}

func TestGridSearchPicksLowestValidationError(t *testing.T) {
	windows, targets := syntheticWindows(80, 18)

	report, err := GridSearchSequence(context.Background(), windows, targets, 40, 10)
	require.NoError(t, err)
	require.NotEmpty(t, report.Results)

	for _, r := range report.Results {
		assert.GreaterOrEqual(t, r.ValMAE, report.Best.ValMAE)
	}
	assert.Equal(t, 80, report.Samples)
}

func TestGridSearchCancellation(t *testing.T) {
	windows, targets := syntheticWindows(80, 19)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := GridSearchSequence(ctx, windows, targets, 40, 10)
	assert.Error(t, err)
}

func TestProfileMedianAndConfidence(t *testing.T) {
	p := NewProfile()
	_, err := p.EstimateForHour(12)
	assert.Error(t, err)

	for _, v := range []float64{1.0, 3.0, 2.0} {
		p.Observe(12, v)
	}
	est, err := p.EstimateForHour(12)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, est.ValueKWh, 1e-9)
	assert.InDelta(t, 0.1, est.Confidence, 1e-9)

	// Even-count median
	p.Observe(12, 10.0)
	m, ok := p.Median(12)
	require.True(t, ok)
	assert.InDelta(t, 2.5, m, 1e-9)

	p.Reset()
	_, err = p.EstimateForHour(12)
	assert.Error(t, err)
}
