package model

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Candidate regularization strengths searched by leave-one-out CV
var ridgeLambdas = []float64{0.01, 0.1, 1.0, 10.0, 100.0}

// RidgeState is the persistable snapshot of a trained ridge model
type RidgeState struct {
	Weights    []float64 `json:"weights"`
	Bias       float64   `json:"bias"`
	Lambda     float64   `json:"lambda"`
	LooR2      float64   `json:"looR2"`
	Samples    int       `json:"samples"`
	Scaler     Scaler    `json:"scaler"`
	FeatureDim int       `json:"featureDim"`
}

// Ridge is a closed-form ridge-regularized linear regressor. Training is a
// full refit on every learning cycle; there is no incremental state. It is
// the fallback model: usable from very few samples and bounded by the
// regularizer, it degrades gracefully instead of diverging.
type Ridge struct {
	minSamples  int
	fullSamples int

	mutex sync.RWMutex
	state RidgeState
	ready bool
}

// NewRidge creates an untrained ridge model. minSamples is the activation
// floor; confidence saturates at fullSamples.
func NewRidge(minSamples, fullSamples int) *Ridge {
	if minSamples <= 0 {
		minSamples = 10
	}
	if fullSamples < minSamples {
		fullSamples = minSamples * 5
	}
	return &Ridge{minSamples: minSamples, fullSamples: fullSamples}
}

// Name implements Estimator
func (r *Ridge) Name() string { return NameRidge }

// Ready implements Estimator
func (r *Ridge) Ready() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.ready
}

// State returns a snapshot for persistence
func (r *Ridge) State() RidgeState {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.state
}

// Restore loads a persisted snapshot
func (r *Ridge) Restore(state RidgeState) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.state = state
	r.ready = len(state.Weights) > 0 && state.Samples >= r.minSamples
}

// Reset clears all learned state
func (r *Ridge) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.state = RidgeState{}
	r.ready = false
}

// Train fits the model on the full sample set. The regularization strength
// is selected by leave-one-out cross-validation, which also yields the
// honest accuracy estimate reported to the ensemble.
func (r *Ridge) Train(x [][]float64, y []float64) error {
	if len(x) != len(y) {
		return fmt.Errorf("feature/label length mismatch: %d vs %d", len(x), len(y))
	}
	if len(x) < r.minSamples {
		return fmt.Errorf("insufficient samples for ridge training: %d < %d", len(x), r.minSamples)
	}

	scaler := Scaler{}
	if err := scaler.Fit(x); err != nil {
		return fmt.Errorf("scaler fit failed: %v", err)
	}
	xs := scaler.TransformAll(x)

	// Center the target; the bias absorbs the mean
	yMean := 0.0
	for _, v := range y {
		yMean += v
	}
	yMean /= float64(len(y))
	yc := make([]float64, len(y))
	for i, v := range y {
		yc[i] = v - yMean
	}

	bestLambda := ridgeLambdas[0]
	bestLooMSE := math.Inf(1)
	var bestWeights []float64
	var bestLooR2 float64

	for _, lambda := range ridgeLambdas {
		weights, looMSE, looR2, err := ridgeFit(xs, yc, lambda)
		if err != nil {
			klog.V(2).InfoS("Ridge fit failed for lambda", "lambda", lambda, "error", err)
			continue
		}
		if looMSE < bestLooMSE {
			bestLooMSE = looMSE
			bestLambda = lambda
			bestWeights = weights
			bestLooR2 = looR2
		}
	}
	if bestWeights == nil {
		return fmt.Errorf("ridge training failed for all regularization strengths")
	}

	r.mutex.Lock()
	r.state = RidgeState{
		Weights:    bestWeights,
		Bias:       yMean,
		Lambda:     bestLambda,
		LooR2:      bestLooR2,
		Samples:    len(x),
		Scaler:     scaler,
		FeatureDim: len(x[0]),
	}
	r.ready = true
	r.mutex.Unlock()

	klog.V(2).InfoS("Ridge model trained",
		"samples", len(x), "lambda", bestLambda, "looR2", bestLooR2)
	return nil
}

// ridgeFit solves (X'X + lambda I) w = X'y and computes leave-one-out
// statistics from the hat-matrix diagonal.
func ridgeFit(x [][]float64, y []float64, lambda float64) (weights []float64, looMSE, looR2 float64, err error) {
	n := len(x)
	d := len(x[0])

	xm := mat.NewDense(n, d, nil)
	for i := range x {
		xm.SetRow(i, x[i])
	}
	yv := mat.NewVecDense(n, y)

	var xtx mat.SymDense
	xtx.SymOuterK(1, xm.T())
	for j := 0; j < d; j++ {
		xtx.SetSym(j, j, xtx.At(j, j)+lambda)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		return nil, 0, 0, fmt.Errorf("normal equations not positive definite")
	}

	var xty mat.VecDense
	xty.MulVec(xm.T(), yv)

	var w mat.VecDense
	if err := chol.SolveVecTo(&w, &xty); err != nil {
		return nil, 0, 0, fmt.Errorf("solve failed: %v", err)
	}

	// Hat diagonal h_ii = x_i' (X'X + lambda I)^-1 x_i gives the exact
	// leave-one-out residual e_i / (1 - h_ii) without refitting.
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, 0, 0, fmt.Errorf("inverse failed: %v", err)
	}

	weights = make([]float64, d)
	for j := 0; j < d; j++ {
		weights[j] = w.AtVec(j)
	}

	var ssLoo, ssTot, yMean float64
	for _, v := range y {
		yMean += v
	}
	yMean /= float64(n)

	tmp := mat.NewVecDense(d, nil)
	for i := 0; i < n; i++ {
		xi := mat.NewVecDense(d, x[i])
		tmp.MulVec(&inv, xi)
		hii := mat.Dot(xi, tmp)

		pred := 0.0
		for j := 0; j < d; j++ {
			pred += weights[j] * x[i][j]
		}
		resid := y[i] - pred
		denom := 1.0 - hii
		if denom < 1e-9 {
			denom = 1e-9
		}
		loo := resid / denom
		ssLoo += loo * loo
		ssTot += (y[i] - yMean) * (y[i] - yMean)
	}

	looMSE = ssLoo / float64(n)
	if ssTot > 1e-12 {
		looR2 = 1.0 - ssLoo/ssTot
	}
	return weights, looMSE, looR2, nil
}

// ProduceEstimate implements Estimator
func (r *Ridge) ProduceEstimate(features []float64) (Estimate, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if !r.ready {
		return Estimate{}, fmt.Errorf("ridge model not trained")
	}
	if len(features) != r.state.FeatureDim {
		return Estimate{}, fmt.Errorf("feature dimension mismatch: got %d, want %d", len(features), r.state.FeatureDim)
	}

	scaled := r.state.Scaler.Transform(features)
	pred := r.state.Bias
	for j, w := range r.state.Weights {
		pred += w * scaled[j]
	}
	if pred < 0 {
		pred = 0
	}

	return Estimate{ValueKWh: pred, Confidence: r.confidence()}, nil
}

func (r *Ridge) confidence() float64 {
	ramp := float64(r.state.Samples-r.minSamples) / float64(r.fullSamples-r.minSamples)
	ramp = math.Max(0.1, math.Min(1.0, ramp))
	quality := math.Max(0.0, math.Min(1.0, r.state.LooR2))
	return ramp * quality
}
