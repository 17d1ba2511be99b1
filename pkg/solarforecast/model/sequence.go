package model

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"k8s.io/klog/v2"
)

// WindowHours is the input sequence length for the recurrent model
const WindowHours = 24

// gradient clip applied to the global norm of each mini-batch update
const seqGradClip = 5.0

// SequenceConfig holds the trainable hyperparameters. The defaults are the
// grid-search winner on the reference installation; GridSearch can replace
// them per site.
type SequenceConfig struct {
	HiddenSize   int     `json:"hiddenSize"`
	LearningRate float64 `json:"learningRate"`
	BatchSize    int     `json:"batchSize"`
	Epochs       int     `json:"epochs"`
	WarmEpochs   int     `json:"warmEpochs"`
}

// DefaultSequenceConfig returns the baseline hyperparameters
func DefaultSequenceConfig() SequenceConfig {
	return SequenceConfig{
		HiddenSize:   16,
		LearningRate: 0.01,
		BatchSize:    8,
		Epochs:       30,
		WarmEpochs:   5,
	}
}

// seqWeights is the full parameter set of the gated recurrent cell, the
// attention layer over its hidden states, and the output head.
type seqWeights struct {
	// Update gate
	Wz [][]float64 `json:"wz"`
	Uz [][]float64 `json:"uz"`
	Bz []float64   `json:"bz"`
	// Reset gate
	Wr [][]float64 `json:"wr"`
	Ur [][]float64 `json:"ur"`
	Br []float64   `json:"br"`
	// Candidate state
	Wh [][]float64 `json:"wh"`
	Uh [][]float64 `json:"uh"`
	Bh []float64   `json:"bh"`
	// Attention scorer
	Wa [][]float64 `json:"wa"`
	Ba []float64   `json:"ba"`
	Va []float64   `json:"va"`
	// Output head
	Wo []float64 `json:"wo"`
	Bo float64   `json:"bo"`
}

// SequenceState is the persistable snapshot of the sequence model
type SequenceState struct {
	Config      SequenceConfig `json:"config"`
	Weights     *seqWeights    `json:"weights"`
	Scaler      Scaler         `json:"scaler"`
	InputDim    int            `json:"inputDim"`
	TrainedDays int            `json:"trainedDays"`
	ValMAE      float64        `json:"valMAE"`
}

// Sequence is a compact gated recurrent predictor with one attention layer
// over the 24-hour feature window. One forward pass yields one hour; the
// caller slides the window across the horizon using forecast features.
// Below minDays of history it reports not-ready and the ensemble must hold
// its weight at zero.
type Sequence struct {
	minDays  int
	fullDays int

	mutex sync.RWMutex
	state SequenceState
	rng   *rand.Rand
}

// NewSequence creates an untrained sequence model. minDays gates readiness;
// confidence saturates at fullDays.
func NewSequence(cfg SequenceConfig, minDays int) *Sequence {
	if cfg.HiddenSize <= 0 {
		cfg = DefaultSequenceConfig()
	}
	if minDays <= 0 {
		minDays = 30
	}
	return &Sequence{
		minDays:  minDays,
		fullDays: minDays * 2,
		state:    SequenceState{Config: cfg},
		rng:      rand.New(rand.NewSource(42)),
	}
}

// Name implements Estimator
func (s *Sequence) Name() string { return NameSequence }

// Ready implements Estimator
func (s *Sequence) Ready() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state.Weights != nil && s.state.TrainedDays >= s.minDays
}

// State returns a snapshot for persistence
func (s *Sequence) State() SequenceState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// Restore loads a persisted snapshot
func (s *Sequence) Restore(state SequenceState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if state.Config.HiddenSize <= 0 {
		state.Config = DefaultSequenceConfig()
	}
	s.state = state
}

// Reset discards all learned parameters
func (s *Sequence) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	cfg := s.state.Config
	s.state = SequenceState{Config: cfg}
}

// SetConfig replaces the hyperparameters. Existing weights are discarded
// when the hidden size changes.
func (s *Sequence) SetConfig(cfg SequenceConfig) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state.Weights != nil && cfg.HiddenSize != s.state.Config.HiddenSize {
		s.state.Weights = nil
		s.state.TrainedDays = 0
	}
	s.state.Config = cfg
}

// ProduceEstimate implements Estimator for a single flattened window of
// WindowHours*inputDim values, oldest hour first.
func (s *Sequence) ProduceEstimate(features []float64) (Estimate, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.state.Weights == nil {
		return Estimate{}, fmt.Errorf("sequence model not trained")
	}
	in := s.state.InputDim
	if len(features) != WindowHours*in {
		return Estimate{}, fmt.Errorf("window length mismatch: got %d values, want %d", len(features), WindowHours*in)
	}
	window := make([][]float64, WindowHours)
	for t := 0; t < WindowHours; t++ {
		window[t] = features[t*in : (t+1)*in]
	}
	return s.estimateLocked(window)
}

// PredictWindow runs one forward pass over a 24-row feature window
func (s *Sequence) PredictWindow(window [][]float64) (Estimate, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.state.Weights == nil {
		return Estimate{}, fmt.Errorf("sequence model not trained")
	}
	if len(window) != WindowHours {
		return Estimate{}, fmt.Errorf("window has %d rows, want %d", len(window), WindowHours)
	}
	return s.estimateLocked(window)
}

func (s *Sequence) estimateLocked(window [][]float64) (Estimate, error) {
	scaled := s.state.Scaler.TransformAll(window)
	pred, _ := s.forward(s.state.Weights, scaled)
	if pred < 0 {
		pred = 0
	}

	ramp := float64(s.state.TrainedDays-s.minDays) / float64(s.fullDays-s.minDays)
	ramp = math.Max(0.1, math.Min(1.0, ramp))
	quality := 1.0 / (1.0 + s.state.ValMAE)
	return Estimate{ValueKWh: pred, Confidence: ramp * quality}, nil
}

// Train fits the model on (window, next-hour) pairs. With warmStart the
// existing weights are kept and trained for a few epochs; otherwise the
// parameters are reinitialized and trained from scratch. trainedDays is the
// span of history behind the samples and gates readiness.
func (s *Sequence) Train(windows [][][]float64, targets []float64, trainedDays int, warmStart bool) error {
	if len(windows) != len(targets) {
		return fmt.Errorf("window/target length mismatch: %d vs %d", len(windows), len(targets))
	}
	if len(windows) == 0 {
		return fmt.Errorf("no training windows")
	}
	for i, w := range windows {
		if len(w) != WindowHours {
			return fmt.Errorf("window %d has %d rows, want %d", i, len(w), WindowHours)
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	cfg := s.state.Config
	in := len(windows[0][0])
	epochs := cfg.Epochs

	if warmStart && s.state.Weights != nil && s.state.InputDim == in {
		epochs = cfg.WarmEpochs
	} else {
		// Fit the scaler on the flattened rows only for a cold start so a
		// warm retrain keeps the transform its weights were trained under
		scaler := Scaler{}
		flat := make([][]float64, 0, len(windows)*WindowHours)
		for _, w := range windows {
			flat = append(flat, w...)
		}
		if err := scaler.Fit(flat); err != nil {
			return fmt.Errorf("scaler fit failed: %v", err)
		}
		s.state.Scaler = scaler
		s.state.Weights = s.initWeights(in, cfg.HiddenSize)
		s.state.InputDim = in
	}

	scaled := make([][][]float64, len(windows))
	for i, w := range windows {
		scaled[i] = s.state.Scaler.TransformAll(w)
	}

	// Chronological 80/20 split keeps validation in the future of training
	valStart := len(scaled) * 8 / 10
	if valStart == len(scaled) {
		valStart = len(scaled) - 1
	}
	if valStart < 1 {
		valStart = 1
	}

	w := s.state.Weights
	order := make([]int, valStart)
	for i := range order {
		order[i] = i
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 8
	}

	for epoch := 0; epoch < epochs; epoch++ {
		s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for start := 0; start < len(order); start += batch {
			end := start + batch
			if end > len(order) {
				end = len(order)
			}
			grads := newSeqGrads(in, cfg.HiddenSize)
			for _, idx := range order[start:end] {
				s.backward(w, scaled[idx], targets[idx], grads)
			}
			grads.scale(1.0 / float64(end-start))
			grads.clip(seqGradClip)
			grads.apply(w, cfg.LearningRate)
		}
	}

	var valErr float64
	valCount := 0
	for i := valStart; i < len(scaled); i++ {
		pred, _ := s.forward(w, scaled[i])
		valErr += math.Abs(pred - targets[i])
		valCount++
	}
	if valCount > 0 {
		s.state.ValMAE = valErr / float64(valCount)
	}
	s.state.TrainedDays = trainedDays

	klog.V(2).InfoS("Sequence model trained",
		"samples", len(windows), "epochs", epochs, "warmStart", warmStart,
		"valMAE", s.state.ValMAE, "trainedDays", trainedDays)
	return nil
}

// ValidationMAE returns the held-out error from the last training run
func (s *Sequence) ValidationMAE() float64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state.ValMAE
}

func (s *Sequence) initWeights(in, hidden int) *seqWeights {
	w := &seqWeights{
		Wz: s.randMat(hidden, in), Uz: s.randMat(hidden, hidden), Bz: make([]float64, hidden),
		Wr: s.randMat(hidden, in), Ur: s.randMat(hidden, hidden), Br: make([]float64, hidden),
		Wh: s.randMat(hidden, in), Uh: s.randMat(hidden, hidden), Bh: make([]float64, hidden),
		Wa: s.randMat(hidden, hidden), Ba: make([]float64, hidden),
		Va: s.randVec(hidden),
		Wo: s.randVec(hidden),
	}
	return w
}

func (s *Sequence) randMat(rows, cols int) [][]float64 {
	scale := math.Sqrt(2.0 / float64(rows+cols))
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = s.rng.NormFloat64() * scale
		}
	}
	return m
}

func (s *Sequence) randVec(n int) []float64 {
	scale := math.Sqrt(1.0 / float64(n))
	v := make([]float64, n)
	for i := range v {
		v[i] = s.rng.NormFloat64() * scale
	}
	return v
}

// seqTrace caches one forward pass for backpropagation
type seqTrace struct {
	x            [][]float64
	z, r, hCand  [][]float64
	h            [][]float64 // h[0] is the zero initial state, h[t+1] after step t
	u            [][]float64 // attention pre-activations tanh(Wa h + ba)
	alpha        []float64
	context      []float64
	pred         float64
}

func (s *Sequence) forward(w *seqWeights, window [][]float64) (float64, *seqTrace) {
	hidden := len(w.Bz)
	T := len(window)

	tr := &seqTrace{
		x:     window,
		z:     make([][]float64, T),
		r:     make([][]float64, T),
		hCand: make([][]float64, T),
		h:     make([][]float64, T+1),
		u:     make([][]float64, T),
		alpha: make([]float64, T),
	}
	tr.h[0] = make([]float64, hidden)

	for t := 0; t < T; t++ {
		x := window[t]
		prev := tr.h[t]

		z := addVecs(matVec(w.Wz, x), matVec(w.Uz, prev), w.Bz)
		applySigmoid(z)
		r := addVecs(matVec(w.Wr, x), matVec(w.Ur, prev), w.Br)
		applySigmoid(r)

		gated := make([]float64, hidden)
		for i := range gated {
			gated[i] = r[i] * prev[i]
		}
		hc := addVecs(matVec(w.Wh, x), matVec(w.Uh, gated), w.Bh)
		applyTanh(hc)

		h := make([]float64, hidden)
		for i := range h {
			h[i] = (1-z[i])*prev[i] + z[i]*hc[i]
		}

		tr.z[t], tr.r[t], tr.hCand[t], tr.h[t+1] = z, r, hc, h
	}

	// Attention over all hidden states
	scores := make([]float64, T)
	maxScore := math.Inf(-1)
	for t := 0; t < T; t++ {
		u := addVecs(matVec(w.Wa, tr.h[t+1]), w.Ba)
		applyTanh(u)
		tr.u[t] = u
		scores[t] = dot(w.Va, u)
		if scores[t] > maxScore {
			maxScore = scores[t]
		}
	}
	var sum float64
	for t := 0; t < T; t++ {
		tr.alpha[t] = math.Exp(scores[t] - maxScore)
		sum += tr.alpha[t]
	}
	ctx := make([]float64, hidden)
	for t := 0; t < T; t++ {
		tr.alpha[t] /= sum
		for i := range ctx {
			ctx[i] += tr.alpha[t] * tr.h[t+1][i]
		}
	}
	tr.context = ctx
	tr.pred = dot(w.Wo, ctx) + w.Bo
	return tr.pred, tr
}

// backward accumulates squared-error gradients for one sample into grads
func (s *Sequence) backward(w *seqWeights, window [][]float64, target float64, g *seqGrads) {
	pred, tr := s.forward(w, window)
	hidden := len(w.Bz)
	T := len(window)

	dy := 2 * (pred - target)
	g.bo += dy
	dCtx := make([]float64, hidden)
	for i := 0; i < hidden; i++ {
		g.wo[i] += dy * tr.context[i]
		dCtx[i] = dy * w.Wo[i]
	}

	// Attention backward: softmax Jacobian then the scorer chain
	dAlpha := make([]float64, T)
	var alphaDot float64
	for t := 0; t < T; t++ {
		dAlpha[t] = dot(dCtx, tr.h[t+1])
		alphaDot += tr.alpha[t] * dAlpha[t]
	}
	dhAttn := make([][]float64, T)
	for t := 0; t < T; t++ {
		ds := tr.alpha[t] * (dAlpha[t] - alphaDot)
		dh := make([]float64, hidden)
		for i := 0; i < hidden; i++ {
			dh[i] = tr.alpha[t] * dCtx[i]
		}
		for i := 0; i < hidden; i++ {
			du := w.Va[i] * ds
			g.va[i] += tr.u[t][i] * ds
			dPre := du * (1 - tr.u[t][i]*tr.u[t][i])
			g.ba[i] += dPre
			for j := 0; j < hidden; j++ {
				g.wa[i][j] += dPre * tr.h[t+1][j]
				dh[j] += w.Wa[i][j] * dPre
			}
		}
		dhAttn[t] = dh
	}

	// Backprop through time
	dhNext := make([]float64, hidden)
	for t := T - 1; t >= 0; t-- {
		prev := tr.h[t]
		z, r, hc := tr.z[t], tr.r[t], tr.hCand[t]

		dh := make([]float64, hidden)
		for i := 0; i < hidden; i++ {
			dh[i] = dhNext[i] + dhAttn[t][i]
		}

		dz := make([]float64, hidden)
		dhc := make([]float64, hidden)
		for i := 0; i < hidden; i++ {
			dz[i] = dh[i] * (hc[i] - prev[i]) * z[i] * (1 - z[i])
			dhc[i] = dh[i] * z[i] * (1 - hc[i]*hc[i])
		}

		uhT := matVecT(w.Uh, dhc)
		dr := make([]float64, hidden)
		for i := 0; i < hidden; i++ {
			dr[i] = uhT[i] * prev[i] * r[i] * (1 - r[i])
		}

		x := tr.x[t]
		for i := 0; i < hidden; i++ {
			for j := 0; j < len(x); j++ {
				g.wh[i][j] += dhc[i] * x[j]
				g.wr[i][j] += dr[i] * x[j]
				g.wz[i][j] += dz[i] * x[j]
			}
			for j := 0; j < hidden; j++ {
				g.uh[i][j] += dhc[i] * r[j] * prev[j]
				g.ur[i][j] += dr[i] * prev[j]
				g.uz[i][j] += dz[i] * prev[j]
			}
			g.bh[i] += dhc[i]
			g.br[i] += dr[i]
			g.bz[i] += dz[i]
		}

		urT := matVecT(w.Ur, dr)
		uzT := matVecT(w.Uz, dz)
		for i := 0; i < hidden; i++ {
			dhNext[i] = dh[i]*(1-z[i]) + uhT[i]*r[i] + urT[i] + uzT[i]
		}
	}
}

// seqGrads accumulates gradients for one mini-batch
type seqGrads struct {
	wz, uz, wr, ur, wh, uh, wa [][]float64
	bz, br, bh, ba, va, wo     []float64
	bo                         float64
}

func newSeqGrads(in, hidden int) *seqGrads {
	return &seqGrads{
		wz: zeroMat(hidden, in), uz: zeroMat(hidden, hidden), bz: make([]float64, hidden),
		wr: zeroMat(hidden, in), ur: zeroMat(hidden, hidden), br: make([]float64, hidden),
		wh: zeroMat(hidden, in), uh: zeroMat(hidden, hidden), bh: make([]float64, hidden),
		wa: zeroMat(hidden, hidden), ba: make([]float64, hidden),
		va: make([]float64, hidden), wo: make([]float64, hidden),
	}
}

func (g *seqGrads) each(fn func(m [][]float64), fv func(v []float64)) {
	for _, m := range [][][]float64{g.wz, g.uz, g.wr, g.ur, g.wh, g.uh, g.wa} {
		fn(m)
	}
	for _, v := range [][]float64{g.bz, g.br, g.bh, g.ba, g.va, g.wo} {
		fv(v)
	}
}

func (g *seqGrads) scale(f float64) {
	g.each(
		func(m [][]float64) {
			for i := range m {
				for j := range m[i] {
					m[i][j] *= f
				}
			}
		},
		func(v []float64) {
			for i := range v {
				v[i] *= f
			}
		})
	g.bo *= f
}

func (g *seqGrads) clip(maxNorm float64) {
	var sq float64
	g.each(
		func(m [][]float64) {
			for i := range m {
				for j := range m[i] {
					sq += m[i][j] * m[i][j]
				}
			}
		},
		func(v []float64) {
			for i := range v {
				sq += v[i] * v[i]
			}
		})
	sq += g.bo * g.bo
	norm := math.Sqrt(sq)
	if norm > maxNorm {
		g.scale(maxNorm / norm)
	}
}

func (g *seqGrads) apply(w *seqWeights, lr float64) {
	applyMat := func(dst, grad [][]float64) {
		for i := range dst {
			for j := range dst[i] {
				dst[i][j] -= lr * grad[i][j]
			}
		}
	}
	applyVec := func(dst, grad []float64) {
		for i := range dst {
			dst[i] -= lr * grad[i]
		}
	}
	applyMat(w.Wz, g.wz)
	applyMat(w.Uz, g.uz)
	applyMat(w.Wr, g.wr)
	applyMat(w.Ur, g.ur)
	applyMat(w.Wh, g.wh)
	applyMat(w.Uh, g.uh)
	applyMat(w.Wa, g.wa)
	applyVec(w.Bz, g.bz)
	applyVec(w.Br, g.br)
	applyVec(w.Bh, g.bh)
	applyVec(w.Ba, g.ba)
	applyVec(w.Va, g.va)
	applyVec(w.Wo, g.wo)
	w.Bo -= lr * g.bo
}

func zeroMat(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}

func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(m))
	for i := range m {
		var sum float64
		for j := range v {
			sum += m[i][j] * v[j]
		}
		out[i] = sum
	}
	return out
}

// matVecT computes transpose(m) * v for a square matrix
func matVecT(m [][]float64, v []float64) []float64 {
	n := len(m)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[j] += m[i][j] * v[i]
		}
	}
	return out
}

func addVecs(vs ...[]float64) []float64 {
	out := make([]float64, len(vs[0]))
	for _, v := range vs {
		for i := range v {
			out[i] += v[i]
		}
	}
	return out
}

func applySigmoid(v []float64) {
	for i := range v {
		v[i] = 1.0 / (1.0 + math.Exp(-v[i]))
	}
}

func applyTanh(v []float64) {
	for i := range v {
		v[i] = math.Tanh(v[i])
	}
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
