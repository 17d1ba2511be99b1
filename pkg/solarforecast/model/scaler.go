package model

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes features to zero mean and unit variance. Fitted state
// is persisted alongside the model weights so predictions after a restart
// use the same transform as training.
type Scaler struct {
	Means  []float64 `json:"means"`
	Stds   []float64 `json:"stds"`
	Fitted bool      `json:"fitted"`
}

// Fit computes per-column mean and standard deviation
func (s *Scaler) Fit(x [][]float64) error {
	if len(x) == 0 {
		return fmt.Errorf("cannot fit scaler on empty data")
	}
	dim := len(x[0])
	s.Means = make([]float64, dim)
	s.Stds = make([]float64, dim)

	col := make([]float64, len(x))
	for j := 0; j < dim; j++ {
		for i := range x {
			col[i] = x[i][j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		s.Means[j] = mean
		if std < 1e-9 {
			std = 1.0 // Constant column, leave it centered only
		}
		s.Stds[j] = std
	}
	s.Fitted = true
	return nil
}

// Transform standardizes one vector in place-safe copy
func (s *Scaler) Transform(v []float64) []float64 {
	if !s.Fitted || len(v) != len(s.Means) {
		out := make([]float64, len(v))
		copy(out, v)
		return out
	}
	out := make([]float64, len(v))
	for j := range v {
		out[j] = (v[j] - s.Means[j]) / s.Stds[j]
	}
	return out
}

// TransformAll standardizes a full design matrix
func (s *Scaler) TransformAll(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i := range x {
		out[i] = s.Transform(x[i])
	}
	return out
}
