// Package model holds the learned estimators: the closed-form ridge
// regressor, the attention-augmented recurrent sequence model, and the
// hourly-profile fallback. All implement the Estimator contract consumed
// by the ensemble combiner.
package model

// Estimate is one model's opinion for one hour
type Estimate struct {
	ValueKWh   float64
	Confidence float64 // 0-1
}

// Estimator is the uniform contract for anything that can produce an
// hourly yield estimate from the engineered feature vector. The ensemble
// is agnostic to how many or which estimators are active.
type Estimator interface {
	Name() string
	Ready() bool
	ProduceEstimate(features []float64) (Estimate, error)
}

// Model names used as ensemble member keys and persistence identifiers
const (
	NamePhysics  = "physics"
	NameRidge    = "ridge"
	NameSequence = "sequence"
)
