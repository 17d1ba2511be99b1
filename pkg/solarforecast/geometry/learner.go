// Package geometry learns the real panel orientation and overall
// efficiency of an installation from observed production. Configured tilt
// and azimuth are almost always a little wrong; fitting them against clear
// hours removes a systematic bias from every physics estimate.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/physics"
)

// Parameter clamps and step tolerances for the fit
const (
	minTiltDeg    = 0.0
	maxTiltDeg    = 90.0
	minEfficiency = 0.5
	maxEfficiency = 1.0

	tiltToleranceDeg = 0.05
	azToleranceDeg   = 0.05
	effTolerance     = 0.001

	jacobianStepDeg = 0.1
	jacobianStepEff = 0.001
)

// Sample is one clear, non-anomalous hour used for fitting
type Sample struct {
	Sun        physics.SunPosition
	Irradiance physics.Irradiance
	AmbientC   float64
	WindMs     float64
	ActualKWh  float64
}

// Fit is the result of one calibration run
type Fit struct {
	Geometry   physics.Geometry
	Efficiency float64
	Confidence float64
	Converged  bool
	Iterations int
	RMSE       float64
	Samples    int
}

// Learner fits tilt, azimuth and efficiency by damped least squares
// (Levenberg-Marquardt) against observed production.
type Learner struct {
	capacityKWp   float64
	albedo        float64
	minSamples    int
	maxIterations int
	// Confidence saturates at this sample count
	fullSamples int
}

// NewLearner creates a geometry learner for one panel group
func NewLearner(capacityKWp, albedo float64, minSamples int) *Learner {
	if minSamples <= 0 {
		minSamples = 20
	}
	return &Learner{
		capacityKWp:   capacityKWp,
		albedo:        albedo,
		minSamples:    minSamples,
		maxIterations: 50,
		fullSamples:   minSamples * 5,
	}
}

func (l *Learner) predict(tilt, az, eff float64, s Sample) float64 {
	eng := physics.NewEngine(l.capacityKWp, physics.Geometry{TiltDeg: tilt, AzimuthDeg: az}, l.albedo, eff)
	return eng.EstimatePower(s.Irradiance, s.Sun, s.AmbientC, s.WindMs).PowerKWh
}

func (l *Learner) sse(tilt, az, eff float64, samples []Sample) float64 {
	var sum float64
	for _, s := range samples {
		r := l.predict(tilt, az, eff, s) - s.ActualKWh
		sum += r * r
	}
	return sum
}

// Fit runs the optimizer starting from the prior geometry. On
// non-convergence the returned fit carries Converged=false and the prior
// parameters unchanged; the caller keeps whatever it had.
func (l *Learner) Fit(prior physics.Geometry, priorEff float64, samples []Sample) (Fit, error) {
	if len(samples) < l.minSamples {
		return Fit{}, fmt.Errorf("insufficient samples for geometry fit: %d < %d", len(samples), l.minSamples)
	}
	if priorEff <= 0 {
		priorEff = physics.DefaultSystemEff
	}

	tilt, az, eff := prior.TiltDeg, prior.AzimuthDeg, priorEff
	lambda := 1e-2
	currentSSE := l.sse(tilt, az, eff, samples)
	converged := false
	improved := false
	iterations := 0

	n := len(samples)
	residuals := mat.NewVecDense(n, nil)
	jac := mat.NewDense(n, 3, nil)

	for iter := 0; iter < l.maxIterations; iter++ {
		iterations = iter + 1

		for i, s := range samples {
			base := l.predict(tilt, az, eff, s)
			residuals.SetVec(i, base-s.ActualKWh)
			jac.Set(i, 0, (l.predict(tilt+jacobianStepDeg, az, eff, s)-base)/jacobianStepDeg)
			jac.Set(i, 1, (l.predict(tilt, az+jacobianStepDeg, eff, s)-base)/jacobianStepDeg)
			jac.Set(i, 2, (l.predict(tilt, az, eff+jacobianStepEff, s)-base)/jacobianStepEff)
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var jtr mat.VecDense
		jtr.MulVec(jac.T(), residuals)

		// Inner loop: raise damping until a step actually improves the fit
		stepped := false
		for try := 0; try < 8; try++ {
			var damped mat.Dense
			damped.CloneFrom(&jtj)
			for j := 0; j < 3; j++ {
				damped.Set(j, j, damped.At(j, j)*(1+lambda)+1e-12)
			}

			var delta mat.VecDense
			if err := delta.SolveVec(&damped, &jtr); err != nil {
				lambda *= 10
				continue
			}

			newTilt := clamp(tilt-delta.AtVec(0), minTiltDeg, maxTiltDeg)
			newAz := wrapAzimuth(az - delta.AtVec(1))
			newEff := clamp(eff-delta.AtVec(2), minEfficiency, maxEfficiency)

			newSSE := l.sse(newTilt, newAz, newEff, samples)
			if newSSE < currentSSE {
				dTilt := math.Abs(newTilt - tilt)
				dAz := math.Abs(azimuthDelta(newAz, az))
				dEff := math.Abs(newEff - eff)
				tilt, az, eff = newTilt, newAz, newEff
				currentSSE = newSSE
				lambda = math.Max(lambda/10, 1e-9)
				stepped = true
				improved = true

				if dTilt < tiltToleranceDeg && dAz < azToleranceDeg && dEff < effTolerance {
					converged = true
				}
				break
			}
			lambda *= 10
		}

		if converged {
			break
		}
		if !stepped {
			// Damping exhausted without any improvement: at a minimum if we
			// made progress earlier, otherwise genuinely stalled
			converged = improved
			break
		}
	}

	rmse := math.Sqrt(currentSSE / float64(n))

	if !converged {
		klog.InfoS("Geometry calibration stalled, keeping prior",
			"samples", n, "iterations", iterations, "rmse", rmse)
		return Fit{
			Geometry:   prior,
			Efficiency: priorEff,
			Converged:  false,
			Iterations: iterations,
			RMSE:       rmse,
			Samples:    n,
		}, nil
	}

	fit := Fit{
		Geometry:   physics.Geometry{TiltDeg: tilt, AzimuthDeg: az},
		Efficiency: eff,
		Converged:  true,
		Iterations: iterations,
		RMSE:       rmse,
		Samples:    n,
		Confidence: l.confidence(rmse, samples),
	}
	klog.V(2).InfoS("Geometry fit converged",
		"tilt", tilt, "azimuth", az, "efficiency", eff,
		"rmse", rmse, "iterations", iterations, "confidence", fit.Confidence)
	return fit, nil
}

// confidence combines residual size relative to typical production with a
// sample-count ramp. Low-confidence fits are down-weighted by the caller,
// not discarded.
func (l *Learner) confidence(rmse float64, samples []Sample) float64 {
	var meanActual float64
	for _, s := range samples {
		meanActual += s.ActualKWh
	}
	meanActual /= float64(len(samples))
	quality := 1.0
	if meanActual > 1e-9 {
		quality = 1.0 / (1.0 + rmse/meanActual)
	}

	ramp := float64(len(samples)) / float64(l.fullSamples)
	if ramp > 1 {
		ramp = 1
	}
	return quality * ramp
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func wrapAzimuth(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// azimuthDelta returns the signed smallest angle between two azimuths
func azimuthDelta(a, b float64) float64 {
	d := math.Mod(a-b+540, 360) - 180
	return d
}
