package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/physics"
)

// synthesizeClearDays produces full-sun samples from a known true geometry
func synthesizeClearDays(days int, truth physics.Geometry, trueEff float64) []Sample {
	eng := physics.NewEngine(5.0, truth, physics.DefaultAlbedo, trueEff)

	var samples []Sample
	for d := 0; d < days; d++ {
		for hour := 8; hour <= 16; hour++ {
			// Sweep elevation and azimuth through a plausible daily arc,
			// shifted slightly per day for variety
			elev := 15.0 + 40.0*(1-absf(float64(hour)-12)/6) + float64(d%5)
			az := 120.0 + float64(hour-8)*15.0
			sun := physics.SunPosition{ElevationDeg: elev, AzimuthDeg: az}
			ir := physics.Irradiance{GHI: 700, DNI: 850, DHI: 100}

			samples = append(samples, Sample{
				Sun:        sun,
				Irradiance: ir,
				AmbientC:   20,
				WindMs:     2,
				ActualKWh:  eng.EstimatePower(ir, sun, 20, 2).PowerKWh,
			})
		}
	}
	return samples
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestFitRecoversTrueGeometry(t *testing.T) {
	truth := physics.Geometry{TiltDeg: 35, AzimuthDeg: 180}
	samples := synthesizeClearDays(30, truth, 0.88)

	l := NewLearner(5.0, physics.DefaultAlbedo, 20)
	prior := physics.Geometry{TiltDeg: 25, AzimuthDeg: 165}
	fit, err := l.Fit(prior, 0.92, samples)
	require.NoError(t, err)
	require.True(t, fit.Converged)

	assert.InDelta(t, truth.TiltDeg, fit.Geometry.TiltDeg, 2.0)
	assert.InDelta(t, truth.AzimuthDeg, fit.Geometry.AzimuthDeg, 2.0)
	assert.InDelta(t, 0.88, fit.Efficiency, 0.03)
	assert.Less(t, fit.RMSE, 0.05)
	assert.Greater(t, fit.Confidence, 0.5)
}

func TestFitInsufficientSamples(t *testing.T) {
	truth := physics.Geometry{TiltDeg: 35, AzimuthDeg: 180}
	samples := synthesizeClearDays(1, truth, 0.9)[:10]

	l := NewLearner(5.0, physics.DefaultAlbedo, 20)
	_, err := l.Fit(physics.Geometry{TiltDeg: 30, AzimuthDeg: 180}, 0.9, samples)
	assert.Error(t, err)
}

func TestFitAlreadyAtOptimumConverges(t *testing.T) {
	truth := physics.Geometry{TiltDeg: 35, AzimuthDeg: 180}
	samples := synthesizeClearDays(10, truth, 0.9)

	l := NewLearner(5.0, physics.DefaultAlbedo, 20)
	fit, err := l.Fit(truth, 0.9, samples)
	require.NoError(t, err)
	assert.True(t, fit.Converged)
	assert.InDelta(t, truth.TiltDeg, fit.Geometry.TiltDeg, 0.5)
}

func TestFitParameterClamps(t *testing.T) {
	truth := physics.Geometry{TiltDeg: 35, AzimuthDeg: 180}
	samples := synthesizeClearDays(10, truth, 0.9)

	l := NewLearner(5.0, physics.DefaultAlbedo, 20)
	fit, err := l.Fit(physics.Geometry{TiltDeg: 5, AzimuthDeg: 350}, 0.55, samples)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, fit.Geometry.TiltDeg, minTiltDeg)
	assert.LessOrEqual(t, fit.Geometry.TiltDeg, maxTiltDeg)
	assert.GreaterOrEqual(t, fit.Efficiency, minEfficiency)
	assert.LessOrEqual(t, fit.Efficiency, maxEfficiency)
}

func TestConfidenceGrowsWithSamples(t *testing.T) {
	truth := physics.Geometry{TiltDeg: 35, AzimuthDeg: 180}
	l := NewLearner(5.0, physics.DefaultAlbedo, 20)

	small, err := l.Fit(physics.Geometry{TiltDeg: 30, AzimuthDeg: 175}, 0.9, synthesizeClearDays(3, truth, 0.9))
	require.NoError(t, err)
	big, err := l.Fit(physics.Geometry{TiltDeg: 30, AzimuthDeg: 175}, 0.9, synthesizeClearDays(30, truth, 0.9))
	require.NoError(t, err)

	require.True(t, small.Converged)
	require.True(t, big.Converged)
	assert.Greater(t, big.Confidence, small.Confidence)
}

func TestAzimuthWrapping(t *testing.T) {
	assert.InDelta(t, 10, wrapAzimuth(370), 1e-9)
	assert.InDelta(t, 350, wrapAzimuth(-10), 1e-9)
	assert.InDelta(t, 20, azimuthDelta(10, 350), 1e-9)
	assert.InDelta(t, -20, azimuthDelta(350, 10), 1e-9)
}
