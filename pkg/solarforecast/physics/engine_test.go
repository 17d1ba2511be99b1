package physics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestEngine() *Engine {
	return NewEngine(10.0, Geometry{TiltDeg: 30, AzimuthDeg: 180}, 0.2, 0.9)
}

func TestAngleOfIncidence(t *testing.T) {
	g := Geometry{TiltDeg: 30, AzimuthDeg: 180}

	// Sun directly along the panel normal: elevation 60, azimuth 180 for a
	// 30-degree south-facing tilt.
	aoi := AngleOfIncidence(SunPosition{ElevationDeg: 60, AzimuthDeg: 180}, g)
	assert.InDelta(t, 0.0, aoi, 0.01)

	// Sun below horizon
	aoi = AngleOfIncidence(SunPosition{ElevationDeg: -5, AzimuthDeg: 180}, g)
	assert.Equal(t, 90.0, aoi)

	// Sun behind the panel should give AOI > 90
	aoi = AngleOfIncidence(SunPosition{ElevationDeg: 10, AzimuthDeg: 0}, g)
	assert.Greater(t, aoi, 90.0)
}

func TestPOAIrradianceComponents(t *testing.T) {
	e := newTestEngine()
	ir := Irradiance{GHI: 600, DNI: 700, DHI: 150}
	sun := SunPosition{ElevationDeg: 45, AzimuthDeg: 180}

	poa := e.POAIrradiance(ir, sun)
	assert.Greater(t, poa.Beam, 0.0)
	assert.Greater(t, poa.Diffuse, 0.0)
	assert.Greater(t, poa.Ground, 0.0)
	assert.InDelta(t, poa.Total, poa.Beam+poa.Diffuse+poa.Ground, 1e-9)
}

func TestPOAIrradianceBelowHorizon(t *testing.T) {
	e := newTestEngine()
	ir := Irradiance{GHI: 20, DNI: 0, DHI: 20}

	// Below -2 degrees nothing is captured
	poa := e.POAIrradiance(ir, SunPosition{ElevationDeg: -3, AzimuthDeg: 90})
	assert.Equal(t, 0.0, poa.Total)

	// Just below the horizon some diffuse light remains
	poa = e.POAIrradiance(ir, SunPosition{ElevationDeg: -1, AzimuthDeg: 90})
	assert.Greater(t, poa.Total, 0.0)
	assert.Equal(t, 0.0, poa.Beam)
}

func TestPOAIrradianceInvalidInput(t *testing.T) {
	e := newTestEngine()
	sun := SunPosition{ElevationDeg: 45, AzimuthDeg: 180}

	poa := e.POAIrradiance(Irradiance{GHI: -10, DNI: 500, DHI: 100}, sun)
	assert.Equal(t, 0.0, poa.Total)

	poa = e.POAIrradiance(Irradiance{GHI: 2000, DNI: 500, DHI: 100}, sun)
	assert.Equal(t, 0.0, poa.Total)
}

func TestCellTemperature(t *testing.T) {
	// No irradiance: cell equals ambient
	assert.Equal(t, 20.0, CellTemperature(20.0, 0, 2.0))

	// At NOCT conditions and calm air the rise is NOCT - NOCT ambient
	calm := CellTemperature(20.0, NOCTIrradiance, 1.0)
	assert.InDelta(t, 45.0, calm, 0.01)

	// Wind cools the cell
	windy := CellTemperature(20.0, NOCTIrradiance, 8.0)
	assert.Less(t, windy, calm)
	assert.Greater(t, windy, 20.0)
}

func TestTemperatureCorrection(t *testing.T) {
	// At STC the correction is unity
	assert.InDelta(t, 1.0, TemperatureCorrection(25.0), 1e-9)

	// Hot cells produce less, cold cells produce more
	assert.Less(t, TemperatureCorrection(60.0), 1.0)
	assert.Greater(t, TemperatureCorrection(0.0), 1.0)

	// Clamped at the extremes
	assert.Equal(t, 0.5, TemperatureCorrection(1000.0))
	assert.Equal(t, 1.2, TemperatureCorrection(-1000.0))
}

func TestEstimatePower(t *testing.T) {
	e := newTestEngine()
	ir := Irradiance{GHI: 700, DNI: 800, DHI: 120}
	sun := SunPosition{ElevationDeg: 50, AzimuthDeg: 180}

	result := e.EstimatePower(ir, sun, 20.0, 3.0)
	assert.Greater(t, result.PowerKWh, 0.0)
	assert.False(t, result.ReducedConfidence)

	// Higher ambient temperature should lower the yield
	hot := e.EstimatePower(ir, sun, 38.0, 3.0)
	assert.Less(t, hot.PowerKWh, result.PowerKWh)
}

func TestEstimatePowerSoftFail(t *testing.T) {
	e := newTestEngine()
	sun := SunPosition{ElevationDeg: 50, AzimuthDeg: 180}

	result := e.EstimatePower(Irradiance{GHI: math.NaN(), DNI: 500, DHI: 100}, sun, 20.0, 3.0)
	assert.Equal(t, 0.0, result.PowerKWh)
	assert.True(t, result.ReducedConfidence)

	result = e.EstimatePower(Irradiance{GHI: 600, DNI: 500, DHI: 100}, sun, math.NaN(), 3.0)
	assert.Greater(t, result.PowerKWh, 0.0)
	assert.True(t, result.ReducedConfidence)
}

func TestTheoreticalMax(t *testing.T) {
	e := newTestEngine()

	assert.Equal(t, 0.0, e.TheoreticalMax(SunPosition{ElevationDeg: -10}))

	noon := e.TheoreticalMax(SunPosition{ElevationDeg: 60, AzimuthDeg: 180})
	morning := e.TheoreticalMax(SunPosition{ElevationDeg: 15, AzimuthDeg: 110})
	assert.Greater(t, noon, morning)
	assert.LessOrEqual(t, noon, 10.0) // Cannot exceed nameplate capacity
}

func TestSunPositionAt(t *testing.T) {
	// Solar noon in Berlin around the summer solstice: high southern sun
	noon := time.Date(2025, 6, 21, 11, 0, 0, 0, time.UTC)
	pos := SunPositionAt(noon, 52.5, 13.4)
	assert.Greater(t, pos.ElevationDeg, 55.0)
	assert.InDelta(t, 180.0, pos.AzimuthDeg, 25.0)

	// Midnight: sun below horizon
	midnight := time.Date(2025, 6, 21, 23, 0, 0, 0, time.UTC)
	pos = SunPositionAt(midnight, 52.5, 13.4)
	assert.Less(t, pos.ElevationDeg, 0.0)

	// Winter noon is much lower than summer noon
	winter := SunPositionAt(time.Date(2025, 12, 21, 11, 0, 0, 0, time.UTC), 52.5, 13.4)
	assert.Less(t, winter.ElevationDeg, 20.0)
	assert.Greater(t, winter.ElevationDeg, 5.0)
}
