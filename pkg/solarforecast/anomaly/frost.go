// Package anomaly classifies hours that must not influence learning:
// shadow obstruction, frost, snow cover and inverter clipping. Detectors
// annotate predictions; they never mutate them.
package anomaly

import "math"

// Magnus formula coefficients for dew point over water
const (
	magnusA = 17.27
	magnusB = 237.7
)

// Frost is ruled out entirely above this ambient temperature
const frostCutoffC = 3.0

// FrostResult describes the frost risk for one hour
type FrostResult struct {
	DewPointC float64
	Risk      float64 // 0-1
	Flagged   bool
}

// DewPoint computes the dew point in Celsius from ambient temperature and
// relative humidity using the Magnus approximation.
func DewPoint(tempC, humidityPct float64) float64 {
	if humidityPct <= 0 {
		humidityPct = 0.1
	}
	if humidityPct > 100 {
		humidityPct = 100
	}
	gamma := math.Log(humidityPct/100) + magnusA*tempC/(magnusB+tempC)
	return magnusB * gamma / (magnusA - gamma)
}

// DetectFrost estimates the risk of frost on the panel surface. Risk rises
// as the dew point approaches the ambient temperature near freezing; wind
// keeps the surface above radiative-cooling temperatures and reduces the
// practical risk.
func DetectFrost(tempC, humidityPct, windMs float64) FrostResult {
	if tempC > frostCutoffC {
		return FrostResult{DewPointC: DewPoint(tempC, humidityPct)}
	}

	dp := DewPoint(tempC, humidityPct)
	margin := tempC - dp

	var base float64
	switch {
	case margin <= 1.0:
		base = 0.9
	case margin <= 2.0:
		base = 0.6
	case margin <= 3.0:
		base = 0.3
	default:
		base = 0.1
	}

	risk := base * windFrostFactor(windMs)
	return FrostResult{
		DewPointC: dp,
		Risk:      risk,
		Flagged:   risk >= 0.5,
	}
}

// windFrostFactor steps down frost risk with wind speed. Calm air lets the
// panel surface radiate below ambient; moving air does not.
func windFrostFactor(windMs float64) float64 {
	switch {
	case windMs <= 0.5:
		return 1.0
	case windMs <= 1.5:
		return 0.85
	case windMs <= 2.5:
		return 0.65
	case windMs <= 4.0:
		return 0.40
	case windMs <= 6.0:
		return 0.20
	default:
		return 0.05
	}
}
