package physics

import (
	"math"
	"time"
)

// SunPositionAt computes solar elevation and azimuth for a location and time
// using the standard declination / hour-angle formulation. Accuracy is well
// under a degree, which is plenty for irradiance modelling.
func SunPositionAt(t time.Time, latitudeDeg, longitudeDeg float64) SunPosition {
	utc := t.UTC()
	dayOfYear := float64(utc.YearDay())
	hourUTC := float64(utc.Hour()) + float64(utc.Minute())/60.0 + float64(utc.Second())/3600.0

	// Solar declination (Cooper's equation)
	declDeg := 23.45 * math.Sin(radians(360.0/365.0*(284.0+dayOfYear)))
	decl := radians(declDeg)

	// Equation of time in minutes
	b := radians(360.0 / 364.0 * (dayOfYear - 81.0))
	eot := 9.87*math.Sin(2*b) - 7.53*math.Cos(b) - 1.5*math.Sin(b)

	// True solar time and hour angle
	solarTime := hourUTC + longitudeDeg/15.0 + eot/60.0
	hourAngle := radians(15.0 * (solarTime - 12.0))

	lat := radians(latitudeDeg)

	sinElev := math.Sin(lat)*math.Sin(decl) + math.Cos(lat)*math.Cos(decl)*math.Cos(hourAngle)
	sinElev = math.Max(-1.0, math.Min(1.0, sinElev))
	elevation := math.Asin(sinElev)

	// Azimuth measured clockwise from north
	cosAz := (math.Sin(decl) - math.Sin(elevation)*math.Sin(lat)) /
		(math.Cos(elevation) * math.Cos(lat))
	cosAz = math.Max(-1.0, math.Min(1.0, cosAz))
	azimuth := math.Acos(cosAz)
	if hourAngle > 0 {
		azimuth = 2*math.Pi - azimuth
	}

	return SunPosition{
		ElevationDeg: degrees(elevation),
		AzimuthDeg:   degrees(azimuth),
	}
}
