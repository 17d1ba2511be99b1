// Package feature assembles the engineered input vector shared by the
// learned models: time-of-day and season encodings, blended weather, sun
// geometry, the physics estimate and lagged production history.
package feature

import (
	"math"
	"time"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/physics"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/weather"
)

// Names lists the feature vector layout. Order is part of the persisted
// model contract; append only.
var Names = []string{
	"hour_sin",
	"hour_cos",
	"day_of_year_sin",
	"day_of_year_cos",
	"sun_elevation",
	"sun_azimuth_sin",
	"sun_azimuth_cos",
	"cloud_cover",
	"temperature",
	"humidity",
	"wind_speed",
	"transmittance",
	"ghi",
	"physics_estimate",
	"production_yesterday",
	"production_same_hour_yesterday",
}

// Dim is the feature vector dimension
var Dim = len(Names)

// Lags carries production history looked up by the caller
type Lags struct {
	YesterdayTotalKWh    float64
	SameHourYesterdayKWh float64
}

// Vector builds the feature vector for one hour
func Vector(ts time.Time, wx weather.Blended, sun physics.SunPosition, physicsKWh float64, lags Lags) []float64 {
	hourAngle := 2 * math.Pi * float64(ts.Hour()) / 24.0
	doyAngle := 2 * math.Pi * float64(ts.YearDay()) / 365.0
	azRad := sun.AzimuthDeg * math.Pi / 180.0

	return []float64{
		math.Sin(hourAngle),
		math.Cos(hourAngle),
		math.Sin(doyAngle),
		math.Cos(doyAngle),
		sun.ElevationDeg,
		math.Sin(azRad),
		math.Cos(azRad),
		wx.CloudCover,
		wx.Temperature,
		wx.Humidity,
		wx.WindSpeed,
		wx.Transmittance,
		wx.GHI,
		physicsKWh,
		lags.YesterdayTotalKWh,
		lags.SameHourYesterdayKWh,
	}
}
