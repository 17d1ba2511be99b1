package weather

import (
	"time"
)

// CloudBucket classifies an hour by cloud cover for trust and ensemble keying
type CloudBucket string

const (
	BucketClear        CloudBucket = "clear"
	BucketPartlyCloudy CloudBucket = "partly_cloudy"
	BucketOvercast     CloudBucket = "overcast"
)

// FogLevel classifies visibility-driven fog density
type FogLevel string

const (
	FogNone  FogLevel = "none"
	FogLight FogLevel = "light"
	FogHeavy FogLevel = "heavy"
)

// Fog visibility thresholds in meters. The heavy bound is half-open: exactly
// 1000 m is light fog, 999 m is heavy.
const (
	HeavyFogVisibilityM = 1000.0
	LightFogVisibilityM = 5000.0
)

// Transmittance multipliers applied to irradiance in the physics path
const (
	heavyFogTransmittance = 0.45
	lightFogTransmittance = 0.75
)

// SourceRecord is one hour of forecast data from a single weather source.
// Nil fields mean the source did not report that value for the hour.
type SourceRecord struct {
	Timestamp     time.Time
	CloudCover    *float64 // percent 0-100
	Temperature   *float64 // Celsius
	Humidity      *float64 // percent 0-100
	WindSpeed     *float64 // m/s
	VisibilityM   *float64 // meters
	Precipitation *float64 // mm/h
	GHI           *float64 // W/m2
	DNI           *float64 // W/m2
	DHI           *float64 // W/m2
	ConditionCode string   // provider condition string ("snow", "fog", ...)
}

// Blended is the merged hourly forecast used by the rest of the engine
type Blended struct {
	Timestamp     time.Time
	CloudCover    float64
	Temperature   float64
	Humidity      float64
	WindSpeed     float64
	VisibilityM   float64
	Precipitation float64
	GHI           float64
	DNI           float64
	DHI           float64
	ConditionCode string
	Fog           FogLevel
	Transmittance float64 // Multiplicative irradiance attenuation from fog
	Stale         bool    // True when served from the last-good cache
	SourceCount   int     // Number of sources that contributed
}

// BucketFor maps a cloud cover percentage onto a cloud bucket
func BucketFor(cloudCover float64) CloudBucket {
	switch {
	case cloudCover < 25:
		return BucketClear
	case cloudCover < 75:
		return BucketPartlyCloudy
	default:
		return BucketOvercast
	}
}

// ClassifyFog maps visibility in meters onto a fog level. The heavy/light
// boundary is half-open: visibility of exactly 1000 m is light fog.
func ClassifyFog(visibilityM float64) FogLevel {
	switch {
	case visibilityM < HeavyFogVisibilityM:
		return FogHeavy
	case visibilityM < LightFogVisibilityM:
		return FogLight
	default:
		return FogNone
	}
}

// FogTransmittance returns the irradiance attenuation factor for a fog level
func FogTransmittance(level FogLevel) float64 {
	switch level {
	case FogHeavy:
		return heavyFogTransmittance
	case FogLight:
		return lightFogTransmittance
	default:
		return 1.0
	}
}
