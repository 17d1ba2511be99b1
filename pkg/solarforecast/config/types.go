package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for the solar forecast engine
type Config struct {
	Site          SiteConfig          `yaml:"site"`
	PanelGroups   []PanelGroup        `yaml:"panelGroups"`
	Weather       WeatherConfig       `yaml:"weather"`
	Learning      LearningConfig      `yaml:"learning"`
	Drift         DriftConfig         `yaml:"drift"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SiteConfig describes the installation location
type SiteConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Albedo    float64 `yaml:"albedo"`    // Ground reflectivity, 0.2 typical for grass/soil
	Timezone  string  `yaml:"timezone"`
}

// PanelGroup describes one group of panels sharing geometry and capacity
type PanelGroup struct {
	Name         string  `yaml:"name"`
	CapacityKWp  float64 `yaml:"capacityKwp"`
	TiltDeg      float64 `yaml:"tiltDeg"`
	AzimuthDeg   float64 `yaml:"azimuthDeg"`
	EnergySensor string  `yaml:"energySensor"` // Optional dedicated sensor reference
}

// WeatherConfig holds weather source and blending settings
type WeatherConfig struct {
	Sources        []string      `yaml:"sources"`
	FetchTimeout   time.Duration `yaml:"fetchTimeout"`
	MaxRetries     int           `yaml:"maxRetries"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	TrustAlpha     float64       `yaml:"trustAlpha"`     // Smoothing factor for source trust updates
	TrustAlphaFast float64       `yaml:"trustAlphaFast"` // Accelerated alpha when error change is large
}

// LearningConfig holds model training and calibration settings
type LearningConfig struct {
	MinRidgeSamples      int           `yaml:"minRidgeSamples"`      // Hard floor for ridge activation
	FullRidgeSamples     int           `yaml:"fullRidgeSamples"`     // Samples at which ridge confidence saturates
	MinSequenceDays      int           `yaml:"minSequenceDays"`      // History required before the sequence model is trusted
	MinGeometrySamples   int           `yaml:"minGeometrySamples"`   // Valid daily samples before geometry fitting runs
	LookbackDays         int           `yaml:"lookbackDays"`
	MaxAnomalousFraction float64       `yaml:"maxAnomalousFraction"` // Day skipped when more hours than this are excluded
	CycleHour            int           `yaml:"cycleHour"`            // Local hour for the nightly learning cycle
	ForecastRefreshHour  int           `yaml:"forecastRefreshHour"`  // Local hour for the morning forecast refresh
	CycleTimeout         time.Duration `yaml:"cycleTimeout"`
	CloudBuckets         []float64     `yaml:"cloudBuckets"` // Upper bounds (%) of cloud-cover buckets
	HourBucketSize       int           `yaml:"hourBucketSize"`
}

// DriftConfig holds drift detection thresholds
type DriftConfig struct {
	WarningRatio     float64 `yaml:"warningRatio"`  // Current/baseline MAE ratio for Stable->Warning
	CriticalRatio    float64 `yaml:"criticalRatio"` // Ratio for Warning->Critical
	CoverageFloor    float64 `yaml:"coverageFloor"` // Min fraction of predictions within +-20%
	CUSUMThreshold   float64 `yaml:"cusumThreshold"`
	CUSUMSlack       float64 `yaml:"cusumSlack"`
	BaselineDays     int     `yaml:"baselineDays"`
	PhysicsBoostDays int     `yaml:"physicsBoostDays"` // Cap on physics-boost response duration
}

// StorageConfig holds persistence settings
type StorageConfig struct {
	DatabasePath  string `yaml:"databasePath"`
	RetentionDays int    `yaml:"retentionDays"`
}

// ObservabilityConfig holds monitoring settings
type ObservabilityConfig struct {
	MetricsEnabled bool `yaml:"metricsEnabled"`
	MetricsPort    int  `yaml:"metricsPort"`
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if c.Site.Latitude < -90 || c.Site.Latitude > 90 {
		return fmt.Errorf("site latitude must be in [-90, 90], got %f", c.Site.Latitude)
	}
	if c.Site.Longitude < -180 || c.Site.Longitude > 180 {
		return fmt.Errorf("site longitude must be in [-180, 180], got %f", c.Site.Longitude)
	}
	if c.Site.Albedo < 0 || c.Site.Albedo > 1 {
		return fmt.Errorf("albedo must be in [0, 1], got %f", c.Site.Albedo)
	}

	if len(c.PanelGroups) == 0 {
		return fmt.Errorf("at least one panel group is required")
	}
	seen := make(map[string]bool)
	for i, pg := range c.PanelGroups {
		if pg.Name == "" {
			return fmt.Errorf("panel group at index %d has no name", i)
		}
		if seen[pg.Name] {
			return fmt.Errorf("duplicate panel group name %q", pg.Name)
		}
		seen[pg.Name] = true
		if pg.CapacityKWp <= 0 {
			return fmt.Errorf("capacity for panel group %s must be positive", pg.Name)
		}
		if pg.TiltDeg < 0 || pg.TiltDeg > 90 {
			return fmt.Errorf("tilt for panel group %s must be in [0, 90]", pg.Name)
		}
		if pg.AzimuthDeg < 0 || pg.AzimuthDeg >= 360 {
			return fmt.Errorf("azimuth for panel group %s must be in [0, 360)", pg.Name)
		}
	}

	if len(c.Weather.Sources) == 0 {
		return fmt.Errorf("at least one weather source is required")
	}
	if c.Weather.TrustAlpha <= 0 || c.Weather.TrustAlpha > 1 {
		return fmt.Errorf("weather trust alpha must be in (0, 1], got %f", c.Weather.TrustAlpha)
	}

	if c.Learning.MinRidgeSamples <= 0 {
		return fmt.Errorf("minimum ridge samples must be positive")
	}
	if c.Learning.MaxAnomalousFraction <= 0 || c.Learning.MaxAnomalousFraction > 1 {
		return fmt.Errorf("max anomalous fraction must be in (0, 1], got %f", c.Learning.MaxAnomalousFraction)
	}
	if c.Learning.HourBucketSize <= 0 || 24%c.Learning.HourBucketSize != 0 {
		return fmt.Errorf("hour bucket size must divide 24, got %d", c.Learning.HourBucketSize)
	}
	for i := 1; i < len(c.Learning.CloudBuckets); i++ {
		if c.Learning.CloudBuckets[i] <= c.Learning.CloudBuckets[i-1] {
			return fmt.Errorf("cloud bucket bounds must be strictly increasing")
		}
	}

	if c.Drift.WarningRatio <= 1 {
		return fmt.Errorf("drift warning ratio must exceed 1, got %f", c.Drift.WarningRatio)
	}
	if c.Drift.CriticalRatio <= c.Drift.WarningRatio {
		return fmt.Errorf("drift critical ratio must exceed warning ratio")
	}
	if c.Drift.CoverageFloor <= 0 || c.Drift.CoverageFloor >= 1 {
		return fmt.Errorf("coverage floor must be in (0, 1), got %f", c.Drift.CoverageFloor)
	}

	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}

	return nil
}

// GroupByName returns the panel group with the given name, or nil
func (c *Config) GroupByName(name string) *PanelGroup {
	for i := range c.PanelGroups {
		if c.PanelGroups[i].Name == name {
			return &c.PanelGroups[i]
		}
	}
	return nil
}
