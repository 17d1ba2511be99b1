package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// Load reads configuration from a YAML file, applies environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"panelGroups", len(cfg.PanelGroups),
		"weatherSources", len(cfg.Weather.Sources),
		"databasePath", cfg.Storage.DatabasePath,
		"cycleHour", cfg.Learning.CycleHour)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Site: SiteConfig{
			Albedo:   0.2,
			Timezone: "Local",
		},
		Weather: WeatherConfig{
			FetchTimeout:   30 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			TrustAlpha:     0.2,
			TrustAlphaFast: 0.4,
		},
		Learning: LearningConfig{
			MinRidgeSamples:      10,
			FullRidgeSamples:     50,
			MinSequenceDays:      30,
			MinGeometrySamples:   20,
			LookbackDays:         60,
			MaxAnomalousFraction: 0.25,
			CycleHour:            21,
			ForecastRefreshHour:  6,
			CycleTimeout:         20 * time.Minute,
			CloudBuckets:         []float64{25, 75, 100},
			HourBucketSize:       4,
		},
		Drift: DriftConfig{
			WarningRatio:     1.5,
			CriticalRatio:    2.0,
			CoverageFloor:    0.5,
			CUSUMThreshold:   5.0,
			CUSUMSlack:       0.5,
			BaselineDays:     90,
			PhysicsBoostDays: 7,
		},
		Storage: StorageConfig{
			RetentionDays: 365,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			MetricsPort:    9090,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Storage.DatabasePath = getEnvOrDefault("SOLARFORECAST_DB_PATH", cfg.Storage.DatabasePath)
	cfg.Site.Latitude = getFloatOrDefault("SOLARFORECAST_LATITUDE", cfg.Site.Latitude)
	cfg.Site.Longitude = getFloatOrDefault("SOLARFORECAST_LONGITUDE", cfg.Site.Longitude)
	cfg.Observability.MetricsPort = getIntOrDefault("SOLARFORECAST_METRICS_PORT", cfg.Observability.MetricsPort)
	cfg.Learning.CycleHour = getIntOrDefault("SOLARFORECAST_CYCLE_HOUR", cfg.Learning.CycleHour)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid float value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}
