package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// SourceOpenMeteo is the config name for the Open-Meteo forecast API
const SourceOpenMeteo = "openmeteo"

const openMeteoBaseURL = "https://api.open-meteo.com/v1/forecast"

var openMeteoHourlyFields = []string{
	"cloud_cover",
	"temperature_2m",
	"relative_humidity_2m",
	"wind_speed_10m",
	"visibility",
	"precipitation",
	"shortwave_radiation",
	"direct_normal_irradiance",
	"diffuse_radiation",
	"weather_code",
}

// OpenMeteoSource fetches hourly forecasts from Open-Meteo, the only
// source here that reports irradiance components directly.
type OpenMeteoSource struct {
	latitude  float64
	longitude float64
	baseURL   string
	client    *http.Client
}

// NewOpenMeteoSource creates a source for the given site
func NewOpenMeteoSource(latitude, longitude float64) *OpenMeteoSource {
	return &OpenMeteoSource{
		latitude:  latitude,
		longitude: longitude,
		baseURL:   openMeteoBaseURL,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Name implements Source
func (s *OpenMeteoSource) Name() string { return SourceOpenMeteo }

type openMeteoResponse struct {
	Hourly struct {
		Time          []string  `json:"time"`
		CloudCover    []float64 `json:"cloud_cover"`
		Temperature   []float64 `json:"temperature_2m"`
		Humidity      []float64 `json:"relative_humidity_2m"`
		WindSpeed     []float64 `json:"wind_speed_10m"`
		Visibility    []float64 `json:"visibility"`
		Precipitation []float64 `json:"precipitation"`
		GHI           []float64 `json:"shortwave_radiation"`
		DNI           []float64 `json:"direct_normal_irradiance"`
		DHI           []float64 `json:"diffuse_radiation"`
		WeatherCode   []int     `json:"weather_code"`
	} `json:"hourly"`
}

// FetchHourly implements Source
func (s *OpenMeteoSource) FetchHourly(ctx context.Context, start time.Time, hours int) ([]SourceRecord, error) {
	days := (hours + 23) / 24
	if start.UTC().Hour() > 0 {
		days++ // The API returns whole days; cover the tail of the horizon
	}

	params := url.Values{}
	params.Set("latitude", fmt.Sprintf("%.4f", s.latitude))
	params.Set("longitude", fmt.Sprintf("%.4f", s.longitude))
	params.Set("hourly", strings.Join(openMeteoHourlyFields, ","))
	params.Set("forecast_days", fmt.Sprintf("%d", days))
	params.Set("timezone", "UTC")
	params.Set("wind_speed_unit", "ms")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %v", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var payload openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}

	end := start.Add(time.Duration(hours) * time.Hour)
	records := make([]SourceRecord, 0, hours)
	for i, stamp := range payload.Hourly.Time {
		ts, err := time.Parse("2006-01-02T15:04", stamp)
		if err != nil {
			klog.V(3).InfoS("Skipping unparsable timestamp", "source", s.Name(), "value", stamp)
			continue
		}
		ts = ts.UTC()
		if ts.Before(start.Truncate(time.Hour)) || !ts.Before(end) {
			continue
		}
		rec := SourceRecord{
			Timestamp:     ts,
			CloudCover:    indexPtr(payload.Hourly.CloudCover, i),
			Temperature:   indexPtr(payload.Hourly.Temperature, i),
			Humidity:      indexPtr(payload.Hourly.Humidity, i),
			WindSpeed:     indexPtr(payload.Hourly.WindSpeed, i),
			VisibilityM:   indexPtr(payload.Hourly.Visibility, i),
			Precipitation: indexPtr(payload.Hourly.Precipitation, i),
			GHI:           indexPtr(payload.Hourly.GHI, i),
			DNI:           indexPtr(payload.Hourly.DNI, i),
			DHI:           indexPtr(payload.Hourly.DHI, i),
		}
		if i < len(payload.Hourly.WeatherCode) {
			rec.ConditionCode = fmt.Sprintf("%d", payload.Hourly.WeatherCode[i])
		}
		records = append(records, rec)
	}
	klog.V(3).InfoS("Fetched hourly forecast", "source", s.Name(), "records", len(records))
	return records, nil
}

func indexPtr(values []float64, i int) *float64 {
	if i >= len(values) {
		return nil
	}
	v := values[i]
	return &v
}
