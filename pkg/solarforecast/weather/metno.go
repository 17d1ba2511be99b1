package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// SourceMetNo is the config name for the MET Norway locationforecast API
const SourceMetNo = "metno"

const (
	metNoBaseURL = "https://api.met.no/weatherapi/locationforecast/2.0/compact"
	// The API requires an identifying user agent
	metNoUserAgent = "helioforecast/1.0 github.com/helioforecast/helioforecast"
)

// MetNoSource fetches hourly forecasts from MET Norway. It reports no
// irradiance; the blender covers that from other sources or the engine
// falls back to the clear-sky model.
type MetNoSource struct {
	latitude  float64
	longitude float64
	baseURL   string
	client    *http.Client
}

// NewMetNoSource creates a source for the given site
func NewMetNoSource(latitude, longitude float64) *MetNoSource {
	return &MetNoSource{
		latitude:  latitude,
		longitude: longitude,
		baseURL:   metNoBaseURL,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Name implements Source
func (s *MetNoSource) Name() string { return SourceMetNo }

type metNoResponse struct {
	Properties struct {
		Timeseries []struct {
			Time time.Time `json:"time"`
			Data struct {
				Instant struct {
					Details struct {
						AirTemperature    *float64 `json:"air_temperature"`
						CloudAreaFraction *float64 `json:"cloud_area_fraction"`
						RelativeHumidity  *float64 `json:"relative_humidity"`
						WindSpeed         *float64 `json:"wind_speed"`
					} `json:"details"`
				} `json:"instant"`
				NextHour *struct {
					Summary struct {
						SymbolCode string `json:"symbol_code"`
					} `json:"summary"`
					Details struct {
						PrecipitationAmount *float64 `json:"precipitation_amount"`
					} `json:"details"`
				} `json:"next_1_hours"`
			} `json:"data"`
		} `json:"timeseries"`
	} `json:"properties"`
}

// FetchHourly implements Source
func (s *MetNoSource) FetchHourly(ctx context.Context, start time.Time, hours int) ([]SourceRecord, error) {
	url := fmt.Sprintf("%s?lat=%.4f&lon=%.4f", s.baseURL, s.latitude, s.longitude)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %v", err)
	}
	req.Header.Set("User-Agent", metNoUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var payload metNoResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}

	end := start.Add(time.Duration(hours) * time.Hour)
	records := make([]SourceRecord, 0, hours)
	for _, entry := range payload.Properties.Timeseries {
		ts := entry.Time.UTC().Truncate(time.Hour)
		if ts.Before(start.Truncate(time.Hour)) || !ts.Before(end) {
			continue
		}
		details := entry.Data.Instant.Details
		rec := SourceRecord{
			Timestamp:   ts,
			CloudCover:  details.CloudAreaFraction,
			Temperature: details.AirTemperature,
			Humidity:    details.RelativeHumidity,
			WindSpeed:   details.WindSpeed,
		}
		if nh := entry.Data.NextHour; nh != nil {
			rec.Precipitation = nh.Details.PrecipitationAmount
			rec.ConditionCode = normalizeSymbolCode(nh.Summary.SymbolCode)
		}
		records = append(records, rec)
	}
	klog.V(3).InfoS("Fetched hourly forecast", "source", s.Name(), "records", len(records))
	return records, nil
}

// normalizeSymbolCode maps MET Norway symbol codes onto WMO-style numeric
// codes where the downstream detectors care, and strips day/night suffixes
// otherwise.
func normalizeSymbolCode(symbol string) string {
	if symbol == "" {
		return ""
	}
	base := symbol
	if i := strings.IndexByte(base, '_'); i >= 0 {
		base = base[:i]
	}
	switch {
	case strings.Contains(base, "snow") || strings.Contains(base, "sleet"):
		return "73" // Snow for the snow detector
	case strings.Contains(base, "fog"):
		return "45"
	default:
		return base
	}
}

// NewSource builds a weather source by its configured name
func NewSource(name string, latitude, longitude float64) (Source, error) {
	switch name {
	case SourceOpenMeteo:
		return NewOpenMeteoSource(latitude, longitude), nil
	case SourceMetNo:
		return NewMetNoSource(latitude, longitude), nil
	default:
		return nil, fmt.Errorf("unknown weather source %q", name)
	}
}
