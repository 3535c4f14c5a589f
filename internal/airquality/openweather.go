package airquality

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aqmon/aqi-pipeline/internal/registry"
)

// Client abstracts the upstream air quality API for the collector service.
type Client interface {
	FetchLocation(ctx context.Context, loc registry.Location) (Measurement, error)
	Usage() QuotaUsage
}

// OpenWeatherClient fetches air pollution readings from the OpenWeatherMap
// air_pollution endpoint, one authenticated request per location.
type OpenWeatherClient struct {
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	quota   *CallQuota
}

// NewOpenWeatherClient creates a client with its own circuit breaker. quota
// is shared across all locations of a run and across runs within a day.
func NewOpenWeatherClient(httpClient *http.Client, apiKey, baseURL string, backoff BackoffConfig, quota *CallQuota) *OpenWeatherClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweather-air-pollution",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	return &OpenWeatherClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpCfg: HTTPClientConfig{
			Client:  httpClient,
			Backoff: backoff,
		},
		circuit: cb,
		quota:   quota,
	}
}

// Usage reports the daily call budget consumed so far.
func (c *OpenWeatherClient) Usage() QuotaUsage {
	return c.quota.Usage()
}

// FetchLocation issues one authenticated request for the location's
// coordinates and returns the parsed measurement. Transient failures are
// retried with backoff; auth, quota and malformed-payload failures are not.
func (c *OpenWeatherClient) FetchLocation(ctx context.Context, loc registry.Location) (Measurement, error) {
	if c.apiKey == "" {
		return Measurement{}, fmt.Errorf("%w: api key not configured", ErrUnauthorized)
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("lat", fmt.Sprintf("%f", loc.Latitude))
		values.Set("lon", fmt.Sprintf("%f", loc.Longitude))
		values.Set("appid", c.apiKey)

		u := fmt.Sprintf("%s/air_pollution?%s", c.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, c.httpCfg, c.circuit, c.quota.Reserve, buildRequest)
	if err != nil {
		return Measurement{}, err
	}
	defer resp.Body.Close()

	var payload airPollutionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Measurement{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return parseAirPollution(payload, loc)
}

// airPollutionResponse mirrors the upstream payload. Pointer fields
// distinguish absent keys from zero values.
type airPollutionResponse struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Main *struct {
			AQI int `json:"aqi"`
		} `json:"main"`
		Components *struct {
			CO   *float64 `json:"co"`
			NO   *float64 `json:"no"`
			NO2  *float64 `json:"no2"`
			O3   *float64 `json:"o3"`
			SO2  *float64 `json:"so2"`
			PM25 *float64 `json:"pm2_5"`
			PM10 *float64 `json:"pm10"`
			NH3  *float64 `json:"nh3"`
		} `json:"components"`
	} `json:"list"`
}

// parseAirPollution validates the payload structure and flattens the most
// recent reading into a Measurement. Absent component keys become Missing.
func parseAirPollution(payload airPollutionResponse, loc registry.Location) (Measurement, error) {
	if len(payload.List) == 0 {
		return Measurement{}, fmt.Errorf("%w: empty reading list", ErrMalformedResponse)
	}

	reading := payload.List[0]
	if reading.Main == nil {
		return Measurement{}, fmt.Errorf("%w: missing main block", ErrMalformedResponse)
	}
	if reading.Components == nil {
		return Measurement{}, fmt.Errorf("%w: missing components block", ErrMalformedResponse)
	}
	if reading.Dt <= 0 {
		return Measurement{}, fmt.Errorf("%w: missing reading timestamp", ErrMalformedResponse)
	}

	m := Measurement{
		Timestamp:    time.Unix(reading.Dt, 0).UTC(),
		LocationKey:  loc.Key,
		LocationName: loc.Name,
		Region:       loc.Region,
		AQI:          reading.Main.AQI,
		CO:           valueOrMissing(reading.Components.CO),
		NO:           valueOrMissing(reading.Components.NO),
		NO2:          valueOrMissing(reading.Components.NO2),
		O3:           valueOrMissing(reading.Components.O3),
		SO2:          valueOrMissing(reading.Components.SO2),
		PM25:         valueOrMissing(reading.Components.PM25),
		PM10:         valueOrMissing(reading.Components.PM10),
		NH3:          valueOrMissing(reading.Components.NH3),
	}
	return m, nil
}

func valueOrMissing(v *float64) float64 {
	if v == nil {
		return Missing
	}
	return *v
}
