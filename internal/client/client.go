package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-rag-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-rag-service/internal/models"
	"github.com/kjstillabower/weather-rag-service/internal/observability"
)

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
)

// OpenWeatherClient fetches current conditions from the OpenWeatherMap API.
// Each Fetch makes exactly one upstream attempt.
type OpenWeatherClient struct {
	apiKey  string
	apiURL  string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration, logger *zap.Logger) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenWeatherClient{
		apiKey:  apiKey,
		apiURL:  apiURL,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}, nil
}

// SetCircuitBreaker guards upstream calls with cb. Optional.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type openWeatherResponse struct {
	Name     string `json:"name"`
	Timezone int    `json:"timezone"`
	Main     struct {
		Temp      *float64 `json:"temp"`
		FeelsLike *float64 `json:"feels_like"`
		TempMin   *float64 `json:"temp_min"`
		TempMax   *float64 `json:"temp_max"`
		Pressure  *float64 `json:"pressure"`
		Humidity  *float64 `json:"humidity"`
	} `json:"main"`
	Visibility *float64 `json:"visibility"`
	Weather    []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed *float64 `json:"speed"`
		Deg   *float64 `json:"deg"`
	} `json:"wind"`
	Sys struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
}

// Fetch implements TelemetryFetcher. Failures come back as Err, never as a panic
// or a partially filled record.
func (c *OpenWeatherClient) Fetch(ctx context.Context, city string) Result {
	city = strings.TrimSpace(city)
	var rec models.TelemetryRecord
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		rec, err = c.callAPI(ctx, city)
		return err
	})
	if err != nil {
		c.logger.Debug("telemetry fetch failed", zap.String("city", city), zap.String("category", string(CategorizeError(err))), zap.Error(err))
		return Err(fmt.Errorf("fetch telemetry for %s: %w", city, err))
	}
	return Ok(rec)
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, city string) (models.TelemetryRecord, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, city)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.TelemetryRecord{}, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.TelemetryRecord{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.TelemetryRecord{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return models.TelemetryRecord{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.TelemetryRecord{}, fmt.Errorf("read response body: %w", err)
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.TelemetryRecord{}, fmt.Errorf("parse response: %w", err)
	}
	if len(apiResp.Weather) == 0 {
		return models.TelemetryRecord{}, fmt.Errorf("parse response: no weather conditions for %s", city)
	}

	return mapResponse(apiResp, city), nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, city string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("q", city)
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: invalid API key", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

// mapResponse converts the upstream payload into a TelemetryRecord. Sunrise and
// sunset are rendered as HH:MM in the city's local time using the response's
// UTC offset; visibility is converted from metres to kilometres.
func mapResponse(apiResp openWeatherResponse, city string) models.TelemetryRecord {
	name := apiResp.Name
	if name == "" {
		name = city
	}

	rec := models.TelemetryRecord{
		Location: name,
		Country:  apiResp.Sys.Country,
		Temperature: models.Temperature{
			Current:   apiResp.Main.Temp,
			FeelsLike: apiResp.Main.FeelsLike,
			Min:       apiResp.Main.TempMin,
			Max:       apiResp.Main.TempMax,
		},
		Atmosphere: models.Atmosphere{
			Pressure: apiResp.Main.Pressure,
			Humidity: apiResp.Main.Humidity,
		},
		Conditions: models.Conditions{
			Main:        apiResp.Weather[0].Main,
			Description: capitalize(apiResp.Weather[0].Description),
		},
		Wind: models.Wind{
			SpeedMS:      apiResp.Wind.Speed,
			DirectionDeg: apiResp.Wind.Deg,
		},
		SolarCycle: models.SolarCycle{
			Sunrise: localClock(apiResp.Sys.Sunrise, apiResp.Timezone),
			Sunset:  localClock(apiResp.Sys.Sunset, apiResp.Timezone),
		},
	}
	if apiResp.Visibility != nil {
		rec.Atmosphere.VisibilityKM = models.Float(*apiResp.Visibility / 1000)
	}
	return rec
}

func localClock(unix int64, offsetSeconds int) string {
	if unix == 0 {
		return ""
	}
	return time.Unix(unix+int64(offsetSeconds), 0).UTC().Format("15:04")
}

// capitalize upper-cases the first letter and lower-cases the rest.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey performs one lookup to check the key is accepted upstream.
// Called once at start-up; a failure is logged, not fatal.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, "London")
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
