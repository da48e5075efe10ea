package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrLocationNotFound is returned when a city name cannot be geocoded.
var ErrLocationNotFound = errors.New("location not found")

// Location is where the caller is. Coordinates win over City when both are set.
type Location struct {
	City      string   `json:"city,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether both coordinates are present.
func (l Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// Conditions are the current weather conditions at a place.
type Conditions struct {
	Place               string    `json:"place"`
	Time                time.Time `json:"time"`
	TemperatureC        float64   `json:"temperature_c"`
	ApparentTemperature float64   `json:"apparent_temperature_c"`
	HumidityPercent     float64   `json:"humidity_percent"`
	WindSpeedKmh        float64   `json:"wind_speed_kmh"`
	WeatherCode         int       `json:"weather_code"`
	Description         string    `json:"description"`
}

// Summary renders the conditions as one line suitable for a model's context.
func (c Conditions) Summary() string {
	return fmt.Sprintf("Current weather in %s: %s, %.1f°C (feels like %.1f°C), humidity %.0f%%, wind %.1f km/h.",
		c.Place, c.Description, c.TemperatureC, c.ApparentTemperature, c.HumidityPercent, c.WindSpeedKmh)
}

// Client talks to the Open-Meteo forecast and geocoding APIs. Neither needs an API key.
type Client struct {
	httpClient   *http.Client
	forecastURL  string
	geocodingURL string
}

// NewClient creates a client. Empty base URLs default to the public Open-Meteo endpoints.
func NewClient(httpClient *http.Client, forecastBaseURL, geocodingBaseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if forecastBaseURL == "" {
		forecastBaseURL = "https://api.open-meteo.com/v1"
	}
	if geocodingBaseURL == "" {
		geocodingBaseURL = "https://geocoding-api.open-meteo.com/v1"
	}
	return &Client{
		httpClient:   httpClient,
		forecastURL:  strings.TrimRight(forecastBaseURL, "/"),
		geocodingURL: strings.TrimRight(geocodingBaseURL, "/"),
	}
}

type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Time                string  `json:"time"`
		Temperature         float64 `json:"temperature_2m"`
		ApparentTemperature float64 `json:"apparent_temperature"`
		Humidity            float64 `json:"relative_humidity_2m"`
		WindSpeed           float64 `json:"wind_speed_10m"`
		WeatherCode         int     `json:"weather_code"`
	} `json:"current"`
	Error  bool   `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Current returns the current conditions at loc, geocoding the city when no coordinates
// are given.
func (c *Client) Current(ctx context.Context, loc Location) (*Conditions, error) {
	place := loc.City
	var lat, lon float64

	switch {
	case loc.HasCoordinates():
		lat, lon = *loc.Latitude, *loc.Longitude
		if place == "" {
			place = fmt.Sprintf("%.2f, %.2f", lat, lon)
		}
	case strings.TrimSpace(loc.City) != "":
		var err error
		place, lat, lon, err = c.geocode(ctx, loc.City)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrLocationNotFound
	}

	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	params.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	params.Set("current", "temperature_2m,relative_humidity_2m,apparent_temperature,weather_code,wind_speed_10m")
	params.Set("timezone", "auto")

	var resp forecastResponse
	if err := c.getJSON(ctx, c.forecastURL+"/forecast?"+params.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch forecast: %w", err)
	}
	if resp.Error {
		return nil, fmt.Errorf("open-meteo error: %s", resp.Reason)
	}

	observed, _ := time.Parse("2006-01-02T15:04", resp.Current.Time)

	return &Conditions{
		Place:               place,
		Time:                observed,
		TemperatureC:        resp.Current.Temperature,
		ApparentTemperature: resp.Current.ApparentTemperature,
		HumidityPercent:     resp.Current.Humidity,
		WindSpeedKmh:        resp.Current.WindSpeed,
		WeatherCode:         resp.Current.WeatherCode,
		Description:         Describe(resp.Current.WeatherCode),
	}, nil
}

func (c *Client) geocode(ctx context.Context, city string) (place string, lat, lon float64, err error) {
	params := url.Values{}
	params.Set("name", strings.TrimSpace(city))
	params.Set("count", "1")
	params.Set("language", "en")
	params.Set("format", "json")

	var resp geocodingResponse
	if err := c.getJSON(ctx, c.geocodingURL+"/search?"+params.Encode(), &resp); err != nil {
		return "", 0, 0, fmt.Errorf("failed to geocode %q: %w", city, err)
	}
	if len(resp.Results) == 0 {
		return "", 0, 0, ErrLocationNotFound
	}

	r := resp.Results[0]
	place = r.Name
	if r.Country != "" {
		place += ", " + r.Country
	}
	return place, r.Latitude, r.Longitude, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	return json.Unmarshal(body, v)
}

// Describe maps a WMO weather interpretation code to text.
func Describe(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code == 1:
		return "mainly clear"
	case code == 2:
		return "partly cloudy"
	case code == 3:
		return "overcast"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code >= 61 && code <= 67:
		return "rain"
	case code >= 71 && code <= 77:
		return "snow"
	case code >= 80 && code <= 82:
		return "rain showers"
	case code == 85 || code == 86:
		return "snow showers"
	case code >= 95:
		return "thunderstorm"
	default:
		return "unknown conditions"
	}
}
