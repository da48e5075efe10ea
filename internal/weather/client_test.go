package weather

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const forecastBody = `{"current":{"time":"2026-10-18T14:00","temperature_2m":17.3,"apparent_temperature":16.1,
"relative_humidity_2m":62,"wind_speed_10m":11.5,"weather_code":2}}`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/search":
			if r.URL.Query().Get("name") == "Nowhere" {
				_, _ = w.Write([]byte(`{}`))
				return
			}
			_, _ = w.Write([]byte(`{"results":[{"name":"Lisbon","country":"Portugal","latitude":38.7167,"longitude":-9.1333}]}`))
		case "/v1/forecast":
			if r.URL.Query().Get("latitude") == "" || r.URL.Query().Get("longitude") == "" {
				t.Errorf("missing coordinates: %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(forecastBody))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestCurrentByCity(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	c := NewClient(server.Client(), server.URL+"/v1", server.URL+"/v1")

	cond, err := c.Current(context.Background(), Location{City: "Lisbon"})
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if cond.Place != "Lisbon, Portugal" {
		t.Errorf("unexpected place %q", cond.Place)
	}
	if cond.TemperatureC != 17.3 || cond.Description != "partly cloudy" {
		t.Errorf("unexpected conditions: %+v", cond)
	}

	summary := cond.Summary()
	if !strings.Contains(summary, "Lisbon, Portugal") || !strings.Contains(summary, "17.3°C") {
		t.Errorf("unexpected summary %q", summary)
	}
}

func TestCurrentByCoordinates(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	c := NewClient(server.Client(), server.URL+"/v1", server.URL+"/v1")
	lat, lon := 52.52, 13.41

	cond, err := c.Current(context.Background(), Location{Latitude: &lat, Longitude: &lon})
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if cond.Place != "52.52, 13.41" {
		t.Errorf("unexpected place %q", cond.Place)
	}
	if cond.Time.IsZero() {
		t.Error("expected observation time to be parsed")
	}
}

func TestCurrentUnknownLocation(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	c := NewClient(server.Client(), server.URL+"/v1", server.URL+"/v1")

	if _, err := c.Current(context.Background(), Location{City: "Nowhere"}); !errors.Is(err, ErrLocationNotFound) {
		t.Errorf("expected ErrLocationNotFound, got %v", err)
	}
	if _, err := c.Current(context.Background(), Location{}); !errors.Is(err, ErrLocationNotFound) {
		t.Errorf("expected ErrLocationNotFound for empty location, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	tests := map[int]string{
		0:  "clear sky",
		3:  "overcast",
		63: "rain",
		75: "snow",
		95: "thunderstorm",
		42: "unknown conditions",
	}
	for code, want := range tests {
		if got := Describe(code); got != want {
			t.Errorf("Describe(%d) = %q, want %q", code, got, want)
		}
	}
}
