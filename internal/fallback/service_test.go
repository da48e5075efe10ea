package fallback

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/eternisai/enchanted-research/internal/config"
	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/routing"
	promapiv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	prommodel "github.com/prometheus/common/model"
)

const (
	backend = "glm-4.6"

	primaryProvider = "Local"
	standbyProvider = "OpenRouter"
)

var (
	log *logger.Logger
)

type promQueryAPIEmulator struct {
	t     *testing.T
	query string
	value *float64
	err   error
}

func newPromQueryAPIEmulator(t *testing.T, query string, values ...float64) *promQueryAPIEmulator {
	emu := &promQueryAPIEmulator{
		t:     t,
		query: query,
	}

	if len(values) > 0 {
		emu.value = &values[0]
	}

	return emu
}

func (e *promQueryAPIEmulator) Query(
	ctx context.Context,
	query string,
	ts time.Time,
	opts ...promapiv1.Option,
) (prommodel.Value, promapiv1.Warnings, error) {
	if e.query != query {
		e.t.Errorf("Expected PromQL query %q, got %q", e.query, query)
	}

	if e.err != nil {
		return nil, nil, e.err
	}

	if e.value == nil {
		return prommodel.Vector{}, nil, nil
	}

	return prommodel.Vector{
		&prommodel.Sample{
			Metric:    prommodel.Metric{},
			Value:     prommodel.SampleValue(*e.value),
			Timestamp: prommodel.Time(ts.Unix()),
		},
	}, nil, nil
}

func newBackendRouter(t *testing.T) *routing.BackendRouter {
	t.Setenv("LOCAL_INFERENCE_API_KEY", "test-local-key")
	t.Setenv("OPENROUTER_API_KEY", "test-openrouter-key")

	configFile, err := os.Open("testdata/config.yaml")
	if err != nil {
		t.Fatalf("Failed to open config file: %v", err)
	}
	defer configFile.Close()

	appConfig := new(config.Config)
	if err := config.LoadConfigFile(configFile, appConfig); err != nil {
		t.Fatalf("Failed to load config file: %v", err)
	}

	return routing.NewBackendRouter(appConfig, log)
}

// newWorker returns a worker for the primary endpoint of the test backend. When triggered is
// set, the routing table is put into the fallback state first.
func newWorker(t *testing.T, router *routing.BackendRouter, triggered bool) *worker {
	s := &Service{
		router:   router,
		interval: config.DefaultFallbackCheckInterval,
		logger:   log,
		shutdown: make(chan struct{}),
	}

	routes := router.GetRoutes()
	route := routes[backend]
	if len(route.ActiveEndpoints) != 1 || route.ActiveEndpoints[0].Fallback == nil {
		t.Fatalf("expected a single primary endpoint for %s, got %+v", backend, route.ActiveEndpoints)
	}

	endpoint := route.ActiveEndpoints[0]

	if triggered {
		routes[backend] = routing.BackendRoute{
			ActiveEndpoints:   route.InactiveEndpoints,
			InactiveEndpoints: route.ActiveEndpoints,
			RoundRobinCounter: route.RoundRobinCounter,
		}
		router.SetRoutes(routes)
	}

	return &worker{
		service:   s,
		backend:   backend,
		provider:  endpoint.Provider.Name,
		config:    endpoint.Fallback,
		triggered: triggered,
	}
}

func expectProvider(t *testing.T, router *routing.BackendRouter, expected string) {
	t.Helper()

	provider, err := router.Route(backend)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	if provider.Name != expected {
		t.Errorf("Expected provider %s, got %s", expected, provider.Name)
	}
}

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Verbose() {
		log = logger.New(logger.Config{Level: slog.LevelDebug})
	} else {
		log = logger.New(logger.Config{Level: slog.LevelError})
	}

	os.Exit(m.Run())
}

func TestMaintainState(t *testing.T) {
	for _, triggered := range []bool{false, true} {
		expectedProvider := primaryProvider
		if triggered {
			expectedProvider = standbyProvider
		}

		tests := map[string][]float64{
			"empty_response": {},
			"zero_response":  {0},
		}

		for name, values := range tests {
			t.Run(expectedProvider+"/"+name, func(t *testing.T) {
				router := newBackendRouter(t)
				w := newWorker(t, router, triggered)

				query := w.config.Trigger.Query
				if triggered {
					query = w.config.Recover.Query
				}

				expectProvider(t, router, expectedProvider)

				now := time.Now()
				next := w.refreshEndpoints(newPromQueryAPIEmulator(t, query, values...), now)

				if expected := now.Add(w.service.interval); !next.Equal(expected) {
					t.Errorf("Expected next run time %v, got %v", expected, next)
				}

				if w.triggered != triggered {
					t.Errorf("Expected triggered=%v, got %v", triggered, w.triggered)
				}

				expectProvider(t, router, expectedProvider)
			})
		}
	}
}

func TestFallbackTrigger(t *testing.T) {
	router := newBackendRouter(t)
	w := newWorker(t, router, false)

	expectProvider(t, router, primaryProvider)

	now := time.Now()
	next := w.refreshEndpoints(newPromQueryAPIEmulator(t, w.config.Trigger.Query, 1), now)

	if expected := now.Add(w.config.Trigger.DwellTime); !next.Equal(expected) {
		t.Errorf("Expected next run time %v, got %v", expected, next)
	}

	expectProvider(t, router, standbyProvider)

	route := router.GetRoutes()[backend]
	if len(route.InactiveEndpoints) != 1 || route.InactiveEndpoints[0].Provider.Name != primaryProvider {
		t.Errorf("Expected the primary endpoint to be inactive, got %+v", route.InactiveEndpoints)
	}
}

func TestRecoverTrigger(t *testing.T) {
	router := newBackendRouter(t)
	w := newWorker(t, router, true)

	expectProvider(t, router, standbyProvider)

	now := time.Now()
	next := w.refreshEndpoints(newPromQueryAPIEmulator(t, w.config.Recover.Query, 1), now)

	if expected := now.Add(w.config.Recover.DwellTime); !next.Equal(expected) {
		t.Errorf("Expected next run time %v, got %v", expected, next)
	}

	expectProvider(t, router, primaryProvider)
}

func TestQueryErrorKeepsState(t *testing.T) {
	router := newBackendRouter(t)
	w := newWorker(t, router, false)

	api := newPromQueryAPIEmulator(t, w.config.Trigger.Query, 1)
	api.err = context.DeadlineExceeded

	now := time.Now()
	next := w.refreshEndpoints(api, now)

	if expected := now.Add(w.service.interval); !next.Equal(expected) {
		t.Errorf("Expected next run time %v, got %v", expected, next)
	}

	expectProvider(t, router, primaryProvider)
}

func TestFlipEndpointsRoundTrip(t *testing.T) {
	router := newBackendRouter(t)
	route := router.GetRoutes()[backend]

	triggered := flipEndpoints(route, primaryProvider, true)
	if len(triggered.ActiveEndpoints) != 1 || triggered.ActiveEndpoints[0].Provider.Name != standbyProvider {
		t.Fatalf("Expected standby endpoint to be active after trigger, got %+v", triggered.ActiveEndpoints)
	}

	recovered := flipEndpoints(triggered, primaryProvider, false)
	if len(recovered.ActiveEndpoints) != 1 || recovered.ActiveEndpoints[0].Provider.Name != primaryProvider {
		t.Fatalf("Expected primary endpoint to be active after recovery, got %+v", recovered.ActiveEndpoints)
	}

	if recovered.RoundRobinCounter != route.RoundRobinCounter {
		t.Error("Expected round robin counter to be preserved")
	}
}
