package fallback

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eternisai/enchanted-research/internal/config"
	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/metrics"
	"github.com/eternisai/enchanted-research/internal/routing"
	promapi "github.com/prometheus/client_golang/api"
	promapiv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	prommodel "github.com/prometheus/common/model"
)

type promRoundTripper struct {
	token        string
	roundTripper http.RoundTripper
}

func (rt *promRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("authorization", "Bearer "+rt.token)
	return rt.roundTripper.RoundTrip(req)
}

// Service watches primary backend endpoints through PromQL queries and moves traffic to
// standby endpoints while a primary is overloaded.
type Service struct {
	api      promapiv1.API
	router   *routing.BackendRouter
	interval time.Duration

	logger   *logger.Logger
	mu       sync.Mutex
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewService starts one worker per primary endpoint. Returns nil when no Prometheus URL is
// configured.
func NewService(appConfig *config.Config, log *logger.Logger, router *routing.BackendRouter) *Service {
	log = log.WithComponent("fallback")

	if appConfig.FallbackPrometheusURL == "" {
		log.Warn("fallback Prometheus URL not configured - not starting fallback service")
		return nil
	}

	promCfg := promapi.Config{
		Address: appConfig.FallbackPrometheusURL,
	}

	if appConfig.FallbackPrometheusToken != "" {
		promCfg.RoundTripper = &promRoundTripper{
			token:        appConfig.FallbackPrometheusToken,
			roundTripper: http.DefaultTransport,
		}
	}

	client, err := promapi.NewClient(promCfg)
	if err != nil {
		log.Error("failed to initialize Prometheus API client", slog.String("error", err.Error()))
		return nil
	}

	interval := appConfig.FallbackMinInterval
	if interval <= 0 {
		interval = config.DefaultFallbackCheckInterval
	}

	s := &Service{
		api:      promapiv1.NewAPI(client),
		router:   router,
		interval: interval,
		logger:   log,
		shutdown: make(chan struct{}),
	}

	for backend, route := range router.GetRoutes() {
		for _, endpoint := range route.ActiveEndpoints {
			if endpoint.Fallback == nil {
				continue
			}

			w := &worker{
				service:  s,
				backend:  backend,
				provider: endpoint.Provider.Name,
				config:   endpoint.Fallback,
			}

			s.wg.Add(1)
			go w.run()
		}
	}

	return s
}

// Shutdown stops all workers and waits for them to exit.
func (s *Service) Shutdown() {
	if s == nil {
		return
	}

	close(s.shutdown)
	s.wg.Wait()
}

type worker struct {
	service *Service

	backend  string
	provider string
	config   *routing.FallbackConfig

	triggered bool
}

func (w *worker) run() {
	defer w.service.wg.Done()

	w.service.logger.Info("started fallback worker",
		slog.String("backend", w.backend),
		slog.String("provider", w.provider))
	defer w.service.logger.Info("stopped fallback worker",
		slog.String("backend", w.backend),
		slog.String("provider", w.provider))

	next := time.Now()

	for {
		select {
		case <-time.After(time.Until(next)):
			next = w.refreshEndpoints(w.service.api, time.Now())
			if next.IsZero() {
				return
			}
		case <-w.service.shutdown:
			return
		}
	}
}

// promQueryAPI is the subset of the Prometheus query API used by workers.
type promQueryAPI interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...promapiv1.Option) (prommodel.Value, promapiv1.Warnings, error)
}

type promQueryResult struct {
	value    prommodel.Value
	warnings promapiv1.Warnings
	err      error
}

// refreshEndpoints runs one check of the worker's primary endpoint and returns the time of
// the next check.
//
// While the primary is healthy the trigger query is evaluated; while it is deactivated the
// recover query is. A result of 1 flips the state: the routing table entry of the backend is
// rebuilt through flipEndpoints and the next check is delayed by the dwell time of the new
// state. Without a state change the next check happens after the service interval.
// A zero time tells the worker to stop.
func (w *worker) refreshEndpoints(api promQueryAPI, now time.Time) time.Time {
	next := now.Add(w.service.interval)

	query := w.config.Trigger.Query
	if w.triggered {
		query = w.config.Recover.Query
	}

	// The query runs in its own goroutine so shutdown is never blocked on Prometheus.
	resChan := make(chan promQueryResult, 1)

	ctx, cancel := context.WithTimeout(context.Background(), w.service.interval)
	defer cancel()

	go func() {
		value, warnings, err := api.Query(ctx, query, now)
		resChan <- promQueryResult{value, warnings, err}
	}()

	var res promQueryResult

	select {
	case res = <-resChan:
	case <-w.service.shutdown:
		return time.Time{}
	}

	log := w.service.logger.With(
		slog.Bool("fallback", w.triggered),
		slog.String("backend", w.backend),
		slog.String("provider", w.provider))

	if res.err != nil {
		log.Error("failed to fetch metrics", slog.String("error", res.err.Error()))
		return next
	}

	if len(res.warnings) > 0 {
		log.Warn("warnings when fetching metrics", slog.String("warnings", strings.Join(res.warnings, "; ")))
	}

	vector, ok := res.value.(prommodel.Vector)
	if !ok {
		log.Error("incorrect query returning non-vector")
		return time.Time{}
	}

	if len(vector) == 0 || vector[0].Value < 1 {
		return next
	}

	w.triggered = !w.triggered

	event := "recover"
	dwell := w.config.Recover.DwellTime
	if w.triggered {
		event = "trigger"
		dwell = w.config.Trigger.DwellTime
	}

	if dwell == 0 {
		dwell = w.service.interval
	}

	next = now.Add(dwell)

	metrics.FallbackEvents.WithLabelValues(w.backend, w.provider, event).Inc()
	w.service.logger.Info("fallback state changed",
		slog.String("event", event),
		slog.String("backend", w.backend),
		slog.String("provider", w.provider),
		slog.String("dwell_until", next.Format(time.RFC3339)))

	w.service.mu.Lock()
	defer w.service.mu.Unlock()

	routes := w.service.router.GetRoutes()

	updated := make(map[string]routing.BackendRoute, len(routes))
	for id, route := range routes {
		updated[id] = route
	}

	updated[w.backend] = flipEndpoints(routes[w.backend], w.provider, w.triggered)
	w.service.router.SetRoutes(updated)

	return next
}

// flipEndpoints returns a copy of route with endpoints moved between the active and inactive
// sets.
//
// On a trigger event the primary endpoint of provider is deactivated and one standby endpoint
// is activated. On a recover event the primary is reactivated and one standby endpoint is
// deactivated. Standby endpoints are those without a fallback policy of their own.
func flipEndpoints(route routing.BackendRoute, provider string, triggered bool) routing.BackendRoute {
	active := make([]routing.BackendEndpoint, 0, len(route.ActiveEndpoints)+1)
	inactive := make([]routing.BackendEndpoint, 0, len(route.InactiveEndpoints)+1)

	standbyMoved := false
	for _, endpoint := range route.ActiveEndpoints {
		isPrimary := endpoint.Fallback != nil && endpoint.Provider.Name == provider

		switch {
		case !triggered && endpoint.Fallback == nil && !standbyMoved:
			inactive = append(inactive, endpoint)
			standbyMoved = true
		case triggered && isPrimary:
			inactive = append(inactive, endpoint)
		default:
			active = append(active, endpoint)
		}
	}

	standbyMoved = false
	for _, endpoint := range route.InactiveEndpoints {
		isPrimary := endpoint.Fallback != nil && endpoint.Provider.Name == provider

		switch {
		case triggered && endpoint.Fallback == nil && !standbyMoved:
			active = append(active, endpoint)
			standbyMoved = true
		case !triggered && isPrimary:
			active = append(active, endpoint)
		default:
			inactive = append(inactive, endpoint)
		}
	}

	return routing.BackendRoute{
		ActiveEndpoints:   active,
		InactiveEndpoints: inactive,
		RoundRobinCounter: route.RoundRobinCounter,
	}
}
