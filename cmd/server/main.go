package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/eternisai/enchanted-research/internal/auth"
	"github.com/eternisai/enchanted-research/internal/config"
	"github.com/eternisai/enchanted-research/internal/deepr"
	"github.com/eternisai/enchanted-research/internal/enrichment"
	"github.com/eternisai/enchanted-research/internal/fallback"
	"github.com/eternisai/enchanted-research/internal/gateway"
	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/messaging"
	"github.com/eternisai/enchanted-research/internal/metrics"
	"github.com/eternisai/enchanted-research/internal/orchestrator"
	"github.com/eternisai/enchanted-research/internal/proxy"
	"github.com/eternisai/enchanted-research/internal/ratelimit"
	"github.com/eternisai/enchanted-research/internal/routing"
	"github.com/eternisai/enchanted-research/internal/search"
	"github.com/eternisai/enchanted-research/internal/storage/cache"
	"github.com/eternisai/enchanted-research/internal/storage/pg"
	"github.com/eternisai/enchanted-research/internal/storage/reports"
	"github.com/eternisai/enchanted-research/internal/streaming"
	"github.com/eternisai/enchanted-research/internal/title_generation"
	"github.com/eternisai/enchanted-research/internal/weather"
)

const (
	connectTimeout     = 10 * time.Second
	rateLimiterMaxIdle = 10 * time.Minute
)

func fatal(log *logger.Logger, msg string, err error) {
	log.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	log.Info("setting gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	// Persistence
	var store messaging.Store
	var db *pg.Database
	if cfg.DatabaseURL != "" {
		var err error
		db, err = pg.InitDatabase(cfg.DatabaseURL)
		if err != nil {
			fatal(log, "failed to initialize database", err)
		}
		store = messaging.NewPGStore(db.Queries)
	} else {
		store = messaging.NewMemoryStore()
	}
	messagingService := messaging.NewService(store, messaging.OptionsFromConfig(cfg), log)

	// Enrichment cache
	var researchCache enrichment.Cache
	if cfg.RedisAddr != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			fatal(log, "failed to connect to redis", err)
		}
		defer rdb.Close()
		researchCache = cache.NewJSONCache(rdb, "research", cfg.EnrichmentCacheTTL)
	}

	// Report archive
	var reportArchive deepr.Archiver
	var reportReader deepr.ReportReader
	var objectReader deepr.ObjectReader
	var reportWriter deepr.ReportWriter
	var objectWriter deepr.ObjectWriter
	var mongoStore *reports.MongoStore
	if cfg.MongoURI != "" {
		mongoDB, err := reports.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			fatal(log, "failed to connect to mongo", err)
		}
		mongoStore = reports.NewMongoStore(mongoDB)
		reportReader, reportWriter = mongoStore, mongoStore
	}
	if cfg.MinioEndpoint != "" {
		minioStore, err := reports.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			fatal(log, "failed to initialize minio", err)
		}
		objectReader, objectWriter = minioStore, minioStore
	}
	if reportWriter != nil || objectWriter != nil {
		reportArchive = deepr.NewReportArchive(reportWriter, objectWriter)
	}

	// Backends
	backendRouter := routing.NewBackendRouter(cfg, log.WithComponent("routing"))
	if backendRouter == nil {
		log.Error("backend router has no usable backends")
		os.Exit(1)
	}
	fallbackService := fallback.NewService(cfg, log, backendRouter)

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	registry := gateway.NewRegistry(backendRouter, gateway.NewHTTPFactory(httpClient, log), log)

	// Enrichment providers
	searchService := search.NewService(log.WithComponent("search"), search.Options{
		SerpAPIKey: cfg.SerpAPIKey,
		ExaAPIKey:  cfg.ExaAPIKey,
	})
	log.Info("search engines configured", slog.String("engines", strings.Join(searchService.Engines(), ",")))

	fetcher := search.NewFetcher(log, nil, cfg.ResearchFetchTimeout)
	researchProvider := enrichment.NewResearchProvider(searchService, fetcher, researchCache, enrichment.ResearchOptions{
		MaxSearchResults:   cfg.Enrichment.MaxSearchResults,
		MaxFetchURLs:       cfg.Enrichment.MaxFetchURLs,
		ContextTokenBudget: cfg.Enrichment.ContextTokenBudget,
		Timeout:            cfg.ResearchTimeout,
	}, log)

	weatherClient := weather.NewClient(nil, cfg.Enrichment.WeatherBaseURL, cfg.Enrichment.GeocodingBaseURL)
	weatherProvider := enrichment.NewWeatherProvider(weatherClient, cfg.WeatherTimeout, log)

	// Titles
	var titles orchestrator.TitleQueue
	var titleService *title_generation.Service
	if len(cfg.TitleGeneration.Backends) > 0 {
		titleService = title_generation.NewService(log, title_generation.NewGenerator(registry, cfg.TitleGeneration), messagingService)
		titles = titleService
	} else {
		log.Warn("title generation disabled, no backends configured")
	}

	chat := orchestrator.New(registry, orchestrator.Options{
		Research:        researchProvider,
		Weather:         weatherProvider,
		Store:           messagingService,
		Titles:          titles,
		EnrichmentGrace: cfg.EnrichmentGrace,
	}, log)

	research := deepr.NewService(registry, searchService, cfg.DeepResearch, deepr.Options{
		Archive: reportArchive,
		Store:   messagingService,
	}, log)

	// Turn control
	turns := streaming.NewTurnManager(log)

	var natsConn *nats.Conn
	if cfg.NatsURL != "" {
		var err error
		natsConn, err = nats.Connect(cfg.NatsURL, nats.Name("enchanted-research"), nats.MaxReconnects(-1))
		if err != nil {
			fatal(log, "failed to connect to nats", err)
		}
	}
	cancels := streaming.NewDistributedCancelService(natsConn, turns, log, logger.GetInstanceID())
	if cancels != nil {
		if err := cancels.Start(); err != nil {
			fatal(log, "failed to start distributed cancel service", err)
		}
	}

	// Auth and rate limiting
	validator, err := auth.NewTokenValidator(cfg.JWTJWKSURL)
	if err != nil {
		fatal(log, "failed to initialize token validator", err)
	}
	if cfg.JWTJWKSURL == "" {
		log.Warn("JWT_JWKS_URL is not set, token signatures are not verified")
	}
	authMiddleware := auth.NewMiddleware(validator, log)
	limiter := ratelimit.New(cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.TurnCleanupSchedule, func() {
		if n := turns.CleanupExpired(streaming.DefaultTurnTTL); n > 0 {
			log.Debug("expired turns removed", slog.Int("count", n))
		}
		if n := limiter.Cleanup(rateLimiterMaxIdle); n > 0 {
			log.Debug("idle rate limiters removed", slog.Int("count", n))
		}
	}); err != nil {
		fatal(log, "invalid turn cleanup schedule", err)
	}
	scheduler.Start()

	// Routes
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.RequestLoggingMiddleware(log))
	router.Use(metrics.Middleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"instance_id": logger.GetInstanceID(),
			"turns":       len(turns.Active()),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/")
	api.Use(authMiddleware.RequireAuth())
	if cfg.RateLimitEnabled {
		api.Use(ratelimit.Middleware(limiter, log))
	}

	api.POST("/chat/completions", proxy.ChatCompletionsHandler(log, chat, turns))
	api.POST("/turns/:turnID/stop", proxy.StopTurnHandler(log, turns, cancels))

	deepr.NewHandler(research, turns, reportReader, objectReader, log).RegisterRoutes(api)

	searchHandler := search.NewHandler(searchService, log)
	api.GET("/search", searchHandler.SearchHandler)
	api.POST("/search", searchHandler.PostSearchHandler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Turn-ID"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: corsHandler.Handler(router),
	}

	go func() {
		log.Info("server starting", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(log, "failed to start server", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	// Stop streaming turns first so open SSE responses finish and Shutdown can drain.
	turns.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
	}

	<-scheduler.Stop().Done()
	fallbackService.Shutdown()

	research.Wait()
	if titleService != nil {
		titleService.Shutdown()
	}
	messagingService.Shutdown()

	if cancels != nil {
		if err := cancels.Stop(); err != nil {
			log.Warn("failed to stop distributed cancel service", slog.String("error", err.Error()))
		}
	}
	if natsConn != nil {
		natsConn.Close()
	}
	if mongoStore != nil {
		if err := mongoStore.Disconnect(shutdownCtx); err != nil {
			log.Warn("failed to disconnect from mongo", slog.String("error", err.Error()))
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}

	log.Info("server exited")
}
