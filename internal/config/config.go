package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Enrichment cache
	RedisAddr          string
	RedisPassword      string
	EnrichmentCacheTTL time.Duration

	// Deep research report archive
	MongoURI       string
	MongoDatabase  string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Distributed turn cancellation
	NatsURL string

	// Search
	SerpAPIKey string
	ExaAPIKey  string

	// Auth
	JWTJWKSURL string

	// Rate Limiting
	RateLimitEnabled           bool
	RateLimitRequestsPerMinute float64
	RateLimitBurst             int

	// Message Storage (persistence worker pool)
	MessageStorageWorkerPoolSize int
	MessageStorageBufferSize     int
	MessageStorageTimeoutSeconds int

	// Enrichment timing
	EnrichmentGrace      time.Duration // how long generation may wait for already-running enrichment
	ResearchTimeout      time.Duration
	ResearchFetchTimeout time.Duration
	WeatherTimeout       time.Duration

	// Backend Router Fallback Service
	FallbackPrometheusURL   string
	FallbackPrometheusToken string
	FallbackMinInterval     time.Duration

	// Server
	ServerShutdownTimeoutSeconds int
	CORSAllowedOrigins           string
	TurnCleanupSchedule          string

	// Logging
	LogLevel  string
	LogFormat string

	// Settings loaded from the YAML config file.
	BackendRouterConfig *BackendRouterConfig   `yaml:"backend_router"`
	DeepResearch        *DeepResearchConfig    `yaml:"deep_research"`
	Enrichment          *EnrichmentConfig      `yaml:"enrichment"`
	TitleGeneration     *TitleGenerationConfig `yaml:"title_generation"`
}

var (
	AppConfig *Config

	DefaultFallbackCheckInterval = 15 * time.Second
)

func LoadConfig() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Redis
		RedisAddr:          getEnvOrDefault("REDIS_ADDR", ""),
		RedisPassword:      getEnvOrDefault("REDIS_PASSWORD", ""),
		EnrichmentCacheTTL: getEnvAsDuration("ENRICHMENT_CACHE_TTL", 15*time.Minute),

		// Report archive
		MongoURI:       getEnvOrDefault("MONGO_URI", ""),
		MongoDatabase:  getEnvOrDefault("MONGO_DATABASE", "enchanted_research"),
		MinioEndpoint:  getEnvOrDefault("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnvOrDefault("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnvOrDefault("MINIO_BUCKET", "research-reports"),
		MinioUseSSL:    getEnvAsBool("MINIO_USE_SSL", false),

		// NATS
		NatsURL: getEnvOrDefault("NATS_URL", ""),

		// Search
		SerpAPIKey: getEnvOrDefault("SERPAPI_API_KEY", ""),
		ExaAPIKey:  getEnvOrDefault("EXA_API_KEY", ""),

		// Auth
		JWTJWKSURL: getEnvOrDefault("JWT_JWKS_URL", ""),

		// Rate Limiting
		RateLimitEnabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequestsPerMinute: getEnvFloat("RATE_LIMIT_REQUESTS_PER_MINUTE", 30),
		RateLimitBurst:             getEnvAsInt("RATE_LIMIT_BURST", 10),

		// Message Storage
		MessageStorageWorkerPoolSize: getEnvAsInt("MESSAGE_STORAGE_WORKER_POOL_SIZE", 5),
		MessageStorageBufferSize:     getEnvAsInt("MESSAGE_STORAGE_BUFFER_SIZE", 500),
		MessageStorageTimeoutSeconds: getEnvAsInt("MESSAGE_STORAGE_TIMEOUT_SECONDS", 30),

		// Enrichment timing
		EnrichmentGrace:      getEnvAsDuration("ENRICHMENT_GRACE", 0),
		ResearchTimeout:      getEnvAsDuration("RESEARCH_TIMEOUT", 20*time.Second),
		ResearchFetchTimeout: getEnvAsDuration("RESEARCH_FETCH_TIMEOUT", 5*time.Second),
		WeatherTimeout:       getEnvAsDuration("WEATHER_TIMEOUT", 5*time.Second),

		// Backend Router Fallback Service
		FallbackPrometheusURL:   getEnvOrDefault("FALLBACK_PROMETHEUS_URL", ""),
		FallbackPrometheusToken: getEnvOrDefault("FALLBACK_PROMETHEUS_TOKEN", ""),
		FallbackMinInterval:     getEnvAsDuration("FALLBACK_CHECK_INTERVAL", DefaultFallbackCheckInterval),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
		CORSAllowedOrigins:           getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		TurnCleanupSchedule:          getEnvOrDefault("TURN_CLEANUP_SCHEDULE", "@every 1m"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Backend routing, deep research and enrichment settings live in the config file only.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	log.Printf("Loading config file: %v", configFilePath)

	configFile, err := os.Open(configFilePath)
	if err != nil {
		log.Fatalf("Failed to open config file: %v", err)
	}
	defer configFile.Close()

	if err := LoadConfigFile(configFile, AppConfig); err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}

	if AppConfig.BackendRouterConfig == nil {
		log.Fatal("Backend router configuration is empty")
	}

	if AppConfig.SerpAPIKey == "" && AppConfig.ExaAPIKey == "" {
		log.Println("Warning: no search API key configured, web research falls back to DuckDuckGo HTML search.")
	}

	if AppConfig.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL is not set, conversations are kept in memory only.")
	}

	if AppConfig.RedisAddr == "" {
		log.Println("Warning: REDIS_ADDR is not set, enrichment results will not be cached.")
	}

	if AppConfig.MongoURI == "" && AppConfig.MinioEndpoint == "" {
		log.Println("Warning: no report archive configured, deep research reports will not be archived.")
	}
}

// LoadConfigFile decodes the YAML config file into config and fills in defaults for the
// optional sections.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	if config.DeepResearch == nil {
		config.DeepResearch = &DeepResearchConfig{}
		_ = config.DeepResearch.Validate()
	}

	if config.Enrichment == nil {
		config.Enrichment = &EnrichmentConfig{}
		_ = config.Enrichment.Validate()
	}

	if config.TitleGeneration == nil {
		config.TitleGeneration = &TitleGenerationConfig{}
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as bool, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
