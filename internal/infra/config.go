package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	WorkerPort       string
	DatabaseURL      string
	JWTSecret        string
	StoragePath      string
	StorageBaseURL   string
	GeoIPDBPath      string
	CORSOrigins      []string
	OpenAIAPIKey     string
	OpenAIModel      string
	OpenAIImageModel string
	OpenAIBaseURL    string
	OpenAIOrg        string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int

	// Task queue and claim protocol.
	StaleThreshold     time.Duration
	MaxAttempts        int
	RetryBaseBackoff   time.Duration
	WorkerPollInterval time.Duration
	WorkerConcurrency  int

	// Client wait coordinator.
	WaitPollInterval time.Duration
	WaitMaxTimeout   time.Duration

	// Worker nudge.
	NudgeTransport string
	WorkerNudgeURL string
	RedisURL       string
	AMQPURL        string

	// Credits.
	CostTablePath          string
	SignupBonusCredits     int
	FirstSubscriptionBonus int
}

// Nudge transports understood by NudgeTransport.
const (
	NudgeNone  = "none"
	NudgeHTTP  = "http"
	NudgeRedis = "redis"
	NudgeAMQP  = "amqp"
)

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             port,
		WorkerPort:       getEnv("WORKER_PORT", "8081"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		StoragePath:      getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:   getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		GeoIPDBPath:      os.Getenv("GEOIP_DB_PATH"),
		CORSOrigins:      splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIImageModel: getEnv("OPENAI_IMAGE_MODEL", "gpt-image-1"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIOrg:        os.Getenv("OPENAI_ORG"),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 90)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 60),

		StaleThreshold:     time.Second * time.Duration(getEnvInt("TASK_STALE_THRESHOLD_SECONDS", 90)),
		MaxAttempts:        getEnvInt("TASK_MAX_ATTEMPTS", 3),
		RetryBaseBackoff:   time.Second * time.Duration(getEnvInt("TASK_RETRY_BASE_SECONDS", 5)),
		WorkerPollInterval: time.Millisecond * time.Duration(getEnvInt("WORKER_POLL_INTERVAL_MS", 2000)),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 4),

		WaitPollInterval: time.Millisecond * time.Duration(getEnvInt("WAIT_POLL_INTERVAL_MS", 2000)),
		WaitMaxTimeout:   time.Second * time.Duration(getEnvInt("WAIT_MAX_TIMEOUT_SECONDS", 60)),

		NudgeTransport: strings.ToLower(getEnv("NUDGE_TRANSPORT", NudgeNone)),
		WorkerNudgeURL: getEnv("WORKER_NUDGE_URL", "http://localhost:8081/v1/nudge"),
		RedisURL:       os.Getenv("REDIS_URL"),
		AMQPURL:        os.Getenv("AMQP_URL"),

		CostTablePath:          os.Getenv("COST_TABLE_PATH"),
		SignupBonusCredits:     getEnvInt("SIGNUP_BONUS_CREDITS", 5),
		FirstSubscriptionBonus: getEnvInt("FIRST_SUBSCRIPTION_BONUS", 20),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("TASK_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.StaleThreshold <= 0 {
		return nil, fmt.Errorf("TASK_STALE_THRESHOLD_SECONDS must be positive")
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}

	switch cfg.NudgeTransport {
	case NudgeNone, NudgeHTTP:
	case NudgeRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required for redis nudges")
		}
	case NudgeAMQP:
		if cfg.AMQPURL == "" {
			return nil, fmt.Errorf("AMQP_URL is required for amqp nudges")
		}
	default:
		return nil, fmt.Errorf("unsupported NUDGE_TRANSPORT %q", cfg.NudgeTransport)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
