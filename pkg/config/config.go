package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution service.
type Config struct {
	Port           string
	GRPCHealthAddr string
	LogLevel       string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Adapter construction
	ProductionLock   bool // refuse sandbox adapters unless ALLOW_SANDBOX is set
	AllowSandbox     bool
	AdapterTimeout   time.Duration
	VenueCatalogPath string // optional YAML fee/limit overrides
	MT5GatewayURL    string

	// OAuth renewal
	TokenRefreshThreshold time.Duration
	SchwabClientID        string
	SchwabClientSecret    string
	SchwabTokenURL        string

	// HTTP surface
	CORSOrigins      []string
	WebhookRateLimit float64 // requests per second per client IP
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		GRPCHealthAddr:        getEnv("GRPC_HEALTH_ADDR", ":9090"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		DBPath:                getEnv("DB_PATH", "./data/broker-bridge.db"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		ProductionLock:        getEnvBool("PRODUCTION_LOCK", true),
		AllowSandbox:          getEnvBool("ALLOW_SANDBOX", false),
		AdapterTimeout:        getEnvDuration("ADAPTER_TIMEOUT", 15*time.Second),
		VenueCatalogPath:      getEnv("VENUE_CATALOG_PATH", ""),
		MT5GatewayURL:         getEnv("MT5_GATEWAY_URL", ""),
		TokenRefreshThreshold: getEnvDuration("TOKEN_REFRESH_THRESHOLD", 5*time.Minute),
		SchwabClientID:        os.Getenv("SCHWAB_CLIENT_ID"),
		SchwabClientSecret:    os.Getenv("SCHWAB_CLIENT_SECRET"),
		SchwabTokenURL:        getEnv("SCHWAB_TOKEN_URL", "https://api.schwabapi.com/v1/oauth/token"),
		CORSOrigins:           splitAndTrim(getEnv("CORS_ORIGINS", "")),
		WebhookRateLimit:      getEnvFloat("WEBHOOK_RATE_LIMIT", 5),
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("20s") or bare seconds ("20").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
