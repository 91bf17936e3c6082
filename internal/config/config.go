package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	StoreDriver        string
	MigrateOnStart     bool

	LockTTL          time.Duration
	LockRetryBackoff time.Duration
	IdempotencyTTL   time.Duration

	PaymentRateLimit  int
	PaymentRateWindow time.Duration
	BodyLimitBytes    int64
	EnableHSTS        bool

	CurrencyCode     string
	StampDutyDefault decimal.Decimal
	FodecRateDefault decimal.Decimal

	Obs ObsConfig
}

// ObsConfig groups the logging, metrics and tracing settings (OBS_* keys).
type ObsConfig struct {
	LogFormat          string
	LogLevel           string
	MetricsEnabled     bool
	MetricsNamespace   string
	MetricsBuckets     string
	TracingEnabled     bool
	TracingExporter    string
	TracingEndpoint    string
	TracingSampleRatio float64
	ServiceName        string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	stamp, err := parseDecimal(k.String("STAMP_DUTY_DEFAULT"), "1.000")
	if err != nil {
		return nil, fmt.Errorf("STAMP_DUTY_DEFAULT: %w", err)
	}
	fodec, err := parseDecimal(k.String("FODEC_RATE_DEFAULT"), "1")
	if err != nil {
		return nil, fmt.Errorf("FODEC_RATE_DEFAULT: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		StoreDriver:        strings.ToLower(valueOrDefault(k.String("STORE_DRIVER"), StoreDriverPostgres)),
		MigrateOnStart:     parseBool(k.String("MIGRATE_ON_START")),
		LockTTL:            parseDuration(k.String("LOCK_TTL"), "10s"),
		LockRetryBackoff:   parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		PaymentRateLimit:   parseInt(k.String("PAYMENT_RATE_LIMIT"), 30),
		PaymentRateWindow:  parseDuration(k.String("PAYMENT_RATE_WINDOW"), "1m"),
		BodyLimitBytes:     int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		EnableHSTS:         parseBool(k.String("SECURITY_ENABLE_HSTS")),
		CurrencyCode:       strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "TND")),
		StampDutyDefault:   stamp,
		FodecRateDefault:   fodec,
		Obs: ObsConfig{
			LogFormat:          valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:           valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsEnabled:     parseBoolDefault(k.String("OBS_METRICS_ENABLED"), true),
			MetricsNamespace:   valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "facturation"),
			MetricsBuckets:     k.String("OBS_METRICS_BUCKETS_MS"),
			TracingEnabled:     parseBool(k.String("OBS_TRACING_ENABLED")),
			TracingExporter:    valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			TracingEndpoint:    k.String("OBS_TRACING_ENDPOINT"),
			TracingSampleRatio: parseFloat(k.String("OBS_TRACING_SAMPLE_RATIO"), 1),
			ServiceName:        valueOrDefault(k.String("OBS_SERVICE_NAME"), "facturation-api"),
		},
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.StampDutyDefault.IsNegative() {
		return nil, errors.New("STAMP_DUTY_DEFAULT must not be negative")
	}
	if cfg.FodecRateDefault.IsNegative() || cfg.FodecRateDefault.GreaterThan(decimal.NewFromInt(100)) {
		return nil, errors.New("FODEC_RATE_DEFAULT must be within 0..100")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseDecimal(value, fallback string) (decimal.Decimal, error) {
	return decimal.NewFromString(valueOrDefault(value, fallback))
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
