package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	LogLevel  string
	LogFormat string

	DB        DBConfig
	Flush     FlushConfig
	Authority AuthorityConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig

	FeaturesFile string
	NodeID       int64

	// SyncScopes lists tenants reconciled against the authoritative store on startup.
	SyncScopes []string
}

type DBConfig struct {
	Path           string
	BusyTimeout    time.Duration
	MetricsEnabled bool
	SlowThreshold  time.Duration
}

type FlushConfig struct {
	DefaultInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	FlushAtPercent  float64
	CriticalPercent float64
	BatchSize       int
	RemoteTimeout   time.Duration
	AutoFlush       bool
	Retention       time.Duration
}

type AuthorityConfig struct {
	Driver  string
	URL     string
	Token   string
	Timeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// LeaseTTL bounds how long one process may hold the cross-process flush lease.
	LeaseTTL time.Duration
}

type TelemetryConfig struct {
	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
	PushgatewayURL       string
}

const (
	AuthorityDriverHTTP  = "http"
	AuthorityDriverRedis = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "usagebuffer"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:   strings.ToLower(getenv("LOG_FORMAT", "json")),
		DB: DBConfig{
			Path:           getenv("BUFFER_DB_PATH", "usagebuffer.db"),
			BusyTimeout:    getenvDuration("BUFFER_DB_BUSY_TIMEOUT", 5*time.Second),
			MetricsEnabled: getenvBool("BUFFER_DB_METRICS_ENABLED", false),
			SlowThreshold:  getenvDuration("BUFFER_DB_SLOW_THRESHOLD", 200*time.Millisecond),
		},
		Flush: FlushConfig{
			DefaultInterval: getenvDuration("FLUSH_DEFAULT_INTERVAL", 4*time.Hour),
			MinInterval:     getenvDuration("FLUSH_MIN_INTERVAL", 5*time.Minute),
			MaxInterval:     getenvDuration("FLUSH_MAX_INTERVAL", 24*time.Hour),
			FlushAtPercent:  getenvFloat("FLUSH_AT_PERCENT", 80),
			CriticalPercent: getenvFloat("FLUSH_CRITICAL_PERCENT", 95),
			BatchSize:       getenvInt("FLUSH_BATCH_SIZE", 500),
			RemoteTimeout:   getenvDuration("FLUSH_REMOTE_TIMEOUT", 10*time.Second),
			AutoFlush:       getenvBool("FLUSH_AUTO", true),
			Retention:       getenvDuration("EVENT_RETENTION", 30*24*time.Hour),
		},
		Authority: AuthorityConfig{
			Driver:  strings.ToLower(getenv("AUTHORITY_DRIVER", AuthorityDriverHTTP)),
			URL:     strings.TrimSpace(getenv("AUTHORITY_URL", "")),
			Token:   strings.TrimSpace(getenv("AUTHORITY_TOKEN", "")),
			Timeout: getenvDuration("AUTHORITY_HTTP_TIMEOUT", 15*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			LeaseTTL: getenvDuration("REDIS_FLUSH_LEASE_TTL", 2*time.Minute),
		},
		Telemetry: TelemetryConfig{
			OtelEnabled:          getenvBool("OTEL_ENABLED", false),
			OtelExporterEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			OtelExporterProtocol: strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
			OtelSamplingRatio:    getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
			PushgatewayURL:       strings.TrimSpace(getenv("METRICS_PUSHGATEWAY_URL", "")),
		},
		FeaturesFile: getenv("FEATURES_FILE", ""),
		NodeID:       getenvInt64("BUFFER_NODE_ID", 1),
		SyncScopes:   parseList(getenv("SYNC_SCOPES", "")),
	}
}

func (c Config) IsDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
