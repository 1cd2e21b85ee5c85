// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// HTTPAddr is the address of the websocket watch gateway (e.g. :8081).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN. Empty selects the in-memory store (dev and tests only).
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the logrus level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "json" or "text".
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// MaxDevices is the ceiling of concurrently active sessions per account.
	MaxDevices int `mapstructure:"MAX_DEVICES"`
	// HeartbeatInterval is how often clients touch lastActive (e.g. "60s").
	HeartbeatInterval string `mapstructure:"HEARTBEAT_INTERVAL"`

	// GeoPrimaryURL is the base URL of the ip/geolocation JSON endpoint.
	GeoPrimaryURL string `mapstructure:"GEO_PRIMARY_URL"`
	// GeoFallbackURL is the base URL of the IP-only fallback endpoint.
	GeoFallbackURL string `mapstructure:"GEO_FALLBACK_URL"`
	// GeoTimeout bounds the whole resolution (e.g. "3s").
	GeoTimeout string `mapstructure:"GEO_TIMEOUT"`
	// GeoFallbackTimeout bounds the secondary lookup (e.g. "1500ms").
	GeoFallbackTimeout string `mapstructure:"GEO_FALLBACK_TIMEOUT"`
	// GeoRatePerSecond and GeoBurst throttle outbound lookups; the upstream is rate limited.
	GeoRatePerSecond float64 `mapstructure:"GEO_RATE_PER_SECOND"`
	GeoBurst         int     `mapstructure:"GEO_BURST"`

	// JWTPublicKey is the PEM-encoded identity provider public key (RSA or ECDSA) or a path to it.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTHMACSecret is the shared secret for HS256 identity tokens; used when JWTPublicKey is empty.
	JWTHMACSecret string `mapstructure:"JWT_HMAC_SECRET"`
	// JWTIssuer is the expected iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the expected aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// Admin-only: JWTPrivateKey (PEM or path) lets the admin CLI mint identity tokens; JWT_HMAC_SECRET is used otherwise.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`

	// RedisAddr enables the blocklist cache when set (host:port).
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	// BlocklistCacheTTL is how long blocklist answers are cached (e.g. "5m").
	BlocklistCacheTTL string `mapstructure:"BLOCKLIST_CACHE_TTL"`
	// DevicePolicyPath is an optional Rego file with extra device deny rules.
	DevicePolicyPath string `mapstructure:"DEVICE_POLICY_PATH"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses. When set, session events go to Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// SessionEventsTopic is the Kafka topic for session lifecycle events.
	SessionEventsTopic string `mapstructure:"SESSION_EVENTS_TOPIC"`
	// KafkaGroupID is the consumer group ID for the worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the worker pushes session events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is reported as service.name.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// WSAllowedOrigins is a comma-separated list of origin patterns for the watch gateway.
	WSAllowedOrigins string `mapstructure:"WS_ALLOWED_ORIGINS"`

	// Client-only: AuthorityAddr is the gRPC address sessionctl dials.
	AuthorityAddr string `mapstructure:"AUTHORITY_ADDR"`
	// Client-only: DeviceIDPath is where sessionctl persists its device id.
	DeviceIDPath string `mapstructure:"DEVICE_ID_PATH"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("HTTP_ADDR", ":8081")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("MAX_DEVICES", 3)
	v.SetDefault("HEARTBEAT_INTERVAL", "60s")
	v.SetDefault("GEO_PRIMARY_URL", "https://ipapi.co")
	v.SetDefault("GEO_FALLBACK_URL", "https://api.ipify.org")
	v.SetDefault("GEO_TIMEOUT", "3s")
	v.SetDefault("GEO_FALLBACK_TIMEOUT", "1500ms")
	v.SetDefault("GEO_RATE_PER_SECOND", 1.0)
	v.SetDefault("GEO_BURST", 5)
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_HMAC_SECRET", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_ISSUER", "session-authority-idp")
	v.SetDefault("JWT_AUDIENCE", "session-authority")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("BLOCKLIST_CACHE_TTL", "5m")
	v.SetDefault("DEVICE_POLICY_PATH", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SESSION_EVENTS_TOPIC", "session-events")
	v.SetDefault("KAFKA_GROUP_ID", "session-events-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "session-authority")
	v.SetDefault("WS_ALLOWED_ORIGINS", "localhost,127.0.0.1")
	v.SetDefault("AUTHORITY_ADDR", "localhost:8080")
	v.SetDefault("DEVICE_ID_PATH", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}
	if cfg.MaxDevices < 1 {
		return nil, errors.New("config: MAX_DEVICES must be at least 1")
	}
	if cfg.Env == "production" && cfg.JWTPublicKey == "" && cfg.JWTHMACSecret == "" {
		return nil, errors.New("config: JWT_PUBLIC_KEY or JWT_HMAC_SECRET must be set when APP_ENV=production")
	}
	if cfg.GeoBurst < 1 {
		cfg.GeoBurst = 1
	}

	return &cfg, nil
}

// HeartbeatEvery parses HeartbeatInterval. Returns 60s if unset or invalid.
func (c *Config) HeartbeatEvery() time.Duration {
	return parseDuration(c.HeartbeatInterval, 60*time.Second)
}

// GeoLookupTimeout parses GeoTimeout. Returns 3s if unset or invalid.
func (c *Config) GeoLookupTimeout() time.Duration {
	return parseDuration(c.GeoTimeout, 3*time.Second)
}

// GeoFallbackLookupTimeout parses GeoFallbackTimeout. Returns 1.5s if unset or invalid.
func (c *Config) GeoFallbackLookupTimeout() time.Duration {
	return parseDuration(c.GeoFallbackTimeout, 1500*time.Millisecond)
}

// BlocklistTTL parses BlocklistCacheTTL. Returns 5m if unset or invalid.
func (c *Config) BlocklistTTL() time.Duration {
	return parseDuration(c.BlocklistCacheTTL, 5*time.Minute)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the Kafka producer is enabled (non-empty list).
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// AllowedOrigins returns the websocket origin patterns.
func (c *Config) AllowedOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.WSAllowedOrigins)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
