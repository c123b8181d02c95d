// Package config loads the authority's configuration from defaults, an
// optional YAML file, and KEYGATE_* environment variables, in that
// precedence order (environment wins). Secrets are only ever read from the
// environment or the file; none are compiled in.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the complete authority configuration.
type Config struct {
	Environment string          `yaml:"environment" envconfig:"ENVIRONMENT"`
	Server      ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Database    DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Cache       CacheConfig     `yaml:"cache" envconfig:"CACHE"`
	Security    SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Webhook     WebhookConfig   `yaml:"webhook" envconfig:"WEBHOOK"`
	Events      EventsConfig    `yaml:"events" envconfig:"EVENTS"`
	Janitor     JanitorConfig   `yaml:"janitor" envconfig:"JANITOR"`
	License     LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Logging     LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry   TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// Addr is the listen address derived from the port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// DatabaseConfig contains Postgres connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	MigrationsURL   string        `yaml:"migrations_url" envconfig:"MIGRATIONS_URL"`
	MigrateOnStart  bool          `yaml:"migrate_on_start" envconfig:"MIGRATE_ON_START"`
}

// CacheConfig selects and sizes the validation cache.
type CacheConfig struct {
	Backend       string        `yaml:"backend" envconfig:"BACKEND"`
	TTL           time.Duration `yaml:"ttl" envconfig:"TTL"`
	MaxSize       int           `yaml:"max_size" envconfig:"MAX_SIZE"`
	RedisAddr     string        `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" envconfig:"REDIS_DB"`
}

// SecurityConfig carries the authority's secrets and request policies.
// RequestSigningSecret is optional: when set, validate calls must carry an
// HMAC signature over the body; when empty the endpoint is open.
type SecurityConfig struct {
	FingerprintSecret    string          `yaml:"fingerprint_secret" envconfig:"FINGERPRINT_SECRET"`
	AdminJWTSecret       string          `yaml:"admin_jwt_secret" envconfig:"ADMIN_JWT_SECRET"`
	AdminTokenTTL        time.Duration   `yaml:"admin_token_ttl" envconfig:"ADMIN_TOKEN_TTL"`
	RequestSigningSecret string          `yaml:"request_signing_secret" envconfig:"REQUEST_SIGNING_SECRET"`
	AllowedOrigins       []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS           bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit            RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains per-client rate limiting settings.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// WebhookConfig governs billing webhook intake. InsecureSkipVerify turns
// off signature checks for local development and is refused outright in
// production.
type WebhookConfig struct {
	Secret             string        `yaml:"secret" envconfig:"SECRET"`
	TimestampTolerance time.Duration `yaml:"timestamp_tolerance" envconfig:"TIMESTAMP_TOLERANCE"`
	DedupSize          int           `yaml:"dedup_size" envconfig:"DEDUP_SIZE"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" envconfig:"INSECURE_SKIP_VERIFY"`
}

// EventsConfig controls lifecycle event publishing over NATS.
type EventsConfig struct {
	Enabled        bool          `yaml:"enabled" envconfig:"ENABLED"`
	URL            string        `yaml:"url" envconfig:"URL"`
	SubjectPrefix  string        `yaml:"subject_prefix" envconfig:"SUBJECT_PREFIX"`
	PublishTimeout time.Duration `yaml:"publish_timeout" envconfig:"PUBLISH_TIMEOUT"`
	MaxRetries     int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
}

// JanitorConfig schedules the background purges. Schedules are standard
// five-field cron expressions.
type JanitorConfig struct {
	Enabled            bool   `yaml:"enabled" envconfig:"ENABLED"`
	UsageRetentionDays int    `yaml:"usage_retention_days" envconfig:"USAGE_RETENTION_DAYS"`
	EventRetentionDays int    `yaml:"event_retention_days" envconfig:"EVENT_RETENTION_DAYS"`
	UsagePurgeSchedule string `yaml:"usage_purge_schedule" envconfig:"USAGE_PURGE_SCHEDULE"`
	EventPurgeSchedule string `yaml:"event_purge_schedule" envconfig:"EVENT_PURGE_SCHEDULE"`
	CacheSweepSchedule string `yaml:"cache_sweep_schedule" envconfig:"CACHE_SWEEP_SCHEDULE"`
}

// LicenseConfig contains key issuance and grace policy. PlanTiers maps the
// billing provider's plan ids onto tiers; plan ids not listed here fall
// back to a substring match on the tier name and finally to FREE.
type LicenseConfig struct {
	KeyPrefix            string            `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
	GracePeriodDays      int               `yaml:"grace_period_days" envconfig:"GRACE_PERIOD_DAYS"`
	FreeWarningThreshold int               `yaml:"free_warning_threshold" envconfig:"FREE_WARNING_THRESHOLD"`
	TiersFile            string            `yaml:"tiers_file" envconfig:"TIERS_FILE"`
	PlanTiers            map[string]string `yaml:"plan_tiers" envconfig:"PLAN_TIERS"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// TelemetryConfig contains OpenTelemetry settings.
type TelemetryConfig struct {
	EnableMetrics  bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
	EnableTracing  bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// Load builds the configuration: defaults, then the YAML file if one is
// found, then KEYGATE_* environment variables. The env defaults are kept
// out of struct tags so envconfig cannot stomp file values with them.
func Load() (*Config, error) {
	cfg := Default()

	if configFile := findConfigFile(); configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configFile, err)
		}
	}

	if err := envconfig.Process("KEYGATE", cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile checks KEYGATE_CONFIG, then common locations.
func findConfigFile() string {
	if path := os.Getenv("KEYGATE_CONFIG"); path != "" {
		return path
	}

	locations := []string{
		"keygate.yaml",
		"configs/keygate.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Validate checks the configuration and fills ephemeral secrets in
// development. Production refuses to start without real secrets and with
// any verification switched off.
func (c *Config) Validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("unknown environment %q", c.Environment)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	production := c.Environment == EnvProduction

	if c.Webhook.InsecureSkipVerify && production {
		return fmt.Errorf("webhook.insecure_skip_verify is not allowed in production")
	}

	var err error
	if c.Security.FingerprintSecret, err = requireSecret("security.fingerprint_secret", c.Security.FingerprintSecret, 32, production); err != nil {
		return err
	}
	if c.Security.AdminJWTSecret, err = requireSecret("security.admin_jwt_secret", c.Security.AdminJWTSecret, 32, production); err != nil {
		return err
	}
	if !c.Webhook.InsecureSkipVerify {
		if c.Webhook.Secret, err = requireSecret("webhook.secret", c.Webhook.Secret, 16, production); err != nil {
			return err
		}
	}
	if s := c.Security.RequestSigningSecret; s != "" && len(s) < 16 {
		return fmt.Errorf("security.request_signing_secret must be at least 16 characters")
	}

	if c.License.GracePeriodDays <= 0 {
		return fmt.Errorf("license.grace_period_days must be positive")
	}
	if c.Janitor.UsageRetentionDays < 1 || c.Janitor.EventRetentionDays < 1 {
		return fmt.Errorf("janitor retention must be at least one day")
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/keygated.log"
	}

	return nil
}

// requireSecret enforces a minimum secret length. In development a missing
// secret is replaced with a random ephemeral one so the server can run,
// at the cost of signatures not surviving a restart.
func requireSecret(name, value string, minLen int, production bool) (string, error) {
	if value == "" {
		if production {
			return "", fmt.Errorf("%s is required in production", name)
		}
		return ephemeralSecret(minLen), nil
	}
	if len(value) < minLen {
		return "", fmt.Errorf("%s must be at least %d characters", name, minLen)
	}
	return value, nil
}

func ephemeralSecret(minLen int) string {
	buf := make([]byte, (minLen+1)/2)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("cannot generate ephemeral secret: %v", err))
	}
	return hex.EncodeToString(buf)
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			MigrationsURL:   "file://migrations",
			MigrateOnStart:  true,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     5 * time.Minute,
			MaxSize: 10000,
		},
		Security: SecurityConfig{
			AdminTokenTTL:  24 * time.Hour,
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Webhook: WebhookConfig{
			TimestampTolerance: 5 * time.Minute,
			DedupSize:          2048,
		},
		Events: EventsConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			SubjectPrefix:  "keygate",
			PublishTimeout: 5 * time.Second,
			MaxRetries:     3,
		},
		Janitor: JanitorConfig{
			Enabled:            true,
			UsageRetentionDays: 90,
			EventRetentionDays: 30,
			UsagePurgeSchedule: "0 3 * * *",
			EventPurgeSchedule: "30 3 * * *",
			CacheSweepSchedule: "*/5 * * * *",
		},
		License: LicenseConfig{
			KeyPrefix:            "KGT",
			GracePeriodDays:      7,
			FreeWarningThreshold: 5,
			PlanTiers: map[string]string{
				"plan_free":       "FREE",
				"plan_pro":        "PRO",
				"plan_enterprise": "ENTERPRISE",
			},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Output:      "both",
			FilePath:    "logs/keygated.log",
			Development: true,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics:  true,
			EnableTracing:  true,
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
