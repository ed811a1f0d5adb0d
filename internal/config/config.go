// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/monitor"
	"github.com/JakeFAU/property-pipeline/internal/source"
)

// EnvPrefix namespaces environment overrides, e.g. PIPELINE_DB_DSN.
const EnvPrefix = "PIPELINE"

// Backends accepted by the store and storage selectors.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNone     = "none"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendS3       = "s3"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig                  `mapstructure:"logging"`
	Server    ServerConfig                   `mapstructure:"server"`
	Auth      AuthConfig                     `mapstructure:"auth"`
	Ingest    IngestConfig                   `mapstructure:"ingest"`
	HTTP      HTTPConfig                     `mapstructure:"http"`
	Providers map[string]source.ProviderSpec `mapstructure:"providers"`
	GeoUnits  []string                       `mapstructure:"geo_units"`
	DB        DBConfig                       `mapstructure:"db"`
	Redis     RedisConfig                    `mapstructure:"redis"`
	Storage   StorageConfig                  `mapstructure:"storage"`
	Relay     RelayConfig                    `mapstructure:"relay"`
	Monitor   MonitorConfig                  `mapstructure:"monitor"`
	Notify    NotifyConfig                   `mapstructure:"notify"`
	PubSub    PubSubConfig                   `mapstructure:"pubsub"`
	Photos    PhotosConfig                   `mapstructure:"photos"`
	Analytics AnalyticsConfig                `mapstructure:"analytics"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// IngestConfig governs the coordinator and workers.
type IngestConfig struct {
	Workers         int           `mapstructure:"workers"`
	UnitConcurrency int           `mapstructure:"unit_concurrency"`
	MaxPages        int           `mapstructure:"max_pages"`
	ItemDelay       time.Duration `mapstructure:"item_delay"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
}

// HTTPConfig configures outbound HTTP timeouts and retry behavior.
type HTTPConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	SearchTimeout  time.Duration `mapstructure:"search_timeout"`
	RelayTimeout   time.Duration `mapstructure:"relay_timeout"`
	Backoff429     time.Duration `mapstructure:"backoff_429"`
	Max429Attempts int           `mapstructure:"max_429_attempts"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// DBConfig selects and tunes the canonical store.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig enables the cross-process natural-key lock when URL is set.
type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// StorageConfig selects the raw page archive backend.
type StorageConfig struct {
	Backend   string   `mapstructure:"backend"`
	BaseDir   string   `mapstructure:"base_dir"`
	GCSBucket string   `mapstructure:"gcs_bucket"`
	Prefix    string   `mapstructure:"prefix"`
	S3        S3Config `mapstructure:"s3"`
}

// S3Config addresses an S3-compatible bucket such as MinIO.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// RelayConfig points at the CRM webhook. An empty URL disables relaying.
type RelayConfig struct {
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// MonitorConfig controls the alert loop.
type MonitorConfig struct {
	Interval   time.Duration      `mapstructure:"interval"`
	Thresholds monitor.Thresholds `mapstructure:"thresholds"`
}

// NotifyConfig lists the alert channels: log, webhook, pubsub and email.
type NotifyConfig struct {
	Channels   []string            `mapstructure:"channels"`
	WebhookURL string              `mapstructure:"webhook_url"`
	Email      monitor.EmailConfig `mapstructure:"email"`
}

// PubSubConfig holds the Pub/Sub project and alert topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// PhotosConfig controls photo resolution for listings that arrive without images.
type PhotosConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Headless    bool          `mapstructure:"headless"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	// MinBodyBytes is the body size below which a static page is re-rendered headless.
	MinBodyBytes int `mapstructure:"min_body_bytes"`
}

// AnalyticsConfig tunes the scoring recompute.
type AnalyticsConfig struct {
	BaseConversionRate float64 `mapstructure:"base_conversion_rate"`
}

// Load builds a Config from an optional file, a .env file and the environment.
// Only keys with a default can be overridden from the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	th := monitor.DefaultThresholds()

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.unit_concurrency", 2)
	v.SetDefault("ingest.max_pages", 10)
	v.SetDefault("ingest.item_delay", "750ms")
	v.SetDefault("ingest.stale_after", "0s")
	v.SetDefault("http.user_agent", "property-pipeline/1.0")
	v.SetDefault("http.search_timeout", "30s")
	v.SetDefault("http.relay_timeout", "10s")
	v.SetDefault("http.backoff_429", "5s")
	v.SetDefault("http.max_429_attempts", 3)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.retry_base_delay", "250ms")
	v.SetDefault("http.retry_max_delay", "5s")
	v.SetDefault("db.driver", BackendMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.lock_ttl", "30s")
	v.SetDefault("redis.key_prefix", "pipeline:lock:")
	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.base_dir", "data/raw")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_ssl", true)
	v.SetDefault("relay.url", "")
	v.SetDefault("relay.auth_token", "")
	v.SetDefault("monitor.interval", "15m")
	v.SetDefault("monitor.thresholds.high_lead_volume", th.HighLeadVolume)
	v.SetDefault("monitor.thresholds.lead_volume_window", th.LeadVolumeWindow.String())
	v.SetDefault("monitor.thresholds.import_failure", th.ImportFailure)
	v.SetDefault("monitor.thresholds.import_window", th.ImportWindow.String())
	v.SetDefault("monitor.thresholds.market_heat_swing", th.MarketHeatSwing)
	v.SetDefault("monitor.thresholds.low_conversion", th.LowConversion)
	v.SetDefault("monitor.thresholds.low_conversion_min_leads", th.LowConversionMinLeads)
	v.SetDefault("monitor.thresholds.trending_property_leads", th.TrendingPropertyLeads)
	v.SetDefault("monitor.thresholds.trending_window", th.TrendingWindow.String())
	v.SetDefault("monitor.thresholds.api_quota", th.APIQuota)
	v.SetDefault("notify.channels", []string{"log"})
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.email.host", "")
	v.SetDefault("notify.email.port", 587)
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.timeout", "15s")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("photos.enabled", true)
	v.SetDefault("photos.headless", false)
	v.SetDefault("photos.max_parallel", 1)
	v.SetDefault("photos.nav_timeout", "25s")
	v.SetDefault("photos.min_body_bytes", 2048)
	v.SetDefault("analytics.base_conversion_rate", 2.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Ingest.Workers <= 0 {
		return errors.New("ingest.workers must be > 0")
	}
	if c.Ingest.UnitConcurrency <= 0 {
		return errors.New("ingest.unit_concurrency must be > 0")
	}
	if c.Ingest.MaxPages <= 0 {
		return errors.New("ingest.max_pages must be > 0")
	}
	if c.HTTP.SearchTimeout <= 0 || c.HTTP.RelayTimeout <= 0 {
		return errors.New("http timeouts must be > 0")
	}
	if c.HTTP.Max429Attempts <= 0 {
		return errors.New("http.max_429_attempts must be > 0")
	}
	if _, err := c.ParsedGeoUnits(); err != nil {
		return err
	}
	switch c.DB.Driver {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return errors.New("storage.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket is required for the gcs backend")
		}
	case BackendS3:
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.endpoint and storage.s3.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	for _, ch := range c.Notify.Channels {
		switch ch {
		case "log":
		case "webhook":
			if c.Notify.WebhookURL == "" {
				return errors.New("notify.webhook_url is required for the webhook channel")
			}
		case "pubsub":
			if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
				return errors.New("pubsub.project_id and pubsub.topic are required for the pubsub channel")
			}
		case "email":
			if c.Notify.Email.Host == "" || c.Notify.Email.From == "" || len(c.Notify.Email.To) == 0 {
				return errors.New("notify.email host, from and to are required for the email channel")
			}
		default:
			return fmt.Errorf("unknown notify channel %q", ch)
		}
	}
	if c.Photos.Headless && c.Photos.MaxParallel <= 0 {
		return errors.New("photos.max_parallel must be > 0 when headless is enabled")
	}
	return nil
}

// ParsedGeoUnits parses GeoUnits ("94110" or "Austin,TX").
func (c Config) ParsedGeoUnits() ([]ingest.GeoUnit, error) {
	out := make([]ingest.GeoUnit, 0, len(c.GeoUnits))
	for _, raw := range c.GeoUnits {
		g, err := ingest.ParseGeoUnit(raw)
		if err != nil {
			return nil, fmt.Errorf("geo_units: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}

// ProviderNames returns the configured provider keys in sorted order.
func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, strings.ToLower(name))
	}
	slices.Sort(names)
	return names
}
