// Package config provides configuration loading for the tracking service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the tracking service
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Store      StoreConfig      `mapstructure:"store"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Reports    ReportsConfig    `mapstructure:"reports"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Webhooks   WebhooksConfig   `mapstructure:"webhooks"`
	Schemas    SchemasConfig    `mapstructure:"schemas"`
	Commerce   CommerceConfig   `mapstructure:"commerce"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	HealthTimeout   time.Duration `mapstructure:"health_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig holds the Redis connection backing the queue, correlation index and alert buckets
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Database       string `mapstructure:"database"`
	SSLMode        string `mapstructure:"sslmode"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// ConnString returns the postgres:// URL for pgx and golang-migrate.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Token         string        `mapstructure:"token"`
}

// OpenSearchConfig holds the event archive configuration
type OpenSearchConfig struct {
	URL           string `mapstructure:"url"`
	Enabled       bool   `mapstructure:"enabled"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
	Index         string `mapstructure:"index"`
	PageSize      int    `mapstructure:"page_size"`
}

// StoreConfig holds the analytics store adapter settings
type StoreConfig struct {
	URL                 string        `mapstructure:"url"`
	Token               string        `mapstructure:"token"`
	BatchSize           int           `mapstructure:"batch_size"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second"`
	Burst               int           `mapstructure:"burst"`
	QuotaLimit          int64         `mapstructure:"quota_limit"`
	QuotaWindow         time.Duration `mapstructure:"quota_window"`
	QuotaTracking       bool          `mapstructure:"quota_tracking"`
	MaxQuotaWait        time.Duration `mapstructure:"max_quota_wait"`
	MaxRateLimitRetries int           `mapstructure:"max_rate_limit_retries"`
}

// SyncConfig holds delivery engine settings
type SyncConfig struct {
	Workers                  int           `mapstructure:"workers"`
	ClaimBatch               int           `mapstructure:"claim_batch"`
	PollInterval             time.Duration `mapstructure:"poll_interval"`
	MaxAttempts              int           `mapstructure:"max_attempts"`
	BackoffBase              time.Duration `mapstructure:"backoff_base"`
	BackoffMax               time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier        float64       `mapstructure:"backoff_multiplier"`
	BackoffJitter            float64       `mapstructure:"backoff_jitter"`
	InflightTimeout          time.Duration `mapstructure:"inflight_timeout"`
	WatchdogInterval         time.Duration `mapstructure:"watchdog_interval"`
	DeferDelay               time.Duration `mapstructure:"defer_delay"`
	QuotaPause               time.Duration `mapstructure:"quota_pause"`
	SystemicFailureThreshold int           `mapstructure:"systemic_failure_threshold"`
	CorrelationRetention     time.Duration `mapstructure:"correlation_retention"`
}

// NotifyConfig holds notification aggregation and channel settings
type NotifyConfig struct {
	Window         time.Duration       `mapstructure:"window"`
	ChannelTimeout time.Duration       `mapstructure:"channel_timeout"`
	HistorySize    int64               `mapstructure:"history_size"`
	Routes         map[string][]string `mapstructure:"routes"`
	ReportChannels []string            `mapstructure:"report_channels"`
	Email          EmailConfig         `mapstructure:"email"`
	PagerURL       string              `mapstructure:"pager_url"`
	SlackURL       string              `mapstructure:"slack_url"`
	Bus            bool                `mapstructure:"bus"`
}

// EmailConfig holds SMTP settings for the email channel
type EmailConfig struct {
	Addr     string   `mapstructure:"addr"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// SchedulerConfig holds cadence tier settings
type SchedulerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	RealtimeInterval time.Duration `mapstructure:"realtime_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	Disabled         []string      `mapstructure:"disabled"`
}

// ReportsConfig holds scheduled report settings
type ReportsConfig struct {
	StockoutDays   float64       `mapstructure:"stockout_days"`
	ForecastWindow time.Duration `mapstructure:"forecast_window"`
	CohortWeeks    int           `mapstructure:"cohort_weeks"`
	SegmentWindow  time.Duration `mapstructure:"segment_window"`
}

// RetentionConfig holds the monthly cleanup horizon
type RetentionConfig struct {
	Period time.Duration `mapstructure:"period"`
}

// WebhooksConfig holds inbound signature settings
type WebhooksConfig struct {
	SharedSecret   string            `mapstructure:"shared_secret"`
	ChannelSecrets map[string]string `mapstructure:"channel_secrets"`
	DeriveSecrets  bool              `mapstructure:"derive_secrets"`
	Unsigned       []string          `mapstructure:"unsigned"`
}

// SchemasConfig selects the event schema file. Empty uses the built-in schemas.
type SchemasConfig struct {
	Path string `mapstructure:"path"`
}

// CommerceConfig holds the commerce backend used for re-sync
type CommerceConfig struct {
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	PageSize   int           `mapstructure:"page_size"`
	MaxPages   int           `mapstructure:"max_pages"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// AdminConfig holds the admin API token settings. An empty secret disables the admin API.
type AdminConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// TracingConfig holds the OTLP exporter settings. An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Headers     string  `mapstructure:"headers"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8095)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 1048576)
	v.SetDefault("server.health_timeout", "3s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "tracksync")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "tracksync")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.migrations_path", "file://tracking/migrations")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.token", "")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.enabled", true)
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "")
	v.SetDefault("opensearch.tls_skip_verify", true)
	v.SetDefault("opensearch.index", "tracksync-events")
	v.SetDefault("opensearch.page_size", 500)

	v.SetDefault("store.url", "http://localhost:8100")
	v.SetDefault("store.token", "")
	v.SetDefault("store.batch_size", 50)
	v.SetDefault("store.request_timeout", "10s")
	v.SetDefault("store.requests_per_second", 1.0)
	v.SetDefault("store.burst", 5)
	v.SetDefault("store.quota_limit", 60)
	v.SetDefault("store.quota_window", "1m")
	v.SetDefault("store.quota_tracking", true)
	v.SetDefault("store.max_quota_wait", "30s")
	v.SetDefault("store.max_rate_limit_retries", 4)

	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.claim_batch", 50)
	v.SetDefault("sync.poll_interval", "1s")
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.backoff_base", "1s")
	v.SetDefault("sync.backoff_max", "60s")
	v.SetDefault("sync.backoff_multiplier", 2.0)
	v.SetDefault("sync.backoff_jitter", 0.5)
	v.SetDefault("sync.inflight_timeout", "10m")
	v.SetDefault("sync.watchdog_interval", "30s")
	v.SetDefault("sync.defer_delay", "500ms")
	v.SetDefault("sync.quota_pause", "5s")
	v.SetDefault("sync.systemic_failure_threshold", 10)
	v.SetDefault("sync.correlation_retention", "720h")

	v.SetDefault("notify.window", "5m")
	v.SetDefault("notify.channel_timeout", "10s")
	v.SetDefault("notify.history_size", 500)
	v.SetDefault("notify.routes", map[string][]string{
		"low":      {"email"},
		"medium":   {"email"},
		"high":     {"pager", "email"},
		"critical": {"pager", "email"},
	})
	v.SetDefault("notify.report_channels", []string{"email"})
	v.SetDefault("notify.email.addr", "")
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.from", "tracksync@localhost")
	v.SetDefault("notify.email.to", []string{})
	v.SetDefault("notify.pager_url", "")
	v.SetDefault("notify.slack_url", "")
	v.SetDefault("notify.bus", true)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.realtime_interval", "1m")
	v.SetDefault("scheduler.poll_interval", "15s")
	v.SetDefault("scheduler.lock_ttl", "30m")
	v.SetDefault("scheduler.job_timeout", "20m")
	v.SetDefault("scheduler.disabled", []string{})

	v.SetDefault("reports.stockout_days", 7.0)
	v.SetDefault("reports.forecast_window", "336h")
	v.SetDefault("reports.cohort_weeks", 12)
	v.SetDefault("reports.segment_window", "8760h")

	v.SetDefault("retention.period", "2160h")

	v.SetDefault("webhooks.shared_secret", "")
	v.SetDefault("webhooks.channel_secrets", map[string]string{})
	v.SetDefault("webhooks.derive_secrets", false)
	v.SetDefault("webhooks.unsigned", []string{"user-activity"})

	v.SetDefault("schemas.path", "")

	v.SetDefault("commerce.url", "")
	v.SetDefault("commerce.token", "")
	v.SetDefault("commerce.page_size", 100)
	v.SetDefault("commerce.max_pages", 50)
	v.SetDefault("commerce.max_retries", 3)
	v.SetDefault("commerce.retry_delay", "500ms")

	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.token_ttl", "1h")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.headers", "")
	v.SetDefault("tracing.service_name", "tracksync")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load reads configuration from file and environment variables. A .env file
// in the working directory is loaded first so its values reach AutomaticEnv.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tracksync")
	}

	// Environment variables override (TRACKING_SERVER_PORT, TRACKING_STORE_URL, etc.)
	v.SetEnvPrefix("TRACKING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config - ignore file not found for defaults
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Store.URL == "" {
		errs = append(errs, errors.New("store.url is required"))
	}
	if c.Store.BatchSize <= 0 {
		errs = append(errs, errors.New("store.batch_size must be positive"))
	}
	if c.Sync.Workers <= 0 {
		errs = append(errs, errors.New("sync.workers must be positive"))
	}
	if c.Sync.MaxAttempts <= 0 {
		errs = append(errs, errors.New("sync.max_attempts must be positive"))
	}
	if c.Sync.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("sync.backoff_multiplier must be at least 1"))
	}
	if c.Sync.BackoffJitter < 0 || c.Sync.BackoffJitter > 1 {
		errs = append(errs, errors.New("sync.backoff_jitter must be within [0, 1]"))
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		errs = append(errs, errors.New("sync.backoff_max must not be below sync.backoff_base"))
	}
	if c.Notify.Window <= 0 {
		errs = append(errs, errors.New("notify.window must be positive"))
	}
	errs = append(errs, c.validateSendBudget()...)
	return errors.Join(errs...)
}

// SendBudget is how long one delivery group may spend in store calls before
// its owner lease and in-flight claim run out.
func (c *Config) SendBudget() time.Duration {
	return c.Sync.InflightTimeout - c.Sync.InflightTimeout/10
}

// StoreSendBound is the longest a delivery group can take when every batch
// waits out the quota, times out and is rate limited down to the last retry.
func (c *Config) StoreSendBound() time.Duration {
	batches := 1
	if c.Store.BatchSize > 0 && c.Sync.ClaimBatch > c.Store.BatchSize {
		batches = (c.Sync.ClaimBatch + c.Store.BatchSize - 1) / c.Store.BatchSize
	}
	retries := time.Duration(c.Store.MaxRateLimitRetries)
	perBatch := (retries+1)*(c.Store.RequestTimeout+c.Store.MaxQuotaWait) + retries*c.Sync.BackoffMax
	return time.Duration(batches) * perBatch
}

func (c *Config) validateSendBudget() []error {
	if c.Sync.InflightTimeout <= 0 {
		return []error{errors.New("sync.inflight_timeout must be positive")}
	}
	budget := c.SendBudget()
	var errs []error
	if c.Store.RequestTimeout >= budget {
		errs = append(errs, fmt.Errorf("store.request_timeout %s must be below 90%% of sync.inflight_timeout (%s)", c.Store.RequestTimeout, budget))
	}
	if c.Store.MaxQuotaWait >= budget {
		errs = append(errs, fmt.Errorf("store.max_quota_wait %s must be below 90%% of sync.inflight_timeout (%s)", c.Store.MaxQuotaWait, budget))
	}
	if bound := c.StoreSendBound(); len(errs) == 0 && bound >= budget {
		errs = append(errs, fmt.Errorf("worst-case store send %s (request_timeout, max_quota_wait and max_rate_limit_retries x backoff_max per batch) must be below 90%% of sync.inflight_timeout (%s)", bound, budget))
	}
	return errs
}
