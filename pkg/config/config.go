package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Stripe       StripeConfig
	Webhooks     WebhookConfig
	Usage        UsageConfig
	Cache        CacheConfig
	Lifecycle    LifecycleConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would make the billing core misbehave at runtime.
func (c *Config) Validate() error {
	w := c.Webhooks
	switch {
	case w.MaxAttempts <= 0:
		return fmt.Errorf("%s must be positive", EnvWebhookMaxAttempts)
	case w.InitialDelay <= 0:
		return fmt.Errorf("%s must be positive", EnvWebhookInitialDelay)
	case w.MaxDelay < w.InitialDelay:
		return fmt.Errorf("%s must be >= %s", EnvWebhookMaxDelay, EnvWebhookInitialDelay)
	case w.BackoffMultiplier < 1:
		return fmt.Errorf("%s must be >= 1", EnvWebhookBackoffMultiplier)
	case w.SweepConcurrency <= 0:
		return fmt.Errorf("%s must be positive", EnvWebhookSweepConcurrency)
	}
	if c.Usage.WarningPercent <= 0 || c.Usage.WarningPercent >= 100 {
		return fmt.Errorf("%s must be between 0 and 100", EnvUsageWarningPercent)
	}
	if c.Cache.Size <= 0 {
		return fmt.Errorf("%s must be positive", EnvCacheSize)
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"BILLING_APP_ENV" required:"true"`
	Port         string `envconfig:"BILLING_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"BILLING_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"BILLING_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"BILLING_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"BILLING_DB_DSN"`
	Driver string `envconfig:"BILLING_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"BILLING_DB_HOST"`
	Port     int    `envconfig:"BILLING_DB_PORT" default:"5432"`
	User     string `envconfig:"BILLING_DB_USER"`
	Password string `envconfig:"BILLING_DB_PASSWORD"`
	Name     string `envconfig:"BILLING_DB_NAME"`
	SSLMode  string `envconfig:"BILLING_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BILLING_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BILLING_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BILLING_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BILLING_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	// SlowQuery is the duration above which statements are logged at warn; 0 disables.
	SlowQuery time.Duration `envconfig:"BILLING_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BILLING_REDIS_URL" required:"true"`
	Address      string        `envconfig:"BILLING_REDIS_ADDR"`
	Password     string        `envconfig:"BILLING_REDIS_PASSWORD"`
	DB           int           `envconfig:"BILLING_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BILLING_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BILLING_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BILLING_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BILLING_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BILLING_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"BILLING_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"BILLING_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	NotificationTopic string `envconfig:"BILLING_PUBSUB_NOTIFICATION_TOPIC" default:"billing-notifications"`
	LifecycleTopic    string `envconfig:"BILLING_PUBSUB_LIFECYCLE_TOPIC" default:"billing-lifecycle"`
	SchedulerTopic    string `envconfig:"BILLING_PUBSUB_SCHEDULER_TOPIC" default:"billing-scheduler"`
}

type OutboxConfig struct {
	BatchSize      int    `envconfig:"BILLING_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int    `envconfig:"BILLING_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int    `envconfig:"BILLING_OUTBOX_MAX_ATTEMPTS" default:"10"`
	MetricsAddr    string `envconfig:"BILLING_OUTBOX_METRICS_ADDR" default:":9090"`
}

type StripeConfig struct {
	APIKey string `envconfig:"BILLING_STRIPE_API_KEY"`
	Secret string `envconfig:"BILLING_STRIPE_WEBHOOK_SECRET"`
	Env    string `envconfig:"BILLING_STRIPE_ENV" default:"test"`
	// MaxNetworkRetries bounds SDK-level retries on connection errors and 409/429s.
	MaxNetworkRetries int64 `envconfig:"BILLING_STRIPE_MAX_NETWORK_RETRIES" default:"2"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// Enabled reports whether a gateway key is configured at all.
func (s StripeConfig) Enabled() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

// WebhookConfig drives outbound delivery retry and sweep behaviour.
type WebhookConfig struct {
	MaxAttempts       int           `envconfig:"BILLING_WEBHOOK_MAX_ATTEMPTS" default:"5"`
	InitialDelay      time.Duration `envconfig:"BILLING_WEBHOOK_INITIAL_DELAY" default:"1s"`
	MaxDelay          time.Duration `envconfig:"BILLING_WEBHOOK_MAX_DELAY" default:"5m"`
	BackoffMultiplier float64       `envconfig:"BILLING_WEBHOOK_BACKOFF_MULTIPLIER" default:"2"`
	RequestTimeout    time.Duration `envconfig:"BILLING_WEBHOOK_REQUEST_TIMEOUT" default:"10s"`
	SweepBatchSize    int           `envconfig:"BILLING_WEBHOOK_SWEEP_BATCH_SIZE" default:"100"`
	SweepConcurrency  int           `envconfig:"BILLING_WEBHOOK_SWEEP_CONCURRENCY" default:"5"`
	ClaimLease        time.Duration `envconfig:"BILLING_WEBHOOK_CLAIM_LEASE" default:"2m"`
}

type UsageConfig struct {
	WarningPercent     float64       `envconfig:"BILLING_USAGE_WARNING_PERCENT" default:"75"`
	ReconcileBatchSize int           `envconfig:"BILLING_USAGE_RECONCILE_BATCH_SIZE" default:"200"`
	ReconcileWorkers   int           `envconfig:"BILLING_USAGE_RECONCILE_WORKERS" default:"4"`
	AlertDedupeTTL     time.Duration `envconfig:"BILLING_USAGE_ALERT_DEDUPE_TTL" default:"768h"`
}

type CacheConfig struct {
	Size    int           `envconfig:"BILLING_CACHE_SIZE" default:"1024"`
	PlanTTL time.Duration `envconfig:"BILLING_CACHE_PLAN_TTL" default:"5m"`
	RateTTL time.Duration `envconfig:"BILLING_CACHE_RATE_TTL" default:"1h"`
}

type LifecycleConfig struct {
	WinBackReasons []string      `envconfig:"BILLING_WINBACK_REASONS" default:"too_expensive,missing_features"`
	WinBackDelay   time.Duration `envconfig:"BILLING_WINBACK_DELAY" default:"168h"`
}

// IsWinBackReason reports whether reason belongs to the configured win-back set.
func (l LifecycleConfig) IsWinBackReason(reason string) bool {
	reason = strings.TrimSpace(strings.ToLower(reason))
	if reason == "" {
		return false
	}
	for _, candidate := range l.WinBackReasons {
		if strings.TrimSpace(strings.ToLower(candidate)) == reason {
			return true
		}
	}
	return false
}

type CronConfig struct {
	UsageReconcileSchedule        string        `envconfig:"BILLING_CRON_USAGE_RECONCILE" default:"*/15 * * * *"`
	WebhookSweepSchedule          string        `envconfig:"BILLING_CRON_WEBHOOK_SWEEP" default:"* * * * *"`
	SubscriptionReconcileSchedule string        `envconfig:"BILLING_CRON_SUBSCRIPTION_RECONCILE" default:"0 * * * *"`
	SubscriptionReconcileLimit    int           `envconfig:"BILLING_CRON_SUBSCRIPTION_RECONCILE_LIMIT" default:"250"`
	RetentionSchedule             string        `envconfig:"BILLING_CRON_RETENTION" default:"30 3 * * *"`
	RetentionPeriod               time.Duration `envconfig:"BILLING_CRON_RETENTION_PERIOD" default:"720h"`
	LockTTL                       time.Duration `envconfig:"BILLING_CRON_LOCK_TTL" default:"10m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range discreteDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
