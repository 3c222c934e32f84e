package config

const (
	EnvPrefix = "BILLING"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "BILLING_APP_ENV"
	EnvPort     = "BILLING_APP_PORT"
	EnvDBDSN    = "BILLING_DB_DSN"
	EnvDBHost   = "BILLING_DB_HOST"
	EnvDBUser   = "BILLING_DB_USER"
	EnvDBName   = "BILLING_DB_NAME"
	EnvRedisURL = "BILLING_REDIS_URL"

	EnvWebhookMaxAttempts       = "BILLING_WEBHOOK_MAX_ATTEMPTS"
	EnvWebhookInitialDelay      = "BILLING_WEBHOOK_INITIAL_DELAY"
	EnvWebhookMaxDelay          = "BILLING_WEBHOOK_MAX_DELAY"
	EnvWebhookBackoffMultiplier = "BILLING_WEBHOOK_BACKOFF_MULTIPLIER"
	EnvWebhookSweepConcurrency  = "BILLING_WEBHOOK_SWEEP_CONCURRENCY"
	EnvUsageWarningPercent      = "BILLING_USAGE_WARNING_PERCENT"
	EnvCacheSize                = "BILLING_CACHE_SIZE"
	EnvWinBackReasons           = "BILLING_WINBACK_REASONS"

	EnvPubSubNotificationTopic = "BILLING_PUBSUB_NOTIFICATION_TOPIC"
	EnvPubSubLifecycleTopic    = "BILLING_PUBSUB_LIFECYCLE_TOPIC"
	EnvPubSubSchedulerTopic    = "BILLING_PUBSUB_SCHEDULER_TOPIC"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
