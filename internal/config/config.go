/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, and coerces the workflow tuning knobs into safe values.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// GatewayConfig holds the credentials of one hosted payment gateway.
type GatewayConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
}

// Config holds all the configuration variables for the fulfillment-service.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	StoreDriver    string `mapstructure:"STORE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	MigrationsPath string `mapstructure:"MIGRATIONS_PATH"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`

	RedisURL           string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix     string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	EventsExchange     string `mapstructure:"EVENTS_EXCHANGE"`
	PaymentSignalQueue string `mapstructure:"PAYMENT_SIGNAL_QUEUE"`

	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	AdminJWTSecret     string `mapstructure:"ADMIN_JWT_SECRET"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	SnowflakeNode      int64  `mapstructure:"SNOWFLAKE_NODE"`

	CheckoutExpiryMinutes      int     `mapstructure:"CHECKOUT_EXPIRY_MINUTES"`
	PurchaseMaxRetries         int     `mapstructure:"PURCHASE_MAX_RETRIES"`
	PurchaseRetryDelaySeconds  int     `mapstructure:"PURCHASE_RETRY_DELAY_SECONDS"`
	PurchaseRetryMultiplier    float64 `mapstructure:"PURCHASE_RETRY_MULTIPLIER"`
	PurchaseLockSeconds        int     `mapstructure:"PURCHASE_LOCK_SECONDS"`
	ProfileFetchBackoffSeconds string  `mapstructure:"PROFILE_FETCH_BACKOFF_SECONDS"`
	WorkerConcurrency          int     `mapstructure:"WORKER_CONCURRENCY"`
	WorkerPollIntervalMS       int     `mapstructure:"WORKER_POLL_INTERVAL_MS"`
	JobMaxAttempts             int     `mapstructure:"JOB_MAX_ATTEMPTS"`

	ProviderTimeoutSeconds     int    `mapstructure:"PROVIDER_TIMEOUT_SECONDS"`
	ProviderRateLimitPerMinute int    `mapstructure:"PROVIDER_RATE_LIMIT_PER_MINUTE"`
	AiraloAPIBaseURL           string `mapstructure:"AIRALO_API_BASE_URL"`
	AiraloAPIKey               string `mapstructure:"AIRALO_API_KEY"`
	EsimAccessAPIBaseURL       string `mapstructure:"ESIM_ACCESS_API_BASE_URL"`
	EsimAccessAPIKey           string `mapstructure:"ESIM_ACCESS_API_KEY"`

	StripeAPIBaseURL       string `mapstructure:"STRIPE_API_BASE_URL"`
	StripeAPIKey           string `mapstructure:"STRIPE_API_KEY"`
	StripeWebhookSecret    string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	PayrexxAPIBaseURL      string `mapstructure:"PAYREXX_API_BASE_URL"`
	PayrexxAPIKey          string `mapstructure:"PAYREXX_API_KEY"`
	PayrexxWebhookSecret   string `mapstructure:"PAYREXX_WEBHOOK_SECRET"`
	PayseraAPIBaseURL      string `mapstructure:"PAYSERA_API_BASE_URL"`
	PayseraAPIKey          string `mapstructure:"PAYSERA_API_KEY"`
	PayseraWebhookSecret   string `mapstructure:"PAYSERA_WEBHOOK_SECRET"`
	ProcardAPIBaseURL      string `mapstructure:"PROCARD_API_BASE_URL"`
	ProcardAPIKey          string `mapstructure:"PROCARD_API_KEY"`
	ProcardWebhookSecret   string `mapstructure:"PROCARD_WEBHOOK_SECRET"`
	CryptomusAPIBaseURL    string `mapstructure:"CRYPTOMUS_API_BASE_URL"`
	CryptomusAPIKey        string `mapstructure:"CRYPTOMUS_API_KEY"`
	CryptomusWebhookSecret string `mapstructure:"CRYPTOMUS_WEBHOOK_SECRET"`

	SMTPHost      string `mapstructure:"SMTP_HOST"`
	SMTPPort      string `mapstructure:"SMTP_PORT"`
	SMTPUser      string `mapstructure:"SMTP_USER"`
	SMTPPass      string `mapstructure:"SMTP_PASS"`
	SMTPFrom      string `mapstructure:"SMTP_FROM"`
	OperatorEmail string `mapstructure:"OPERATOR_EMAIL"`

	ExpiredCheckoutSweepSchedule string `mapstructure:"EXPIRED_CHECKOUT_SWEEP_SCHEDULE"`
	OverdueRetrySweepSchedule    string `mapstructure:"OVERDUE_RETRY_SWEEP_SCHEDULE"`
	StalledOrderSweepSchedule    string `mapstructure:"STALLED_ORDER_SWEEP_SCHEDULE"`
	ProviderHealthSchedule       string `mapstructure:"PROVIDER_HEALTH_SCHEDULE"`
	SweepBatchSize               int    `mapstructure:"SWEEP_BATCH_SIZE"`

	// ProfileFetchBackoff is parsed from ProfileFetchBackoffSeconds.
	ProfileFetchBackoff []time.Duration `mapstructure:"-"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                     "8080",
	"STORE_DRIVER":                    "postgres",
	"MIGRATIONS_PATH":                 "migrations",
	"LOG_LEVEL":                       "info",
	"REDIS_KEY_PREFIX":                "fulfillment",
	"EVENTS_EXCHANGE":                 "esim.events",
	"PAYMENT_SIGNAL_QUEUE":            "fulfillment.payment_signals",
	"SNOWFLAKE_NODE":                  1,
	"CHECKOUT_EXPIRY_MINUTES":         1440,
	"PURCHASE_MAX_RETRIES":            10,
	"PURCHASE_RETRY_DELAY_SECONDS":    300,
	"PURCHASE_RETRY_MULTIPLIER":       1.0,
	"PURCHASE_LOCK_SECONDS":           120,
	"PROFILE_FETCH_BACKOFF_SECONDS":   "10,30,60,120,300",
	"WORKER_CONCURRENCY":              4,
	"WORKER_POLL_INTERVAL_MS":         1000,
	"JOB_MAX_ATTEMPTS":                25,
	"PROVIDER_TIMEOUT_SECONDS":        30,
	"PROVIDER_RATE_LIMIT_PER_MINUTE":  60,
	"SMTP_PORT":                       "587",
	"EXPIRED_CHECKOUT_SWEEP_SCHEDULE": "@every 1m",
	"OVERDUE_RETRY_SWEEP_SCHEDULE":    "@every 1m",
	"STALLED_ORDER_SWEEP_SCHEDULE":    "@every 5m",
	"PROVIDER_HEALTH_SCHEDULE":        "@every 5m",
	"SWEEP_BATCH_SIZE":                100,
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
	// Bind every mapped key so Unmarshal sees values that only exist in the environment.
	for _, key := range mappedKeys() {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "FULFILLMENT_SERVICE_INTERNAL_API_KEY")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.WithError(err).WithField("component", "config").Warn("failed to read config file; using environment values")
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != "memory" {
		config.StoreDriver = "postgres"
	}

	coercePositive(&config.CheckoutExpiryMinutes, "CHECKOUT_EXPIRY_MINUTES", 1440)
	coercePositive(&config.PurchaseMaxRetries, "PURCHASE_MAX_RETRIES", 10)
	coercePositive(&config.PurchaseRetryDelaySeconds, "PURCHASE_RETRY_DELAY_SECONDS", 300)
	coercePositive(&config.PurchaseLockSeconds, "PURCHASE_LOCK_SECONDS", 120)
	coercePositive(&config.WorkerConcurrency, "WORKER_CONCURRENCY", 4)
	coercePositive(&config.WorkerPollIntervalMS, "WORKER_POLL_INTERVAL_MS", 1000)
	coercePositive(&config.JobMaxAttempts, "JOB_MAX_ATTEMPTS", 25)
	coercePositive(&config.ProviderTimeoutSeconds, "PROVIDER_TIMEOUT_SECONDS", 30)
	coercePositive(&config.SweepBatchSize, "SWEEP_BATCH_SIZE", 100)
	if config.ProviderRateLimitPerMinute < 0 {
		config.ProviderRateLimitPerMinute = 0
	}
	if config.PurchaseRetryMultiplier < 1 {
		log.WithFields(log.Fields{"component": "config", "value": config.PurchaseRetryMultiplier}).
			Warn("retry multiplier below 1; using a fixed delay")
		config.PurchaseRetryMultiplier = 1
	}

	config.ProfileFetchBackoff = parseBackoff(config.ProfileFetchBackoffSeconds)
	return
}

// Gateway returns the credentials configured for a hosted gateway.
func (c Config) Gateway(kind domain.GatewayKind) GatewayConfig {
	switch kind {
	case domain.GatewayStripe:
		return GatewayConfig{BaseURL: c.StripeAPIBaseURL, APIKey: c.StripeAPIKey, WebhookSecret: c.StripeWebhookSecret}
	case domain.GatewayPayrexx:
		return GatewayConfig{BaseURL: c.PayrexxAPIBaseURL, APIKey: c.PayrexxAPIKey, WebhookSecret: c.PayrexxWebhookSecret}
	case domain.GatewayPaysera:
		return GatewayConfig{BaseURL: c.PayseraAPIBaseURL, APIKey: c.PayseraAPIKey, WebhookSecret: c.PayseraWebhookSecret}
	case domain.GatewayProcard:
		return GatewayConfig{BaseURL: c.ProcardAPIBaseURL, APIKey: c.ProcardAPIKey, WebhookSecret: c.ProcardWebhookSecret}
	case domain.GatewayCryptomus:
		return GatewayConfig{BaseURL: c.CryptomusAPIBaseURL, APIKey: c.CryptomusAPIKey, WebhookSecret: c.CryptomusWebhookSecret}
	}
	return GatewayConfig{}
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func coercePositive(value *int, key string, fallback int) {
	if *value > 0 {
		return
	}
	log.WithFields(log.Fields{"component": "config", "key": key, "value": *value, "fallback": fallback}).
		Warn("non-positive value configured; using default")
	*value = fallback
}

func parseBackoff(raw string) []time.Duration {
	out := make([]time.Duration, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seconds, err := strconv.Atoi(part)
		if err != nil || seconds <= 0 {
			log.WithFields(log.Fields{"component": "config", "value": part}).Warn("invalid PROFILE_FETCH_BACKOFF_SECONDS entry; skipped")
			continue
		}
		out = append(out, time.Duration(seconds)*time.Second)
	}
	if len(out) == 0 {
		return []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second, 300 * time.Second}
	}
	return out
}

func mappedKeys() []string {
	return []string{
		"SERVER_PORT", "STORE_DRIVER", "DATABASE_URL", "MIGRATIONS_PATH", "LOG_LEVEL",
		"REDIS_URL", "REDIS_KEY_PREFIX", "RABBITMQ_URL", "EVENTS_EXCHANGE", "PAYMENT_SIGNAL_QUEUE",
		"ADMIN_JWT_SECRET", "CORS_ALLOWED_ORIGINS", "SNOWFLAKE_NODE",
		"CHECKOUT_EXPIRY_MINUTES", "PURCHASE_MAX_RETRIES", "PURCHASE_RETRY_DELAY_SECONDS",
		"PURCHASE_RETRY_MULTIPLIER", "PURCHASE_LOCK_SECONDS", "PROFILE_FETCH_BACKOFF_SECONDS",
		"WORKER_CONCURRENCY", "WORKER_POLL_INTERVAL_MS", "JOB_MAX_ATTEMPTS",
		"PROVIDER_TIMEOUT_SECONDS", "PROVIDER_RATE_LIMIT_PER_MINUTE",
		"AIRALO_API_BASE_URL", "AIRALO_API_KEY", "ESIM_ACCESS_API_BASE_URL", "ESIM_ACCESS_API_KEY",
		"STRIPE_API_BASE_URL", "STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET",
		"PAYREXX_API_BASE_URL", "PAYREXX_API_KEY", "PAYREXX_WEBHOOK_SECRET",
		"PAYSERA_API_BASE_URL", "PAYSERA_API_KEY", "PAYSERA_WEBHOOK_SECRET",
		"PROCARD_API_BASE_URL", "PROCARD_API_KEY", "PROCARD_WEBHOOK_SECRET",
		"CRYPTOMUS_API_BASE_URL", "CRYPTOMUS_API_KEY", "CRYPTOMUS_WEBHOOK_SECRET",
		"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASS", "SMTP_FROM", "OPERATOR_EMAIL",
		"EXPIRED_CHECKOUT_SWEEP_SCHEDULE", "OVERDUE_RETRY_SWEEP_SCHEDULE", "STALLED_ORDER_SWEEP_SCHEDULE", "PROVIDER_HEALTH_SCHEDULE",
		"SWEEP_BATCH_SIZE",
	}
}
