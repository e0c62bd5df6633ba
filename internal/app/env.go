package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	EnvHTTPAddr    = "PAYCOORD_HTTP_ADDR"
	EnvGRPCAddr    = "PAYCOORD_GRPC_ADDR"
	EnvMetricsAddr = "PAYCOORD_METRICS_ADDR"
	EnvLogLevel    = "PAYCOORD_LOG_LEVEL"

	EnvStorageDriver       = "PAYCOORD_STORAGE_DRIVER"
	EnvPostgresDSN         = "PAYCOORD_POSTGRES_DSN"
	EnvPostgresAutoMigrate = "PAYCOORD_POSTGRES_AUTO_MIGRATE"

	EnvGatewayMode            = "PAYCOORD_GATEWAY_MODE"
	EnvPesapalBaseURL         = "PAYCOORD_PESAPAL_BASE_URL"
	EnvPesapalConsumerKey     = "PAYCOORD_PESAPAL_CONSUMER_KEY"
	EnvPesapalConsumerSecret  = "PAYCOORD_PESAPAL_CONSUMER_SECRET"
	EnvPesapalNotificationID  = "PAYCOORD_PESAPAL_NOTIFICATION_ID"
	EnvPesapalIPNURL          = "PAYCOORD_PESAPAL_IPN_URL"
	EnvGatewayTimeout         = "PAYCOORD_GATEWAY_TIMEOUT"
	EnvGatewayRetryAttempts   = "PAYCOORD_GATEWAY_RETRY_ATTEMPTS"
	EnvGatewayRetryDelay      = "PAYCOORD_GATEWAY_RETRY_DELAY"
	EnvCircuitBreakerFailures = "PAYCOORD_CIRCUIT_BREAKER_FAILURES"
	EnvCircuitBreakerReset    = "PAYCOORD_CIRCUIT_BREAKER_RESET"

	EnvPublicBaseURL   = "PAYCOORD_PUBLIC_BASE_URL"
	EnvCallbackURL     = "PAYCOORD_CALLBACK_URL"
	EnvCancellationURL = "PAYCOORD_CANCELLATION_URL"
	EnvPaymentExpiry   = "PAYCOORD_PAYMENT_EXPIRY"
	EnvWebhookSecret   = "PAYCOORD_WEBHOOK_SECRET"
	EnvAdminJWTSecret  = "PAYCOORD_ADMIN_JWT_SECRET"
	EnvRequestTimeout  = "PAYCOORD_REQUEST_TIMEOUT"

	EnvRedisAddr     = "PAYCOORD_REDIS_ADDR"
	EnvRedisPassword = "PAYCOORD_REDIS_PASSWORD"
	EnvRedisDB       = "PAYCOORD_REDIS_DB"

	EnvKafkaBrokers  = "PAYCOORD_KAFKA_BROKERS"
	EnvKafkaTopic    = "PAYCOORD_KAFKA_TOPIC"
	EnvKafkaDLQTopic = "PAYCOORD_KAFKA_DLQ_TOPIC"

	EnvOutboxPollInterval = "PAYCOORD_OUTBOX_POLL_INTERVAL"
	EnvOutboxBatchSize    = "PAYCOORD_OUTBOX_BATCH_SIZE"
	EnvOutboxMaxAttempts  = "PAYCOORD_OUTBOX_MAX_ATTEMPTS"
	EnvOutboxRetryDelay   = "PAYCOORD_OUTBOX_RETRY_DELAY"

	EnvSweepInterval  = "PAYCOORD_SWEEP_INTERVAL"
	EnvSweepBatchSize = "PAYCOORD_SWEEP_BATCH_SIZE"
	EnvSweepPollFirst = "PAYCOORD_SWEEP_POLL_FIRST"

	EnvIdempotencyTTL              = "PAYCOORD_IDEMPOTENCY_TTL"
	EnvIdempotencyCleanupInterval  = "PAYCOORD_IDEMPOTENCY_CLEANUP_INTERVAL"
	EnvIdempotencyCleanupBatchSize = "PAYCOORD_IDEMPOTENCY_CLEANUP_BATCH_SIZE"

	EnvShutdownTimeout = "PAYCOORD_SHUTDOWN_TIMEOUT"
)

type EnvLookup func(key string) (string, bool)

// SetupLogger настраивает формат и уровень логирования.
func SetupLogger(lookup EnvLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if raw, ok := lookup(EnvLogLevel); ok {
		if level, err := log.ParseLevel(strings.TrimSpace(raw)); err == nil {
			log.SetLevel(level)
		}
	}
}

// ConfigFromEnv накладывает переменные окружения на DefaultConfig.
// Невалидные значения не применяются: вместо них возвращается предупреждение.
func ConfigFromEnv(lookup EnvLookup) (Config, []string) {
	cfg := DefaultConfig()
	var warnings []string

	warn := func(key, raw string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, raw, err))
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		v, err := ParseBool(raw)
		if err != nil {
			warn(key, raw, err)
			return
		}
		*dst = v
	}
	integer := func(key string, dst *int, valid func(int) bool, rule string) {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		v, err := ParseInt(raw, valid, rule)
		if err != nil {
			warn(key, raw, err)
			return
		}
		*dst = v
	}
	duration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		v, err := ParseDuration(raw, valid, rule)
		if err != nil {
			warn(key, raw, err)
			return
		}
		*dst = v
	}
	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	str(EnvHTTPAddr, &cfg.HTTPAddr)
	str(EnvGRPCAddr, &cfg.GRPCAddr)
	str(EnvMetricsAddr, &cfg.MetricsAddr)

	str(EnvStorageDriver, &cfg.StorageDriver)
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	str(EnvPostgresDSN, &cfg.PostgresDSN)
	boolean(EnvPostgresAutoMigrate, &cfg.PostgresAutoMigrate)

	str(EnvGatewayMode, &cfg.GatewayMode)
	cfg.GatewayMode = strings.ToLower(cfg.GatewayMode)
	str(EnvPesapalBaseURL, &cfg.PesapalBaseURL)
	str(EnvPesapalConsumerKey, &cfg.PesapalConsumerKey)
	str(EnvPesapalConsumerSecret, &cfg.PesapalConsumerSecret)
	str(EnvPesapalNotificationID, &cfg.PesapalNotificationID)
	str(EnvPesapalIPNURL, &cfg.PesapalIPNURL)
	duration(EnvGatewayTimeout, &cfg.GatewayTimeout, positiveDuration, "must be > 0")
	integer(EnvGatewayRetryAttempts, &cfg.GatewayRetryAttempts, positive, "must be > 0")
	duration(EnvGatewayRetryDelay, &cfg.GatewayRetryDelay, nonNegativeDuration, "must be >= 0")
	integer(EnvCircuitBreakerFailures, &cfg.CircuitBreakerFailures, positive, "must be > 0")
	duration(EnvCircuitBreakerReset, &cfg.CircuitBreakerReset, positiveDuration, "must be > 0")

	str(EnvPublicBaseURL, &cfg.PublicBaseURL)
	str(EnvCallbackURL, &cfg.CallbackURL)
	str(EnvCancellationURL, &cfg.CancellationURL)
	duration(EnvPaymentExpiry, &cfg.PaymentExpiry, positiveDuration, "must be > 0")
	str(EnvWebhookSecret, &cfg.WebhookSecret)
	str(EnvAdminJWTSecret, &cfg.AdminJWTSecret)
	duration(EnvRequestTimeout, &cfg.RequestTimeout, positiveDuration, "must be > 0")

	str(EnvRedisAddr, &cfg.RedisAddr)
	str(EnvRedisPassword, &cfg.RedisPassword)
	integer(EnvRedisDB, &cfg.RedisDB, nonNegative, "must be >= 0")

	str(EnvKafkaBrokers, &cfg.KafkaBrokers)
	str(EnvKafkaTopic, &cfg.KafkaTopic)
	str(EnvKafkaDLQTopic, &cfg.KafkaDLQTopic)

	duration(EnvOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	integer(EnvOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	integer(EnvOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	duration(EnvOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")

	duration(EnvSweepInterval, &cfg.SweepInterval, positiveDuration, "must be > 0")
	integer(EnvSweepBatchSize, &cfg.SweepBatchSize, positive, "must be > 0")
	boolean(EnvSweepPollFirst, &cfg.SweepPollFirst)

	duration(EnvIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	duration(EnvIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	integer(EnvIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positive, "must be > 0")

	duration(EnvShutdownTimeout, &cfg.ShutdownTimeout, positiveDuration, "must be > 0")

	return cfg, warnings
}

// ParseBool понимает 1/0, true/false, yes/no, on/off.
func ParseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

// ParseInt разбирает целое и проверяет его правилом valid.
func ParseInt(raw string, valid func(int) bool, rule string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if valid != nil && !valid(v) {
		return 0, errors.New(rule)
	}
	return v, nil
}

// ParseDuration разбирает длительность и проверяет её правилом valid.
func ParseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	if valid != nil && !valid(v) {
		return 0, errors.New(rule)
	}
	return v, nil
}
