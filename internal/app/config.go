package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	// GatewayModePesapal — реальный Pesapal API 3.0.
	GatewayModePesapal = "pesapal"
	// GatewayModeLocal — локальный шлюз без внешних вызовов, только явно.
	GatewayModeLocal = "local"
)

// Config описывает настройки запуска координатора.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	GatewayMode            string
	PesapalBaseURL         string
	PesapalConsumerKey     string
	PesapalConsumerSecret  string
	PesapalNotificationID  string
	PesapalIPNURL          string
	GatewayTimeout         time.Duration
	GatewayRetryAttempts   int
	GatewayRetryDelay      time.Duration
	CircuitBreakerFailures int
	CircuitBreakerReset    time.Duration

	// PublicBaseURL — внешний адрес API; из него строятся ссылки локального шлюза.
	PublicBaseURL   string
	CallbackURL     string
	CancellationURL string
	PaymentExpiry   time.Duration
	WebhookSecret   string
	AdminJWTSecret  string
	RequestTimeout  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers  string
	KafkaTopic    string
	KafkaDLQTopic string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	SweepInterval  time.Duration
	SweepBatchSize int
	SweepPollFirst bool

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска.
// Секрет webhook и режим шлюза не заданы: их нужно указать явно.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		PesapalBaseURL:         "https://cybqa.pesapal.com/pesapalv3",
		GatewayTimeout:         30 * time.Second,
		GatewayRetryAttempts:   3,
		GatewayRetryDelay:      200 * time.Millisecond,
		CircuitBreakerFailures: 5,
		CircuitBreakerReset:    30 * time.Second,

		PublicBaseURL:  "http://localhost:8080",
		PaymentExpiry:  24 * time.Hour,
		RequestTimeout: 45 * time.Second,

		KafkaTopic:    "paycoord.settlement.events",
		KafkaDLQTopic: "paycoord.dlq",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  5,
		OutboxRetryDelay:   500 * time.Millisecond,

		SweepInterval:  time.Minute,
		SweepBatchSize: 100,
		SweepPollFirst: true,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate проверяет настройки, без которых запуск небезопасен.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage requires PAYCOORD_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.GatewayMode {
	case GatewayModeLocal:
	case GatewayModePesapal:
		if strings.TrimSpace(c.PesapalConsumerKey) == "" || strings.TrimSpace(c.PesapalConsumerSecret) == "" {
			errs = append(errs, errors.New("pesapal gateway requires consumer key and secret"))
		}
		if c.PesapalNotificationID == "" && c.PesapalIPNURL == "" {
			errs = append(errs, errors.New("pesapal gateway requires a notification id or an IPN url"))
		}
	case "":
		errs = append(errs, errors.New("gateway mode is not set: use pesapal or local"))
	default:
		errs = append(errs, fmt.Errorf("unsupported gateway mode %q", c.GatewayMode))
	}

	if strings.TrimSpace(c.WebhookSecret) == "" {
		errs = append(errs, errors.New("webhook secret is required"))
	}
	if c.CallbackURL == "" && c.GatewayMode == GatewayModePesapal {
		errs = append(errs, errors.New("pesapal gateway requires a callback url"))
	}

	return errors.Join(errs...)
}

// KafkaBrokerList разбирает PAYCOORD_KAFKA_BROKERS.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
