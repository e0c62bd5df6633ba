package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/gateway"
	"github.com/vladislavdragonenkov/paycoord/internal/gateway/pesapal"
	"github.com/vladislavdragonenkov/paycoord/internal/gateway/stub"
	healthcheck "github.com/vladislavdragonenkov/paycoord/internal/health"
	"github.com/vladislavdragonenkov/paycoord/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/paycoord/internal/metrics"
	"github.com/vladislavdragonenkov/paycoord/internal/notify"
	"github.com/vladislavdragonenkov/paycoord/internal/storage/memory"
	"github.com/vladislavdragonenkov/paycoord/internal/storage/postgres"
)

const redisTokenKey = "paycoord:pesapal:token"

// runtimeDependencies — хранилище и его проверка здоровья.
type runtimeDependencies struct {
	store          domain.Store
	storageChecker healthcheck.Checker
	closeFn        func() error
}

// initRuntimeDependencies открывает хранилище выбранного драйвера.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		store := memory.NewStore()
		logger.Info("using in-memory storage")
		return runtimeDependencies{
			store:          store,
			storageChecker: healthcheck.NewSimpleChecker("storage", store.Ping),
		}, nil
	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return runtimeDependencies{}, errors.New("postgres storage requires a DSN")
		}
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return runtimeDependencies{}, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("migrate postgres schema: %w", err)
			}
			logger.Info("postgres schema is up to date")
		}
		logger.Info("using postgres storage")
		return runtimeDependencies{
			store:          store,
			storageChecker: healthcheck.NewSimpleChecker("storage", store.Ping),
			closeFn:        store.Close,
		}, nil
	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// gatewayDependencies — клиент шлюза и опциональный Redis для кэша токена.
type gatewayDependencies struct {
	client       gateway.Client
	local        *stub.Gateway
	redis        *redis.Client
	redisChecker healthcheck.Checker
	closeFn      func() error
}

// initGateway собирает клиент шлюза: Pesapal или явно выбранный локальный,
// поверх него retry, circuit breaker и метрики вызовов.
func initGateway(cfg Config, m *metrics.Metrics, logger *log.Entry) (gatewayDependencies, error) {
	var deps gatewayDependencies
	var base gateway.Client

	switch cfg.GatewayMode {
	case GatewayModeLocal:
		deps.local = stub.New(cfg.PublicBaseURL)
		base = deps.local
		logger.Warn("using local gateway: no real payments will be processed")
	case GatewayModePesapal:
		opts := []pesapal.Option{pesapal.WithLogger(logger.WithField("gateway", "pesapal"))}
		if cfg.RedisAddr != "" {
			deps.redis = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			deps.redisChecker = healthcheck.NewOptionalChecker("redis", func(ctx context.Context) error {
				return deps.redis.Ping(ctx).Err()
			})
			deps.closeFn = deps.redis.Close
			opts = append(opts, pesapal.WithTokenStore(pesapal.NewRedisTokenStore(deps.redis, redisTokenKey)))
			logger.WithField("redis_addr", cfg.RedisAddr).Info("pesapal token cache uses redis")
		}

		client, err := pesapal.New(pesapal.Config{
			BaseURL:             cfg.PesapalBaseURL,
			ConsumerKey:         cfg.PesapalConsumerKey,
			ConsumerSecret:      cfg.PesapalConsumerSecret,
			NotificationID:      cfg.PesapalNotificationID,
			IPNURL:              ipnURLWithToken(cfg.PesapalIPNURL, cfg.WebhookSecret),
			IPNNotificationType: http.MethodGet,
			Timeout:             cfg.GatewayTimeout,
		}, opts...)
		if err != nil {
			deps.close(logger)
			return gatewayDependencies{}, fmt.Errorf("init pesapal client: %w", err)
		}
		base = client
	default:
		return gatewayDependencies{}, fmt.Errorf("unsupported gateway mode %q", cfg.GatewayMode)
	}

	retryCfg := gateway.DefaultRetryConfig()
	if cfg.GatewayRetryAttempts > 0 {
		retryCfg.MaxAttempts = cfg.GatewayRetryAttempts
	}
	if cfg.GatewayRetryDelay > 0 {
		retryCfg.InitialDelay = cfg.GatewayRetryDelay
	}
	breaker := gateway.NewCircuitBreaker(cfg.CircuitBreakerFailures, cfg.CircuitBreakerReset,
		logger.WithField("component", "gateway-circuit-breaker"))
	deps.client = gateway.NewRetryingClient(base, retryCfg,
		gateway.WithCircuitBreaker(breaker),
		gateway.WithCallObserver(m),
		gateway.WithRetryLogger(logger.WithField("component", "gateway-retry")),
	)
	return deps, nil
}

func (d gatewayDependencies) close(logger *log.Entry) {
	if d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close redis client")
	}
}

// ipnURLWithToken добавляет секрет в query IPN URL: Pesapal не подписывает уведомления.
func ipnURLWithToken(raw, secret string) string {
	if raw == "" || secret == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("token") == "" {
		q.Set("token", secret)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func shutdownTimeout(cfg Config) time.Duration {
	if cfg.ShutdownTimeout > 0 {
		return cfg.ShutdownTimeout
	}
	return 10 * time.Second
}

// eventDependencies — куда outbox worker отдаёт события о расчёте.
type eventDependencies struct {
	producer  *kafka.Producer
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	checker   healthcheck.Checker
}

// initEvents выбирает Kafka при заданных брокерах, иначе уведомитель в процессе.
func initEvents(cfg Config, logger *log.Entry) (eventDependencies, error) {
	brokers := cfg.KafkaBrokerList()
	if len(brokers) == 0 {
		logger.Info("kafka is not configured, settlement events go to the in-process notifier")
		return eventDependencies{publisher: notify.NewDispatcher(notify.NewLogNotifier(nil), nil)}, nil
	}

	producer, err := kafka.NewProducer(brokers, "paycoord")
	if err != nil {
		return eventDependencies{}, fmt.Errorf("init kafka producer: %w", err)
	}
	logger.WithField("brokers", brokers).Info("kafka producer initialized")

	return eventDependencies{
		producer:  producer,
		publisher: kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
		dlq:       kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic),
		checker:   healthcheck.NewOptionalChecker("kafka", producer.Ping),
	}, nil
}

func (d eventDependencies) close(logger *log.Entry) {
	if d.producer == nil {
		return
	}
	if err := d.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
