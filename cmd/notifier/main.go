// Command notifier читает события расчёта из Kafka и отправляет покупателю квитанцию.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/app"
	"github.com/vladislavdragonenkov/paycoord/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/paycoord/internal/notify"
	"github.com/vladislavdragonenkov/paycoord/internal/version"
)

const (
	envGroupID        = "PAYCOORD_NOTIFIER_GROUP"
	defaultGroupID    = "paycoord-notifier"
	defaultMaxRetries = 3
)

type notifierConfig struct {
	brokers    []string
	topic      string
	groupID    string
	maxRetries int
}

type consumerRunner interface {
	Start(ctx context.Context) error
	Stop() error
}

func loadConfig(lookup app.EnvLookup) (notifierConfig, []string, error) {
	cfg, warnings := app.ConfigFromEnv(lookup)
	nc := notifierConfig{
		brokers:    cfg.KafkaBrokerList(),
		topic:      cfg.KafkaTopic,
		groupID:    defaultGroupID,
		maxRetries: defaultMaxRetries,
	}
	if raw, ok := lookup(envGroupID); ok && strings.TrimSpace(raw) != "" {
		nc.groupID = strings.TrimSpace(raw)
	}
	if strings.TrimSpace(nc.topic) == "" {
		nc.topic = kafka.TopicSettlementEvents
	}
	if len(nc.brokers) == 0 {
		return nc, warnings, errors.New(app.EnvKafkaBrokers + " is required")
	}
	return nc, warnings, nil
}

// newConsumer подменяется в тестах.
var newConsumer = func(cfg notifierConfig, handler kafka.MessageHandler) (consumerRunner, error) {
	dlq, err := kafka.NewProducer(cfg.brokers, cfg.groupID)
	if err != nil {
		return nil, fmt.Errorf("create dlq producer: %w", err)
	}
	consumer, err := kafka.NewConsumerWithDLQ(cfg.brokers, cfg.groupID, []string{cfg.topic}, handler, dlq, cfg.maxRetries)
	if err != nil {
		_ = dlq.Close()
		return nil, err
	}
	return &consumerWithDLQ{Consumer: consumer, dlq: dlq}, nil
}

type consumerWithDLQ struct {
	*kafka.Consumer
	dlq *kafka.Producer
}

func (c *consumerWithDLQ) Stop() error {
	return errors.Join(c.Consumer.Stop(), c.dlq.Close())
}

func run(ctx context.Context, cfg notifierConfig) error {
	logger := log.WithField("component", "notifier")
	dispatcher := notify.NewDispatcher(notify.NewLogNotifier(nil), nil)

	consumer, err := newConsumer(cfg, kafka.OutboxHandler(dispatcher, nil))
	if err != nil {
		return fmt.Errorf("init consumer: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return fmt.Errorf("start consumer: %w", err)
	}

	logger.WithFields(log.Fields{
		"topic":    cfg.topic,
		"group_id": cfg.groupID,
	}).Info("notifier started")

	<-ctx.Done()
	if err := consumer.Stop(); err != nil {
		return err
	}
	logger.Info("notifier stopped")
	return nil
}

func main() {
	app.SetupLogger(os.LookupEnv)
	cfg, warnings, err := loadConfig(os.LookupEnv)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		log.WithError(err).Fatal("invalid notifier configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("version", version.String()).Info("запускаем notifier")
	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("notifier завершился с ошибкой")
	}
}
