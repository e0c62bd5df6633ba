package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

const defaultRetryDelay = 200 * time.Millisecond

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// Consumer читает топик в consumer group. Сообщение, которое не удалось
// обработать за maxRetries попыток, уходит в DLQ.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer
	maxRetries  int
	retryDelay  time.Duration
}

// NewConsumer создает новый Kafka consumer
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler) (*Consumer, error) {
	return NewConsumerWithDLQ(brokers, groupID, topics, handler, nil, 3)
}

// NewConsumerWithDLQ создает consumer с поддержкой Dead Letter Queue.
// Группа читает с самого раннего offset: пропущенное событие расчёта хуже повторного.
func NewConsumerWithDLQ(brokers []string, groupID string, topics []string, handler MessageHandler, dlqProducer *Producer, maxRetries int) (*Consumer, error) {
	config := sarama.NewConfig()
	config.ClientID = defaultClientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{
		consumer:    consumer,
		topics:      topics,
		handler:     handler,
		logger:      log.WithField("component", "kafka-consumer"),
		dlqProducer: dlqProducer,
		maxRetries:  maxRetries,
		retryDelay:  defaultRetryDelay,
	}, nil
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume завершается при каждом rebalance
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			fields := log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}
			c.logger.WithFields(fields).Debug("received message")

			if err := c.handleMessageWithRetry(session.Context(), message); err != nil {
				// не маркируем: сообщение будет перечитано после rebalance
				c.logger.WithError(err).WithFields(fields).Error("message processing failed after all retries")
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// remainingAttempts — сколько попыток осталось сообщению с учётом уже сделанных
// до повторной публикации. Хотя бы одна попытка делается всегда.
func (c *Consumer) remainingAttempts(message *sarama.ConsumerMessage) int {
	return max(c.maxRetries-c.getRetryCount(message), 1)
}

// handleMessageWithRetry делает оставшиеся попытки в процессе, затем отправляет сообщение в DLQ.
// nil означает, что сообщение можно коммитить: оно обработано или лежит в DLQ.
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	prior, budget := c.getRetryCount(message), c.remainingAttempts(message)
	logger := c.logger.WithFields(log.Fields{"topic": message.Topic, "offset": message.Offset})

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		if lastErr = c.handler(ctx, message); lastErr == nil {
			return nil
		}
		if attempt == budget {
			break
		}
		logger.WithError(lastErr).WithField("retry_count", prior+attempt).Warn("message processing failed, will retry")
		if err := c.pause(ctx); err != nil {
			return err
		}
	}

	if c.dlqProducer == nil {
		return lastErr
	}
	if err := c.sendToDLQ(message, lastErr); err != nil {
		logger.WithError(err).Error("failed to send message to DLQ")
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}
	logger.WithField("retry_count", prior+budget).Info("message sent to DLQ after max retries")
	return nil
}

func (c *Consumer) pause(ctx context.Context) error {
	if c.retryDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.retryDelay):
		return nil
	}
}

func (c *Consumer) getRetryCount(message *sarama.ConsumerMessage) int {
	count, err := strconv.Atoi(headerValue(message, HeaderRetryCount))
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// sendToDLQ сохраняет исходное сообщение целиком; счётчик повторов в заголовке
// учитывает и прошлые, и текущие попытки.
func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error) error {
	letter := DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		FailedAt:          time.Now().UTC(),
		RetryCount:        c.getRetryCount(message) + max(c.maxRetries, 1),
	}
	return c.dlqProducer.PublishEvent(TopicDeadLetterQueue, letter.OriginalKey, letter, map[string]string{
		HeaderOriginalTopic: letter.OriginalTopic,
		HeaderErrorMessage:  letter.ErrorMessage,
		HeaderFailedAt:      letter.FailedAt.Format(time.RFC3339),
		HeaderRetryCount:    strconv.Itoa(letter.RetryCount),
	})
}

// OutboxHandler разворачивает конверт и передаёт outbox-сообщение получателю.
// Нечитаемые сообщения не повторяются: ошибка разбора окончательна.
func OutboxHandler(next domain.OutboxPublisher, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "kafka-outbox-handler")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		envelope, err := ParseEnvelope(message)
		if err != nil {
			logger.WithError(err).WithField("offset", message.Offset).Warn("skipping malformed message")
			return nil
		}
		return next.Publish(ctx, envelope.OutboxMessage())
	}
}
