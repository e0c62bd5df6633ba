package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "paycoord"

// Producer публикует события в Kafka синхронно.
type Producer struct {
	producer sarama.SyncProducer
	// client nil, если producer создан не через NewProducer (тесты с mocks).
	client sarama.Client
	logger *log.Entry
}

// ProducerConfig — настройки идемпотентного producer: запись подтверждают все
// реплики, повтор отправки не даёт дубликата в партиции.
func ProducerConfig(clientID string) *sarama.Config {
	if clientID == "" {
		clientID = defaultClientID
	}
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Net.MaxOpenRequests = 1
	return config
}

// NewProducer подключается к брокерам с ProducerConfig.
func NewProducer(brokers []string, clientID string) (*Producer, error) {
	client, err := sarama.NewClient(brokers, ProducerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		client:   client,
		logger:   log.WithField("component", "kafka-producer"),
	}, nil
}

// PublishEvent сериализует event в JSON и отправляет его в topic.
func (p *Producer) PublishEvent(topic, key string, event any, headers map[string]string) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(eventData),
		Timestamp: time.Now(),
	}
	for name, value := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(name), Value: []byte(value)})
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"key":   key,
		}).Error("failed to send message to kafka")
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")
	return nil
}

// Ping обновляет метаданные кластера; используется health-проверкой.
func (p *Producer) Ping(_ context.Context) error {
	if p.client == nil {
		return nil
	}
	if p.client.Closed() {
		return errors.New("kafka client is closed")
	}
	return p.client.RefreshMetadata()
}

// Close закрывает producer
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	if p.client != nil && !p.client.Closed() {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("failed to close kafka client: %w", err)
		}
	}
	return nil
}
