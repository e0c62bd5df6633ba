package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

// EventType определяет тип события
type EventType string

const (
	EventTypePaymentSettled EventType = domain.EventTypePaymentSettled
)

// Topics для Kafka
const (
	TopicSettlementEvents = "paycoord.settlement.events"
	TopicDeadLetterQueue  = "paycoord.dlq"
)

// Kafka headers
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
	HeaderOutboxID      = "x-outbox-id"
)

// Envelope — формат сообщения, в котором outbox-событие уходит в Kafka.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope заворачивает outbox-сообщение.
func NewEnvelope(msg domain.OutboxMessage) Envelope {
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     EventType(msg.EventType),
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   time.Now().UTC(),
	}
}

// OutboxMessage возвращает исходное outbox-сообщение.
func (e Envelope) OutboxMessage() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     string(e.EventType),
		Payload:       []byte(e.Payload),
		CreatedAt:     e.PublishedAt,
	}
}

// DeadLetter — сообщение, которое consumer не смог обработать.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

// ParseEnvelope разбирает сообщение из топика событий.
func ParseEnvelope(message *sarama.ConsumerMessage) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if envelope.EventType == "" {
		envelope.EventType = EventType(headerValue(message, HeaderEventType))
	}
	return envelope, nil
}

// ParseSettledOrder извлекает событие расчёта из конверта.
func ParseSettledOrder(envelope Envelope) (domain.SettledOrder, error) {
	if envelope.EventType != EventTypePaymentSettled {
		return domain.SettledOrder{}, fmt.Errorf("unexpected event type %q", envelope.EventType)
	}
	var settled domain.SettledOrder
	if err := json.Unmarshal(envelope.Payload, &settled); err != nil {
		return domain.SettledOrder{}, fmt.Errorf("failed to unmarshal settled order: %w", err)
	}
	if settled.Order.ID == "" {
		return domain.SettledOrder{}, fmt.Errorf("settled order without id")
	}
	return settled, nil
}

func headerValue(message *sarama.ConsumerMessage, key string) string {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}
