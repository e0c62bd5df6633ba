package kafka

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
// Ключ сообщения равен id заказа: события одного заказа идут в одну партицию.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicSettlementEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}
	return p.producer.PublishEvent(p.topic, key, NewEnvelope(event), map[string]string{
		HeaderEventType: event.EventType,
		HeaderOutboxID:  event.ID,
	})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
