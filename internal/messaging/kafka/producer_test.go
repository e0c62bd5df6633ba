package kafka

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

func TestProducer_PublishEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-producer-test"),
	}

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, TopicSettlementEvents, msg.Topic)
		require.Len(t, msg.Headers, 1)
		assert.Equal(t, HeaderEventType, string(msg.Headers[0].Key))
		return nil
	})

	err := producer.PublishEvent(TopicSettlementEvents, "order-123", map[string]string{"order_id": "order-123"}, map[string]string{
		HeaderEventType: domain.EventTypePaymentSettled,
	})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-producer-test"),
	}
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.PublishEvent(TopicSettlementEvents, "order-123", struct{}{}, nil)
	require.Error(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishEvent_MarshalError(t *testing.T) {
	producer := &Producer{logger: log.WithField("component", "kafka-producer-test")}
	err := producer.PublishEvent(TopicSettlementEvents, "k", make(chan int), nil)
	assert.ErrorContains(t, err, "marshal")
}

func TestParseSettledOrder(t *testing.T) {
	payload, err := json.Marshal(domain.SettledOrder{
		Order:   domain.Order{ID: "order-1", Status: domain.OrderStatusPaid, Currency: "KES", TotalMinor: 1000},
		Payment: domain.PaymentAttempt{ID: "att-1", OrderID: "order-1", Status: domain.PaymentStatusCompleted},
	})
	require.NoError(t, err)

	settled, err := ParseSettledOrder(Envelope{EventType: EventTypePaymentSettled, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "order-1", settled.Order.ID)
	assert.Equal(t, domain.PaymentStatusCompleted, settled.Payment.Status)

	_, err = ParseSettledOrder(Envelope{EventType: "order.created", Payload: payload})
	assert.Error(t, err)

	_, err = ParseSettledOrder(Envelope{EventType: EventTypePaymentSettled, Payload: []byte(`{"order":{}}`)})
	assert.Error(t, err)
}

func TestParseEnvelope_EventTypeFromHeader(t *testing.T) {
	message := &sarama.ConsumerMessage{
		Value:   []byte(`{"id":"outbox-1","payload":{}}`),
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderEventType), Value: []byte(domain.EventTypePaymentSettled)}},
	}

	envelope, err := ParseEnvelope(message)
	require.NoError(t, err)
	assert.Equal(t, EventTypePaymentSettled, envelope.EventType)

	_, err = ParseEnvelope(&sarama.ConsumerMessage{Value: []byte("not json")})
	assert.Error(t, err)
}

func TestProducerConfig(t *testing.T) {
	config := ProducerConfig("")
	assert.Equal(t, defaultClientID, config.ClientID)
	assert.True(t, config.Producer.Idempotent)
	assert.Equal(t, sarama.WaitForAll, config.Producer.RequiredAcks)
	assert.Equal(t, 1, config.Net.MaxOpenRequests)
	require.NoError(t, config.Validate())

	assert.Equal(t, "paycoordctl", ProducerConfig("paycoordctl").ClientID)
}
