package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

// fakeGroup реализует sarama.ConsumerGroup поверх функций.
type fakeGroup struct {
	consume func(context.Context) error
	errs    chan error
	close   func() error
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	if g.consume == nil {
		return nil
	}
	return g.consume(ctx)
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	if g.close != nil {
		return g.close()
	}
	close(g.errs)
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx context.Context

	mu     sync.Mutex
	offset []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "notifier-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = append(s.offset, msg.Offset)
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offset...)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return TopicSettlementEvents }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func settlementMessage(t *testing.T, offset int64, retries int) *sarama.ConsumerMessage {
	t.Helper()
	value, err := json.Marshal(NewEnvelope(domain.OutboxMessage{
		ID:            "outbox-" + strconv.FormatInt(offset, 10),
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventTypePaymentSettled,
		Payload:       []byte(`{"order":{"id":"order-1"}}`),
	}))
	require.NoError(t, err)

	msg := &sarama.ConsumerMessage{
		Topic:  TopicSettlementEvents,
		Offset: offset,
		Key:    []byte("order-1"),
		Value:  value,
	}
	if retries > 0 {
		msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(retries))}}
	}
	return msg
}

func newTestConsumer(handler MessageHandler, maxRetries int) *Consumer {
	return &Consumer{
		topics:     []string{TopicSettlementEvents},
		handler:    handler,
		logger:     log.WithField("component", "consumer-test"),
		maxRetries: maxRetries,
	}
}

func TestNewConsumer_UnreachableBroker(t *testing.T) {
	noop := func(context.Context, *sarama.ConsumerMessage) error { return nil }

	_, err := NewConsumer([]string{"127.0.0.1:1"}, "paycoord-notifier", []string{TopicSettlementEvents}, noop)
	assert.Error(t, err)
	_, err = NewConsumerWithDLQ([]string{"127.0.0.1:1"}, "paycoord-notifier", []string{TopicSettlementEvents}, noop, nil, 3)
	assert.Error(t, err)
}

func TestConsumer_StartDrainsErrorsAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var consumed sync.WaitGroup
	consumed.Add(1)
	group := &fakeGroup{errs: make(chan error, 1)}
	group.consume = func(context.Context) error {
		defer consumed.Done()
		cancel()
		return nil
	}
	group.errs <- errors.New("rebalance in progress")

	consumer := newTestConsumer(nil, 2)
	consumer.consumer = group

	require.NoError(t, consumer.Start(ctx))
	consumed.Wait()
	require.NoError(t, consumer.Stop())
}

func TestConsumer_StopReportsCloseError(t *testing.T) {
	errs := make(chan error)
	consumer := newTestConsumer(nil, 1)
	consumer.consumer = &fakeGroup{errs: errs, close: func() error {
		close(errs)
		return errors.New("close failed")
	}}

	assert.ErrorContains(t, consumer.Stop(), "close failed")
}

func TestConsumer_SetupCleanupNoop(t *testing.T) {
	consumer := &Consumer{}
	assert.NoError(t, consumer.Setup(nil))
	assert.NoError(t, consumer.Cleanup(nil))
}

func TestConsumer_ConsumeClaimMarksOnlyHandled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := newTestConsumer(func(_ context.Context, msg *sarama.ConsumerMessage) error {
		if msg.Offset == 2 {
			return errors.New("notifier unavailable")
		}
		return nil
	}, 1)

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	for offset := int64(1); offset <= 3; offset++ {
		claim.messages <- settlementMessage(t, offset, 0)
	}
	close(claim.messages)

	session := &fakeSession{ctx: ctx}
	require.NoError(t, consumer.ConsumeClaim(session, claim))
	assert.Equal(t, []int64{1, 3}, session.markedOffsets())
}

func TestConsumer_ConsumeClaimReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error { return nil }, 1)
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- consumer.ConsumeClaim(&fakeSession{ctx: ctx}, claim) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim kept running after cancellation")
	}
}

func TestConsumer_HandleMessageWithRetry(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		priorRetries int
		maxRetries   int
		dlq          func(*mocks.SyncProducer)
		wantErr      bool
		wantCalls    int
	}{
		{name: "first attempt succeeds", maxRetries: 3, wantCalls: 1},
		{name: "succeeds after retry", failures: 1, maxRetries: 3, wantCalls: 2},
		{name: "remaining budget respects header", failures: 10, priorRetries: 1, maxRetries: 3, wantErr: true, wantCalls: 2},
		{name: "exhausted without dlq", failures: 10, priorRetries: 3, maxRetries: 3, wantErr: true, wantCalls: 1},
		{
			name: "exhausted with dlq", failures: 10, priorRetries: 3, maxRetries: 3, wantCalls: 1,
			dlq: func(p *mocks.SyncProducer) { p.ExpectSendMessageAndSucceed() },
		},
		{
			name: "dlq publish fails", failures: 10, priorRetries: 3, maxRetries: 3, wantErr: true, wantCalls: 1,
			dlq: func(p *mocks.SyncProducer) { p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error {
				calls++
				if calls <= tt.failures {
					return errors.New("notifier unavailable")
				}
				return nil
			}, tt.maxRetries)

			if tt.dlq != nil {
				producer := mocks.NewSyncProducer(t, nil)
				tt.dlq(producer)
				consumer.dlqProducer = &Producer{producer: producer, logger: consumer.logger}
				defer func() { assert.NoError(t, producer.Close()) }()
			}

			err := consumer.handleMessageWithRetry(context.Background(), settlementMessage(t, 5, tt.priorRetries))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestConsumer_RetryCountHeader(t *testing.T) {
	consumer := &Consumer{}

	assert.Equal(t, 0, consumer.getRetryCount(settlementMessage(t, 1, 0)))
	assert.Equal(t, 4, consumer.getRetryCount(settlementMessage(t, 1, 4)))

	garbled := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("many")}}}
	assert.Equal(t, 0, consumer.getRetryCount(garbled))
}

func TestConsumer_SendToDLQCarriesOriginal(t *testing.T) {
	source := settlementMessage(t, 42, 1)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var letter DeadLetter
		if err := json.Unmarshal(value, &letter); err != nil {
			return err
		}
		if letter.OriginalTopic != TopicSettlementEvents || letter.OriginalOffset != 42 {
			return errors.New("dead letter lost its origin")
		}
		if letter.OriginalValue != string(source.Value) || letter.RetryCount != 3 {
			return errors.New("dead letter payload mismatch")
		}
		return nil
	})
	defer func() { assert.NoError(t, producer.Close()) }()

	consumer := newTestConsumer(nil, 2)
	consumer.dlqProducer = &Producer{producer: producer, logger: consumer.logger}

	require.NoError(t, consumer.sendToDLQ(source, errors.New("notifier unavailable")))
}

type recordingPublisher struct {
	messages []domain.OutboxMessage
	err      error
}

func (r *recordingPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	return nil
}

func TestOutboxHandler(t *testing.T) {
	received := &recordingPublisher{}
	handler := OutboxHandler(received, nil)
	msg := settlementMessage(t, 1, 0)

	require.NoError(t, handler(context.Background(), msg))
	require.Len(t, received.messages, 1)
	assert.Equal(t, "outbox-1", received.messages[0].ID)
	assert.Equal(t, domain.EventTypePaymentSettled, received.messages[0].EventType)
	assert.JSONEq(t, `{"order":{"id":"order-1"}}`, string(received.messages[0].Payload))

	// нечитаемое сообщение пропускается без ошибки
	require.NoError(t, handler(context.Background(), &sarama.ConsumerMessage{Value: []byte("{")}))
	assert.Len(t, received.messages, 1)

	received.err = errors.New("notifier down")
	assert.Error(t, handler(context.Background(), msg))
}
