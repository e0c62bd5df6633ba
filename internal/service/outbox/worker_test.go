package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/storage/memory"
)

func settledEvent(id string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   "order-" + id,
		EventType:     domain.EventTypePaymentSettled,
		Payload:       []byte(`{"order":{"id":"order-` + id + `"}}`),
		CreatedAt:     time.Now().UTC().Add(-time.Second),
	}
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	_, err := store.Outbox().Enqueue(ctx, settledEvent("msg-1"))
	require.NoError(t, err)

	publisher := &stubPublisher{}
	worker := NewWorker(store.Outbox(), publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))

	assert.Equal(t, 1, worker.ProcessOnce(ctx))
	assert.Equal(t, 1, publisher.calls())

	pending, err := store.Outbox().PullPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// повторный цикл ничего не отправляет
	assert.Equal(t, 0, worker.ProcessOnce(ctx))
	assert.Equal(t, 1, publisher.calls())
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{settledEvent("msg-2")}}
	publisher := &stubPublisher{err: errors.New("publish failed")}
	dlq := &stubPublisher{}

	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	assert.Equal(t, 0, worker.ProcessOnce(context.Background()))
	assert.Equal(t, 3, publisher.calls())
	assert.Empty(t, repo.sentIDs)
	assert.Equal(t, []string{"msg-2"}, repo.failedIDs)
	require.Equal(t, 1, dlq.calls())

	var letter DeadLetter
	require.NoError(t, json.Unmarshal(dlq.published[0].Payload, &letter))
	assert.Equal(t, "msg-2", letter.OutboxID)
	assert.Equal(t, domain.EventTypePaymentSettled, letter.EventType)
	assert.Equal(t, "publish failed", letter.PublishError)
	assert.Equal(t, 3, letter.Attempts)
	assert.JSONEq(t, `{"order":{"id":"order-msg-2"}}`, string(letter.Payload))
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{settledEvent("msg-3")}}
	publisher := &stubPublisher{
		sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil},
	}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))

	assert.Equal(t, 1, worker.ProcessOnce(context.Background()))
	assert.Equal(t, 3, publisher.calls())
	assert.Equal(t, []string{"msg-3"}, repo.sentIDs)
	assert.Empty(t, repo.failedIDs)
}

func TestWorker_ProcessOnce_CancelledContext(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{settledEvent("msg-4")}}
	publisher := &stubPublisher{}
	worker := NewWorker(repo, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 0, worker.ProcessOnce(ctx))
	assert.Equal(t, 0, publisher.calls())
}

func TestWorker_RetryBackoff(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(10*time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, worker.retryBackoff(1))
	assert.Equal(t, 20*time.Millisecond, worker.retryBackoff(2))
	assert.Equal(t, 40*time.Millisecond, worker.retryBackoff(3))
	assert.Equal(t, time.Duration(1<<63-1), worker.retryBackoff(200))
}

type stubOutboxRepo struct {
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(context.Context) (domain.OutboxStats, error) {
	stats := domain.OutboxStats{PendingCount: len(s.pending)}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	published      []domain.OutboxMessage
	callCount      int
}

func (s *stubPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		if err == nil {
			s.published = append(s.published, msg)
		}
		return err
	}
	if s.err == nil {
		s.published = append(s.published, msg)
	}
	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}
