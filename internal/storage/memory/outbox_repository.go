package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"
)

// outboxRecord хранит сообщение и служебные поля для in-memory реализации.
type outboxRecord struct {
	msg        domain.OutboxMessage
	status     string
	attemptCnt int
	updatedAt  time.Time
}

type outboxRepository struct {
	v view
}

// Enqueue сохраняет событие со статусом `pending`. В транзакции откатывается вместе с ней.
func (r outboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	defer r.v.lock()()
	s := r.v.s

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	s.outbox[msg.ID] = &outboxRecord{msg: msg, status: outboxStatusPending, updatedAt: now}
	s.outboxOrder = append(s.outboxOrder, msg.ID)

	r.v.onRollback(func() {
		delete(s.outbox, msg.ID)
		s.outboxOrder = s.outboxOrder[:len(s.outboxOrder)-1]
	})
	return msg, nil
}

// PullPending возвращает до limit сообщений со статусом `pending` в порядке постановки.
func (r outboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	defer r.v.lock()()

	if limit <= 0 {
		limit = 100
	}

	result := make([]domain.OutboxMessage, 0, limit)
	for _, id := range r.v.s.outboxOrder {
		rec := r.v.s.outbox[id]
		if rec == nil || rec.status != outboxStatusPending {
			continue
		}
		result = append(result, rec.msg)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (r outboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	defer r.v.lock()()

	var stats domain.OutboxStats
	for _, id := range r.v.s.outboxOrder {
		rec := r.v.s.outbox[id]
		if rec == nil || rec.status != outboxStatusPending {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || rec.msg.CreatedAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = rec.msg.CreatedAt
		}
	}
	return stats, nil
}

// MarkSent обновляет статус события после успешной публикации.
func (r outboxRepository) MarkSent(_ context.Context, id string) error {
	return r.mark(id, outboxStatusSent)
}

// MarkFailed фиксирует окончательную ошибку публикации.
func (r outboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.mark(id, outboxStatusFailed)
}

func (r outboxRepository) mark(id, status string) error {
	defer r.v.lock()()

	record, ok := r.v.s.outbox[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	prev := *record
	record.status = status
	record.attemptCnt++
	record.updatedAt = time.Now().UTC()

	r.v.onRollback(func() { *record = prev })
	return nil
}

// AllPending возвращает копию всех сообщений со статусом `pending` (используется в тестах).
func (s *Store) AllPending() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.OutboxMessage, 0, len(s.outboxOrder))
	for _, id := range s.outboxOrder {
		if rec := s.outbox[id]; rec != nil && rec.status == outboxStatusPending {
			result = append(result, rec.msg)
		}
	}
	return result
}

var _ domain.OutboxRepository = outboxRepository{}
