package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

type paymentRepository struct {
	v view
}

func (r paymentRepository) Create(_ context.Context, attempt domain.PaymentAttempt) error {
	defer r.v.lock()()
	s := r.v.s

	for _, existing := range s.payments[attempt.OrderID] {
		if existing.Active() {
			return domain.ErrActivePaymentExists
		}
	}
	if attempt.TrackingID != "" {
		if _, taken := s.tracking[attempt.TrackingID]; taken {
			return domain.ErrTrackingIDConflict
		}
		s.tracking[attempt.TrackingID] = attempt.OrderID
	}

	prev := s.payments[attempt.OrderID]
	s.payments[attempt.OrderID] = append(append([]domain.PaymentAttempt(nil), prev...), attempt)

	r.v.onRollback(func() {
		s.payments[attempt.OrderID] = prev
		if attempt.TrackingID != "" {
			delete(s.tracking, attempt.TrackingID)
		}
	})
	return nil
}

func (r paymentRepository) Latest(_ context.Context, orderID string) (domain.PaymentAttempt, error) {
	defer r.v.lock()()

	attempts := r.v.s.payments[orderID]
	if len(attempts) == 0 {
		return domain.PaymentAttempt{}, domain.ErrPaymentNotFound
	}
	return attempts[len(attempts)-1], nil
}

func (r paymentRepository) GetByTrackingID(_ context.Context, trackingID string) (domain.PaymentAttempt, error) {
	defer r.v.lock()()
	s := r.v.s

	orderID, ok := s.tracking[trackingID]
	if !ok {
		return domain.PaymentAttempt{}, domain.ErrPaymentNotFound
	}
	for _, attempt := range s.payments[orderID] {
		if attempt.TrackingID == trackingID {
			return attempt, nil
		}
	}
	return domain.PaymentAttempt{}, domain.ErrPaymentNotFound
}

// Update перезаписывает попытку, если сохранённая версия ещё не терминальна.
func (r paymentRepository) Update(_ context.Context, attempt domain.PaymentAttempt) error {
	defer r.v.lock()()
	s := r.v.s

	attempts := s.payments[attempt.OrderID]
	for i := range attempts {
		if attempts[i].ID != attempt.ID {
			continue
		}
		if attempts[i].Status.Terminal() {
			return domain.ErrPaymentTerminal
		}

		prev := attempts[i]
		if attempt.TrackingID != prev.TrackingID && attempt.TrackingID != "" {
			if _, taken := s.tracking[attempt.TrackingID]; taken {
				return domain.ErrTrackingIDConflict
			}
			s.tracking[attempt.TrackingID] = attempt.OrderID
		}
		attempts[i] = attempt
		r.v.onRollback(func() {
			attempts[i] = prev
			if attempt.TrackingID != prev.TrackingID {
				delete(s.tracking, attempt.TrackingID)
			}
		})
		return nil
	}
	return domain.ErrPaymentNotFound
}

func (r paymentRepository) ListExpired(_ context.Context, before time.Time, limit int) ([]domain.PaymentAttempt, error) {
	defer r.v.lock()()

	result := make([]domain.PaymentAttempt, 0)
	for _, attempts := range r.v.s.payments {
		for _, attempt := range attempts {
			if attempt.Active() && !attempt.ExpiresAt.IsZero() && attempt.ExpiresAt.Before(before) {
				result = append(result, attempt)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ domain.PaymentRepository = paymentRepository{}
