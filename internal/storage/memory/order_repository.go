package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

type orderRepository struct {
	v view
}

// Create сохраняет заказ. Уникальность ключа идемпотентности проверяется под
// тем же мьютексом, что и вставка, поэтому гонка двух запросов невозможна.
func (r orderRepository) Create(_ context.Context, order domain.Order) error {
	defer r.v.lock()()
	s := r.v.s

	if _, exists := s.orders[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	if order.IdempotencyKey != "" {
		if _, taken := s.orderKeys[order.IdempotencyKey]; taken {
			return domain.ErrIdempotencyKeyTaken
		}
		s.orderKeys[order.IdempotencyKey] = order.ID
	}
	s.orders[order.ID] = cloneOrder(order)

	r.v.onRollback(func() {
		delete(s.orders, order.ID)
		if order.IdempotencyKey != "" {
			delete(s.orderKeys, order.IdempotencyKey)
		}
	})
	return nil
}

func (r orderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	defer r.v.lock()()

	order, ok := r.v.s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (r orderRepository) GetByIdempotencyKey(_ context.Context, key string) (domain.Order, error) {
	defer r.v.lock()()

	id, ok := r.v.s.orderKeys[key]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(r.v.s.orders[id]), nil
}

func (r orderRepository) UpdateStatus(_ context.Context, id string, from, to domain.OrderStatus, at time.Time) error {
	defer r.v.lock()()
	s := r.v.s

	order, ok := s.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if order.Status != from {
		return domain.ErrInvalidOrderState
	}
	if !from.CanTransition(to) {
		return domain.ErrInvalidTransition
	}

	prev := order
	order.Status = to
	order.UpdatedAt = at
	s.orders[id] = order

	r.v.onRollback(func() { s.orders[id] = prev })
	return nil
}

func (r orderRepository) ListByStatus(_ context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	defer r.v.lock()()

	result := make([]domain.Order, 0)
	for _, order := range r.v.s.orders {
		if order.Status == status {
			result = append(result, cloneOrder(order))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = append([]domain.OrderLineItem(nil), src.Items...)
	return dst
}

var _ domain.OrderRepository = orderRepository{}
