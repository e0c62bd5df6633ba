// Package order создаёт заказы с защитой от повторной отправки и отменяет их по запросу клиента.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/service/reconcile"
)

const (
	maxIdempotencyKeyLength = 255

	// ReasonCancelledByClient — причина закрытия попытки/заказа при отмене клиентом.
	ReasonCancelledByClient = "cancelled_by_client"
)

// Reconciler применяет наблюдение к заказу под блокировкой.
type Reconciler interface {
	ReconcileGuarded(ctx context.Context, orderID string, obs domain.Observation, source domain.ObservationSource, guard reconcile.Guard) (reconcile.Result, error)
}

// ItemInput — позиция заказа от клиента. Цена фиксируется на момент заказа.
type ItemInput struct {
	UnitID         string
	Quantity       int32
	UnitPriceMinor int64
}

// CreateInput — тело запроса на создание заказа.
type CreateInput struct {
	CustomerID string
	Currency   string
	Items      []ItemInput
	// TotalMinor, если задан, должен совпасть с суммой позиций.
	TotalMinor int64
}

// Service создаёт и отменяет заказы.
type Service struct {
	store      domain.Store
	reconciler Reconciler
	logger     *log.Entry
	now        func() time.Time
}

// NewService создаёт сервис заказов.
func NewService(store domain.Store, reconciler Reconciler, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "order")
	}
	return &Service{
		store:      store,
		reconciler: reconciler,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder создаёт заказ и резервирует единицы в одной транзакции.
// Если заказ с таким ключом уже есть, он возвращается без побочных эффектов (created=false).
// Гонка двух запросов с одним новым ключом решается уникальным ключом хранилища:
// проигравший перечитывает и возвращает заказ победителя.
func (s *Service) CreateOrder(ctx context.Context, idempotencyKey string, in CreateInput) (domain.Order, bool, error) {
	key := strings.TrimSpace(idempotencyKey)
	if len(key) > maxIdempotencyKeyLength {
		return domain.Order{}, false, fmt.Errorf("%w: idempotency key is longer than %d", domain.ErrInvalidRequest, maxIdempotencyKeyLength)
	}
	logger := s.logger.WithField("idempotency_key", key)

	if key != "" {
		existing, err := s.store.Orders().GetByIdempotencyKey(ctx, key)
		switch {
		case err == nil:
			logger.WithField("order_id", existing.ID).Debug("order replayed by idempotency key")
			return existing, false, nil
		case !errors.Is(err, domain.ErrOrderNotFound):
			return domain.Order{}, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	order, err := s.build(key, in)
	if err != nil {
		return domain.Order{}, false, err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
		if err := tx.Orders().Create(ctx, order); err != nil {
			return err
		}
		return tx.Units().Reserve(ctx, order.ID, order.Allocations(), order.CreatedAt)
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrIdempotencyKeyTaken) && key != "":
		winner, getErr := s.store.Orders().GetByIdempotencyKey(ctx, key)
		if getErr != nil {
			return domain.Order{}, false, fmt.Errorf("reload order after key race: %w", getErr)
		}
		logger.WithField("order_id", winner.ID).Info("concurrent create with same key, returning winner")
		return winner, false, nil
	default:
		if errors.Is(err, domain.ErrUnitConflict) || errors.Is(err, domain.ErrUnitNotFound) {
			logger.WithError(err).Info("order rejected: units unavailable")
		} else {
			logger.WithError(err).Error("failed to create order")
		}
		return domain.Order{}, false, fmt.Errorf("create order: %w", err)
	}

	logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"total_minor": order.TotalMinor,
		"items":       len(order.Items),
	}).Info("order created")
	return order, true, nil
}

func (s *Service) build(key string, in CreateInput) (domain.Order, error) {
	now := s.now()
	order := domain.Order{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		CustomerID:     strings.TrimSpace(in.CustomerID),
		Status:         domain.OrderStatusPending,
		Currency:       strings.ToUpper(strings.TrimSpace(in.Currency)),
		Items:          make([]domain.OrderLineItem, 0, len(in.Items)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var sum int64
	for _, item := range in.Items {
		order.Items = append(order.Items, domain.OrderLineItem{
			ID:             uuid.NewString(),
			UnitID:         strings.TrimSpace(item.UnitID),
			Quantity:       item.Quantity,
			UnitPriceMinor: item.UnitPriceMinor,
		})
		sum += int64(item.Quantity) * item.UnitPriceMinor
	}
	order.TotalMinor = sum
	if in.TotalMinor != 0 {
		order.TotalMinor = in.TotalMinor
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, errors.Join(errs...))
	}
	return order, nil
}

// Get возвращает заказ.
func (s *Service) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return s.store.Orders().Get(ctx, orderID)
}

// Cancel отменяет PENDING-заказ без активной попытки оплаты и освобождает единицы.
// Терминальный заказ возвращается как есть. При активной попытке ErrInvalidOrderState.
func (s *Service) Cancel(ctx context.Context, orderID string) (domain.Order, error) {
	current, err := s.store.Orders().Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if current.Status.Terminal() {
		return current, nil
	}

	obs := domain.Observation{
		Status:        domain.GatewayStatusCancelled,
		RawStatus:     "CLIENT_CANCEL",
		FailureReason: ReasonCancelledByClient,
	}
	result, err := s.reconciler.ReconcileGuarded(ctx, orderID, obs, domain.SourceClient,
		func(_ domain.Order, attempt *domain.PaymentAttempt) error {
			if attempt != nil && attempt.Active() {
				return fmt.Errorf("%w: payment attempt %s is in progress", domain.ErrInvalidOrderState, attempt.ID)
			}
			return nil
		})
	if err != nil {
		return domain.Order{}, err
	}
	return result.Order, nil
}
