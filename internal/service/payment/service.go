// Package payment инициирует оплату заказа через платёжный шлюз.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/gateway"
	"github.com/vladislavdragonenkov/paycoord/internal/service/reconcile"
)

// Причины отказа в инициации.
const (
	ReasonConfigError       = "config_error"
	ReasonGatewayAuthFailed = "gateway_auth_failed"
	ReasonGatewayRejected   = "gateway_rejected"
	ReasonInvalidOrderState = "invalid_order_state"
	ReasonNetworkError      = "network_error"
)

// DefaultExpiry — окно, после которого sweeper считает попытку истёкшей.
const DefaultExpiry = 24 * time.Hour

// InitiationError — отказ в инициации оплаты с машинно-читаемой причиной.
type InitiationError struct {
	Reason string
	Err    error
}

func (e *InitiationError) Error() string {
	if e.Err == nil {
		return "payment initiation failed: " + e.Reason
	}
	return fmt.Sprintf("payment initiation failed: %s: %v", e.Reason, e.Err)
}

func (e *InitiationError) Unwrap() error { return e.Err }

// Reason возвращает причину отказа из InitiationError.
func Reason(err error) (string, bool) {
	var initErr *InitiationError
	if errors.As(err, &initErr) {
		return initErr.Reason, true
	}
	return "", false
}

// Reconciler применяет наблюдение к заказу.
type Reconciler interface {
	Reconcile(ctx context.Context, orderID string, obs domain.Observation, source domain.ObservationSource) (reconcile.Result, error)
}

// Config — параметры инициации.
type Config struct {
	// DefaultCallbackURL используется, если клиент не передал callback_url.
	DefaultCallbackURL string
	CancellationURL    string
	Expiry             time.Duration
}

// Input — запрос на оплату заказа.
type Input struct {
	OrderID     string
	CallbackURL string
	Customer    gateway.Customer
}

// Initiation — ссылка на платёжную страницу и попытка, к которой она относится.
type Initiation struct {
	RedirectURL string
	TrackingID  string
	Attempt     domain.PaymentAttempt
	// Reused — возвращена уже существующая активная попытка.
	Reused bool
}

// Service инициирует оплату.
type Service struct {
	store      domain.Store
	gateway    gateway.Client
	reconciler Reconciler
	config     Config
	logger     *log.Entry
	now        func() time.Time
}

// NewService создаёт сервис инициации.
func NewService(store domain.Store, client gateway.Client, reconciler Reconciler, config Config, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "payment")
	}
	if config.Expiry <= 0 {
		config.Expiry = DefaultExpiry
	}
	return &Service{
		store:      store,
		gateway:    client,
		reconciler: reconciler,
		config:     config,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Initiate создаёт платёжную страницу для PENDING-заказа.
// Активная попытка со ссылкой возвращается повторно. Сетевой сбой шлюза ничего не меняет;
// постоянный отказ шлюза записывает FAILED-попытку через сверку и освобождает единицы.
func (s *Service) Initiate(ctx context.Context, in Input) (Initiation, error) {
	logger := s.logger.WithField("order_id", in.OrderID)

	order, err := s.store.Orders().Get(ctx, in.OrderID)
	if err != nil {
		return Initiation{}, err
	}
	if order.Status != domain.OrderStatusPending || order.TotalMinor <= 0 {
		return Initiation{}, &InitiationError{
			Reason: ReasonInvalidOrderState,
			Err:    fmt.Errorf("%w: order is %s with total %d", domain.ErrInvalidOrderState, order.Status, order.TotalMinor),
		}
	}

	if reused, ok, err := s.activeAttempt(ctx, order.ID); err != nil || ok {
		return reused, err
	}

	callbackURL := strings.TrimSpace(in.CallbackURL)
	if callbackURL == "" {
		callbackURL = s.config.DefaultCallbackURL
	}
	if callbackURL == "" {
		return Initiation{}, &InitiationError{Reason: ReasonConfigError, Err: errors.New("callback url is not configured")}
	}

	attemptID := uuid.NewString()
	result, err := s.gateway.Initiate(ctx, gateway.InitiateRequest{
		MerchantReference: attemptID,
		OrderID:           order.ID,
		AmountMinor:       order.TotalMinor,
		Currency:          order.Currency,
		Description:       "Order " + order.ID,
		CallbackURL:       callbackURL,
		CancellationURL:   s.config.CancellationURL,
		Customer:          in.Customer,
	})
	if err != nil {
		return Initiation{}, s.handleGatewayError(ctx, logger, order, attemptID, err)
	}

	return s.record(ctx, logger, order, attemptID, result)
}

func (s *Service) activeAttempt(ctx context.Context, orderID string) (Initiation, bool, error) {
	latest, err := s.store.Payments().Latest(ctx, orderID)
	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		return Initiation{}, false, nil
	case err != nil:
		return Initiation{}, false, fmt.Errorf("load payment attempt: %w", err)
	case !latest.Active():
		return Initiation{}, false, nil
	case latest.RedirectURL == "":
		return Initiation{}, false, &InitiationError{
			Reason: ReasonInvalidOrderState,
			Err:    fmt.Errorf("%w: payment attempt %s is in progress", domain.ErrInvalidOrderState, latest.ID),
		}
	default:
		return Initiation{RedirectURL: latest.RedirectURL, TrackingID: latest.TrackingID, Attempt: latest, Reused: true}, true, nil
	}
}

func (s *Service) handleGatewayError(ctx context.Context, logger *log.Entry, order domain.Order, attemptID string, gwErr error) error {
	logger = logger.WithError(gwErr).WithField("kind", gateway.Kind(gwErr))

	var reason string
	switch {
	case errors.Is(gwErr, gateway.ErrGatewayConfig):
		logger.Error("payment gateway is not configured")
		return &InitiationError{Reason: ReasonConfigError, Err: gwErr}
	case errors.Is(gwErr, gateway.ErrGatewayAuth):
		reason = ReasonGatewayAuthFailed
	case errors.Is(gwErr, gateway.ErrGatewayRejected):
		reason = ReasonGatewayRejected
	default:
		logger.Warn("payment gateway unavailable, nothing recorded")
		return &InitiationError{Reason: ReasonNetworkError, Err: gwErr}
	}

	logger.Error("payment gateway refused initiation, failing attempt")
	if err := s.recordFailure(ctx, order, attemptID, reason); err != nil {
		logger.WithError(err).Error("failed to close refused payment attempt, left for expiry sweeper")
	}
	return &InitiationError{Reason: reason, Err: gwErr}
}

// recordFailure сохраняет попытку без tracking id и закрывает её через сверку.
// Попытка создаётся уже просроченной: если сверка не удалась, её закроет
// ближайший проход sweeper, а не окно экспирации.
func (s *Service) recordFailure(ctx context.Context, order domain.Order, attemptID, reason string) error {
	now := s.now()
	err := s.store.WithinOrderLock(ctx, order.ID, func(ctx context.Context, tx domain.Repositories) error {
		return tx.Payments().Create(ctx, domain.PaymentAttempt{
			ID:          attemptID,
			OrderID:     order.ID,
			Status:      domain.PaymentStatusInitiated,
			AmountMinor: order.TotalMinor,
			Currency:    order.Currency,
			InitiatedAt: now,
			ExpiresAt:   now,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		return err
	}

	_, err = s.reconciler.Reconcile(ctx, order.ID, domain.Observation{
		Status:        domain.GatewayStatusFailed,
		RawStatus:     "INITIATION_REFUSED",
		FailureReason: reason,
	}, domain.SourceInitiation)
	return err
}

func (s *Service) record(ctx context.Context, logger *log.Entry, order domain.Order, attemptID string, result gateway.InitiateResult) (Initiation, error) {
	now := s.now()
	attempt := domain.PaymentAttempt{
		ID:          attemptID,
		OrderID:     order.ID,
		TrackingID:  result.TrackingID,
		Status:      domain.PaymentStatusInitiated,
		AmountMinor: order.TotalMinor,
		Currency:    order.Currency,
		RedirectURL: result.RedirectURL,
		InitiatedAt: now,
		ExpiresAt:   now.Add(s.config.Expiry),
		UpdatedAt:   now,
	}

	err := s.store.WithinOrderLock(ctx, order.ID, func(ctx context.Context, tx domain.Repositories) error {
		current, err := tx.Orders().Get(ctx, order.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: order became %s", domain.ErrInvalidOrderState, current.Status)
		}
		if err := tx.Payments().Create(ctx, attempt); err != nil {
			return err
		}
		return tx.Notifications().Append(ctx, domain.NotificationLogEntry{
			OrderID:        order.ID,
			TrackingID:     attempt.TrackingID,
			Source:         domain.SourceInitiation,
			ObservedStatus: domain.GatewayStatusPending,
			RawStatus:      string(domain.PaymentStatusInitiated),
			Outcome:        domain.OutcomeApplied,
			ReceivedAt:     now,
		})
	})

	switch {
	case err == nil:
		logger.WithFields(log.Fields{
			"attempt_id":  attempt.ID,
			"tracking_id": attempt.TrackingID,
		}).Info("payment initiated")
		return Initiation{RedirectURL: attempt.RedirectURL, TrackingID: attempt.TrackingID, Attempt: attempt}, nil
	case errors.Is(err, domain.ErrActivePaymentExists):
		if reused, ok, loadErr := s.activeAttempt(ctx, order.ID); loadErr != nil || ok {
			logger.Info("concurrent initiation, returning active attempt")
			return reused, loadErr
		}
		return Initiation{}, &InitiationError{Reason: ReasonInvalidOrderState, Err: err}
	case errors.Is(err, domain.ErrTrackingIDConflict):
		existing, getErr := s.store.Payments().GetByTrackingID(ctx, result.TrackingID)
		if getErr != nil {
			return Initiation{}, fmt.Errorf("reload attempt by tracking id: %w", getErr)
		}
		logger.WithField("tracking_id", result.TrackingID).Warn("tracking id already recorded, returning existing attempt")
		return Initiation{RedirectURL: existing.RedirectURL, TrackingID: existing.TrackingID, Attempt: existing, Reused: true}, nil
	case errors.Is(err, domain.ErrInvalidOrderState):
		logger.WithError(err).Warn("order closed while payment page was created")
		return Initiation{}, &InitiationError{Reason: ReasonInvalidOrderState, Err: err}
	default:
		return Initiation{}, fmt.Errorf("record payment attempt: %w", err)
	}
}
