// Package reconcile сводит наблюдения статуса платежа (webhook, опрос шлюза,
// sweeper, отмена клиентом) к одному переходу заказа, попытки и леджера.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/gateway"
)

const (
	defaultPollTimeout = 10 * time.Second
	logAppendTimeout   = 5 * time.Second

	// ReasonAmountMismatch — сумма шлюза расходится с суммой попытки больше допуска.
	ReasonAmountMismatch = "amount_mismatch"
	// ReasonCurrencyMismatch — шлюз вернул другую валюту.
	ReasonCurrencyMismatch = "currency_mismatch"
	// ReasonTrackingUnknown — шлюз не знает tracking id попытки.
	ReasonTrackingUnknown = "tracking_unknown"
)

// amountTolerance — допустимое расхождение в основных единицах валюты.
var amountTolerance = decimal.New(1, -2)

// Recorder принимает метрики сверки.
type Recorder interface {
	RecordReconcile(source domain.ObservationSource, outcome domain.NotificationOutcome)
	RecordSettlement(initiatedAt, settledAt time.Time)
}

// Result — состояние заказа и попытки после сверки.
type Result struct {
	Order domain.Order
	// Payment nil, если у заказа нет ни одной попытки.
	Payment *domain.PaymentAttempt
	Outcome domain.NotificationOutcome
	Detail  string
}

// Options задаёт параметры Engine.
type Options struct {
	Logger      *log.Entry
	Metrics     Recorder
	Clock       func() time.Time
	PollTimeout time.Duration
}

// Option настраивает Engine.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithMetrics подключает метрики.
func WithMetrics(metrics Recorder) Option {
	return func(opts *Options) { opts.Metrics = metrics }
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) { opts.Clock = clock }
}

// WithPollTimeout ограничивает запрос статуса при опросе.
func WithPollTimeout(timeout time.Duration) Option {
	return func(opts *Options) { opts.PollTimeout = timeout }
}

// Engine — единственная точка, меняющая статусы заказа и платежа после инициации.
type Engine struct {
	store       domain.Store
	gateway     gateway.Client
	logger      *log.Entry
	metrics     Recorder
	now         func() time.Time
	pollTimeout time.Duration
}

// NewEngine создаёт движок сверки.
func NewEngine(store domain.Store, client gateway.Client, options ...Option) *Engine {
	opts := Options{PollTimeout: defaultPollTimeout}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "reconcile")
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}

	return &Engine{
		store:       store,
		gateway:     client,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         clock,
		pollTimeout: opts.PollTimeout,
	}
}

// Guard проверяет состояние под блокировкой заказа до применения наблюдения.
// Ошибка guard отменяет сверку без изменений.
type Guard func(order domain.Order, attempt *domain.PaymentAttempt) error

// Reconcile применяет наблюдение к заказу под блокировкой заказа.
// Терминальная попытка не меняется; противоречащее наблюдение логируется как конфликт.
// Каждый вызов пишет строку в журнал уведомлений, даже если ничего не изменилось.
func (e *Engine) Reconcile(ctx context.Context, orderID string, obs domain.Observation, source domain.ObservationSource) (Result, error) {
	return e.ReconcileGuarded(ctx, orderID, obs, source, nil)
}

// ReconcileGuarded работает как Reconcile, но с дополнительной проверкой под той же блокировкой.
func (e *Engine) ReconcileGuarded(
	ctx context.Context,
	orderID string,
	obs domain.Observation,
	source domain.ObservationSource,
	guard Guard,
) (Result, error) {
	if obs.Status == "" {
		obs.Status = domain.GatewayStatusUnknown
	}
	logger := e.logger.WithFields(log.Fields{
		"order_id":    orderID,
		"source":      source,
		"observed":    obs.Status,
		"tracking_id": obs.TrackingID,
	})

	var result Result
	err := e.store.WithinOrderLock(ctx, orderID, func(ctx context.Context, tx domain.Repositories) error {
		order, err := tx.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		attempt, err := loadAttempt(ctx, tx, orderID, obs.TrackingID)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(order, attempt); err != nil {
				return err
			}
		}

		result, err = e.apply(ctx, tx, logger, order, attempt, obs, source)
		return err
	})

	entry := domain.NotificationLogEntry{
		OrderID:        orderID,
		TrackingID:     obs.TrackingID,
		Source:         source,
		ObservedStatus: obs.Status,
		RawStatus:      obs.RawStatus,
		Outcome:        result.Outcome,
		Payload:        obs.Payload,
		Detail:         result.Detail,
	}
	if err != nil {
		entry.Outcome = domain.OutcomeError
		entry.Detail = err.Error()
		if domain.IsNotFound(err) || errors.Is(err, domain.ErrInvalidOrderState) {
			entry.Outcome = domain.OutcomeRejected
		}
		logger.WithError(err).Warn("reconcile failed")
	}
	e.appendLog(ctx, entry)
	e.record(source, entry.Outcome)

	if err != nil {
		return Result{}, fmt.Errorf("reconcile order %s: %w", orderID, err)
	}
	if result.Outcome == domain.OutcomeApplied && result.Order.Status == domain.OrderStatusPaid && e.metrics != nil {
		e.metrics.RecordSettlement(result.Payment.InitiatedAt, result.Payment.CompletedAt)
	}
	return result, nil
}

// PollStatus запрашивает статус у шлюза, если локальная попытка ещё активна,
// и сводит ответ через Reconcile. Блокировка на время запроса не берётся.
// Временная ошибка шлюза не меняет состояние: возвращается последнее известное.
func (e *Engine) PollStatus(ctx context.Context, orderID string) (Result, error) {
	snapshot, err := e.Snapshot(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	attempt := snapshot.Payment
	if attempt == nil || !attempt.Active() || attempt.TrackingID == "" || snapshot.Order.Status.Terminal() {
		return snapshot, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.pollTimeout)
	status, err := e.gateway.QueryStatus(queryCtx, attempt.TrackingID)
	cancel()

	switch {
	case err == nil:
		obs := status.Observation()
		if obs.TrackingID == "" {
			obs.TrackingID = attempt.TrackingID
		}
		return e.Reconcile(ctx, orderID, obs, domain.SourcePoll)
	case errors.Is(err, gateway.ErrTrackingUnknown):
		return e.Reconcile(ctx, orderID, domain.Observation{
			Status:        domain.GatewayStatusFailed,
			TrackingID:    attempt.TrackingID,
			FailureReason: ReasonTrackingUnknown,
			Verified:      true,
		}, domain.SourcePoll)
	default:
		e.logger.WithError(err).WithFields(log.Fields{
			"order_id":    orderID,
			"tracking_id": attempt.TrackingID,
			"kind":        gateway.Kind(err),
		}).Warn("gateway status query failed, keeping last known state")
		e.appendLog(ctx, domain.NotificationLogEntry{
			OrderID:    orderID,
			TrackingID: attempt.TrackingID,
			Source:     domain.SourcePoll,
			Outcome:    domain.OutcomeError,
			Detail:     err.Error(),
		})
		e.record(domain.SourcePoll, domain.OutcomeError)
		return snapshot, nil
	}
}

// Snapshot возвращает заказ и его последнюю попытку без изменений.
func (e *Engine) Snapshot(ctx context.Context, orderID string) (Result, error) {
	order, err := e.store.Orders().Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	result := Result{Order: order}

	attempt, err := e.store.Payments().Latest(ctx, orderID)
	switch {
	case err == nil:
		result.Payment = &attempt
	case errors.Is(err, domain.ErrPaymentNotFound):
	default:
		return Result{}, err
	}
	return result, nil
}

func (e *Engine) apply(
	ctx context.Context,
	tx domain.Repositories,
	logger *log.Entry,
	order domain.Order,
	attempt *domain.PaymentAttempt,
	obs domain.Observation,
	source domain.ObservationSource,
) (Result, error) {
	result := Result{Order: order, Payment: attempt, Outcome: domain.OutcomeApplied}

	if attempt != nil && attempt.Status.Terminal() {
		result.Outcome = domain.OutcomeIgnoredTerminal
		if (obs.Status.Positive() || obs.Status.Negative()) && obs.Status.PaymentStatus() != attempt.Status {
			result.Outcome = domain.OutcomeConflict
			result.Detail = fmt.Sprintf("attempt is %s", attempt.Status)
			logger.WithField("recorded", attempt.Status).Warn("observation contradicts terminal payment attempt")
		}
		return result, nil
	}
	if order.Status.Terminal() {
		result.Outcome = domain.OutcomeIgnoredTerminal
		if (obs.Status.Positive() || obs.Status.Negative()) && obs.Status.OrderStatus() != order.Status {
			result.Outcome = domain.OutcomeConflict
			result.Detail = fmt.Sprintf("order is %s", order.Status)
			logger.WithField("recorded", order.Status).Warn("observation contradicts terminal order")
		}
		return result, nil
	}

	status, reason := classify(logger, attempt, obs)
	now := e.now()

	switch {
	case status.Positive():
		if attempt == nil {
			result.Outcome = domain.OutcomeRejected
			result.Detail = "no payment attempt to settle"
			return result, nil
		}
		return e.settle(ctx, tx, logger, order, *attempt, obs, source, now)
	case status.Negative():
		return e.fail(ctx, tx, logger, order, attempt, status, reason, obs, source, now)
	default:
		if attempt == nil {
			result.Outcome = domain.OutcomeReceived
			return result, nil
		}
		updated := *attempt
		touch(&updated, obs, source)
		if updated.Status == domain.PaymentStatusInitiated || updated != *attempt {
			updated.Status = domain.PaymentStatusPending
			updated.UpdatedAt = now
			if err := tx.Payments().Update(ctx, updated); err != nil {
				return Result{}, fmt.Errorf("mark attempt pending: %w", err)
			}
		}
		result.Payment = &updated
		result.Detail = reason
		return result, nil
	}
}

// classify проверяет положительное наблюдение: только запрос к шлюзу
// и совпадение суммы подтверждают оплату.
func classify(logger *log.Entry, attempt *domain.PaymentAttempt, obs domain.Observation) (domain.GatewayStatus, string) {
	switch {
	case obs.Status.Positive():
		if !obs.Verified {
			return domain.GatewayStatusPending, "unverified positive observation"
		}
		if attempt == nil {
			return obs.Status, ""
		}
		if obs.Currency != "" && !strings.EqualFold(obs.Currency, attempt.Currency) {
			return domain.GatewayStatusFailed, ReasonCurrencyMismatch
		}
		if !obs.Amount.Valid {
			logger.Warn("gateway did not report amount, settling without amount check")
			return obs.Status, ""
		}
		expected := decimal.New(attempt.AmountMinor, -2)
		if obs.Amount.Decimal.Sub(expected).Abs().GreaterThan(amountTolerance) {
			logger.WithFields(log.Fields{
				"expected": expected.StringFixed(2),
				"reported": obs.Amount.Decimal.String(),
			}).Warn("gateway amount does not match payment attempt")
			return domain.GatewayStatusFailed, ReasonAmountMismatch
		}
		return obs.Status, ""
	case obs.Status.Negative():
		reason := obs.FailureReason
		if reason == "" {
			reason = strings.ToLower(string(obs.Status))
		}
		return obs.Status, reason
	default:
		return domain.GatewayStatusPending, ""
	}
}

func (e *Engine) settle(
	ctx context.Context,
	tx domain.Repositories,
	logger *log.Entry,
	order domain.Order,
	attempt domain.PaymentAttempt,
	obs domain.Observation,
	source domain.ObservationSource,
	now time.Time,
) (Result, error) {
	touch(&attempt, obs, source)
	attempt.Status = domain.PaymentStatusCompleted
	attempt.Verified = true
	attempt.CompletedAt = now
	attempt.UpdatedAt = now
	if obs.PaymentMethod != "" {
		attempt.PaymentMethod = obs.PaymentMethod
	}
	if attempt.PaymentMethod == "" {
		attempt.PaymentMethod = domain.PaymentMethodUnknown
	}
	if obs.PaymentReference != "" {
		attempt.PaymentReference = obs.PaymentReference
	}

	if err := tx.Payments().Update(ctx, attempt); err != nil {
		return Result{}, fmt.Errorf("complete attempt: %w", err)
	}
	sold, err := tx.Units().Finalize(ctx, order.ID, now)
	if err != nil {
		return Result{}, fmt.Errorf("finalize units: %w", err)
	}
	if err := tx.Orders().UpdateStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusPaid, now); err != nil {
		return Result{}, fmt.Errorf("mark order paid: %w", err)
	}
	order.Status = domain.OrderStatusPaid
	order.UpdatedAt = now

	payload, err := json.Marshal(domain.SettledOrder{Order: order, Payment: attempt})
	if err != nil {
		return Result{}, fmt.Errorf("marshal settlement event: %w", err)
	}
	if _, err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   order.ID,
		EventType:     domain.EventTypePaymentSettled,
		Payload:       payload,
		CreatedAt:     now,
	}); err != nil {
		return Result{}, fmt.Errorf("enqueue settlement event: %w", err)
	}

	logger.WithFields(log.Fields{
		"payment_method": attempt.PaymentMethod,
		"units_sold":     sold,
	}).Info("order paid")
	return Result{Order: order, Payment: &attempt, Outcome: domain.OutcomeApplied}, nil
}

func (e *Engine) fail(
	ctx context.Context,
	tx domain.Repositories,
	logger *log.Entry,
	order domain.Order,
	attempt *domain.PaymentAttempt,
	status domain.GatewayStatus,
	reason string,
	obs domain.Observation,
	source domain.ObservationSource,
	now time.Time,
) (Result, error) {
	var updated *domain.PaymentAttempt
	if attempt != nil {
		next := *attempt
		touch(&next, obs, source)
		next.Status = status.PaymentStatus()
		next.FailureReason = reason
		next.Verified = obs.Verified
		next.CompletedAt = now
		next.UpdatedAt = now
		if err := tx.Payments().Update(ctx, next); err != nil {
			return Result{}, fmt.Errorf("close attempt: %w", err)
		}
		updated = &next
	}

	released, err := tx.Units().Release(ctx, order.ID, now)
	if err != nil {
		return Result{}, fmt.Errorf("release units: %w", err)
	}
	target := status.OrderStatus()
	if err := tx.Orders().UpdateStatus(ctx, order.ID, domain.OrderStatusPending, target, now); err != nil {
		return Result{}, fmt.Errorf("mark order %s: %w", strings.ToLower(string(target)), err)
	}
	order.Status = target
	order.UpdatedAt = now

	logger.WithFields(log.Fields{
		"order_status":   target,
		"reason":         reason,
		"units_released": released,
	}).Info("order closed without payment")
	return Result{Order: order, Payment: updated, Outcome: domain.OutcomeApplied, Detail: reason}, nil
}

// touch переносит в попытку поля, которые наблюдение может только дополнить.
func touch(attempt *domain.PaymentAttempt, obs domain.Observation, source domain.ObservationSource) {
	if attempt.TrackingID == "" && obs.TrackingID != "" {
		attempt.TrackingID = obs.TrackingID
	}
	if source == domain.SourceWebhook {
		attempt.NotificationReceived = true
	}
}

// loadAttempt возвращает попытку, к которой относится наблюдение: последнюю по заказу
// или, если tracking id указывает на более раннюю, её.
func loadAttempt(ctx context.Context, tx domain.Repositories, orderID, trackingID string) (*domain.PaymentAttempt, error) {
	latest, err := tx.Payments().Latest(ctx, orderID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payment attempt: %w", err)
	}
	if trackingID == "" || latest.TrackingID == trackingID {
		return &latest, nil
	}

	byTracking, err := tx.Payments().GetByTrackingID(ctx, trackingID)
	switch {
	case err == nil && byTracking.OrderID == orderID:
		return &byTracking, nil
	case err == nil, errors.Is(err, domain.ErrPaymentNotFound):
		return nil, fmt.Errorf("%w: tracking id %s does not belong to order", domain.ErrPaymentNotFound, trackingID)
	default:
		return nil, fmt.Errorf("load payment attempt by tracking id: %w", err)
	}
}

func (e *Engine) appendLog(ctx context.Context, entry domain.NotificationLogEntry) {
	entry.ReceivedAt = e.now()
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logAppendTimeout)
	defer cancel()

	if err := e.store.Notifications().Append(logCtx, entry); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"order_id": entry.OrderID,
			"outcome":  entry.Outcome,
		}).Warn("failed to append notification log")
	}
}

func (e *Engine) record(source domain.ObservationSource, outcome domain.NotificationOutcome) {
	if e.metrics != nil {
		e.metrics.RecordReconcile(source, outcome)
	}
}
