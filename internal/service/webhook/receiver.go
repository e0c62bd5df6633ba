// Package webhook принимает push-уведомления шлюза (Pesapal IPN) и передаёт их в сверку.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/gateway"
	"github.com/vladislavdragonenkov/paycoord/internal/service/reconcile"
)

const (
	defaultQueryTimeout = 10 * time.Second
	// DefaultNotificationType — тип уведомления Pesapal о смене статуса.
	DefaultNotificationType = "IPNCHANGE"
)

// Notification — аутентифицированное уведомление шлюза.
type Notification struct {
	TrackingID        string
	MerchantReference string
	NotificationType  string
	// Status — статус в словаре шлюза, если он передан в уведомлении.
	Status  string
	Payload []byte
}

// Ack — тело ответа, которое ожидает Pesapal.
// Status 200 означает, что уведомление принято; 500 просит шлюз повторить позже.
type Ack struct {
	OrderNotificationType  string `json:"orderNotificationType"`
	OrderTrackingID        string `json:"orderTrackingId"`
	OrderMerchantReference string `json:"orderMerchantReference"`
	Status                 int    `json:"status"`
}

// Reconciler применяет наблюдение к заказу.
type Reconciler interface {
	Reconcile(ctx context.Context, orderID string, obs domain.Observation, source domain.ObservationSource) (reconcile.Result, error)
}

// Recorder принимает метрики входящих уведомлений.
type Recorder interface {
	RecordWebhook(result string)
}

// Receiver обрабатывает уведомления. Положительный статус из уведомления
// никогда не принимается без подтверждения запросом к шлюзу.
type Receiver struct {
	store        domain.Store
	gateway      gateway.Client
	reconciler   Reconciler
	logger       *log.Entry
	metrics      Recorder
	queryTimeout time.Duration
}

// NewReceiver создаёт обработчик уведомлений; metrics может быть nil.
func NewReceiver(store domain.Store, client gateway.Client, reconciler Reconciler, metrics Recorder, logger *log.Entry) *Receiver {
	if logger == nil {
		logger = log.WithField("component", "webhook")
	}
	return &Receiver{
		store:        store,
		gateway:      client,
		reconciler:   reconciler,
		logger:       logger,
		metrics:      metrics,
		queryTimeout: defaultQueryTimeout,
	}
}

// Handle обрабатывает уведомление и возвращает подтверждение для шлюза.
// Внутренние ошибки не поднимаются наверх: статус в Ack сообщает шлюзу, стоит ли повторить.
func (r *Receiver) Handle(ctx context.Context, n Notification) Ack {
	n.TrackingID = strings.TrimSpace(n.TrackingID)
	if n.NotificationType == "" {
		n.NotificationType = DefaultNotificationType
	}
	ack := Ack{
		OrderNotificationType:  n.NotificationType,
		OrderTrackingID:        n.TrackingID,
		OrderMerchantReference: n.MerchantReference,
		Status:                 http.StatusOK,
	}
	logger := r.logger.WithFields(log.Fields{
		"tracking_id":        n.TrackingID,
		"merchant_reference": n.MerchantReference,
	})

	attempt, err := r.store.Payments().GetByTrackingID(ctx, n.TrackingID)
	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		logger.Warn("notification for unknown tracking id")
		r.appendLog(ctx, domain.NotificationLogEntry{
			TrackingID:     n.TrackingID,
			Source:         domain.SourceWebhook,
			ObservedStatus: domain.NormalizeGatewayStatus(n.Status),
			RawStatus:      n.Status,
			Outcome:        domain.OutcomeUnknownTracking,
			Payload:        n.Payload,
		})
		r.record("unknown_tracking")
		return ack
	case err != nil:
		logger.WithError(err).Error("failed to look up payment attempt")
		r.appendLog(ctx, domain.NotificationLogEntry{
			TrackingID: n.TrackingID,
			Source:     domain.SourceWebhook,
			RawStatus:  n.Status,
			Outcome:    domain.OutcomeError,
			Payload:    n.Payload,
			Detail:     err.Error(),
		})
		r.record("error")
		ack.Status = http.StatusInternalServerError
		return ack
	}
	logger = logger.WithField("order_id", attempt.OrderID)

	obs := r.observe(ctx, logger, n)
	result, err := r.reconciler.Reconcile(ctx, attempt.OrderID, obs, domain.SourceWebhook)
	if err != nil {
		logger.WithError(err).Error("failed to reconcile notification")
		r.record("error")
		ack.Status = http.StatusInternalServerError
		return ack
	}

	logger.WithFields(log.Fields{
		"outcome":      result.Outcome,
		"order_status": result.Order.Status,
	}).Info("notification processed")
	r.record(string(result.Outcome))
	return ack
}

// Reject фиксирует в журнале уведомление, отклонённое до обработки
// (не прошло аутентификацию, битое тело, нет tracking id).
func (r *Receiver) Reject(ctx context.Context, trackingID string, payload []byte, reason string) {
	r.appendLog(ctx, domain.NotificationLogEntry{
		TrackingID: strings.TrimSpace(trackingID),
		Source:     domain.SourceWebhook,
		Outcome:    domain.OutcomeRejected,
		Payload:    payload,
		Detail:     reason,
	})
	r.record(string(domain.OutcomeRejected))
}

// observe подтверждает уведомление запросом к шлюзу. Если запрос не удался,
// используется статус из уведомления без пометки verified: отрицательный
// применяется сразу, положительный превращается в PENDING.
func (r *Receiver) observe(ctx context.Context, logger *log.Entry, n Notification) domain.Observation {
	pushed := domain.Observation{
		Status:     domain.NormalizeGatewayStatus(n.Status),
		RawStatus:  n.Status,
		TrackingID: n.TrackingID,
		Payload:    n.Payload,
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	status, err := r.gateway.QueryStatus(queryCtx, n.TrackingID)
	switch {
	case err == nil:
		obs := status.Observation()
		obs.TrackingID = n.TrackingID
		obs.Payload = n.Payload
		return obs
	case errors.Is(err, gateway.ErrTrackingUnknown):
		logger.WithError(err).Warn("gateway does not know notified tracking id")
		return domain.Observation{
			Status:        domain.GatewayStatusFailed,
			RawStatus:     n.Status,
			TrackingID:    n.TrackingID,
			FailureReason: reconcile.ReasonTrackingUnknown,
			Verified:      true,
			Payload:       n.Payload,
		}
	default:
		logger.WithError(err).WithField("kind", gateway.Kind(err)).Warn("status confirmation failed, using pushed status")
		return pushed
	}
}

func (r *Receiver) appendLog(ctx context.Context, entry domain.NotificationLogEntry) {
	entry.ReceivedAt = time.Now().UTC()
	if err := r.store.Notifications().Append(ctx, entry); err != nil {
		r.logger.WithError(err).Warn("failed to append notification log")
	}
}

func (r *Receiver) record(result string) {
	if r.metrics != nil {
		r.metrics.RecordWebhook(result)
	}
}
