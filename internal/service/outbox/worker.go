// Package outbox доставляет события о расчёте из transactional outbox получателям.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

var (
	publishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycoord_outbox_publish_attempts_total",
		Help: "Outbox publish attempts grouped by result.",
	}, []string{"result"})
	backlogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paycoord_outbox_pending_records",
		Help: "Pending records in the settlement outbox.",
	})
	backlogAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paycoord_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending outbox record.",
	})
	deliveryLag = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paycoord_outbox_delivery_lag_seconds",
		Help:    "Time between enqueueing an event and its successful delivery.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 60, 300},
	}, []string{"event_type"})
)

// DeadLetter — событие, которое не удалось доставить за MaxAttempts попыток.
// Уходит в DLQ целиком, чтобы paycoordctl dlq-replay мог вернуть его в поток.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	Attempts       int             `json:"attempts"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithDLQPublisher задаёт получателя событий, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) { w.pollInterval = interval }
}

func WithBatchSize(size int) Option {
	return func(w *Worker) { w.batchSize = size }
}

// WithMaxAttempts ограничивает число попыток доставки одного события за цикл.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) { w.maxAttempts = attempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBase = delay }
}

// Worker доставляет pending-события из outbox. Расчёт к этому моменту уже
// зафиксирован: сбой доставки не трогает заказ, событие уходит в failed/DLQ.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	retryBase    time.Duration
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:         repo,
		publisher:    publisher,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		maxAttempts:  defaultMaxAttempts,
		retryBase:    defaultRetryBaseDelay,
	}
	for _, apply := range options {
		apply(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	w.retryBase = max(w.retryBase, 0)
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce выполняет один цикл и возвращает число доставленных событий.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	w.observeBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return 0
	}

	delivered := 0
	for _, event := range batch {
		if ctx.Err() != nil {
			break
		}
		if w.deliver(ctx, event) {
			delivered++
		}
	}
	if len(batch) > 0 {
		w.observeBacklog(ctx)
	}
	return delivered
}

// deliver публикует одно событие и фиксирует его конечный статус.
func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) bool {
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":    event.ID,
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID,
	})

	attempts, publishErr := w.publishWithRetry(ctx, event)
	if publishErr == nil {
		if err := w.repo.MarkSent(ctx, event.ID); err != nil {
			logger.WithError(err).Warn("failed to mark outbox as sent")
			return false
		}
		if !event.CreatedAt.IsZero() {
			deliveryLag.WithLabelValues(event.EventType).Observe(time.Since(event.CreatedAt).Seconds())
		}
		return true
	}

	logger.WithError(publishErr).WithField("attempts", attempts).Error("outbox publish failed after retries")
	publishResults.WithLabelValues("failed").Inc()
	if err := w.deadLetter(ctx, event, attempts, publishErr); err != nil {
		logger.WithError(err).Warn("failed to publish to DLQ")
		publishResults.WithLabelValues("dlq_failed").Inc()
	}
	if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
		logger.WithError(err).Warn("failed to mark outbox as failed")
	}
	return false
}

// publishWithRetry возвращает число сделанных попыток и последнюю ошибку публикации.
func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) (int, error) {
	for attempt := 1; ; attempt++ {
		err := w.publisher.Publish(ctx, event)
		if err == nil {
			publishResults.WithLabelValues("sent").Inc()
			return attempt, nil
		}
		publishResults.WithLabelValues("retry_error").Inc()
		if attempt >= w.maxAttempts {
			return attempt, err
		}

		if delay := w.retryBackoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// retryBackoff возвращает retryBase * 2^(attempt-1), насыщаясь на максимуме Duration.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBase <= 0 || attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift >= 63 || w.retryBase > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return w.retryBase << shift
}

func (w *Worker) observeBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	backlogSize.Set(float64(stats.PendingCount))
	age := 0.0
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = max(time.Since(stats.OldestPendingAt).Seconds(), 0)
	}
	backlogAge.Set(age)
}

func (w *Worker) deadLetter(ctx context.Context, event domain.OutboxMessage, attempts int, cause error) error {
	if w.dlq == nil {
		return nil
	}

	letter, err := json.Marshal(DeadLetter{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        json.RawMessage(event.Payload),
		PublishError:   cause.Error(),
		Attempts:       attempts,
		DLQPublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	wrapped := event
	wrapped.Payload = letter
	if err := w.dlq.Publish(ctx, wrapped); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
