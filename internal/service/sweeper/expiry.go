package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/service/reconcile"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 100

	// ReasonExpired — причина закрытия попытки, не завершившейся за окно экспирации.
	ReasonExpired = "expired"
)

// Engine — движок сверки, через который sweeper закрывает попытки.
type Engine interface {
	PollStatus(ctx context.Context, orderID string) (reconcile.Result, error)
	Reconcile(ctx context.Context, orderID string, obs domain.Observation, source domain.ObservationSource) (reconcile.Result, error)
}

// Recorder принимает метрики прохода.
type Recorder interface {
	RecordSweep(candidates, expired int, err error)
}

// ExpiryOptions задаёт параметры ExpirySweeper.
type ExpiryOptions struct {
	Logger    *log.Entry
	Metrics   Recorder
	Interval  time.Duration
	BatchSize int
	// PollFirst — перед истечением спросить шлюз, не завершился ли платёж.
	PollFirst bool
	Clock     func() time.Time
}

// ExpiryOption настраивает ExpirySweeper.
type ExpiryOption func(*ExpiryOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) ExpiryOption {
	return func(opts *ExpiryOptions) { opts.Logger = logger }
}

// WithMetrics подключает метрики.
func WithMetrics(metrics Recorder) ExpiryOption {
	return func(opts *ExpiryOptions) { opts.Metrics = metrics }
}

// WithInterval задаёт интервал между проходами.
func WithInterval(interval time.Duration) ExpiryOption {
	return func(opts *ExpiryOptions) { opts.Interval = interval }
}

// WithBatchSize задаёт число попыток за проход.
func WithBatchSize(batchSize int) ExpiryOption {
	return func(opts *ExpiryOptions) { opts.BatchSize = batchSize }
}

// WithPollFirst включает финальный запрос статуса у шлюза перед истечением.
func WithPollFirst(enabled bool) ExpiryOption {
	return func(opts *ExpiryOptions) { opts.PollFirst = enabled }
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) ExpiryOption {
	return func(opts *ExpiryOptions) { opts.Clock = clock }
}

// Report — итог одного прохода.
type Report struct {
	Candidates int `json:"candidates"`
	Expired    int `json:"expired"`
	Settled    int `json:"settled"`
	Failed     int `json:"failed"`
}

// ExpirySweeper закрывает INITIATED/PENDING попытки с истёкшим ExpiresAt.
type ExpirySweeper struct {
	payments  domain.PaymentRepository
	engine    Engine
	logger    *log.Entry
	metrics   Recorder
	interval  time.Duration
	batchSize int
	pollFirst bool
	now       func() time.Time
}

// NewExpirySweeper создаёт sweeper.
func NewExpirySweeper(payments domain.PaymentRepository, engine Engine, options ...ExpiryOption) *ExpirySweeper {
	opts := ExpiryOptions{
		Interval:  defaultSweepInterval,
		BatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "expiry-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &ExpirySweeper{
		payments:  payments,
		engine:    engine,
		logger:    logger,
		metrics:   opts.Metrics,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		pollFirst: opts.PollFirst,
		now:       clock,
	}
}

// Run запускает периодические проходы до отмены ctx.
func (s *ExpirySweeper) Run(ctx context.Context) {
	if s.payments == nil || s.engine == nil {
		s.logger.Warn("expiry sweeper is disabled: repo or engine is nil")
		return
	}

	every(ctx, s.interval, func(ctx context.Context) {
		report, err := s.SweepOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Warn("expiry sweep failed")
			return
		}
		if report.Expired > 0 || report.Settled > 0 || report.Failed > 0 {
			s.logger.WithFields(log.Fields{
				"candidates": report.Candidates,
				"expired":    report.Expired,
				"settled":    report.Settled,
				"failed":     report.Failed,
			}).Info("expiry sweep completed")
		}
	})
}

// SweepOnce обрабатывает одну порцию просроченных попыток.
// Ошибка отдельной попытки не прерывает проход: она попадёт в следующий.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (Report, error) {
	var report Report

	expired, err := s.payments.ListExpired(ctx, s.now(), s.batchSize)
	if err != nil {
		s.record(report, err)
		return report, fmt.Errorf("list expired attempts: %w", err)
	}
	report.Candidates = len(expired)

	for _, attempt := range expired {
		if err := ctx.Err(); err != nil {
			s.record(report, err)
			return report, err
		}

		logger := s.logger.WithFields(log.Fields{
			"order_id":    attempt.OrderID,
			"attempt_id":  attempt.ID,
			"tracking_id": attempt.TrackingID,
		})

		if s.pollFirst && attempt.TrackingID != "" {
			polled, err := s.engine.PollStatus(ctx, attempt.OrderID)
			if err != nil {
				logger.WithError(err).Warn("final status poll failed")
			} else if polled.Order.Status == domain.OrderStatusPaid {
				report.Settled++
				continue
			} else if polled.Payment != nil && polled.Payment.ID == attempt.ID && !polled.Payment.Active() {
				continue
			}
		}

		result, err := s.engine.Reconcile(ctx, attempt.OrderID, domain.Observation{
			Status:        domain.GatewayStatusExpired,
			RawStatus:     "SWEEP_EXPIRED",
			TrackingID:    attempt.TrackingID,
			FailureReason: ReasonExpired,
		}, domain.SourceSweep)
		if err != nil {
			report.Failed++
			logger.WithError(err).Warn("failed to expire payment attempt")
			continue
		}
		if result.Outcome == domain.OutcomeApplied {
			report.Expired++
		}
	}

	s.record(report, nil)
	return report, nil
}

func (s *ExpirySweeper) record(report Report, err error) {
	if s.metrics != nil {
		s.metrics.RecordSweep(report.Candidates, report.Expired, err)
	}
}
