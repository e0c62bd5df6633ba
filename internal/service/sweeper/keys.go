package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

var (
	keyCleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycoord_idempotency_cleanup_runs_total",
		Help: "Total number of idempotency cleanup runs grouped by result.",
	}, []string{"result"})
	keyCleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycoord_idempotency_cleanup_deleted_total",
		Help: "Total number of deleted expired idempotency records.",
	})
	keyCleanupLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paycoord_idempotency_cleanup_last_deleted",
		Help: "Number of deleted records during the last cleanup run.",
	})
)

// KeyCleaner периодически удаляет idempotency-записи инициации оплаты с истёкшим TTL.
type KeyCleaner struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	interval  time.Duration
	batchSize int
}

// NewKeyCleaner создаёт очистку; нулевые interval/batchSize заменяются значениями по умолчанию.
func NewKeyCleaner(repo domain.IdempotencyRepository, interval time.Duration, batchSize int, logger *log.Entry) *KeyCleaner {
	if logger == nil {
		logger = log.WithField("component", "idempotency-cleanup")
	}
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if batchSize <= 0 {
		batchSize = defaultCleanupBatchSize
	}
	return &KeyCleaner{repo: repo, logger: logger, interval: interval, batchSize: batchSize}
}

// Run запускает периодическую очистку до отмены ctx.
func (c *KeyCleaner) Run(ctx context.Context) {
	if c.repo == nil {
		c.logger.Warn("idempotency cleanup is disabled: repo is nil")
		return
	}

	every(ctx, c.interval, func(ctx context.Context) {
		deleted, err := c.DeleteExpired(ctx, time.Now().UTC())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			keyCleanupRunsTotal.WithLabelValues("error").Inc()
			c.logger.WithError(err).Warn("idempotency cleanup run failed")
			return
		}

		keyCleanupRunsTotal.WithLabelValues("ok").Inc()
		keyCleanupLastDeleted.Set(float64(deleted))
		if deleted > 0 {
			c.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
		}
	})
}

// DeleteExpired удаляет все записи с ttl <= before порциями batchSize.
func (c *KeyCleaner) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := c.repo.DeleteExpired(ctx, before, c.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		keyCleanupDeletedTotal.Add(float64(deleted))

		if deleted < c.batchSize {
			return total, nil
		}
	}
}
