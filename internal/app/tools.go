package app

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/metrics"
	"github.com/vladislavdragonenkov/paycoord/internal/service/inventory"
	"github.com/vladislavdragonenkov/paycoord/internal/service/reconcile"
	"github.com/vladislavdragonenkov/paycoord/internal/service/sweeper"
)

// Tools — сервисы для разовых операций paycoordctl над общим хранилищем.
type Tools struct {
	Store     domain.Store
	Inventory *inventory.Service
	Sweeper   *sweeper.ExpirySweeper

	runtime runtimeDependencies
	gateway gatewayDependencies
	logger  *log.Entry
}

// OpenTools открывает postgres-хранилище и собирает сервисы.
// Опрос шлюза перед истечением включается только для pesapal: локальный шлюз
// другого процесса не знает чужих платежей.
func OpenTools(ctx context.Context, cfg Config, logger *log.Entry) (*Tools, error) {
	if logger == nil {
		logger = log.WithField("component", "paycoordctl")
	}
	if cfg.StorageDriver != StorageDriverPostgres {
		return nil, errors.New("paycoordctl works with postgres storage only")
	}

	runtime, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	pollFirst := cfg.SweepPollFirst && cfg.GatewayMode == GatewayModePesapal
	if cfg.GatewayMode != GatewayModePesapal {
		cfg.GatewayMode = GatewayModeLocal
	}
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	gw, err := initGateway(cfg, m, logger)
	if err != nil {
		closeStore(runtime, logger)
		return nil, err
	}

	engine := reconcile.NewEngine(runtime.store, gw.client, reconcile.WithLogger(logger.WithField("layer", "reconcile")))
	return &Tools{
		Store:     runtime.store,
		Inventory: inventory.NewService(runtime.store, logger.WithField("layer", "inventory")),
		Sweeper: sweeper.NewExpirySweeper(runtime.store.Payments(), engine,
			sweeper.WithLogger(logger.WithField("layer", "sweeper")),
			sweeper.WithBatchSize(cfg.SweepBatchSize),
			sweeper.WithPollFirst(pollFirst),
		),
		runtime: runtime,
		gateway: gw,
		logger:  logger,
	}, nil
}

// Close освобождает соединения.
func (t *Tools) Close() {
	t.gateway.close(t.logger)
	closeStore(t.runtime, t.logger)
}
