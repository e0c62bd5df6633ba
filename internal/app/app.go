// Package app собирает координатор оплаты: хранилище, шлюз, сервисы,
// HTTP API, ops-листенеры и фоновые воркеры.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/paycoord/internal/health"
	"github.com/vladislavdragonenkov/paycoord/internal/httpapi"
	"github.com/vladislavdragonenkov/paycoord/internal/metrics"
	"github.com/vladislavdragonenkov/paycoord/internal/service/inventory"
	"github.com/vladislavdragonenkov/paycoord/internal/service/order"
	"github.com/vladislavdragonenkov/paycoord/internal/service/outbox"
	"github.com/vladislavdragonenkov/paycoord/internal/service/payment"
	"github.com/vladislavdragonenkov/paycoord/internal/service/reconcile"
	"github.com/vladislavdragonenkov/paycoord/internal/service/sweeper"
	"github.com/vladislavdragonenkov/paycoord/internal/service/webhook"
	"github.com/vladislavdragonenkov/paycoord/internal/version"
)

// Run запускает координатор и блокируется до отмены ctx или падения листенера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	runtime, err := initRuntimeDependencies(ctx, cfg, logger.WithField("layer", "storage"))
	if err != nil {
		return err
	}
	defer closeStore(runtime, logger)

	m := metrics.New()
	gw, err := initGateway(cfg, m, logger.WithField("layer", "gateway"))
	if err != nil {
		return err
	}
	defer gw.close(logger)

	events, err := initEvents(cfg, logger.WithField("layer", "events"))
	if err != nil {
		return err
	}
	defer events.close(logger)

	store := runtime.store
	engine := reconcile.NewEngine(store, gw.client,
		reconcile.WithLogger(log.WithField("component", "reconcile")),
		reconcile.WithMetrics(m),
	)
	orders := order.NewService(store, engine, nil)
	payments := payment.NewService(store, gw.client, engine, payment.Config{
		DefaultCallbackURL: cfg.CallbackURL,
		CancellationURL:    cfg.CancellationURL,
		Expiry:             cfg.PaymentExpiry,
	}, nil)
	expiry := sweeper.NewExpirySweeper(store.Payments(), engine,
		sweeper.WithMetrics(m),
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithBatchSize(cfg.SweepBatchSize),
		sweeper.WithPollFirst(cfg.SweepPollFirst),
	)

	apiDeps := httpapi.Deps{
		Store:       store,
		Orders:      orders,
		Payments:    payments,
		Inventory:   inventory.NewService(store, nil),
		Poller:      engine,
		Webhooks:    webhook.NewReceiver(store, gw.client, engine, m, nil),
		Sweeper:     expiry,
		WebhookAuth: webhook.NewAuthenticator(cfg.WebhookSecret),
		AdminSecret: cfg.AdminJWTSecret,
	}
	if gw.local != nil {
		apiDeps.LocalGateway = gw.local
	}
	api := httpapi.NewServer(apiDeps, httpapi.Options{
		RequestTimeout: cfg.RequestTimeout,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", runtime.storageChecker)
	if gw.redisChecker != nil {
		healthHandler.RegisterChecker("redis", gw.redisChecker)
	}
	if events.checker != nil {
		healthHandler.RegisterChecker("kafka", events.checker)
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	startWorkers(workerCtx, &workers, cfg, store, expiry, events)
	defer func() {
		stopWorkers()
		workers.Wait()
	}()

	grpcServer, healthServer := newGRPCServer(logger)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		errCh <- api.Listen(cfg.HTTPAddr)
	}()

	logger.WithFields(log.Fields{
		"version":      version.GetVersion(),
		"gateway_mode": cfg.GatewayMode,
		"storage":      cfg.StorageDriver,
		"kafka":        events.producer != nil,
	}).Info("payment coordinator started")

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		if err := api.Shutdown(shutdownTimeout(cfg)); err != nil {
			logger.WithError(err).Warn("http api shutdown with error")
		}
		stopGRPC(grpcServer, logger)
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		_ = api.Shutdown(shutdownTimeout(cfg))
		grpcServer.Stop()
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// startWorkers запускает outbox, sweeper и очистку idempotency-ключей.
func startWorkers(ctx context.Context, wg *sync.WaitGroup, cfg Config, store domain.Store, expiry *sweeper.ExpirySweeper, events eventDependencies) {
	opts := []outbox.Option{
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if events.dlq != nil {
		opts = append(opts, outbox.WithDLQPublisher(events.dlq))
	}
	worker := outbox.NewWorker(store.Outbox(), events.publisher, opts...)
	cleaner := sweeper.NewKeyCleaner(store.Idempotency(), cfg.IdempotencyCleanupInterval, cfg.IdempotencyCleanupBatchSize, nil)

	for _, run := range []func(context.Context){worker.Run, expiry.Run, cleaner.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
}

// newGRPCServer поднимает gRPC health и reflection с prometheus-интерцепторами.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	return grpcServer, healthServer
}

func stopGRPC(srv *grpc.Server, logger *log.Entry) {
	stoppedCh := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(5 * time.Second):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}

// startMetricsServer запускает ops-листенер: /metrics и проверки здоровья.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}

func closeStore(deps runtimeDependencies, logger *log.Entry) {
	if deps.closeFn == nil {
		return
	}
	if err := deps.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}
