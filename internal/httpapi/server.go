// Package httpapi реализует HTTP API магазина: заказы, оплата, IPN шлюза и админские ручки.
package httpapi

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/service/inventory"
	"github.com/vladislavdragonenkov/paycoord/internal/service/order"
	"github.com/vladislavdragonenkov/paycoord/internal/service/payment"
	"github.com/vladislavdragonenkov/paycoord/internal/service/reconcile"
	"github.com/vladislavdragonenkov/paycoord/internal/service/sweeper"
	"github.com/vladislavdragonenkov/paycoord/internal/service/webhook"
)

const (
	defaultRequestTimeout = 45 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	bodyLimit             = 1 << 20
)

// StatusPoller отдаёт статус оплаты, при необходимости опрашивая шлюз.
type StatusPoller interface {
	PollStatus(ctx context.Context, orderID string) (reconcile.Result, error)
}

// Sweeper запускает проход по истёкшим попыткам.
type Sweeper interface {
	SweepOnce(ctx context.Context) (sweeper.Report, error)
}

// LocalSettler завершает платёж локального шлюза.
type LocalSettler interface {
	Settle(trackingID string, status domain.GatewayStatus, method domain.PaymentMethod) bool
}

// Deps — сервисы, которые обслуживает API.
type Deps struct {
	Store     domain.Store
	Orders    *order.Service
	Payments  *payment.Service
	Inventory *inventory.Service
	Poller    StatusPoller
	Webhooks  *webhook.Receiver
	Sweeper   Sweeper
	// WebhookAuth проверяет подлинность IPN.
	WebhookAuth *webhook.Authenticator
	// AdminSecret — HMAC-ключ JWT для /admin; пустой ключ закрывает админские ручки.
	AdminSecret string
	// LocalGateway задан только в режиме local: страница /local-pay имитирует плательщика.
	LocalGateway LocalSettler
}

// Options — настройки HTTP-слоя.
type Options struct {
	Logger         *log.Entry
	RequestTimeout time.Duration
	IdempotencyTTL time.Duration
}

// Server — fiber-приложение с зарегистрированными маршрутами.
type Server struct {
	app            *fiber.App
	deps           Deps
	logger         *log.Entry
	requestTimeout time.Duration
	idempotencyTTL time.Duration
}

// NewServer собирает приложение и маршруты.
func NewServer(deps Deps, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "http")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}

	s := &Server{
		deps:           deps,
		logger:         opts.Logger,
		requestTimeout: opts.RequestTimeout,
		idempotencyTTL: opts.IdempotencyTTL,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "paycoord",
		Immutable:             true,
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(s.accessLog)
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.app.Group("/api/v1")
	api.Post("/orders", s.createOrder)
	api.Get("/orders/:id", s.getOrder)
	api.Post("/orders/:id/cancel", s.cancelOrder)
	api.Post("/orders/:id/payments", s.withIdempotency(s.initiatePayment))
	api.Get("/orders/:id/payment-status", s.paymentStatus)

	s.app.Get("/webhooks/pesapal", s.pesapalWebhook)
	s.app.Post("/webhooks/pesapal", s.pesapalWebhook)

	if s.deps.LocalGateway != nil {
		s.app.Get("/local-pay/:tracking", s.localPay)
	}

	admin := s.app.Group("/admin/v1", AdminRequired(s.deps.AdminSecret))
	admin.Post("/units", s.registerUnit)
	admin.Patch("/units/:id/status", s.setUnitStatus)
	admin.Get("/orders/:id/notifications", s.listNotifications)
	admin.Post("/sweep", s.sweepNow)
}

// App возвращает fiber-приложение (для тестов и встраивания).
func (s *Server) App() *fiber.App { return s.app }

// Listen блокируется до остановки сервера.
func (s *Server) Listen(addr string) error {
	s.logger.WithField("addr", addr).Info("http api listening")
	return s.app.Listen(addr)
}

// Shutdown дожидается завершения активных запросов, но не дольше timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// requestContext ограничивает время обработки запроса.
func (s *Server) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.requestTimeout)
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	started := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	if err != nil {
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
	}
	entry := s.logger.WithFields(log.Fields{
		"method":     c.Method(),
		"path":       c.Path(),
		"status":     status,
		"duration":   time.Since(started).String(),
		"request_id": c.GetRespHeader(fiber.HeaderXRequestID),
	})
	if status >= fiber.StatusInternalServerError {
		entry.Warn("request failed")
	} else {
		entry.Debug("request served")
	}
	return err
}
