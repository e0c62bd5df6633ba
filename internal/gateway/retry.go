package gateway

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RetryConfig — параметры экспоненциального backoff для временных ошибок шлюза.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// CallObserver получает итог каждого вызова шлюза.
type CallObserver interface {
	ObserveGatewayCall(op string, err error, elapsed time.Duration)
}

// RetryingClient оборачивает Client: повторяет ErrGatewayNetwork с
// экспоненциальной задержкой и пропускает вызовы через circuit breaker.
type RetryingClient struct {
	next     Client
	config   RetryConfig
	breaker  *CircuitBreaker
	observer CallObserver
	logger   *log.Entry
	sleep    func(ctx context.Context, d time.Duration) error
}

// RetryOption настраивает RetryingClient.
type RetryOption func(*RetryingClient)

// WithCircuitBreaker включает circuit breaker.
func WithCircuitBreaker(breaker *CircuitBreaker) RetryOption {
	return func(c *RetryingClient) { c.breaker = breaker }
}

// WithCallObserver подключает наблюдателя вызовов (метрики).
func WithCallObserver(observer CallObserver) RetryOption {
	return func(c *RetryingClient) { c.observer = observer }
}

// WithRetryLogger задаёт логгер.
func WithRetryLogger(logger *log.Entry) RetryOption {
	return func(c *RetryingClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewRetryingClient создаёт клиент с retry логикой.
func NewRetryingClient(next Client, config RetryConfig, opts ...RetryOption) *RetryingClient {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}

	c := &RetryingClient{
		next:   next,
		config: config,
		logger: log.New().WithField("component", "gateway-retry"),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initiate создаёт платёжную страницу с повторами при временных ошибках.
func (c *RetryingClient) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	var result InitiateResult
	err := c.execute(ctx, "initiate", req.OrderID, func(ctx context.Context) error {
		var err error
		result, err = c.next.Initiate(ctx, req)
		return err
	})
	return result, err
}

// QueryStatus запрашивает статус с повторами при временных ошибках.
func (c *RetryingClient) QueryStatus(ctx context.Context, trackingID string) (StatusResult, error) {
	var result StatusResult
	err := c.execute(ctx, "query_status", trackingID, func(ctx context.Context) error {
		var err error
		result, err = c.next.QueryStatus(ctx, trackingID)
		return err
	})
	return result, err
}

func (c *RetryingClient) execute(ctx context.Context, op, ref string, fn func(context.Context) error) error {
	var lastErr error
	delay := c.config.InitialDelay

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		started := time.Now()
		err := c.call(ctx, fn)
		if c.observer != nil {
			c.observer.ObserveGatewayCall(op, err, time.Since(started))
		}
		if err == nil {
			if attempt > 1 {
				c.logger.WithFields(log.Fields{
					"operation": op,
					"ref":       ref,
					"attempt":   attempt,
				}).Info("gateway call succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == c.config.MaxAttempts {
			break
		}

		c.logger.WithError(err).WithFields(log.Fields{
			"operation": op,
			"ref":       ref,
			"attempt":   attempt,
			"delay":     delay,
		}).Warn("gateway call failed, retrying")

		if err := c.sleep(ctx, delay); err != nil {
			return &Error{Kind: ErrGatewayNetwork, Op: op, Err: err}
		}
		delay = time.Duration(float64(delay) * c.config.BackoffFactor)
		if c.config.MaxDelay > 0 && delay > c.config.MaxDelay {
			delay = c.config.MaxDelay
		}
	}

	c.logger.WithError(lastErr).WithFields(log.Fields{
		"operation":    op,
		"ref":          ref,
		"max_attempts": c.config.MaxAttempts,
	}).Error("gateway call failed after all retry attempts")
	return lastErr
}

func (c *RetryingClient) call(ctx context.Context, fn func(context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Execute(func() error { return fn(ctx) })
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CircuitState — состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker размыкается после maxFailures временных ошибок подряд и
// возвращает ErrGatewayNetwork без вызова шлюза, пока не истечёт resetTimeout.
// Постоянные ошибки шлюза (4xx) размыкание не вызывают.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	logger       *log.Entry
	now          func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
}

// NewCircuitBreaker создаёт circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.New().WithField("component", "gateway-circuit-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		logger:       logger,
		now:          time.Now,
		state:        CircuitClosed,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет fn через circuit breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return &Error{Kind: ErrGatewayNetwork, Message: "circuit breaker is open"}
		}
		cb.state = CircuitHalfOpen
		cb.logger.Info("circuit breaker half-open")
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && IsTransient(err) {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != CircuitOpen {
				cb.logger.WithField("failures", cb.failures).Warn("circuit breaker opened")
			}
			cb.state = CircuitOpen
		}
		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.logger.Info("circuit breaker closed")
	}
	cb.state = CircuitClosed
	cb.failures = 0
	return err
}
