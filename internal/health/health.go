// Package health отдаёт состояние координатора и его зависимостей для probe'ов.
// Хранилище критично; redis и kafka только понижают статус до degraded.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultCheckTimeout = 2 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse сравнивает статусы по тяжести.
func (s Status) worse(than Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	return rank[s] > rank[than]
}

// Check — результат проверки одной зависимости.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

type Checker interface {
	Check(ctx context.Context) Check
}

// Handler опрашивает зарегистрированные зависимости параллельно,
// каждая проверка ограничена общим таймаутом.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker

	version string
	started time.Time
	timeout time.Duration
}

func NewHandler(version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		version:  version,
		started:  time.Now(),
		timeout:  defaultCheckTimeout,
	}
}

// RegisterChecker добавляет или заменяет проверку под именем name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	h.checkers[name] = checker
	h.mu.Unlock()
}

// Evaluate выполняет все проверки и сводит их к худшему статусу.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	checkers := make([]Checker, 0, len(h.checkers))
	for name, checker := range h.checkers {
		names = append(names, name)
		checkers = append(checkers, checker)
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var g errgroup.Group
	for i, checker := range checkers {
		g.Go(func() error {
			results[i] = checker.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	resp := Response{
		Status:        StatusHealthy,
		Timestamp:     time.Now().UTC(),
		Checks:        make(map[string]Check, len(results)),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	for i, check := range results {
		resp.Checks[names[i]] = check
		if check.Status.worse(resp.Status) {
			resp.Status = check.Status
		}
	}
	return resp
}

// ServeHTTP отдаёт полный отчёт; 503 только при unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Evaluate(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(resp.Status))
	_ = json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler отвечает 503, пока недоступна критичная зависимость.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	code := httpStatus(h.Evaluate(r.Context()).Status)
	body := "ready"
	if code != http.StatusOK {
		body = "not ready"
	}
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func httpStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// SimpleChecker превращает функцию в Checker.
type SimpleChecker struct {
	name    string
	onError Status
	probe   func(ctx context.Context) error
}

// NewSimpleChecker проверяет критичную зависимость: ошибка даёт unhealthy.
func NewSimpleChecker(name string, probe func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, onError: StatusUnhealthy, probe: probe}
}

// NewOptionalChecker проверяет зависимость, без которой расчёты продолжаются (redis, kafka).
func NewOptionalChecker(name string, probe func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, onError: StatusDegraded, probe: probe}
}

func (c *SimpleChecker) Check(ctx context.Context) Check {
	started := time.Now()
	err := c.probe(ctx)

	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(started).Milliseconds()}
	if err != nil {
		check.Status = c.onError
		check.Message = err.Error()
	}
	return check
}
