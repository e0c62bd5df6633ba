package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, handler *Handler) (int, Response) {
	t.Helper()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var response Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return w.Code, response
}

func TestHealthHandler(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("storage", NewSimpleChecker("storage", ok))

	code, response := serve(t, handler)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, response.Status)
	assert.Equal(t, "v1.0.0", response.Version)
	assert.Len(t, response.Checks, 1)
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("storage", NewSimpleChecker("storage", failing("connection refused")))

	code, response := serve(t, handler)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusUnhealthy, response.Status)
	assert.Equal(t, "connection refused", response.Checks["storage"].Message)
}

func TestHealthHandler_OptionalDependencyDegrades(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("storage", NewSimpleChecker("storage", ok))
	handler.RegisterChecker("redis", NewOptionalChecker("redis", failing("i/o timeout")))

	code, response := serve(t, handler)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusDegraded, response.Status)
	assert.Equal(t, StatusDegraded, response.Checks["redis"].Status)
}

func TestHealthHandler_ChecksGetDeadline(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("storage", NewSimpleChecker("storage", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}))

	assert.Equal(t, StatusHealthy, handler.Evaluate(context.Background()).Status)
}

func TestLivenessHandler(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		checker  Checker
		wantCode int
		wantBody string
	}{
		{name: "ready", checker: NewSimpleChecker("storage", ok), wantCode: http.StatusOK, wantBody: "ready"},
		{name: "not ready", checker: NewSimpleChecker("storage", failing("down")), wantCode: http.StatusServiceUnavailable, wantBody: "not ready"},
		{name: "degraded is ready", checker: NewOptionalChecker("kafka", failing("down")), wantCode: http.StatusOK, wantBody: "ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler("v1.0.0")
			handler.RegisterChecker("dep", tt.checker)

			w := httptest.NewRecorder()
			handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestSimpleChecker(t *testing.T) {
	checker := NewSimpleChecker("test", func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	check := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.GreaterOrEqual(t, check.DurationMs, int64(10))
}

func TestSimpleChecker_Error(t *testing.T) {
	check := NewSimpleChecker("test", failing("test error")).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "test error", check.Message)
}

func TestHealthHandler_RunsChecksConcurrently(t *testing.T) {
	handler := NewHandler("v1.0.0")
	release := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(2)
	for _, name := range []string{"storage", "redis"} {
		handler.RegisterChecker(name, NewSimpleChecker(name, func(ctx context.Context) error {
			arrived.Done()
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	}

	go func() {
		arrived.Wait()
		close(release)
	}()

	response := handler.Evaluate(context.Background())
	assert.Equal(t, StatusHealthy, response.Status)
	assert.Len(t, response.Checks, 2)
}

func TestStatusSeverity(t *testing.T) {
	assert.True(t, StatusUnhealthy.worse(StatusDegraded))
	assert.True(t, StatusDegraded.worse(StatusHealthy))
	assert.False(t, StatusHealthy.worse(StatusDegraded))
}
