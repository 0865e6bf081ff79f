package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type depthFunc func(ctx context.Context, name string) (int, error)

func (f depthFunc) QueueDepth(ctx context.Context, name string) (int, error) { return f(ctx, name) }

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("degraded check degrades the report", func(t *testing.T) {
		report := NewRegistry(fixed("a", StatusHealthy), fixed("b", StatusDegraded)).Check(context.Background())
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Len(t, report.Checks, 2)
	})

	t.Run("unhealthy check wins", func(t *testing.T) {
		report := NewRegistry(fixed("a", StatusDegraded), fixed("b", StatusUnhealthy)).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)

		slow := NewCheckerFunc("slow", func(context.Context) CheckResult {
			<-block
			return CheckResult{Status: StatusHealthy}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		report := NewRegistry(fixed("fast", StatusHealthy), slow).Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "Check timed out", report.Checks["slow"].Message)
	})
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	t.Run("transport checker follows the connection", func(t *testing.T) {
		transport := memory.NewTransport()
		checker := NewTransportChecker("memory", transport)
		assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

		require.NoError(t, transport.Close())
		assert.Equal(t, StatusUnhealthy, checker.Check(ctx).Status)
	})

	t.Run("queue checker degrades past the threshold", func(t *testing.T) {
		depth := 0
		checker := NewQueueChecker("work", depthFunc(func(context.Context, string) (int, error) {
			return depth, nil
		}), 100)

		assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)
		depth = 101
		res := checker.Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
		assert.Equal(t, 101, res.Details["message_count"])
		assert.Equal(t, "queue_work", checker.Name())
	})

	t.Run("queue checker reports inspection errors", func(t *testing.T) {
		checker := NewQueueChecker("work", depthFunc(func(context.Context, string) (int, error) {
			return 0, errors.New("not found")
		}), 0)
		res := checker.Check(ctx)
		assert.Equal(t, StatusUnhealthy, res.Status)
		assert.Equal(t, "not found", res.Error)
	})

	t.Run("store checker pings the backend", func(t *testing.T) {
		up := NewStoreChecker("postgres", pingFunc(func(context.Context) error { return nil }))
		down := NewStoreChecker("postgres", pingFunc(func(context.Context) error { return errors.New("refused") }))

		assert.Equal(t, StatusHealthy, up.Check(ctx).Status)
		assert.Equal(t, StatusUnhealthy, down.Check(ctx).Status)
	})

	t.Run("breaker checker degrades while open", func(t *testing.T) {
		cb := reliability.NewCircuitBreaker(reliability.WithName("publish"), reliability.WithFailureThreshold(1))
		checker := NewBreakerChecker(cb)
		assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

		_ = cb.Execute(ctx, func() error { return errors.New("broker down") })
		res := checker.Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
		assert.Equal(t, "circuit_publish", res.Name)
	})

	t.Run("memory checker flags goroutine pressure", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewMemoryChecker(1_000_000, 2_000_000).Check(ctx).Status)
		assert.Equal(t, StatusUnhealthy, NewMemoryChecker(0, 0).Check(ctx).Status)
	})
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	serve := func(registry *Registry) *httptest.ResponseRecorder {
		r := gin.New()
		r.GET("/healthz", LivenessHandler())
		r.GET("/readyz", ReadinessHandler(registry, time.Second))

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return w
	}

	t.Run("readiness is 503 when unhealthy", func(t *testing.T) {
		w := serve(NewRegistry(fixed("broker", StatusUnhealthy)))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		var report OverallHealth
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.Equal(t, StatusUnhealthy, report.Status)
	})

	t.Run("readiness is 200 when degraded", func(t *testing.T) {
		w := serve(NewRegistry(fixed("queue", StatusDegraded)))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("liveness always answers", func(t *testing.T) {
		r := gin.New()
		r.GET("/healthz", LivenessHandler())
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
	})
}
