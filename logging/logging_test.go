package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glimte/mmate-relay/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("json records carry the correlation id", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(Options{Level: "debug", Output: &buf})

		ctx := correlation.WithID(context.Background(), "corr-1")
		logger.InfoContext(ctx, "handled", "action", "ping")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "corr-1", record["correlationId"])
		assert.Equal(t, "ping", record["action"])
	})

	t.Run("records without a correlation id omit the key", func(t *testing.T) {
		var buf bytes.Buffer
		New(Options{Output: &buf}).Info("started")
		assert.NotContains(t, buf.String(), "correlationId")
	})

	t.Run("text format", func(t *testing.T) {
		var buf bytes.Buffer
		New(Options{Format: "text", Output: &buf}).Info("started", "queue", "work")
		assert.True(t, strings.Contains(buf.String(), "queue=work"))
	})

	t.Run("level filters lower records", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(Options{Level: "warn", Output: &buf})
		logger.Info("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("attributes survive WithAttrs", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(Options{Output: &buf}).With("component", "router")
		logger.InfoContext(correlation.WithID(context.Background(), "c"), "x")
		assert.Contains(t, buf.String(), `"component":"router"`)
		assert.Contains(t, buf.String(), `"correlationId":"c"`)
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestCorrelationMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen string
	r := gin.New()
	r.Use(CorrelationMiddleware())
	r.GET("/", func(c *gin.Context) {
		seen = correlation.FromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	t.Run("propagates the incoming header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(correlation.HeaderName, "abc")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, "abc", seen)
		assert.Equal(t, "abc", w.Header().Get(correlation.HeaderName))
	})

	t.Run("generates an id when absent", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, w.Header().Get(correlation.HeaderName))
	})
}
