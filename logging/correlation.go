package logging

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/glimte/mmate-relay/correlation"
)

// CorrelationHandler adds correlationId from the context to every record.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := correlation.FromContext(ctx); id != "" {
		r.AddAttrs(slog.String("correlationId", id))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// CorrelationMiddleware takes X-Correlation-ID from the request, or generates
// one, stores it in the request context and echoes it on the response.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlation.HeaderName)
		if id == "" {
			id = correlation.NewID()
		}

		c.Request = c.Request.WithContext(correlation.WithID(c.Request.Context(), id))
		c.Header(correlation.HeaderName, id)

		c.Next()
	}
}
