package httpapi

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/logging"
	"github.com/glimte/mmate-relay/metrics"
)

type Router struct {
	messages       *MessageHandler
	healthRegistry *health.Registry
}

func NewRouter(messages *MessageHandler, healthRegistry *health.Registry) *Router {
	return &Router{
		messages:       messages,
		healthRegistry: healthRegistry,
	}
}

func (r *Router) SetUp(engine *gin.Engine) {
	engine.GET("/healthz", health.LivenessHandler())
	engine.GET("/readyz", health.ReadinessHandler(r.healthRegistry, health.DefaultTimeout))
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/v1")
	v1.POST("/queues/:queue/messages", r.messages.Publish)
}

// NewEngine returns a gin engine with metrics, correlation, access logging
// and panic recovery installed
func NewEngine(logger *slog.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(
		metrics.GinMiddleware(),
		logging.CorrelationMiddleware(),
		accessLog(logger),
		gin.Recovery(),
	)
	return engine
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.InfoContext(c.Request.Context(), "HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
