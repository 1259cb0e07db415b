package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/martinnss/spik-conversation-service/internal/metrics"
)

// NewRouter builds the HTTP surface of the service.
func NewRouter(sess Session, hub *Hub, m *metrics.Metrics, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if m != nil {
		r.Use(metricsMiddleware(m))
	}

	h := NewSessionHandler(sess, hub, logger)

	api := r.Group("/v1")
	api.POST("/session/start", h.Start)
	api.POST("/session/stop", h.Stop)
	api.POST("/session/mute", h.Mute)
	api.POST("/session/mute/toggle", h.ToggleMute)
	api.POST("/session/message", h.Message)
	api.POST("/session/evaluate", h.Evaluate)
	api.GET("/session", h.Status)
	api.GET("/capture-profile", h.CaptureProfile)
	api.GET("/stream", h.Stream)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// metricsMiddleware records per-request counters and latency.
func metricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.RecordHTTPRequest(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start).Seconds(),
		)
	}
}
