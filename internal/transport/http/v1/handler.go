// Package v1 provides the public HTTP handlers of the runner.
package v1

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/runner/internal/domain"
	"github.com/xiaot623/gogo/runner/internal/engine"
)

const (
	defaultKeepAlive = 15 * time.Second
	subscriberBuffer = 256
)

// Handler handles HTTP requests.
type Handler struct {
	engine    *engine.Engine
	log       *logrus.Entry
	upgrader  websocket.Upgrader
	keepAlive time.Duration
}

// NewHandler creates a new handler.
func NewHandler(eng *engine.Engine, logger *logrus.Logger) *Handler {
	return &Handler{
		engine: eng,
		log:    logger.WithField("component", "http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		keepAlive: defaultKeepAlive,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/research", h.StartResearch)
	e.POST("/v1/letter", h.StartLetter)
	e.GET("/v1/:kind/stream", h.StreamRun)
	e.GET("/v1/:kind/ws", h.StreamRunWS)
	e.GET("/v1/:kind/status", h.GetRunStatus)
	e.GET("/v1/credits/:user_id", h.GetCredits)

	e.GET("/health", h.Health)
}

// Health returns health status.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	states, err := h.engine.Records(c.Request().Context())
	if err != nil {
		h.log.WithError(err).Warn("health check failed to list run states")
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status":      "degraded",
			"instance_id": h.engine.InstanceID(),
		})
	}
	running := 0
	for _, s := range states {
		if s.Status == domain.RunStatusRunning && s.OwnerInstanceID == h.engine.InstanceID() {
			running++
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"version":     "0.1.0",
		"instance_id": h.engine.InstanceID(),
		"running":     running,
		"local_runs":  len(h.engine.Runs()),
	})
}
