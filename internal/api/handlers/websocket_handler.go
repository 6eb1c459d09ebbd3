package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/pipeline"
	"github.com/product-insights/backend/pkg/logger"
)

// statusPollInterval is how often the stream refreshes a run still in flight.
const statusPollInterval = 2 * time.Second

type WebSocketHandler struct {
	registry *pipeline.Registry
}

func NewWebSocketHandler(registry *pipeline.Registry) *WebSocketHandler {
	return &WebSocketHandler{registry: registry}
}

// HandleRunStream streams status updates for one run over a websocket until
// the run reaches a terminal state or the client disconnects.
func (h *WebSocketHandler) HandleRunStream(c *websocket.Conn) {
	name := c.Params("executionName")
	logger.Info("Run stream opened", zap.String("run", name))

	defer func() {
		c.Close()
		logger.Info("Run stream closed", zap.String("run", name))
	}()

	ctx := context.Background()
	run, err := h.registry.Status(ctx, name)
	if err != nil {
		c.WriteJSON(map[string]string{"error": "run not found"})
		return
	}
	if err := c.WriteJSON(run); err != nil {
		return
	}
	if run.Status.Terminal() {
		return
	}

	finished := h.registry.Watch(name)
	defer h.registry.Unwatch(name, finished)

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case final, ok := <-finished:
			if ok {
				c.WriteJSON(final)
			}
			return
		case <-ticker.C:
			run, err := h.registry.Status(ctx, name)
			if err != nil {
				return
			}
			if err := c.WriteJSON(run); err != nil {
				return
			}
			if run.Status.Terminal() {
				return
			}
		}
	}
}
