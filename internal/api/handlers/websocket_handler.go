package handlers

import (
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/lobbyscope/backend/internal/ingestion"
	"github.com/lobbyscope/backend/pkg/logger"
)

// WebSocketHandler streams ingestion stage transitions to clients so a UI
// can follow a document through the pipeline without polling.
type WebSocketHandler struct {
	orchestrator *ingestion.Orchestrator
}

func NewWebSocketHandler(orchestrator *ingestion.Orchestrator) *WebSocketHandler {
	return &WebSocketHandler{
		orchestrator: orchestrator,
	}
}

// HandleConnection subscribes the client to status events. An optional
// document_id query parameter narrows the stream to one document.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	docFilter := c.Query("document_id")

	logger.Info("WebSocket connection established",
		zap.String("document_filter", docFilter),
	)

	events := h.orchestrator.Subscribe()
	defer func() {
		h.orchestrator.Unsubscribe(events)
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	// Drain client frames so close handshakes are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if docFilter != "" && event.DocumentID != docFilter {
				continue
			}
			if err := c.WriteJSON(event); err != nil {
				logger.Debug("Failed to write status event", zap.Error(err))
				return
			}
		}
	}
}
