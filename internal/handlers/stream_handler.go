package handlers

import (
	"context"
	"net/http"
	"time"

	"convopilot-server/internal/notify"
	"convopilot-server/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// StreamHandler fans storage-change notifications out to websocket
// clients (the operator UI's live view).
type StreamHandler struct {
	bus notify.Subscriber
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(bus notify.Subscriber) *StreamHandler {
	return &StreamHandler{bus: bus}
}

// Stream handles GET /api/stream
// Upgrades to a websocket and writes one JSON event per notification
// until the client disconnects.
func (h *StreamHandler) Stream(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request.Context()
	events, cancel, err := h.bus.Subscribe(ctx)
	if err != nil {
		logger.Error("Stream subscription failed", zap.Error(err))
		conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	defer cancel()

	// Reads are drained only to notice the client going away; the stream
	// is one-way.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for event := range events {
		data, err := event.Encode()
		if err != nil {
			logger.Warn("Failed to encode stream event", zap.Error(err))
			continue
		}
		writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		writeCancel()
		if err != nil {
			return
		}
	}
}

// Health handles GET /health
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
