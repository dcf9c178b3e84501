package handlers

import (
	"errors"
	"net/http"

	"convopilot-server/internal/services"
	"convopilot-server/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// WebhookHandler receives inbound channel events. Signature verification
// happens in middleware before the request reaches this handler.
type WebhookHandler struct {
	ingest IngestServiceInterface
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(ingest IngestServiceInterface) *WebhookHandler {
	return &WebhookHandler{ingest: ingest}
}

// HandleInbound handles an inbound message event (POST /webhook/inbound)
// Malformed payloads are rejected with 400 and never retried by design;
// the provider treats 2xx as acknowledged.
func (h *WebhookHandler) HandleInbound(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	messageID, err := h.ingest.Receive(c.Request.Context(), raw)
	if err != nil {
		if errors.Is(err, services.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.Error("Inbound event processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process event"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message_id": messageID})
}
