package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"convopilot-server/internal/db"
	"convopilot-server/internal/models"
	"convopilot-server/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ConversationHandler handles conversation reads, mode transitions and
// operator-authored sends
type ConversationHandler struct {
	conversations ConversationServiceInterface
	sender        SendServiceInterface
}

// NewConversationHandler creates a new conversation handler
func NewConversationHandler(conversations ConversationServiceInterface, sender SendServiceInterface) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		sender:        sender,
	}
}

// GetConversation handles GET /api/conversations/:id
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conv, err := h.conversations.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// ListMessages handles GET /api/conversations/:id/messages
// Returns up to ?limit= most recent messages in chronological order
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = parsed
	}

	messages, err := h.conversations.History(c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
}

// SetMode handles POST /api/conversations/:id/mode
// The transition is last-writer-wins and audit-logged with the
// authenticated operator as actor.
func (h *ConversationHandler) SetMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Mode is required"})
		return
	}
	if !models.ValidMode(req.Mode) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid mode"})
		return
	}

	operatorID, exists := c.Get("operatorID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	conversationID := c.Param("id")
	if err := h.conversations.Transition(conversationID, req.Mode, operatorID.(string)); err != nil {
		if errors.Is(err, db.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return
		}
		logger.Error("Mode transition failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to change mode"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID, "mode": req.Mode})
}

// GetModeLog handles GET /api/conversations/:id/mode-log
func (h *ConversationHandler) GetModeLog(c *gin.Context) {
	log, err := h.conversations.ModeLog(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load mode log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": log, "count": len(log)})
}

// SendMessage handles POST /api/conversations/:id/messages
// Persists an operator-authored outbound message and enqueues it for
// delivery.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Content is required"})
		return
	}

	if _, exists := c.Get("operatorID"); !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	msg, err := h.sender.Send(c.Request.Context(), c.Param("id"), models.AuthorOperator, req.Content)
	if err != nil {
		if errors.Is(err, db.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return
		}
		logger.Error("Operator send failed",
			zap.String("conversation_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send message"})
		return
	}

	c.JSON(http.StatusCreated, msg)
}
