package services

import (
	"fmt"

	"convopilot-server/internal/models"
	"convopilot-server/pkg/logger"

	"go.uber.org/zap"
)

// ConversationService is the conversation state store: it owns mode
// reads/transitions and exposes conversation content to readers
// (operator UI, downstream analyzers).
type ConversationService struct {
	conversations ConversationStore
	messages      MessageStore
}

func NewConversationService(conversations ConversationStore, messages MessageStore) *ConversationService {
	return &ConversationService{conversations: conversations, messages: messages}
}

// GetMode returns the conversation's current mode.
func (s *ConversationService) GetMode(conversationID string) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("conversation ID is required")
	}
	return s.conversations.GetMode(conversationID)
}

// Transition overwrites the conversation mode (last-writer-wins). Every
// transition is audit-logged with its actor.
func (s *ConversationService) Transition(conversationID, newMode, actor string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation ID is required")
	}
	if !models.ValidMode(newMode) {
		return fmt.Errorf("invalid mode %q", newMode)
	}
	if actor == "" {
		return fmt.Errorf("actor is required")
	}

	if err := s.conversations.SetMode(conversationID, newMode, actor); err != nil {
		return err
	}
	logger.Info("Conversation mode changed",
		zap.String("conversation_id", conversationID),
		zap.String("mode", newMode),
		zap.String("actor", actor))
	return nil
}

// Get returns a conversation by id.
func (s *ConversationService) Get(conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation ID is required")
	}
	return s.conversations.GetByID(conversationID)
}

// History returns up to limit most recent messages in chronological
// order. This is the read surface downstream consumers (deal-stage
// analysis and the like) build on instead of hooking into dispatch.
func (s *ConversationService) History(conversationID string, limit int) ([]*models.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation ID is required")
	}
	if limit <= 0 {
		limit = 50
	}
	return s.messages.ListByConversation(conversationID, limit)
}

// ModeLog returns the mode transition audit trail.
func (s *ConversationService) ModeLog(conversationID string) ([]*models.ModeTransition, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation ID is required")
	}
	return s.conversations.ModeLog(conversationID)
}
