package handlers

import (
	"context"

	"convopilot-server/internal/models"
)

// IngestServiceInterface defines the contract for inbound event ingestion
// This interface is used for dependency injection and testing
type IngestServiceInterface interface {
	Receive(ctx context.Context, raw []byte) (messageID string, err error)
}

// ConversationServiceInterface defines the contract for conversation reads
// and mode transitions
type ConversationServiceInterface interface {
	Get(conversationID string) (*models.Conversation, error)
	GetMode(conversationID string) (string, error)
	Transition(conversationID, newMode, actor string) error
	History(conversationID string, limit int) ([]*models.Message, error)
	ModeLog(conversationID string) ([]*models.ModeTransition, error)
}

// SendServiceInterface defines the contract for operator-authored sends
type SendServiceInterface interface {
	Send(ctx context.Context, conversationID, author, content string) (*models.Message, error)
}

// QueueStatsInterface exposes read-only queue state for the stats surface
type QueueStatsInterface interface {
	Depth(queueName string) (int, error)
	ListByQueue(queueName string) ([]*models.WorkQueueItem, error)
}
