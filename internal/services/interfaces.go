package services

import (
	"time"

	"convopilot-server/internal/models"
)

// MessageStore is the message persistence contract services depend on.
type MessageStore interface {
	Insert(msg *models.Message) error
	GetByID(id string) (*models.Message, error)
	ListByConversation(conversationID string, limit int) ([]*models.Message, error)
	MarkSent(id, externalID string) error
	UpdateStatus(id, status string) error
}

// ConversationStore is the conversation persistence contract.
type ConversationStore interface {
	GetByID(id string) (*models.Conversation, error)
	GetOrCreateByContact(contactID string) (*models.Conversation, error)
	GetMode(id string) (string, error)
	SetMode(id, newMode, actor string) error
	BumpLastMessage(id string, at int64) error
	ModeLog(id string) ([]*models.ModeTransition, error)
}

// ContactStore is the contact persistence contract.
type ContactStore interface {
	Upsert(channelUserID, displayName string) (*models.Contact, error)
	GetByID(id string) (*models.Contact, error)
}

// Queue is the work queue contract producers and workers share.
type Queue interface {
	Enqueue(queueName, payload string, priority int, scheduledAt int64) (int64, error)
	ClaimBatch(queueName string, limit int, workerID string) ([]*models.WorkQueueItem, error)
	Complete(itemID int64) error
	Fail(itemID int64, retryable bool, cause string) error
	Release(itemID int64) error
	RequeueExpired(lease time.Duration) (int64, error)
	Cleanup(completedTTL, failedTTL time.Duration) (int64, error)
	Depth(queueName string) (int, error)
	ListByQueue(queueName string) ([]*models.WorkQueueItem, error)
}
