package models

import (
	"encoding/json"
	"fmt"
)

// Queue names. Each queue carries exactly one payload variant.
const (
	QueueGeneration = "generation"
	QueueOutbound   = "outbound"
)

// Work queue item statuses.
const (
	ItemPending    = "pending"
	ItemProcessing = "processing"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
)

// WorkQueueItem is one durable unit of work. At most one worker holds a
// non-terminal claim on an item at any time; attempts increments only on
// a failed outcome.
type WorkQueueItem struct {
	ID          int64   `json:"id"`
	QueueName   string  `json:"queue_name"`
	Payload     string  `json:"payload"` // JSON-encoded variant for the queue
	Status      string  `json:"status"`
	Priority    int     `json:"priority"` // lower = sooner
	ScheduledAt int64   `json:"scheduled_at"`
	Attempts    int     `json:"attempts"`
	ClaimedAt   *int64  `json:"claimed_at,omitempty"`
	ClaimedBy   *string `json:"claimed_by,omitempty"`
	LastError   *string `json:"last_error,omitempty"`
	CreatedAt   int64   `json:"created_at"`
}

// GenerationPayload is the variant carried on the generation queue: one
// inbound message awaiting an AI response.
type GenerationPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// OutboundChunkPayload is the variant carried on the outbound queue: one
// chunk of a response group scheduled for delivery. Chunks from the same
// generation call share GroupID and are sequenced 0..Total-1.
type OutboundChunkPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
	MediaType      string `json:"media_type,omitempty"`
	GroupID        string `json:"group_id"`
	Sequence       int    `json:"sequence"`
	Total          int    `json:"total"`
}

// EncodePayload serializes a queue payload variant.
func EncodePayload(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

// GenerationPayloadOf decodes the generation-queue variant from an item.
func GenerationPayloadOf(item *WorkQueueItem) (*GenerationPayload, error) {
	if item.QueueName != QueueGeneration {
		return nil, fmt.Errorf("item %d is on queue %q, not %q", item.ID, item.QueueName, QueueGeneration)
	}
	var p GenerationPayload
	if err := json.Unmarshal([]byte(item.Payload), &p); err != nil {
		return nil, fmt.Errorf("decode generation payload for item %d: %w", item.ID, err)
	}
	return &p, nil
}

// OutboundChunkPayloadOf decodes the outbound-queue variant from an item.
func OutboundChunkPayloadOf(item *WorkQueueItem) (*OutboundChunkPayload, error) {
	if item.QueueName != QueueOutbound {
		return nil, fmt.Errorf("item %d is on queue %q, not %q", item.ID, item.QueueName, QueueOutbound)
	}
	var p OutboundChunkPayload
	if err := json.Unmarshal([]byte(item.Payload), &p); err != nil {
		return nil, fmt.Errorf("decode outbound payload for item %d: %w", item.ID, err)
	}
	return &p, nil
}
