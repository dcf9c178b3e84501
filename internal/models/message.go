package models

import "time"

// Message direction values
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message author values
const (
	AuthorCustomer = "customer"
	AuthorAgent    = "agent"
	AuthorOperator = "human_operator"
)

// Message status values
const (
	MessageQueued    = "queued"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

// Message is one message in a conversation. Messages are never deleted,
// only status-updated; ExternalID is assigned by the channel at most once.
type Message struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	Direction      string  `json:"direction"`
	Author         string  `json:"author"`
	Content        string  `json:"content"`
	MediaType      string  `json:"media_type"`
	Status         string  `json:"status"`
	ExternalID     *string `json:"external_id,omitempty"`
	SentAt         int64   `json:"sent_at"` // unix milliseconds
}

// Contact is the channel-side identity a conversation belongs to.
type Contact struct {
	ID            string `json:"id"`
	ChannelUserID string `json:"channel_user_id"`
	DisplayName   string `json:"display_name"`
	CreatedAt     int64  `json:"created_at"`
}

// InboundEvent is the channel-agnostic shape of a webhook event consumed
// by the ingestion gateway.
type InboundEvent struct {
	SenderID         string `json:"sender_id"`
	SenderName       string `json:"sender_name,omitempty"`
	Content          string `json:"content"`
	MediaType        string `json:"media_type,omitempty"`
	ChannelMessageID string `json:"channel_message_id"`
	ReceivedAt       int64  `json:"received_at"`
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// representation used across the storage layer.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
