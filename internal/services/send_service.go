package services

import (
	"context"
	"fmt"

	"convopilot-server/internal/metrics"
	"convopilot-server/internal/models"
	"convopilot-server/internal/notify"
	"convopilot-server/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendService is the direct outbound path: operator (or optimistic
// client) messages are persisted and scheduled for delivery without
// touching generation. Sends are mode-independent; a human may always
// write.
type SendService struct {
	conversations ConversationStore
	messages      MessageStore
	queue         Queue
	notifier      notify.Notifier
	now           func() int64
}

func NewSendService(conversations ConversationStore, messages MessageStore, queue Queue, notifier notify.Notifier) *SendService {
	return &SendService{
		conversations: conversations,
		messages:      messages,
		queue:         queue,
		notifier:      notifier,
		now:           models.NowMillis,
	}
}

// Send persists one outbound message and enqueues it as a single-chunk
// response group scheduled immediately. Returns the persisted message.
func (s *SendService) Send(ctx context.Context, conversationID, author, content string) (*models.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation ID is required")
	}
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}
	if author != models.AuthorOperator && author != models.AuthorAgent {
		return nil, fmt.Errorf("invalid outbound author %q", author)
	}

	// Existence check; sending into an unknown conversation is an error.
	if _, err := s.conversations.GetByID(conversationID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Direction:      models.DirectionOutbound,
		Author:         author,
		Content:        content,
		Status:         models.MessageQueued,
		SentAt:         s.now(),
	}
	if err := s.messages.Insert(msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	payload, err := models.EncodePayload(&models.OutboundChunkPayload{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		Content:        content,
		GroupID:        uuid.New().String(),
		Sequence:       0,
		Total:          1,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(models.QueueOutbound, payload, 1, s.now()); err != nil {
		return nil, fmt.Errorf("enqueue outbound: %w", err)
	}
	metrics.ItemsEnqueued.WithLabelValues(models.QueueOutbound).Inc()

	if err := s.conversations.BumpLastMessage(conversationID, msg.SentAt); err != nil {
		logger.Warn("Failed to bump last_message_at",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, &notify.Event{Kind: notify.EventMessageCreated, Message: msg}); err != nil {
			logger.Warn("Failed to publish message notification", zap.Error(err))
		}
	}
	return msg, nil
}
