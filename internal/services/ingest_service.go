package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"convopilot-server/internal/metrics"
	"convopilot-server/internal/models"
	"convopilot-server/internal/notify"
	"convopilot-server/pkg/logger"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// ErrInvalidPayload marks a malformed inbound event. It is logged and
// discarded; the upstream channel owns its own retry policy.
var ErrInvalidPayload = errors.New("invalid inbound payload")

// inboundEventSchema gates the channel-agnostic webhook shape before any
// storage writes happen.
const inboundEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["sender_id", "content", "channel_message_id"],
	"properties": {
		"sender_id": {"type": "string", "minLength": 1},
		"sender_name": {"type": "string"},
		"content": {"type": "string", "minLength": 1},
		"media_type": {"type": "string"},
		"channel_message_id": {"type": "string", "minLength": 1},
		"received_at": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

// IngestService is the ingestion gateway: it normalizes inbound channel
// events into message records and enqueues generation work.
type IngestService struct {
	contacts      ContactStore
	conversations ConversationStore
	messages      MessageStore
	queue         Queue
	notifier      notify.Notifier
	schema        *jsonschema.Schema
	now           func() int64
}

func NewIngestService(contacts ContactStore, conversations ConversationStore, messages MessageStore, queue Queue, notifier notify.Notifier) (*IngestService, error) {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundEventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse inbound event schema: %w", err)
	}
	if err := compiler.AddResource("inbound-event.json", doc); err != nil {
		return nil, fmt.Errorf("register inbound event schema: %w", err)
	}
	schema, err := compiler.Compile("inbound-event.json")
	if err != nil {
		return nil, fmt.Errorf("compile inbound event schema: %w", err)
	}

	return &IngestService{
		contacts:      contacts,
		conversations: conversations,
		messages:      messages,
		queue:         queue,
		notifier:      notifier,
		schema:        schema,
		now:           models.NowMillis,
	}, nil
}

// Receive validates a raw inbound event, persists the message and
// enqueues a generation item. On ErrInvalidPayload the event is dropped.
func (s *IngestService) Receive(ctx context.Context, raw []byte) (string, error) {
	event, err := s.parse(raw)
	if err != nil {
		metrics.InvalidPayloads.Inc()
		logger.Warn("Discarding malformed inbound event", zap.Error(err))
		return "", err
	}

	contact, err := s.contacts.Upsert(event.SenderID, event.SenderName)
	if err != nil {
		return "", fmt.Errorf("upsert contact: %w", err)
	}

	conv, err := s.conversations.GetOrCreateByContact(contact.ID)
	if err != nil {
		return "", fmt.Errorf("get conversation: %w", err)
	}

	sentAt := event.ReceivedAt
	if sentAt == 0 {
		sentAt = s.now()
	}
	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Direction:      models.DirectionInbound,
		Author:         models.AuthorCustomer,
		Content:        event.Content,
		MediaType:      event.MediaType,
		Status:         models.MessageQueued,
		SentAt:         sentAt,
	}
	if err := s.messages.Insert(msg); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	if err := s.conversations.BumpLastMessage(conv.ID, msg.SentAt); err != nil {
		logger.Warn("Failed to bump last_message_at",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	payload, err := models.EncodePayload(&models.GenerationPayload{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
	})
	if err != nil {
		return "", err
	}
	if _, err := s.queue.Enqueue(models.QueueGeneration, payload, 1, s.now()); err != nil {
		return "", fmt.Errorf("enqueue generation: %w", err)
	}

	metrics.MessagesIngested.Inc()
	metrics.ItemsEnqueued.WithLabelValues(models.QueueGeneration).Inc()

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, &notify.Event{Kind: notify.EventMessageCreated, Message: msg}); err != nil {
			logger.Warn("Failed to publish message notification", zap.Error(err))
		}
	}

	logger.Info("Inbound message ingested",
		zap.String("conversation_id", conv.ID),
		zap.String("message_id", msg.ID))
	return msg.ID, nil
}

func (s *IngestService) parse(raw []byte) (*models.InboundEvent, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var event models.InboundEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &event, nil
}
