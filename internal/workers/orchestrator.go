package workers

import (
	"context"
	"fmt"
	"time"

	"convopilot-server/internal/config"
	"convopilot-server/internal/generation"
	"convopilot-server/internal/metrics"
	"convopilot-server/internal/models"
	"convopilot-server/internal/notify"
	"convopilot-server/internal/services"
	"convopilot-server/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStore supplies the bounded conversation summary included in
// generation context. Storage and upkeep of summaries live outside the
// pipeline.
type MemoryStore interface {
	Summary(ctx context.Context, conversationID string) (string, error)
}

// NoopMemory is the default MemoryStore: no summary.
type NoopMemory struct{}

func (NoopMemory) Summary(context.Context, string) (string, error) { return "", nil }

// policy is the per-batch snapshot of response gating configuration.
// Snapshotting once per batch bounds staleness without re-reading per
// item.
type policy struct {
	autoRespond bool
	hourFrom    int
	hourTo      int
}

func (p policy) allows(now time.Time) bool {
	if !p.autoRespond {
		return false
	}
	if p.hourFrom == 0 && p.hourTo == 0 {
		return true
	}
	h := now.Hour()
	if p.hourFrom <= p.hourTo {
		return h >= p.hourFrom && h < p.hourTo
	}
	// Window wrapping midnight, e.g. 22-6.
	return h >= p.hourFrom || h < p.hourTo
}

// Orchestrator claims generation queue items, gates them on conversation
// mode and schedule policy, calls the generation backend and fans the
// reply out into scheduled outbound chunks.
type Orchestrator struct {
	id            string
	cfg           *config.Config
	queue         services.Queue
	conversations services.ConversationStore
	messages      services.MessageStore
	backend       generation.Backend
	memory        MemoryStore
	notifier      notify.Notifier
	now           func() int64
	wallClock     func() time.Time
}

func NewOrchestrator(cfg *config.Config, queue services.Queue, conversations services.ConversationStore, messages services.MessageStore, backend generation.Backend, memory MemoryStore, notifier notify.Notifier) *Orchestrator {
	if memory == nil {
		memory = NoopMemory{}
	}
	return &Orchestrator{
		id:            "orch-" + uuid.New().String()[:8],
		cfg:           cfg,
		queue:         queue,
		conversations: conversations,
		messages:      messages,
		backend:       backend,
		memory:        memory,
		notifier:      notifier,
		now:           models.NowMillis,
		wallClock:     time.Now,
	}
}

// Run polls until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Orchestrator.PollInterval)
	defer ticker.Stop()

	logger.Info("Orchestrator started", zap.String("worker_id", o.id))
	for {
		select {
		case <-ctx.Done():
			logger.Info("Orchestrator stopped", zap.String("worker_id", o.id))
			return
		case <-ticker.C:
			if err := o.RunOnce(ctx); err != nil {
				logger.Error("Orchestrator poll failed", zap.String("worker_id", o.id), zap.Error(err))
			}
		}
	}
}

// RunOnce claims and processes one batch.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	items, err := o.queue.ClaimBatch(models.QueueGeneration, o.cfg.Queue.BatchSize, o.id)
	if err != nil {
		return fmt.Errorf("claim generation batch: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	metrics.ItemsClaimed.WithLabelValues(models.QueueGeneration).Add(float64(len(items)))

	pol := policy{
		autoRespond: o.cfg.Orchestrator.AutoRespond,
		hourFrom:    o.cfg.Orchestrator.BusinessHourFrom,
		hourTo:      o.cfg.Orchestrator.BusinessHourTo,
	}

	for _, item := range items {
		if err := o.process(ctx, item, pol); err != nil {
			// process converts item-level failures to Fail itself; an
			// error here is a queue bookkeeping problem.
			logger.Error("Queue bookkeeping failed",
				zap.Int64("item_id", item.ID), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) process(ctx context.Context, item *models.WorkQueueItem, pol policy) error {
	payload, err := models.GenerationPayloadOf(item)
	if err != nil {
		metrics.ItemsFailed.WithLabelValues(models.QueueGeneration, "false").Inc()
		return o.queue.Fail(item.ID, false, err.Error())
	}

	// Human-takeover race guard: re-read the mode now, not at enqueue time.
	mode, err := o.conversations.GetMode(payload.ConversationID)
	if err != nil {
		metrics.ItemsFailed.WithLabelValues(models.QueueGeneration, "false").Inc()
		return o.queue.Fail(item.ID, false, fmt.Sprintf("read mode: %v", err))
	}
	if mode != models.ModeAIActive {
		logger.Debug("Skipping generation, conversation not ai_active",
			zap.String("conversation_id", payload.ConversationID),
			zap.String("mode", mode))
		metrics.ItemsCompleted.WithLabelValues(models.QueueGeneration).Inc()
		return o.queue.Complete(item.ID)
	}

	if !pol.allows(o.wallClock()) {
		metrics.ItemsCompleted.WithLabelValues(models.QueueGeneration).Inc()
		return o.queue.Complete(item.ID)
	}

	history, err := o.messages.ListByConversation(payload.ConversationID, o.cfg.Orchestrator.HistoryLimit)
	if err != nil {
		metrics.ItemsFailed.WithLabelValues(models.QueueGeneration, "true").Inc()
		return o.queue.Fail(item.ID, true, fmt.Sprintf("load history: %v", err))
	}

	memory, err := o.memory.Summary(ctx, payload.ConversationID)
	if err != nil {
		// Memory is an enrichment; generate without it.
		logger.Warn("Memory summary unavailable",
			zap.String("conversation_id", payload.ConversationID), zap.Error(err))
		memory = ""
	}

	profile := selectProfile(history, o.cfg.Orchestrator.HeavyProfileMinLen)

	genCtx, cancel := context.WithTimeout(ctx, o.cfg.Generation.Timeout)
	start := time.Now()
	text, err := o.backend.Generate(genCtx, generation.Context{
		History: toChatHistory(history),
		Memory:  memory,
	}, profile)
	cancel()
	metrics.GenerationDuration.WithLabelValues(profile).Observe(time.Since(start).Seconds())

	if err != nil {
		retryable := generation.IsTransient(err)
		logger.Warn("Generation backend call failed",
			zap.String("conversation_id", payload.ConversationID),
			zap.Bool("retryable", retryable),
			zap.Error(err))
		metrics.ItemsFailed.WithLabelValues(models.QueueGeneration, fmt.Sprintf("%t", retryable)).Inc()
		return o.queue.Fail(item.ID, retryable, err.Error())
	}

	chunks := splitChunks(text, o.cfg.Orchestrator.ChunkingEnabled, o.cfg.Orchestrator.MaxChunks)
	if len(chunks) == 0 {
		// Empty reply is a valid no-op turn.
		metrics.ItemsCompleted.WithLabelValues(models.QueueGeneration).Inc()
		return o.queue.Complete(item.ID)
	}

	// The mode may have flipped while the backend was generating; re-read
	// immediately before enqueueing anything.
	mode, err = o.conversations.GetMode(payload.ConversationID)
	if err != nil || mode != models.ModeAIActive {
		metrics.ItemsCompleted.WithLabelValues(models.QueueGeneration).Inc()
		return o.queue.Complete(item.ID)
	}

	if err := o.enqueueChunks(ctx, payload.ConversationID, chunks); err != nil {
		metrics.ItemsFailed.WithLabelValues(models.QueueGeneration, "true").Inc()
		return o.queue.Fail(item.ID, true, err.Error())
	}

	metrics.ItemsCompleted.WithLabelValues(models.QueueGeneration).Inc()
	return o.queue.Complete(item.ID)
}

// enqueueChunks inserts one outbound message per chunk and schedules the
// chunks with the configured inter-chunk delay. All chunks share a group
// id and carry strictly increasing sequence numbers.
func (o *Orchestrator) enqueueChunks(ctx context.Context, conversationID string, chunks []string) error {
	groupID := uuid.New().String()
	base := o.now()
	delay := o.cfg.Orchestrator.InterChunkDelay.Milliseconds()

	for k, chunk := range chunks {
		msg := &models.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Direction:      models.DirectionOutbound,
			Author:         models.AuthorAgent,
			Content:        chunk,
			Status:         models.MessageQueued,
			SentAt:         base,
		}
		if err := o.messages.Insert(msg); err != nil {
			return fmt.Errorf("insert chunk %d: %w", k, err)
		}

		payload, err := models.EncodePayload(&models.OutboundChunkPayload{
			ConversationID: conversationID,
			MessageID:      msg.ID,
			Content:        chunk,
			GroupID:        groupID,
			Sequence:       k,
			Total:          len(chunks),
		})
		if err != nil {
			return err
		}
		if _, err := o.queue.Enqueue(models.QueueOutbound, payload, 1, base+int64(k)*delay); err != nil {
			return fmt.Errorf("enqueue chunk %d: %w", k, err)
		}
		metrics.ItemsEnqueued.WithLabelValues(models.QueueOutbound).Inc()

		if o.notifier != nil {
			if err := o.notifier.Publish(ctx, &notify.Event{Kind: notify.EventMessageCreated, Message: msg}); err != nil {
				logger.Warn("Failed to publish chunk notification", zap.Error(err))
			}
		}
	}

	if err := o.conversations.BumpLastMessage(conversationID, base); err != nil {
		logger.Warn("Failed to bump last_message_at",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}

	logger.Info("Response group enqueued",
		zap.String("conversation_id", conversationID),
		zap.String("group_id", groupID),
		zap.Int("chunks", len(chunks)))
	return nil
}

func toChatHistory(history []*models.Message) []generation.ChatMessage {
	out := make([]generation.ChatMessage, 0, len(history))
	for _, msg := range history {
		role := "assistant"
		if msg.Author == models.AuthorCustomer {
			role = "user"
		}
		out = append(out, generation.ChatMessage{Role: role, Content: msg.Content})
	}
	return out
}
