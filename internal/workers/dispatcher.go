package workers

import (
	"context"
	"fmt"
	"time"

	"convopilot-server/internal/channel"
	"convopilot-server/internal/config"
	"convopilot-server/internal/metrics"
	"convopilot-server/internal/models"
	"convopilot-server/internal/notify"
	"convopilot-server/internal/services"
	"convopilot-server/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher claims due outbound chunks and delivers them through the
// channel adapter. Each invocation runs within a wall-clock budget so a
// backlog of far-future chunks cannot starve newly due ones.
type Dispatcher struct {
	id            string
	cfg           *config.Config
	queue         services.Queue
	messages      services.MessageStore
	conversations services.ConversationStore
	contacts      services.ContactStore
	adapter       channel.Adapter
	notifier      notify.Notifier
	now           func() int64
	sleep         func(ctx context.Context, d time.Duration) bool
}

func NewDispatcher(cfg *config.Config, queue services.Queue, messages services.MessageStore, conversations services.ConversationStore, contacts services.ContactStore, adapter channel.Adapter, notifier notify.Notifier) *Dispatcher {
	return &Dispatcher{
		id:            "disp-" + uuid.New().String()[:8],
		cfg:           cfg,
		queue:         queue,
		messages:      messages,
		conversations: conversations,
		contacts:      contacts,
		adapter:       adapter,
		notifier:      notifier,
		now:           models.NowMillis,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Dispatcher.PollInterval)
	defer ticker.Stop()

	logger.Info("Dispatcher started", zap.String("worker_id", d.id))
	for {
		select {
		case <-ctx.Done():
			logger.Info("Dispatcher stopped", zap.String("worker_id", d.id))
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				logger.Error("Dispatcher poll failed", zap.String("worker_id", d.id), zap.Error(err))
			}
		}
	}
}

// RunOnce drains due outbound items until the queue is empty or the
// wall-clock budget runs out. Items whose scheduled time would overrun
// the budget are released unharmed for the next invocation.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	deadline := d.now() + d.cfg.Dispatcher.Budget.Milliseconds()

	for {
		if d.now() >= deadline || ctx.Err() != nil {
			return nil
		}

		items, err := d.queue.ClaimBatch(models.QueueOutbound, d.cfg.Queue.BatchSize, d.id)
		if err != nil {
			return fmt.Errorf("claim outbound batch: %w", err)
		}
		if len(items) == 0 {
			return nil
		}
		metrics.ItemsClaimed.WithLabelValues(models.QueueOutbound).Add(float64(len(items)))

		for _, item := range items {
			if wait := item.ScheduledAt - d.now(); wait > 0 {
				if item.ScheduledAt >= deadline {
					// Would overrun the budget; leave it for the next
					// invocation without counting an attempt.
					if err := d.queue.Release(item.ID); err != nil {
						logger.Error("Failed to release item",
							zap.Int64("item_id", item.ID), zap.Error(err))
					}
					continue
				}
				if !d.sleep(ctx, time.Duration(wait)*time.Millisecond) {
					// Shutdown mid-wait; put the item back.
					if err := d.queue.Release(item.ID); err != nil {
						logger.Error("Failed to release item",
							zap.Int64("item_id", item.ID), zap.Error(err))
					}
					return nil
				}
			}

			if err := d.dispatch(ctx, item); err != nil {
				logger.Error("Queue bookkeeping failed",
					zap.Int64("item_id", item.ID), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, item *models.WorkQueueItem) error {
	payload, err := models.OutboundChunkPayloadOf(item)
	if err != nil {
		metrics.ItemsFailed.WithLabelValues(models.QueueOutbound, "false").Inc()
		return d.queue.Fail(item.ID, false, err.Error())
	}

	recipient, err := d.resolveRecipient(payload.ConversationID)
	if err != nil {
		metrics.ItemsFailed.WithLabelValues(models.QueueOutbound, "false").Inc()
		d.markFailed(ctx, payload.MessageID)
		return d.queue.Fail(item.ID, false, fmt.Sprintf("resolve recipient: %v", err))
	}

	externalID, err := d.adapter.Deliver(ctx, recipient, payload.Content, payload.MediaType)
	if err != nil {
		if channel.IsPermanent(err) {
			logger.Warn("Permanent delivery failure",
				zap.String("message_id", payload.MessageID),
				zap.String("group_id", payload.GroupID),
				zap.Int("sequence", payload.Sequence),
				zap.Error(err))
			metrics.ItemsFailed.WithLabelValues(models.QueueOutbound, "false").Inc()
			metrics.MessagesFailed.Inc()
			d.markFailed(ctx, payload.MessageID)
			return d.queue.Fail(item.ID, false, err.Error())
		}
		logger.Warn("Transient delivery failure",
			zap.String("message_id", payload.MessageID), zap.Error(err))
		metrics.ItemsFailed.WithLabelValues(models.QueueOutbound, "true").Inc()
		return d.queue.Fail(item.ID, true, err.Error())
	}

	if err := d.messages.MarkSent(payload.MessageID, externalID); err != nil {
		logger.Error("Failed to mark message sent",
			zap.String("message_id", payload.MessageID), zap.Error(err))
	}
	metrics.MessagesDelivered.Inc()
	metrics.ItemsCompleted.WithLabelValues(models.QueueOutbound).Inc()

	d.publishUpdate(ctx, payload.MessageID)

	logger.Info("Chunk delivered",
		zap.String("message_id", payload.MessageID),
		zap.String("group_id", payload.GroupID),
		zap.Int("sequence", payload.Sequence),
		zap.String("external_id", externalID))
	return d.queue.Complete(item.ID)
}

// resolveRecipient maps a conversation to its contact's channel user id.
func (d *Dispatcher) resolveRecipient(conversationID string) (string, error) {
	conv, err := d.conversations.GetByID(conversationID)
	if err != nil {
		return "", err
	}
	contact, err := d.contacts.GetByID(conv.ContactID)
	if err != nil {
		return "", err
	}
	return contact.ChannelUserID, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, messageID string) {
	if err := d.messages.UpdateStatus(messageID, models.MessageFailed); err != nil {
		logger.Error("Failed to mark message failed",
			zap.String("message_id", messageID), zap.Error(err))
		return
	}
	d.publishUpdate(ctx, messageID)
}

func (d *Dispatcher) publishUpdate(ctx context.Context, messageID string) {
	if d.notifier == nil {
		return
	}
	msg, err := d.messages.GetByID(messageID)
	if err != nil {
		return
	}
	if err := d.notifier.Publish(ctx, &notify.Event{Kind: notify.EventMessageUpdated, Message: msg}); err != nil {
		logger.Warn("Failed to publish message update", zap.Error(err))
	}
}
