package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"convopilot-server/internal/channel"
	"convopilot-server/internal/config"
	"convopilot-server/internal/db"
	"convopilot-server/internal/models"
	"convopilot-server/internal/notify"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	recipient string
	content   string
}

type fakeAdapter struct {
	mu        sync.Mutex
	delivered []delivery
	failWith  func(content string) error
}

func (a *fakeAdapter) Deliver(_ context.Context, recipientID, content, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWith != nil {
		if err := a.failWith(content); err != nil {
			return "", err
		}
	}
	a.delivered = append(a.delivered, delivery{recipient: recipientID, content: content})
	return "ext-" + uuid.New().String()[:8], nil
}

func (a *fakeAdapter) calls() []delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]delivery, len(a.delivered))
	copy(out, a.delivered)
	return out
}

type dispFixture struct {
	cfg      *config.Config
	queue    *db.QueueRepository
	messages *db.MessageRepository
	adapter  *fakeAdapter
	disp     *Dispatcher
	convID   string
}

func newDispFixture(t *testing.T) *dispFixture {
	t.Helper()

	database, err := db.NewDatabase(db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	cfg := config.DefaultConfig()
	cfg.Queue.BatchSize = 10

	f := &dispFixture{
		cfg:      cfg,
		queue:    db.NewQueueRepository(database, cfg.Queue.MaxAttempts, cfg.Queue.BackoffBase),
		messages: db.NewMessageRepository(database),
		adapter:  &fakeAdapter{},
	}

	contacts := db.NewContactRepository(database)
	conversations := db.NewConversationRepository(database)
	contact, err := contacts.Upsert("tg-42", "Bob")
	require.NoError(t, err)
	conv, err := conversations.GetOrCreateByContact(contact.ID)
	require.NoError(t, err)
	f.convID = conv.ID

	f.disp = NewDispatcher(cfg, f.queue, f.messages, conversations, contacts, f.adapter, notify.NewMemoryBus())
	return f
}

// enqueueChunk stores an outbound agent message and enqueues its chunk,
// the way the orchestrator does.
func (f *dispFixture) enqueueChunk(t *testing.T, content, groupID string, seq, total int, scheduledAt int64) (int64, string) {
	t.Helper()

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: f.convID,
		Direction:      models.DirectionOutbound,
		Author:         models.AuthorAgent,
		Content:        content,
		Status:         models.MessageQueued,
	}
	require.NoError(t, f.messages.Insert(msg))

	payload, err := models.EncodePayload(&models.OutboundChunkPayload{
		ConversationID: f.convID,
		MessageID:      msg.ID,
		Content:        content,
		GroupID:        groupID,
		Sequence:       seq,
		Total:          total,
	})
	require.NoError(t, err)
	itemID, err := f.queue.Enqueue(models.QueueOutbound, payload, 1, scheduledAt)
	require.NoError(t, err)
	return itemID, msg.ID
}

func TestDispatcherDeliversChunk(t *testing.T) {
	f := newDispFixture(t)
	itemID, msgID := f.enqueueChunk(t, "hello there", uuid.New().String(), 0, 1, 0)

	require.NoError(t, f.disp.RunOnce(context.Background()))

	calls := f.adapter.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tg-42", calls[0].recipient)
	assert.Equal(t, "hello there", calls[0].content)

	item, err := f.queue.GetItem(itemID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemCompleted, item.Status)

	msg, err := f.messages.GetByID(msgID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageSent, msg.Status)
	require.NotNil(t, msg.ExternalID)
	assert.NotEmpty(t, *msg.ExternalID)
}

func TestDispatcherPermanentFailureDoesNotBlockGroup(t *testing.T) {
	f := newDispFixture(t)
	group := uuid.New().String()
	base := models.NowMillis() - 1000

	ids := make([]int64, 3)
	msgIDs := make([]string, 3)
	for k, content := range []string{"chunk-0", "chunk-1", "chunk-2"} {
		ids[k], msgIDs[k] = f.enqueueChunk(t, content, group, k, 3, base+int64(k))
	}

	f.adapter.failWith = func(content string) error {
		if content == "chunk-0" {
			return &channel.DeliveryError{Permanent: true, Msg: "chat not found"}
		}
		return nil
	}

	require.NoError(t, f.disp.RunOnce(context.Background()))

	// First chunk is dead, the rest of the group still went out in order.
	calls := f.adapter.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "chunk-1", calls[0].content)
	assert.Equal(t, "chunk-2", calls[1].content)

	item0, err := f.queue.GetItem(ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.ItemFailed, item0.Status)
	msg0, err := f.messages.GetByID(msgIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.MessageFailed, msg0.Status)

	for k := 1; k < 3; k++ {
		item, err := f.queue.GetItem(ids[k])
		require.NoError(t, err)
		assert.Equal(t, models.ItemCompleted, item.Status)
		msg, err := f.messages.GetByID(msgIDs[k])
		require.NoError(t, err)
		assert.Equal(t, models.MessageSent, msg.Status)
	}
}

func TestDispatcherTransientFailureRetries(t *testing.T) {
	f := newDispFixture(t)
	itemID, msgID := f.enqueueChunk(t, "flaky", uuid.New().String(), 0, 1, 0)

	f.adapter.failWith = func(string) error {
		return &channel.DeliveryError{Permanent: false, Msg: "gateway timeout"}
	}

	require.NoError(t, f.disp.RunOnce(context.Background()))

	item, err := f.queue.GetItem(itemID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemPending, item.Status)
	assert.Equal(t, 1, item.Attempts)

	// The message stays queued; only permanent failures kill it.
	msg, err := f.messages.GetByID(msgID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageQueued, msg.Status)
}

func TestDispatcherBadPayload(t *testing.T) {
	f := newDispFixture(t)
	itemID, err := f.queue.Enqueue(models.QueueOutbound, `garbage`, 1, 0)
	require.NoError(t, err)

	require.NoError(t, f.disp.RunOnce(context.Background()))

	item, err := f.queue.GetItem(itemID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemFailed, item.Status)
	assert.Empty(t, f.adapter.calls())
}

func TestDispatcherUnknownConversation(t *testing.T) {
	f := newDispFixture(t)

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: f.convID,
		Direction:      models.DirectionOutbound,
		Author:         models.AuthorAgent,
		Content:        "orphan",
		Status:         models.MessageQueued,
	}
	require.NoError(t, f.messages.Insert(msg))

	payload, err := models.EncodePayload(&models.OutboundChunkPayload{
		ConversationID: "no-such-conversation",
		MessageID:      msg.ID,
		Content:        "orphan",
		GroupID:        uuid.New().String(),
		Total:          1,
	})
	require.NoError(t, err)
	itemID, err := f.queue.Enqueue(models.QueueOutbound, payload, 1, 0)
	require.NoError(t, err)

	require.NoError(t, f.disp.RunOnce(context.Background()))

	item, err := f.queue.GetItem(itemID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemFailed, item.Status)
	got, err := f.messages.GetByID(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageFailed, got.Status)
}

func TestDispatcherReleasesItemBeyondBudget(t *testing.T) {
	f := newDispFixture(t)

	// Run the dispatcher's clock a minute behind the store's so the claimed
	// item looks scheduled past the whole budget window.
	base := models.NowMillis() - time.Minute.Milliseconds()
	var calls int
	f.disp.now = func() int64 {
		calls++
		if calls > 3 {
			return base + f.cfg.Dispatcher.Budget.Milliseconds() + 1
		}
		return base
	}

	itemID, _ := f.enqueueChunk(t, "later", uuid.New().String(), 0, 1, 0)

	require.NoError(t, f.disp.RunOnce(context.Background()))

	item, err := f.queue.GetItem(itemID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemPending, item.Status)
	assert.Zero(t, item.Attempts, "releasing does not count an attempt")
	assert.Empty(t, f.adapter.calls())
}

func TestDispatcherReleasesOnShutdownMidWait(t *testing.T) {
	f := newDispFixture(t)

	// Clock 200ms behind the store: the claimed item is due there but a
	// short wait away here, within budget.
	f.disp.now = func() int64 { return models.NowMillis() - 200 }
	f.disp.sleep = func(context.Context, time.Duration) bool { return false }

	itemID, _ := f.enqueueChunk(t, "soon", uuid.New().String(), 0, 1, 0)

	require.NoError(t, f.disp.RunOnce(context.Background()))

	item, err := f.queue.GetItem(itemID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemPending, item.Status)
	assert.Zero(t, item.Attempts)
	assert.Empty(t, f.adapter.calls())
}
