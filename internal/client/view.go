// Package client implements the reconciliation layer a live dashboard
// runs: an optimistic local view of conversations kept consistent with
// the authoritative store over an at-least-once notification stream.
package client

import (
	"context"
	"sync"

	"convopilot-server/internal/models"
	"convopilot-server/internal/notify"
	"convopilot-server/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Persister stores a locally-authored message through the direct send
// path (no generation involved) and returns the authoritative record.
type Persister interface {
	Persist(ctx context.Context, conversationID, content string) (*models.Message, error)
}

// Sender is the server-side direct send surface (services.SendService).
type Sender interface {
	Send(ctx context.Context, conversationID, author, content string) (*models.Message, error)
}

type senderPersister struct {
	sender Sender
}

// SenderPersister adapts the direct send service into a Persister, fixing
// the author to the human operator.
func SenderPersister(sender Sender) Persister {
	return &senderPersister{sender: sender}
}

func (p *senderPersister) Persist(ctx context.Context, conversationID, content string) (*models.Message, error) {
	return p.sender.Send(ctx, conversationID, models.AuthorOperator, content)
}

// Lifecycle states of a locally-sent message.
const (
	stateLocal     = "local"     // optimistic insert, temp identity
	statePersisted = "persisted" // real identity assigned
	stateTerminal  = "terminal"  // sent or failed
)

type entry struct {
	msg   models.Message
	state string
}

// View is one client's local conversation state. Locally-authored
// messages appear immediately under a temporary identity; the temp->real
// substitution happens exactly once, performed by whichever of the
// persistence response and the storage notification arrives first.
type View struct {
	persister Persister

	mu      sync.Mutex
	order   map[string][]*entry // per conversation, insertion order
	byID    map[string]*entry
	pending map[string][]*entry // temp entries awaiting a real identity, by match key
}

func NewView(persister Persister) *View {
	return &View{
		persister: persister,
		order:     make(map[string][]*entry),
		byID:      make(map[string]*entry),
		pending:   make(map[string][]*entry),
	}
}

func matchKey(conversationID, content string) string {
	return conversationID + "\x00" + content
}

// SendLocal inserts the message into the local view under a temporary
// identity and persists it in the background. Returns the temp id.
func (v *View) SendLocal(ctx context.Context, conversationID, content string) string {
	tempID := "local-" + uuid.New().String()

	v.mu.Lock()
	e := &entry{
		msg: models.Message{
			ID:             tempID,
			ConversationID: conversationID,
			Direction:      models.DirectionOutbound,
			Author:         models.AuthorOperator,
			Content:        content,
			Status:         models.MessageQueued,
			SentAt:         models.NowMillis(),
		},
		state: stateLocal,
	}
	v.order[conversationID] = append(v.order[conversationID], e)
	v.byID[tempID] = e
	key := matchKey(conversationID, content)
	v.pending[key] = append(v.pending[key], e)
	v.mu.Unlock()

	go v.persistNow(ctx, tempID)
	return tempID
}

// persistNow pushes one optimistic entry through the persister and, on
// success, performs the temp->real substitution unless a notification
// got there first.
func (v *View) persistNow(ctx context.Context, tempID string) {
	v.mu.Lock()
	e, ok := v.byID[tempID]
	if !ok || e.state != stateLocal {
		// Already reconciled by the notification stream.
		v.mu.Unlock()
		return
	}
	conversationID, content := e.msg.ConversationID, e.msg.Content
	v.mu.Unlock()

	persisted, err := v.persister.Persist(ctx, conversationID, content)
	if err != nil {
		logger.Warn("Optimistic send failed to persist",
			zap.String("temp_id", tempID), zap.Error(err))
		v.mu.Lock()
		if e, ok := v.byID[tempID]; ok && e.state == stateLocal {
			e.msg.Status = models.MessageFailed
			e.state = stateTerminal
			v.unpend(e)
		}
		v.mu.Unlock()
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok = v.byID[tempID]
	if !ok || e.state != stateLocal {
		// The notification stream won the race; substitution already done.
		return
	}
	v.substitute(e, persisted)
}

// HandleNotification applies one storage-change event to the local view.
// Events whose identity is already present only update in place, so a
// message reported by both the persistence response and the notification
// stream remains visible exactly once.
func (v *View) HandleNotification(event *notify.Event) {
	if event == nil || event.Message == nil {
		return
	}
	msg := event.Message

	v.mu.Lock()
	defer v.mu.Unlock()

	if e, ok := v.byID[msg.ID]; ok {
		// Known identity: pure status/content reconciliation.
		e.msg = *msg
		if msg.Status == models.MessageSent || msg.Status == models.MessageFailed {
			e.state = stateTerminal
		}
		return
	}

	// Unknown identity: it may be the authoritative copy of a pending
	// optimistic insert.
	key := matchKey(msg.ConversationID, msg.Content)
	if pending := v.pending[key]; len(pending) > 0 && msg.Author == models.AuthorOperator {
		v.substitute(pending[0], msg)
		return
	}

	// Genuinely new message (inbound, agent chunk, another client).
	e := &entry{msg: *msg, state: statePersisted}
	if msg.Status == models.MessageSent || msg.Status == models.MessageFailed {
		e.state = stateTerminal
	}
	v.order[msg.ConversationID] = append(v.order[msg.ConversationID], e)
	v.byID[msg.ID] = e
}

// substitute rebinds a temp entry to its authoritative record. Caller
// holds v.mu. This is the single substitution point of the lifecycle.
func (v *View) substitute(e *entry, persisted *models.Message) {
	delete(v.byID, e.msg.ID)
	e.msg = *persisted
	e.state = statePersisted
	if persisted.Status == models.MessageSent || persisted.Status == models.MessageFailed {
		e.state = stateTerminal
	}
	v.byID[persisted.ID] = e
	v.unpend(e)
}

// unpend removes an entry from the pending index. Caller holds v.mu.
func (v *View) unpend(e *entry) {
	key := matchKey(e.msg.ConversationID, e.msg.Content)
	pending := v.pending[key]
	for i, p := range pending {
		if p == e {
			v.pending[key] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(v.pending[key]) == 0 {
		delete(v.pending, key)
	}
}

// Snapshot returns the conversation's messages in local insertion order.
func (v *View) Snapshot(conversationID string) []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries := v.order[conversationID]
	out := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.msg)
	}
	return out
}

// Run consumes a notification subscription until ctx is cancelled.
func (v *View) Run(ctx context.Context, sub notify.Subscriber) error {
	events, cancel, err := sub.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			v.HandleNotification(event)
		}
	}
}
