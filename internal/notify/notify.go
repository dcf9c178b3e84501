// Package notify carries storage-change notifications from the pipeline
// to subscribers: the websocket stream and any client reconciliation
// layer keeping an optimistic local view.
package notify

import (
	"context"
	"encoding/json"

	"convopilot-server/internal/models"
)

// Event kinds published on the bus.
const (
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
)

// Event is one storage-change notification. Delivery is at-least-once;
// consumers deduplicate by message id.
type Event struct {
	Kind    string          `json:"kind"`
	Message *models.Message `json:"message"`
}

// Encode serializes an event for the wire.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a wire-format event.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Notifier publishes storage-change events.
type Notifier interface {
	Publish(ctx context.Context, event *Event) error
}

// Subscriber delivers published events. Subscribe returns a receive
// channel and a cancel function; the channel is closed on cancel.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan *Event, func(), error)
}
