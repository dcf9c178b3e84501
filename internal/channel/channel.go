// Package channel abstracts the outbound messaging channel: the
// deliver(recipient, content) -> external_id collaborator the dispatcher
// depends on.
package channel

import (
	"context"
	"errors"
	"fmt"
)

// Adapter delivers one message to a channel recipient and returns the
// channel-assigned message id.
type Adapter interface {
	Deliver(ctx context.Context, recipientID, content, mediaType string) (externalID string, err error)
}

// DeliveryError classifies a failed delivery. Permanent failures (invalid
// recipient, blocked bot) mark the message failed; everything else is
// retried with backoff.
type DeliveryError struct {
	Permanent bool
	Msg       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed: %s (permanent %t)", e.Msg, e.Permanent)
}

// IsPermanent reports whether err is a non-retryable delivery failure.
// Unclassified errors are treated as transient so they get retried.
func IsPermanent(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Permanent
	}
	return false
}
