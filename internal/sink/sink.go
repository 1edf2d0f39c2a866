// Package sink delivers outbox events to the notification channel.
package sink

import (
	"context"
	"errors"
	"net"
)

// Attribute keys sent alongside every message.
const (
	AttributeEventType = "event_type"
	AttributeEventID   = "event_id"
)

var (
	// ErrUnavailable means the sink refused the call without attempting delivery.
	ErrUnavailable = errors.New("sink unavailable")
	// ErrTransport marks a failure to reach the broker, as opposed to the broker
	// rejecting one particular message.
	ErrTransport = errors.New("sink transport failure")
)

// Sink publishes a message to topic and returns the broker's delivery id.
// Every error is treated as retryable by the publisher.
type Sink interface {
	Publish(ctx context.Context, topic string, message []byte, attributes map[string]string) (string, error)
}

// IsTransportError reports whether err says the broker could not be reached.
// Rejections of a single message return false.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error

	return errors.Is(err, ErrTransport) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr)
}
