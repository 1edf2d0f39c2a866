package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamPublisher is the part of jetstream.JetStream the sink needs.
type JetStreamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamSink publishes messages to the JetStream subject named by topic.
type JetStreamSink struct {
	js JetStreamPublisher
}

// NewJetStreamSink creates a sink on top of a JetStream context.
func NewJetStreamSink(js JetStreamPublisher) *JetStreamSink {
	return &JetStreamSink{js: js}
}

// Publish sends message with attributes as headers. The event id attribute
// becomes the JetStream message id so the server drops redeliveries inside its
// duplicate window. The returned id is "stream:sequence". Errors other than a
// JetStream API rejection or an oversized message wrap ErrTransport.
func (s *JetStreamSink) Publish(
	ctx context.Context, topic string, message []byte, attributes map[string]string,
) (string, error) {
	msg := nats.NewMsg(topic)
	msg.Data = message

	for key, value := range attributes {
		msg.Header.Set(key, value)
	}

	var opts []jetstream.PublishOpt
	if id := attributes[AttributeEventID]; id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}

	ack, err := s.js.PublishMsg(ctx, msg, opts...)
	if err != nil {
		return "", classifyNATSError(err)
	}

	return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
}

func classifyNATSError(err error) error {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) || errors.Is(err, nats.ErrMaxPayload) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// StreamName derives a valid JetStream stream name from a subject.
func StreamName(topic string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic))
}

// EnsureStream creates or updates the stream capturing topic.
func EnsureStream(ctx context.Context, js jetstream.JetStream, topic string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName(topic),
		Subjects: []string{topic},
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream for %s: %w", topic, err)
	}

	return nil
}
