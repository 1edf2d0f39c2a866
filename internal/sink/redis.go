package sink

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/redis/rueidis"
)

// PayloadField is the stream entry field holding the message body.
const PayloadField = "payload"

// Server replies that mean the node cannot take writes right now.
var unavailableReplies = []string{"LOADING", "READONLY", "CLUSTERDOWN", "MASTERDOWN", "BUSY", "TRYAGAIN"}

// RedisStreamSink appends messages to the Redis stream named by topic.
type RedisStreamSink struct {
	client rueidis.Client
}

// NewRedisStreamSink creates a sink on top of an existing client.
func NewRedisStreamSink(client rueidis.Client) *RedisStreamSink {
	return &RedisStreamSink{client: client}
}

// Publish runs XADD with the attributes as fields in key order followed by the payload.
// The returned id is the stream entry id. Errors other than a command
// rejection by a writable server wrap ErrTransport.
func (s *RedisStreamSink) Publish(
	ctx context.Context, topic string, message []byte, attributes map[string]string,
) (string, error) {
	fields := s.client.B().Xadd().Key(topic).Id("*").FieldValue()
	for _, key := range slices.Sorted(maps.Keys(attributes)) {
		fields = fields.FieldValue(key, attributes[key])
	}

	cmd := fields.FieldValue(PayloadField, string(message)).Build()

	id, err := s.client.Do(ctx, cmd).ToString()
	if err != nil {
		return "", classifyRedisError(err)
	}

	return id, nil
}

func classifyRedisError(err error) error {
	redisErr, ok := rueidis.IsRedisErr(err)
	if !ok {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	for _, prefix := range unavailableReplies {
		if strings.HasPrefix(redisErr.Error(), prefix) {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}

	return err
}
