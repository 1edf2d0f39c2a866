package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures Breaker.
type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
	OnStateChange    func(name string, from, to gobreaker.State)
}

// Breaker stops calling the wrapped sink after consecutive transport failures
// and probes it again once the open timeout elapses. A broker rejecting one
// message does not count towards tripping it.
type Breaker struct {
	next Sink
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Sink, settings BreakerSettings) *Breaker {
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}

	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        settings.Name,
			MaxRequests: 1,
			Timeout:     settings.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return !IsTransportError(err)
			},
			OnStateChange: settings.OnStateChange,
		}),
	}
}

// Publish forwards to the wrapped sink unless the breaker rejects the call,
// in which case the error wraps ErrUnavailable.
func (b *Breaker) Publish(
	ctx context.Context, topic string, message []byte, attributes map[string]string,
) (string, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Publish(ctx, topic, message, attributes)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err != nil {
		return "", err
	}

	return res.(string), nil
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
