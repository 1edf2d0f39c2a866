package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jnst/microbank-transactions/internal/metrics"
	"github.com/jnst/microbank-transactions/internal/model"
	"github.com/jnst/microbank-transactions/internal/repository"
	"github.com/jnst/microbank-transactions/internal/sink"
)

const (
	settleTimeout     = 5 * time.Second
	maxLastErrorBytes = 1024
)

// OutboxServiceOptions configures OutboxServiceImpl.
type OutboxServiceOptions struct {
	Topic       string
	SinkTimeout time.Duration
	ClaimLease  time.Duration
	Retry       RetryPolicy
}

// OutboxServiceImpl implements OutboxService for processing outbox events.
type OutboxServiceImpl struct {
	outboxRepo repository.OutboxRepository
	sink       sink.Sink
	metrics    *metrics.Publisher
	opts       OutboxServiceOptions
	now        func() time.Time
}

// NewOutboxServiceImpl creates a new OutboxService implementation. A nil
// metrics value records into a private registry.
func NewOutboxServiceImpl(
	outboxRepo repository.OutboxRepository,
	notificationSink sink.Sink,
	publisherMetrics *metrics.Publisher,
	opts OutboxServiceOptions,
) OutboxService {
	if publisherMetrics == nil {
		publisherMetrics = metrics.NewPublisher(prometheus.NewRegistry())
	}

	return &OutboxServiceImpl{
		outboxRepo: outboxRepo,
		sink:       notificationSink,
		metrics:    publisherMetrics,
		opts:       opts,
		now:        time.Now,
	}
}

// ProcessPendingEvents claims up to limit due events and publishes each one.
// A failing event is rescheduled or dead-lettered without affecting the rest
// of the batch. Only a failed claim is returned as an error.
func (s *OutboxServiceImpl) ProcessPendingEvents(ctx context.Context, limit int) (*model.DispatchResult, error) {
	events, err := s.outboxRepo.ClaimPendingEvents(ctx, limit, s.opts.ClaimLease)
	if err != nil {
		s.metrics.CycleError()
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	result := &model.DispatchResult{Claimed: len(events)}

	for i, event := range events {
		if ctx.Err() != nil {
			s.releaseClaims(ctx, events[i:], result)
			break
		}

		if err := s.publish(ctx, event); err != nil {
			if errors.Is(err, sink.ErrUnavailable) || ctx.Err() != nil {
				slog.WarnContext(ctx, "stopping batch, releasing remaining events",
					slog.Int64("event_id", event.ID),
					slog.String("error", err.Error()),
				)
				s.releaseClaims(ctx, events[i:], result)

				break
			}

			s.recordFailure(ctx, event, err, result)

			continue
		}

		s.recordSuccess(ctx, event, result)
	}

	s.refreshPending(ctx)

	return result, nil
}

func (s *OutboxServiceImpl) publish(ctx context.Context, event *model.OutboxEvent) error {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.SinkTimeout)
	defer cancel()

	start := time.Now()

	messageID, err := s.sink.Publish(callCtx, s.opts.Topic, event.Payload, map[string]string{
		sink.AttributeEventType: event.EventType,
		sink.AttributeEventID:   strconv.FormatInt(event.ID, 10),
	})
	if err != nil {
		if !errors.Is(err, sink.ErrUnavailable) {
			s.metrics.EventFailed(event.EventType, time.Since(start))
		}

		return err
	}

	s.metrics.EventPublished(event.EventType, time.Since(start))

	slog.DebugContext(ctx, "published event",
		slog.Int64("event_id", event.ID),
		slog.String("message_id", messageID),
		slog.String("topic", s.opts.Topic),
	)

	return nil
}

// recordSuccess persists the publication. If that write fails the event is
// delivered again once its lease lapses.
func (s *OutboxServiceImpl) recordSuccess(ctx context.Context, event *model.OutboxEvent, result *model.DispatchResult) {
	settleCtx, cancel := s.settleContext(ctx)
	defer cancel()

	if err := s.outboxRepo.MarkAsPublished(settleCtx, event.ID); err != nil {
		result.StateUpdateFailed++
		s.metrics.StateUpdateFailed()
		slog.ErrorContext(ctx, "failed to mark event as published",
			slog.Int64("event_id", event.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	result.Published++
}

func (s *OutboxServiceImpl) recordFailure(
	ctx context.Context, event *model.OutboxEvent, publishErr error, result *model.DispatchResult,
) {
	settleCtx, cancel := s.settleContext(ctx)
	defer cancel()

	attempt := event.Attempts + 1
	lastError := truncate(publishErr.Error(), maxLastErrorBytes)

	if s.opts.Retry.Exhausted(attempt) {
		if err := s.outboxRepo.MarkAsDeadLettered(settleCtx, event.ID, lastError); err != nil {
			result.StateUpdateFailed++
			s.metrics.StateUpdateFailed()
			slog.ErrorContext(ctx, "failed to dead-letter event",
				slog.Int64("event_id", event.ID),
				slog.String("error", err.Error()),
			)

			return
		}

		result.DeadLettered++
		s.metrics.EventDeadLettered(event.EventType)
		slog.ErrorContext(ctx, "event dead-lettered",
			slog.Int64("event_id", event.ID),
			slog.Int("attempt", attempt),
			slog.String("error", lastError),
		)

		return
	}

	nextAttemptAt := s.now().Add(s.opts.Retry.Delay(attempt))
	if err := s.outboxRepo.MarkAsFailed(settleCtx, event.ID, nextAttemptAt, lastError); err != nil {
		result.StateUpdateFailed++
		s.metrics.StateUpdateFailed()
		slog.ErrorContext(ctx, "failed to reschedule event",
			slog.Int64("event_id", event.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	result.Failed++
	slog.WarnContext(ctx, "failed to publish event",
		slog.Int64("event_id", event.ID),
		slog.Int("attempt", attempt),
		slog.Time("next_attempt_at", nextAttemptAt),
		slog.String("error", lastError),
	)
}

func (s *OutboxServiceImpl) releaseClaims(
	ctx context.Context, events []*model.OutboxEvent, result *model.DispatchResult,
) {
	settleCtx, cancel := s.settleContext(ctx)
	defer cancel()

	for _, event := range events {
		if err := s.outboxRepo.ReleaseClaim(settleCtx, event.ID); err != nil {
			slog.WarnContext(ctx, "failed to release claim, lease will expire",
				slog.Int64("event_id", event.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		result.Released++
	}
}

func (s *OutboxServiceImpl) refreshPending(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	pending, err := s.outboxRepo.CountPending(ctx)
	if err != nil {
		slog.DebugContext(ctx, "failed to count pending events", slog.String("error", err.Error()))
		return
	}

	s.metrics.SetPending(pending)
}

// settleContext outlives shutdown so outcomes of finished publishes are still written.
func (*OutboxServiceImpl) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}
