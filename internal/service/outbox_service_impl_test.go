package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jnst/microbank-transactions/internal/metrics"
	"github.com/jnst/microbank-transactions/internal/model"
	"github.com/jnst/microbank-transactions/internal/sink"
)

const testTopic = "microbank.transactions"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestOutboxService(
	t *testing.T, repo *mockOutboxRepository, s sink.Sink,
) (*OutboxServiceImpl, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	svc := NewOutboxServiceImpl(repo, s, metrics.NewPublisher(reg), OutboxServiceOptions{
		Topic:       testTopic,
		SinkTimeout: time.Second,
		ClaimLease:  30 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			Multiplier:      2,
		},
	}).(*OutboxServiceImpl)
	svc.now = func() time.Time { return testNow }

	return svc, reg
}

func newTestEvent(id int64, attempts int) *model.OutboxEvent {
	return &model.OutboxEvent{
		ID:          id,
		AggregateID: fmt.Sprintf("tx-%d", id),
		EventType:   string(model.EventTypeTransactionRequested),
		Payload:     []byte(fmt.Sprintf(`{"tx_id":"tx-%d"}`, id)),
		CreatedAt:   testNow,
		Attempts:    attempts,
	}
}

func attributesFor(id int64) map[string]string {
	return map[string]string{
		sink.AttributeEventType: string(model.EventTypeTransactionRequested),
		sink.AttributeEventID:   fmt.Sprint(id),
	}
}

func TestOutboxService_ProcessPendingEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("PublishesInOrder", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		s := new(mockSink)
		svc, reg := newTestOutboxService(t, repo, s)

		events := []*model.OutboxEvent{newTestEvent(1, 0), newTestEvent(2, 0)}
		repo.On("ClaimPendingEvents", ctx, 10, 30*time.Second).Return(events, nil).Once()

		var order []int64

		for _, e := range events {
			s.On("Publish", mock.Anything, testTopic, e.Payload, attributesFor(e.ID)).
				Run(func(mock.Arguments) { order = append(order, e.ID) }).
				Return(fmt.Sprintf("1-%d", e.ID), nil).Once()
			repo.On("MarkAsPublished", mock.Anything, e.ID).Return(nil).Once()
		}

		repo.On("CountPending", ctx).Return(int64(0), nil).Once()

		result, err := svc.ProcessPendingEvents(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, &model.DispatchResult{Claimed: 2, Published: 2}, result)
		assert.Equal(t, []int64{1, 2}, order)

		expected := `
# HELP outbox_events_published_total Outbox events delivered to the sink.
# TYPE outbox_events_published_total counter
outbox_events_published_total{event_type="microbank.transactions.requested"} 2
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "outbox_events_published_total"))
		repo.AssertExpectations(t)
		s.AssertExpectations(t)
	})

	t.Run("FailureDoesNotBlockBatch", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		s := new(mockSink)
		svc, _ := newTestOutboxService(t, repo, s)

		bad, good := newTestEvent(1, 0), newTestEvent(2, 0)
		repo.On("ClaimPendingEvents", ctx, 10, 30*time.Second).
			Return([]*model.OutboxEvent{bad, good}, nil).Once()

		s.On("Publish", mock.Anything, testTopic, bad.Payload, attributesFor(1)).
			Return("", errors.New("broker rejected message")).Once()
		repo.On("MarkAsFailed", mock.Anything, int64(1), testNow.Add(time.Second), "broker rejected message").
			Return(nil).Once()

		s.On("Publish", mock.Anything, testTopic, good.Payload, attributesFor(2)).Return("1-2", nil).Once()
		repo.On("MarkAsPublished", mock.Anything, int64(2)).Return(nil).Once()
		repo.On("CountPending", ctx).Return(int64(1), nil).Once()

		result, err := svc.ProcessPendingEvents(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, &model.DispatchResult{Claimed: 2, Published: 1, Failed: 1}, result)
		repo.AssertExpectations(t)
	})

	t.Run("BackoffGrowsWithAttempts", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		s := new(mockSink)
		svc, _ := newTestOutboxService(t, repo, s)

		event := newTestEvent(7, 1)
		repo.On("ClaimPendingEvents", ctx, 10, 30*time.Second).Return([]*model.OutboxEvent{event}, nil).Once()
		s.On("Publish", mock.Anything, testTopic, event.Payload, attributesFor(7)).
			Return("", context.DeadlineExceeded).Once()
		repo.On("MarkAsFailed", mock.Anything, int64(7), testNow.Add(2*time.Second), mock.AnythingOfType("string")).
			Return(nil).Once()
		repo.On("CountPending", ctx).Return(int64(1), nil).Once()

		result, err := svc.ProcessPendingEvents(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		repo.AssertExpectations(t)
	})

	t.Run("DeadLettersAfterMaxAttempts", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		s := new(mockSink)
		svc, reg := newTestOutboxService(t, repo, s)

		event := newTestEvent(3, 2)
		longErr := strings.Repeat("x", 2*maxLastErrorBytes)

		repo.On("ClaimPendingEvents", ctx, 10, 30*time.Second).Return([]*model.OutboxEvent{event}, nil).Once()
		s.On("Publish", mock.Anything, testTopic, event.Payload, attributesFor(3)).
			Return("", errors.New(longErr)).Once()
		repo.On("MarkAsDeadLettered", mock.Anything, int64(3), longErr[:maxLastErrorBytes]).Return(nil).Once()
		repo.On("CountPending", ctx).Return(int64(0), nil).Once()

		result, err := svc.ProcessPendingEvents(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, &model.DispatchResult{Claimed: 1, DeadLettered: 1}, result)

		expected := `
# HELP outbox_events_dead_lettered_total Outbox events that exhausted their attempts.
# TYPE outbox_events_dead_lettered_total counter
outbox_events_dead_lettered_total{event_type="microbank.transactions.requested"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "outbox_events_dead_lettered_total"))
		repo.AssertNotCalled(t, "MarkAsFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("UnavailableSinkReleasesRemainder", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		s := new(mockSink)
		svc, _ := newTestOutboxService(t, repo, s)

		events := []*model.OutboxEvent{newTestEvent(1, 0), newTestEvent(2, 0), newTestEvent(3, 0)}
		repo.On("ClaimPendingEvents", ctx, 10, 30*time.Second).Return(events, nil).Once()

		s.On("Publish", mock.Anything, testTopic, events[0].Payload, attributesFor(1)).Return("1-1", nil).Once()
		repo.On("MarkAsPublished", mock.Anything, int64(1)).Return(nil).Once()
		s.On("Publish", mock.Anything, testTopic, events[1].Payload, attributesFor(2)).
			Return("", fmt.Errorf("%w: circuit breaker is open", sink.ErrUnavailable)).Once()
		repo.On("ReleaseClaim", mock.Anything, int64(2)).Return(nil).Once()
		repo.On("ReleaseClaim", mock.Anything, int64(3)).Return(nil).Once()
		repo.On("CountPending", ctx).Return(int64(2), nil).Once()

		result, err := svc.ProcessPendingEvents(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, &model.DispatchResult{Claimed: 3, Published: 1, Released: 2}, result)

		s.AssertNumberOfCalls(t, "Publish", 2)
		repo.AssertNotCalled(t, "MarkAsFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		repo.AssertExpectations(t)
	})

	t.Run("RejectedLeadingEventsDoNotTripBreaker", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		next := new(mockSink)
		guarded := sink.NewBreaker(next, sink.BreakerSettings{
			Name:             "test",
			FailureThreshold: 5,
			OpenTimeout:      time.Minute,
		})
		svc, _ := newTestOutboxService(t, repo, guarded)

		events := make([]*model.OutboxEvent, 0, 8)
		for id := int64(1); id <= 8; id++ {
			events = append(events, newTestEvent(id, 0))
		}

		repo.On("ClaimPendingEvents", ctx, 10, 30*time.Second).Return(events, nil).Once()

		for _, e := range events[:5] {
			next.On("Publish", mock.Anything, testTopic, e.Payload, attributesFor(e.ID)).
				Return("", errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")).Once()
			repo.On("MarkAsFailed", mock.Anything, e.ID, testNow.Add(time.Second), mock.AnythingOfType("string")).
				Return(nil).Once()
		}

		for _, e := range events[5:] {
			next.On("Publish", mock.Anything, testTopic, e.Payload, attributesFor(e.ID)).
				Return(fmt.Sprintf("1-%d", e.ID), nil).Once()
			repo.On("MarkAsPublished", mock.Anything, e.ID).Return(nil).Once()
		}

		repo.On("CountPending", ctx).Return(int64(5), nil).Once()

		result, err := svc.ProcessPendingEvents(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, &model.DispatchResult{Claimed: 8, Published: 3, Failed: 5}, result)
		assert.Equal(t, gobreaker.StateClosed, guarded.State())

		repo.AssertNotCalled(t, "ReleaseClaim", mock.Anything, mock.Anything)
		repo.AssertExpectations(t)
		next.AssertExpectations(t)
	})

	t.Run("TransportFailuresTripBreakerAndRelease", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		next := new(mockSink)
		guarded := sink.NewBreaker(next, sink.BreakerSettings{
			Name:             "test",
			FailureThreshold: 2,
			OpenTimeout:      time.Minute,
		})
		svc, _ := newTestOutboxService(t, repo, guarded)

		events := []*model.OutboxEvent{newTestEvent(1, 0), newTestEvent(2, 0), newTestEvent(3, 0), newTestEvent(4, 0)}
		repo.On("ClaimPendingEvents", ctx, 10, 30*time.Second).Return(events, nil).Once()

		for _, e := range events[:2] {
			next.On("Publish", mock.Anything, testTopic, e.Payload, attributesFor(e.ID)).
				Return("", fmt.Errorf("%w: connection refused", sink.ErrTransport)).Once()
			repo.On("MarkAsFailed", mock.Anything, e.ID, testNow.Add(time.Second), mock.AnythingOfType("string")).
				Return(nil).Once()
		}

		repo.On("ReleaseClaim", mock.Anything, int64(3)).Return(nil).Once()
		repo.On("ReleaseClaim", mock.Anything, int64(4)).Return(nil).Once()
		repo.On("CountPending", ctx).Return(int64(4), nil).Once()

		result, err := svc.ProcessPendingEvents(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, &model.DispatchResult{Claimed: 4, Failed: 2, Released: 2}, result)
		assert.Equal(t, gobreaker.StateOpen, guarded.State())
		next.AssertNumberOfCalls(t, "Publish", 2)
	})

	t.Run("StateUpdateFailureIsCounted", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		s := new(mockSink)
		svc, reg := newTestOutboxService(t, repo, s)

		event := newTestEvent(4, 0)
		repo.On("ClaimPendingEvents", ctx, 10, 30*time.Second).Return([]*model.OutboxEvent{event}, nil).Once()
		s.On("Publish", mock.Anything, testTopic, event.Payload, attributesFor(4)).Return("1-4", nil).Once()
		repo.On("MarkAsPublished", mock.Anything, int64(4)).Return(errors.New("connection reset")).Once()
		repo.On("CountPending", ctx).Return(int64(1), nil).Once()

		result, err := svc.ProcessPendingEvents(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, &model.DispatchResult{Claimed: 1, StateUpdateFailed: 1}, result)

		expected := `
# HELP outbox_state_update_failures_total Outbox rows whose state could not be written after a publish attempt.
# TYPE outbox_state_update_failures_total counter
outbox_state_update_failures_total 1
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "outbox_state_update_failures_total"))
	})

	t.Run("ClaimFailure", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		s := new(mockSink)
		svc, reg := newTestOutboxService(t, repo, s)

		dbErr := errors.New("database is shutting down")
		repo.On("ClaimPendingEvents", ctx, 10, 30*time.Second).Return(nil, dbErr).Once()

		result, err := svc.ProcessPendingEvents(ctx, 10)
		assert.Nil(t, result)
		assert.ErrorIs(t, err, dbErr)

		expected := `
# HELP outbox_cycle_errors_total Publisher cycles aborted by a database error.
# TYPE outbox_cycle_errors_total counter
outbox_cycle_errors_total 1
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "outbox_cycle_errors_total"))
		s.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("CancelledContextReleasesClaims", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		s := new(mockSink)
		svc, _ := newTestOutboxService(t, repo, s)

		cancelCtx, cancel := context.WithCancel(ctx)
		events := []*model.OutboxEvent{newTestEvent(1, 0), newTestEvent(2, 0)}

		repo.On("ClaimPendingEvents", cancelCtx, 10, 30*time.Second).Return(events, nil).Once()
		s.On("Publish", mock.Anything, testTopic, events[0].Payload, attributesFor(1)).
			Run(func(mock.Arguments) { cancel() }).
			Return("1-1", nil).Once()
		repo.On("MarkAsPublished", mock.Anything, int64(1)).Return(nil).Once()
		repo.On("ReleaseClaim", mock.Anything, int64(2)).Return(nil).Once()

		result, err := svc.ProcessPendingEvents(cancelCtx, 10)
		require.NoError(t, err)
		assert.Equal(t, &model.DispatchResult{Claimed: 2, Published: 1, Released: 1}, result)

		repo.AssertNotCalled(t, "CountPending", mock.Anything)
		repo.AssertExpectations(t)
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		s := new(mockSink)
		svc, reg := newTestOutboxService(t, repo, s)

		repo.On("ClaimPendingEvents", ctx, 10, 30*time.Second).Return([]*model.OutboxEvent{}, nil).Once()
		repo.On("CountPending", ctx).Return(int64(0), nil).Once()

		result, err := svc.ProcessPendingEvents(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, &model.DispatchResult{}, result)
		expected := `
# HELP outbox_pending_events Outbox events neither published nor dead-lettered.
# TYPE outbox_pending_events gauge
outbox_pending_events 0
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "outbox_pending_events"))
	})
}
