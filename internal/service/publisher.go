package service

import (
	"context"
	"log/slog"
	"time"
)

// Publisher drives OutboxService on a fixed interval until its context ends.
// No database connection is held between cycles.
type Publisher struct {
	outboxService OutboxService
	pollInterval  time.Duration
	batchSize     int
	wake          <-chan struct{}
}

// NewPublisher creates a publisher. wake may be nil; a receive on it starts a
// cycle ahead of the next tick.
func NewPublisher(
	outboxService OutboxService, pollInterval time.Duration, batchSize int, wake <-chan struct{},
) *Publisher {
	return &Publisher{
		outboxService: outboxService,
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		wake:          wake,
	}
}

// Run processes pending events immediately and then on every tick or wake
// signal. It returns after ctx is cancelled and the in-flight cycle has ended.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "outbox publisher started",
		slog.Duration("poll_interval", p.pollInterval),
		slog.Int("batch_size", p.batchSize),
	)

	for {
		p.drain(ctx)

		select {
		case <-ctx.Done():
			slog.Info("outbox publisher stopped")
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// drain keeps running cycles while they come back full, so a backlog does
// not wait a poll interval per batch.
func (p *Publisher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		result, err := p.outboxService.ProcessPendingEvents(ctx, p.batchSize)
		if err != nil {
			slog.ErrorContext(ctx, "error processing outbox events", slog.String("error", err.Error()))
			return
		}

		if result.Claimed > 0 {
			slog.InfoContext(ctx, "outbox cycle finished",
				slog.Int("claimed", result.Claimed),
				slog.Int("published", result.Published),
				slog.Int("failed", result.Failed),
				slog.Int("dead_lettered", result.DeadLettered),
				slog.Int("released", result.Released),
				slog.Int("state_update_failed", result.StateUpdateFailed),
			)
		}

		if result.Claimed < p.batchSize || result.Released > 0 {
			return
		}
	}
}
