package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// OutboxChannel is the notification channel the outbox insert trigger signals.
const OutboxChannel = "outbox_events"

const defaultReconnectDelay = 5 * time.Second

// NotificationListener turns PostgreSQL notifications into wake signals. It
// owns one connection outside the pool for the lifetime of Run.
type NotificationListener struct {
	connString     string
	channel        string
	reconnectDelay time.Duration
	wake           chan struct{}
}

// NewNotificationListener creates a listener for channel.
func NewNotificationListener(connString, channel string) *NotificationListener {
	return &NotificationListener{
		connString:     connString,
		channel:        channel,
		reconnectDelay: defaultReconnectDelay,
		wake:           make(chan struct{}, 1),
	}
}

// Wake returns the channel signalled after each notification. Signals
// arriving while one is pending are coalesced.
func (l *NotificationListener) Wake() <-chan struct{} {
	return l.wake
}

// Run listens until ctx is cancelled, reconnecting after connection errors.
func (l *NotificationListener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}

		slog.WarnContext(ctx, "notification listener disconnected",
			slog.String("channel", l.channel),
			slog.String("error", err.Error()),
			slog.Duration("retry_in", l.reconnectDelay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.reconnectDelay):
		}
	}
}

func (l *NotificationListener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()

		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}

	slog.InfoContext(ctx, "listening for outbox notifications", slog.String("channel", l.channel))

	// Events committed before LISTEN took effect are only found by a cycle.
	l.signal()

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			return fmt.Errorf("failed to wait for notification: %w", err)
		}

		l.signal()
	}
}

func (l *NotificationListener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
