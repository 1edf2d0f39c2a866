package repository

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jnst/microbank-transactions/internal/model"
)

// ErrOutboxEventNotFound is returned when an update matched no outbox row.
var ErrOutboxEventNotFound = errors.New("outbox event not found")

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	db DBTX
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(db DBTX) OutboxRepository {
	return &OutboxRepositoryImpl{db: db}
}

// CreateEvent creates a new outbox event. Call it inside WithTransaction so the
// row commits together with the domain change it describes.
func (r *OutboxRepositoryImpl) CreateEvent(
	ctx context.Context, params *model.CreateOutboxEventParams,
) (*model.OutboxEvent, error) {
	event := &model.OutboxEvent{
		AggregateID: params.AggregateID,
		EventType:   params.EventType,
		Payload:     params.Payload,
	}

	err := conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO outbox_events (aggregate_id, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		params.AggregateID, params.EventType, string(params.Payload),
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return nil, err
	}

	return event, nil
}

// ClaimPendingEvents leases up to limit due events to the caller. Rows locked
// or leased by another publisher are skipped. The lease lapses on its own if
// the caller dies before settling the event.
func (r *OutboxRepositoryImpl) ClaimPendingEvents(
	ctx context.Context, limit int, lease time.Duration,
) ([]*model.OutboxEvent, error) {
	rows, err := conn(ctx, r.db).Query(ctx, `
		UPDATE outbox_events
		SET locked_until = now() + $2 * interval '1 second'
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE published_at IS NULL
			  AND dead_lettered_at IS NULL
			  AND next_attempt_at <= now()
			  AND (locked_until IS NULL OR locked_until < now())
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_id, event_type, payload, created_at, attempts`,
		limit, lease.Seconds(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*model.OutboxEvent, 0, limit)

	for rows.Next() {
		var (
			event   model.OutboxEvent
			payload string
		)

		if err := rows.Scan(
			&event.ID,
			&event.AggregateID,
			&event.EventType,
			&payload,
			&event.CreatedAt,
			&event.Attempts,
		); err != nil {
			return nil, err
		}

		event.Payload = []byte(payload)
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	slices.SortFunc(events, func(a, b *model.OutboxEvent) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return events, nil
}

// MarkAsPublished marks an outbox event as published and drops its lease.
func (r *OutboxRepositoryImpl) MarkAsPublished(ctx context.Context, id int64) error {
	return r.exec(ctx, `
		UPDATE outbox_events
		SET published_at = now(), locked_until = NULL
		WHERE id = $1`,
		id,
	)
}

// MarkAsFailed records a failed attempt and schedules the next one.
func (r *OutboxRepositoryImpl) MarkAsFailed(
	ctx context.Context, id int64, nextAttemptAt time.Time, lastError string,
) error {
	return r.exec(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, next_attempt_at = $2, last_error = $3, locked_until = NULL
		WHERE id = $1`,
		id, nextAttemptAt, lastError,
	)
}

// MarkAsDeadLettered takes an event out of rotation after its final failed attempt.
func (r *OutboxRepositoryImpl) MarkAsDeadLettered(ctx context.Context, id int64, lastError string) error {
	return r.exec(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, dead_lettered_at = now(), last_error = $2, locked_until = NULL
		WHERE id = $1`,
		id, lastError,
	)
}

// ReleaseClaim drops the lease without counting an attempt.
func (r *OutboxRepositoryImpl) ReleaseClaim(ctx context.Context, id int64) error {
	return r.exec(ctx, `
		UPDATE outbox_events
		SET locked_until = NULL
		WHERE id = $1`,
		id,
	)
}

// CountPending returns the number of events not yet published or dead-lettered.
func (r *OutboxRepositoryImpl) CountPending(ctx context.Context) (int64, error) {
	var count int64

	err := conn(ctx, r.db).QueryRow(ctx, `
		SELECT count(*) FROM outbox_events
		WHERE published_at IS NULL AND dead_lettered_at IS NULL`,
	).Scan(&count)

	return count, err
}

func (r *OutboxRepositoryImpl) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := conn(ctx, r.db).Exec(ctx, sql, args...)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrOutboxEventNotFound
	}

	return nil
}

