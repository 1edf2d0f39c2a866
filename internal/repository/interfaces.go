// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jnst/microbank-transactions/internal/model"
)

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is a DBTX that can also start transactions, satisfied by *pgxpool.Pool.
type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TransactionRepository defines methods for transaction data access.
type TransactionRepository interface {
	Create(ctx context.Context, params *model.CreateTransactionParams) (*model.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, accountID, idempotencyKey string) (*model.Transaction, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*model.Transaction, error)
}

// OutboxRepository defines methods for outbox event data access.
type OutboxRepository interface {
	CreateEvent(ctx context.Context, params *model.CreateOutboxEventParams) (*model.OutboxEvent, error)
	ClaimPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxEvent, error)
	MarkAsPublished(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64, nextAttemptAt time.Time, lastError string) error
	MarkAsDeadLettered(ctx context.Context, id int64, lastError string) error
	ReleaseClaim(ctx context.Context, id int64) error
	CountPending(ctx context.Context) (int64, error)
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
