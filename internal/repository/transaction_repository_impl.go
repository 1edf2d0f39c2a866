package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jnst/microbank-transactions/internal/model"
)

const (
	uniqueViolation = "23505"

	// IdempotencyConstraint is the unique constraint on (account_id, idempotency_key).
	IdempotencyConstraint = "transactions_account_idempotency_key"
)

const transactionColumns = `id, account_id, kind, amount_cents, status, outcome, idempotency_key, requested_at`

// TransactionRepositoryImpl implements TransactionRepository using PostgreSQL.
type TransactionRepositoryImpl struct {
	db DBTX
}

// NewTransactionRepositoryImpl creates a new TransactionRepository implementation.
func NewTransactionRepositoryImpl(db DBTX) TransactionRepository {
	return &TransactionRepositoryImpl{db: db}
}

// Create inserts a pending transaction with a freshly generated id.
// A clash on the idempotency constraint yields model.ErrDuplicateIdempotencyKey.
func (r *TransactionRepositoryImpl) Create(
	ctx context.Context, params *model.CreateTransactionParams,
) (*model.Transaction, error) {
	row := conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO transactions (id, account_id, kind, amount_cents, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+transactionColumns,
		uuid.NewString(),
		params.AccountID,
		params.Kind,
		params.AmountCents,
		string(model.TransactionStatusPending),
		params.IdempotencyKey,
	)

	tx, err := scanTransaction(row)
	if err != nil {
		return nil, translateWriteError(err)
	}

	return tx, nil
}

// GetByIdempotencyKey retrieves the transaction recorded for accountID and idempotencyKey.
func (r *TransactionRepositoryImpl) GetByIdempotencyKey(
	ctx context.Context, accountID, idempotencyKey string,
) (*model.Transaction, error) {
	row := conn(ctx, r.db).QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1 AND idempotency_key = $2`,
		accountID, idempotencyKey,
	)

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrTransactionNotFound
		}

		return nil, err
	}

	return tx, nil
}

// ListByAccount retrieves the newest transactions of an account.
func (r *TransactionRepositoryImpl) ListByAccount(
	ctx context.Context, accountID string, limit int,
) ([]*model.Transaction, error) {
	rows, err := conn(ctx, r.db).Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1
		ORDER BY requested_at DESC, id
		LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]*model.Transaction, 0)

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return txs, nil
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		tx     model.Transaction
		status string
	)

	err := row.Scan(
		&tx.ID,
		&tx.AccountID,
		&tx.Kind,
		&tx.AmountCents,
		&status,
		&tx.Outcome,
		&tx.IdempotencyKey,
		&tx.RequestedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Status = model.TransactionStatus(status)

	return &tx, nil
}

// translateWriteError maps only the idempotency constraint to a domain error;
// any other violation stays fatal to the caller.
func translateWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == IdempotencyConstraint {
		return fmt.Errorf("%w: %s", model.ErrDuplicateIdempotencyKey, pgErr.Detail)
	}

	return err
}
