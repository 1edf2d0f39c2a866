package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jnst/microbank-transactions/internal/model"
	"github.com/jnst/microbank-transactions/internal/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// TransactionServiceImpl implements TransactionService. It writes each new
// transaction together with its outbox event in one database transaction.
type TransactionServiceImpl struct {
	transactionRepo repository.TransactionRepository
	outboxRepo      repository.OutboxRepository
	transactionMgr  repository.TransactionManager
}

// NewTransactionServiceImpl creates a new TransactionService implementation.
func NewTransactionServiceImpl(
	transactionRepo repository.TransactionRepository,
	outboxRepo repository.OutboxRepository,
	transactionMgr repository.TransactionManager,
) TransactionService {
	return &TransactionServiceImpl{
		transactionRepo: transactionRepo,
		outboxRepo:      outboxRepo,
		transactionMgr:  transactionMgr,
	}
}

// CreateTransaction returns the transaction already recorded for the account
// and idempotency key, or creates it along with one outbox event. A concurrent
// writer that wins the insert race is resolved by returning its row.
func (s *TransactionServiceImpl) CreateTransaction(
	ctx context.Context, params *model.CreateTransactionParams,
) (*model.CreateTransactionResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.transactionRepo.GetByIdempotencyKey(ctx, params.AccountID, params.IdempotencyKey)
	switch {
	case err == nil:
		slog.DebugContext(ctx, "idempotent replay",
			slog.String("tx_id", existing.ID),
			slog.String("account_id", existing.AccountID),
		)

		return &model.CreateTransactionResult{Transaction: existing, Replayed: true}, nil
	case !errors.Is(err, model.ErrTransactionNotFound):
		return nil, fmt.Errorf("failed to look up transaction: %w", err)
	}

	var created *model.Transaction

	err = s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		tx, err := s.transactionRepo.Create(ctx, params)
		if err != nil {
			return fmt.Errorf("failed to create transaction: %w", err)
		}

		if err := s.createOutboxEvent(ctx, tx); err != nil {
			return err
		}

		created = tx

		return nil
	})

	if errors.Is(err, model.ErrDuplicateIdempotencyKey) {
		return s.resolveRace(ctx, params)
	}

	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "transaction requested",
		slog.String("tx_id", created.ID),
		slog.String("account_id", created.AccountID),
		slog.String("kind", created.Kind),
		slog.Int64("amount_cents", created.AmountCents),
	)

	return &model.CreateTransactionResult{Transaction: created}, nil
}

// ListAccountTransactions returns the newest transactions of an account.
func (s *TransactionServiceImpl) ListAccountTransactions(
	ctx context.Context, accountID string, limit int,
) ([]*model.Transaction, error) {
	if accountID == "" {
		return nil, model.ErrInvalidAccountID
	}

	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	return s.transactionRepo.ListByAccount(ctx, accountID, limit)
}

func (s *TransactionServiceImpl) resolveRace(
	ctx context.Context, params *model.CreateTransactionParams,
) (*model.CreateTransactionResult, error) {
	winner, err := s.transactionRepo.GetByIdempotencyKey(ctx, params.AccountID, params.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load concurrently created transaction: %w", err)
	}

	slog.InfoContext(ctx, "lost idempotency race, returning existing transaction",
		slog.String("tx_id", winner.ID),
		slog.String("account_id", winner.AccountID),
	)

	return &model.CreateTransactionResult{Transaction: winner, Replayed: true}, nil
}

func (*TransactionServiceImpl) createTransactionEventPayload(tx *model.Transaction) ([]byte, error) {
	payloadJSON, err := json.Marshal(model.NewTransactionRequestedEvent(tx))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return payloadJSON, nil
}

func (s *TransactionServiceImpl) createOutboxEvent(ctx context.Context, tx *model.Transaction) error {
	payloadJSON, err := s.createTransactionEventPayload(tx)
	if err != nil {
		return err
	}

	_, err = s.outboxRepo.CreateEvent(ctx, &model.CreateOutboxEventParams{
		AggregateID: tx.ID,
		EventType:   string(model.EventTypeTransactionRequested),
		Payload:     payloadJSON,
	})
	if err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}

	return nil
}
