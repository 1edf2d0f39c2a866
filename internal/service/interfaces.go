// Package service provides business logic layer implementations.
package service

import (
	"context"

	"github.com/jnst/microbank-transactions/internal/model"
)

// TransactionService defines business logic methods for transaction management.
type TransactionService interface {
	CreateTransaction(ctx context.Context, params *model.CreateTransactionParams) (*model.CreateTransactionResult, error)
	ListAccountTransactions(ctx context.Context, accountID string, limit int) ([]*model.Transaction, error)
}

// OutboxService defines business logic methods for outbox event processing.
type OutboxService interface {
	ProcessPendingEvents(ctx context.Context, limit int) (*model.DispatchResult, error)
}
