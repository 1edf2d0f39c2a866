// Package model defines domain models and data structures.
package model

import (
	"strings"
	"time"
)

// TransactionStatus is the lifecycle state of a transaction. Transitions past
// pending are owned by the downstream processor.
type TransactionStatus string

const (
	// TransactionStatusPending is assigned at creation.
	TransactionStatusPending TransactionStatus = "pending"
)

// Transaction represents a requested money movement against an account.
type Transaction struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	Kind           string            `json:"kind"`
	AmountCents    int64             `json:"amount_cents"`
	Status         TransactionStatus `json:"status"`
	Outcome        *string           `json:"outcome,omitempty"`
	IdempotencyKey string            `json:"-"`
	RequestedAt    time.Time         `json:"requested_at"`
}

// CreateTransactionParams represents parameters for creating a new transaction.
// IdempotencyKey is scoped to AccountID.
type CreateTransactionParams struct {
	AccountID      string `json:"account_id"`
	Kind           string `json:"kind"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"-"`
}

// Validate validates the create transaction parameters.
func (p *CreateTransactionParams) Validate() error {
	if strings.TrimSpace(p.AccountID) == "" {
		return ErrInvalidAccountID
	}

	if strings.TrimSpace(p.Kind) == "" {
		return ErrInvalidKind
	}

	if p.IdempotencyKey == "" {
		return ErrInvalidIdempotencyKey
	}

	return nil
}

// CreateTransactionResult is returned by the writer. Replayed reports that the
// transaction already existed for the idempotency key and nothing was written.
type CreateTransactionResult struct {
	Transaction *Transaction
	Replayed    bool
}

// EventType is the namespaced tag stored with every outbox event.
type EventType string

const (
	// EventTypeTransactionRequested is emitted once per newly created transaction.
	EventTypeTransactionRequested EventType = "microbank.transactions.requested"
)

// TransactionRequestedEvent is the payload of EventTypeTransactionRequested.
// RequestedAt is ISO-8601 in UTC.
type TransactionRequestedEvent struct {
	TxID        string `json:"tx_id"`
	AccountID   string `json:"account_id"`
	Kind        string `json:"kind"`
	AmountCents int64  `json:"amount_cents"`
	RequestedAt string `json:"requested_at"`
}

// NewTransactionRequestedEvent builds the event payload describing tx.
func NewTransactionRequestedEvent(tx *Transaction) TransactionRequestedEvent {
	return TransactionRequestedEvent{
		TxID:        tx.ID,
		AccountID:   tx.AccountID,
		Kind:        tx.Kind,
		AmountCents: tx.AmountCents,
		RequestedAt: tx.RequestedAt.UTC().Format(time.RFC3339Nano),
	}
}
