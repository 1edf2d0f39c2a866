package model

import "errors"

var (
	// ErrInvalidAccountID is returned when the account reference is empty.
	ErrInvalidAccountID = errors.New("account_id is required")
	// ErrInvalidKind is returned when the transaction kind is empty.
	ErrInvalidKind = errors.New("kind is required")
	// ErrInvalidIdempotencyKey is returned when no idempotency key was supplied.
	ErrInvalidIdempotencyKey = errors.New("idempotency key is required")
	// ErrTransactionNotFound is returned when transaction is not found in database.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrDuplicateIdempotencyKey is returned when another writer already committed
	// a transaction for the same account and idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key for account")
)

// IsValidationError reports whether err is caused by invalid caller input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidAccountID) ||
		errors.Is(err, ErrInvalidKind) ||
		errors.Is(err, ErrInvalidIdempotencyKey)
}
