package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/jnst/microbank-transactions/internal/model"
)

type mockTransactionRepository struct {
	mock.Mock
}

func (m *mockTransactionRepository) Create(
	ctx context.Context, params *model.CreateTransactionParams,
) (*model.Transaction, error) {
	args := m.Called(ctx, params)
	tx, _ := args.Get(0).(*model.Transaction)

	return tx, args.Error(1)
}

func (m *mockTransactionRepository) GetByIdempotencyKey(
	ctx context.Context, accountID, idempotencyKey string,
) (*model.Transaction, error) {
	args := m.Called(ctx, accountID, idempotencyKey)
	tx, _ := args.Get(0).(*model.Transaction)

	return tx, args.Error(1)
}

func (m *mockTransactionRepository) ListByAccount(
	ctx context.Context, accountID string, limit int,
) ([]*model.Transaction, error) {
	args := m.Called(ctx, accountID, limit)
	txs, _ := args.Get(0).([]*model.Transaction)

	return txs, args.Error(1)
}

type mockOutboxRepository struct {
	mock.Mock
}

func (m *mockOutboxRepository) CreateEvent(
	ctx context.Context, params *model.CreateOutboxEventParams,
) (*model.OutboxEvent, error) {
	args := m.Called(ctx, params)
	event, _ := args.Get(0).(*model.OutboxEvent)

	return event, args.Error(1)
}

func (m *mockOutboxRepository) ClaimPendingEvents(
	ctx context.Context, limit int, lease time.Duration,
) ([]*model.OutboxEvent, error) {
	args := m.Called(ctx, limit, lease)
	events, _ := args.Get(0).([]*model.OutboxEvent)

	return events, args.Error(1)
}

func (m *mockOutboxRepository) MarkAsPublished(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockOutboxRepository) MarkAsFailed(
	ctx context.Context, id int64, nextAttemptAt time.Time, lastError string,
) error {
	return m.Called(ctx, id, nextAttemptAt, lastError).Error(0)
}

func (m *mockOutboxRepository) MarkAsDeadLettered(ctx context.Context, id int64, lastError string) error {
	return m.Called(ctx, id, lastError).Error(0)
}

func (m *mockOutboxRepository) ReleaseClaim(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockOutboxRepository) CountPending(ctx context.Context) (int64, error) {
	args := m.Called(ctx)

	return args.Get(0).(int64), args.Error(1)
}

// fakeTransactionManager runs fn directly and records whether the unit of work failed.
type fakeTransactionManager struct {
	calls      int
	rolledBack bool
}

func (f *fakeTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++

	if err := fn(ctx); err != nil {
		f.rolledBack = true
		return err
	}

	return nil
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Publish(
	ctx context.Context, topic string, message []byte, attributes map[string]string,
) (string, error) {
	args := m.Called(ctx, topic, message, attributes)

	return args.String(0), args.Error(1)
}

type mockOutboxService struct {
	mock.Mock
}

func (m *mockOutboxService) ProcessPendingEvents(ctx context.Context, limit int) (*model.DispatchResult, error) {
	args := m.Called(ctx, limit)
	result, _ := args.Get(0).(*model.DispatchResult)

	return result, args.Error(1)
}
