package outbox_repo

import (
	"context"
	"time"

	"orderbus/internal/domain"
)

type OutboxRepository interface {
	// Insert stores msg unless a row with the same id exists, in which case
	// it returns domain.ErrDuplicateMessage and leaves the transaction usable.
	// A unique violation aborts a Postgres transaction, so implementations must
	// detect the duplicate without raising one (ON CONFLICT DO NOTHING or
	// equivalent).
	Insert(ctx context.Context, q domain.Querier, msg *domain.OutboxMessage) error
	ClaimBatch(ctx context.Context, q domain.Querier, partition int, token string, limit int, lease time.Duration) ([]domain.OutboxMessage, error)
	GetStatus(ctx context.Context, q domain.Querier, id string) (domain.OutboxMessageStatus, string, error)
	// RenewClaim extends a live SENDING claim held by token to now+lease. It
	// reports false when the claim expired, moved to another token or the row
	// is no longer SENDING.
	RenewClaim(ctx context.Context, q domain.Querier, id, token string, lease time.Duration) (bool, error)
	MarkDelivered(ctx context.Context, q domain.Querier, id string) (bool, error)
	Release(ctx context.Context, q domain.Querier, id, token string, retryIn time.Duration, lastError string) error
	DeleteDeliveredBefore(ctx context.Context, q domain.Querier, olderThan time.Duration, limit int) (int64, error)
	CountByStatus(ctx context.Context, q domain.Querier) (domain.OutboxStatusCounts, error)
}
