package lease_repo

import (
	"context"
	"time"

	"orderbus/internal/domain"
)

// Lease tables share one layout.
const (
	TableOutboxState = "outbox_state"
	TableInboxState  = "inbox_state"
)

type LeaseRepository interface {
	TryAcquire(ctx context.Context, q domain.Querier, name, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, q domain.Querier, name, token string) error
	Advance(ctx context.Context, q domain.Querier, name, token string, sequence int64) error
	Get(ctx context.Context, q domain.Querier, name string) (*domain.Lease, error)
}
