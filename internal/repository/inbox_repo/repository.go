package inbox_repo

import (
	"context"
	"time"

	"orderbus/internal/domain"
)

type InboxRepository interface {
	// Receive records a delivery and locks the row until the transaction ends.
	Receive(ctx context.Context, q domain.Querier, messageID, consumer string) (*domain.InboxMessage, error)
	Get(ctx context.Context, q domain.Querier, messageID, consumer string) (*domain.InboxMessage, error)
	MarkConsumed(ctx context.Context, q domain.Querier, messageID, consumer string) error
	RecordFailure(ctx context.Context, q domain.Querier, messageID, consumer, lastError string) error
	DeleteConsumedBefore(ctx context.Context, q domain.Querier, olderThan time.Duration, limit int) (int64, error)
}
