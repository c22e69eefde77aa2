package order_repo

import (
	"context"

	"orderbus/internal/domain"
)

type OrderRepository interface {
	Create(ctx context.Context, q domain.Querier, order *domain.Order) error
	// RecordProcessed stores the consumer-side effect of an OrderSubmitted
	// event. It reports false if the order was already recorded.
	RecordProcessed(ctx context.Context, q domain.Querier, event domain.OrderSubmitted, messageID string) (bool, error)
}
