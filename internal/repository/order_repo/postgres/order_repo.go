package postgres

import (
	"context"
	"fmt"

	"orderbus/internal/domain"
	"orderbus/internal/infrastructure/database"
)

type OrderRepository struct{}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{}
}

func (r *OrderRepository) Create(ctx context.Context, q domain.Querier, order *domain.Order) error {
	query := `INSERT INTO orders (id, product_name, quantity, status, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := q.ExecContext(ctx, query, order.ID, order.ProductName, order.Quantity, order.Status, order.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", order.ID, domain.ErrDuplicateMessage)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (r *OrderRepository) RecordProcessed(ctx context.Context, q domain.Querier, event domain.OrderSubmitted, messageID string) (bool, error) {
	query := `
		INSERT INTO processed_orders (order_id, message_id, product_name, quantity, processed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (order_id) DO NOTHING
	`
	res, err := q.ExecContext(ctx, query, event.OrderID, messageID, event.ProductName, event.Quantity)
	if err != nil {
		return false, fmt.Errorf("failed to record processed order %s: %w", event.OrderID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for processed order: %w", err)
	}
	return rowsAffected == 1, nil
}
