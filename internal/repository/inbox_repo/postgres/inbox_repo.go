package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orderbus/internal/domain"
)

type InboxRepository struct{}

func NewInboxRepository() *InboxRepository {
	return &InboxRepository{}
}

func (r *InboxRepository) Receive(ctx context.Context, q domain.Querier, messageID, consumer string) (*domain.InboxMessage, error) {
	query := `
		INSERT INTO inbox_messages (message_id, consumer, received_at, delivery_count)
		VALUES ($1, $2, now(), 1)
		ON CONFLICT (message_id, consumer) DO UPDATE
		SET delivery_count = inbox_messages.delivery_count + 1
		RETURNING message_id, consumer, received_at, consumed_at, delivery_count, last_error
	`
	msg, err := scanInbox(q.QueryRowContext(ctx, query, messageID, consumer))
	if err != nil {
		return nil, fmt.Errorf("failed to record inbox message %s: %w", messageID, err)
	}
	return msg, nil
}

func (r *InboxRepository) Get(ctx context.Context, q domain.Querier, messageID, consumer string) (*domain.InboxMessage, error) {
	query := `
		SELECT message_id, consumer, received_at, consumed_at, delivery_count, last_error
		FROM inbox_messages
		WHERE message_id = $1 AND consumer = $2
	`
	msg, err := scanInbox(q.QueryRowContext(ctx, query, messageID, consumer))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("inbox message %s: %w", messageID, domain.ErrMessageNotFound)
		}
		return nil, fmt.Errorf("failed to get inbox message %s: %w", messageID, err)
	}
	return msg, nil
}

// MarkConsumed is idempotent: the first consumed_at wins.
func (r *InboxRepository) MarkConsumed(ctx context.Context, q domain.Querier, messageID, consumer string) error {
	query := `
		INSERT INTO inbox_messages (message_id, consumer, received_at, consumed_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (message_id, consumer) DO UPDATE
		SET consumed_at = COALESCE(inbox_messages.consumed_at, EXCLUDED.consumed_at), last_error = ''
	`
	if _, err := q.ExecContext(ctx, query, messageID, consumer); err != nil {
		return fmt.Errorf("failed to mark inbox message %s consumed: %w", messageID, err)
	}
	return nil
}

func (r *InboxRepository) RecordFailure(ctx context.Context, q domain.Querier, messageID, consumer, lastError string) error {
	query := `
		INSERT INTO inbox_messages (message_id, consumer, received_at, last_error)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (message_id, consumer) DO UPDATE
		SET last_error = EXCLUDED.last_error
		WHERE inbox_messages.consumed_at IS NULL
	`
	if _, err := q.ExecContext(ctx, query, messageID, consumer, lastError); err != nil {
		return fmt.Errorf("failed to record inbox failure for %s: %w", messageID, err)
	}
	return nil
}

func (r *InboxRepository) DeleteConsumedBefore(ctx context.Context, q domain.Querier, olderThan time.Duration, limit int) (int64, error) {
	query := `
		DELETE FROM inbox_messages
		WHERE (message_id, consumer) IN (
			SELECT message_id, consumer FROM inbox_messages
			WHERE consumed_at IS NOT NULL
			  AND consumed_at < now() - ($1::bigint * interval '1 millisecond')
			ORDER BY consumed_at ASC
			LIMIT $2
		)
	`
	res, err := q.ExecContext(ctx, query, olderThan.Milliseconds(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge inbox messages: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for inbox purge: %w", err)
	}
	return deleted, nil
}

func scanInbox(row *sql.Row) (*domain.InboxMessage, error) {
	msg := &domain.InboxMessage{}
	var consumedAt sql.NullTime
	if err := row.Scan(&msg.MessageID, &msg.Consumer, &msg.ReceivedAt, &consumedAt, &msg.DeliveryCount, &msg.LastError); err != nil {
		return nil, err
	}
	if consumedAt.Valid {
		msg.ConsumedAt = &consumedAt.Time
	}
	return msg, nil
}
