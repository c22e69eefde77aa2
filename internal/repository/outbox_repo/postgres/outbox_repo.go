package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"orderbus/internal/domain"
)

type OutboxRepository struct{}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{}
}

func (r *OutboxRepository) Insert(ctx context.Context, q domain.Querier, msg *domain.OutboxMessage) error {
	headers, err := encodeHeaders(msg.Headers)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO outbox_messages (id, partition, destination, routing_key, content_type, headers, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
		RETURNING sequence_number, created_at, next_attempt_at
	`
	err = q.QueryRowContext(ctx, query,
		msg.ID,
		msg.Partition,
		msg.Destination,
		msg.RoutingKey,
		msg.ContentType,
		headers,
		msg.Payload,
		domain.OutboxStatusPending,
	).Scan(&msg.SequenceNumber, &msg.CreatedAt, &msg.NextAttemptAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("outbox message %s: %w", msg.ID, domain.ErrDuplicateMessage)
		}
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}
	msg.Status = domain.OutboxStatusPending
	return nil
}

// ClaimBatch moves due rows of one partition to SENDING under token. Pending
// rows whose backoff elapsed and sending rows whose lease expired are both
// eligible; rows locked by a concurrent claim are skipped.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, q domain.Querier, partition int, token string, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	query := `
		WITH due AS (
			SELECT id
			FROM outbox_messages
			WHERE partition = $1
			  AND ((status = $2 AND next_attempt_at <= now())
			    OR (status = $3 AND lock_expires_at < now()))
			ORDER BY created_at ASC, sequence_number ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages o
		SET status = $3,
		    lock_token = $5,
		    lock_expires_at = now() + ($6::bigint * interval '1 millisecond'),
		    attempts = o.attempts + 1
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.sequence_number, o.partition, o.destination, o.routing_key, o.content_type, o.headers, o.payload,
			o.status, o.attempts, o.next_attempt_at, o.lock_token, o.lock_expires_at, o.last_error, o.created_at, o.delivered_at
	`
	rows, err := q.QueryContext(ctx, query,
		partition,
		domain.OutboxStatusPending,
		domain.OutboxStatusSending,
		limit,
		token,
		lease.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.OutboxMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed outbox messages: %w", err)
	}

	// UPDATE ... RETURNING does not preserve the CTE order
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].SequenceNumber < messages[j].SequenceNumber
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (r *OutboxRepository) GetStatus(ctx context.Context, q domain.Querier, id string) (domain.OutboxMessageStatus, string, error) {
	var status domain.OutboxMessageStatus
	var token sql.NullString
	err := q.QueryRowContext(ctx, `SELECT status, lock_token FROM outbox_messages WHERE id = $1`, id).Scan(&status, &token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", fmt.Errorf("outbox message %s: %w", id, domain.ErrMessageNotFound)
		}
		return "", "", fmt.Errorf("failed to get outbox message status: %w", err)
	}
	return status, token.String, nil
}

func (r *OutboxRepository) RenewClaim(ctx context.Context, q domain.Querier, id, token string, lease time.Duration) (bool, error) {
	query := `
		UPDATE outbox_messages
		SET lock_expires_at = now() + ($1::bigint * interval '1 millisecond')
		WHERE id = $2 AND lock_token = $3 AND status = $4 AND lock_expires_at > now()
	`
	res, err := q.ExecContext(ctx, query, lease.Milliseconds(), id, token, domain.OutboxStatusSending)
	if err != nil {
		return false, fmt.Errorf("failed to renew claim on outbox message %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for outbox claim renewal: %w", err)
	}
	return rowsAffected == 1, nil
}

// MarkDelivered records a broker ack. The transition does not check the lock
// token: a late ack from a dispatcher whose lease expired is still a delivery.
// It reports false when the row was already delivered.
func (r *OutboxRepository) MarkDelivered(ctx context.Context, q domain.Querier, id string) (bool, error) {
	query := `
		UPDATE outbox_messages
		SET status = $1, delivered_at = now(), lock_token = NULL, lock_expires_at = NULL, last_error = ''
		WHERE id = $2 AND status <> $1
	`
	res, err := q.ExecContext(ctx, query, domain.OutboxStatusDelivered, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark outbox message %s delivered: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for outbox delivered: %w", err)
	}
	if rowsAffected == 1 {
		return true, nil
	}

	status, _, err := r.GetStatus(ctx, q, id)
	if err != nil {
		return false, err
	}
	if status != domain.OutboxStatusDelivered {
		return false, fmt.Errorf("outbox message %s left in status %s", id, status)
	}
	return false, nil
}

func (r *OutboxRepository) Release(ctx context.Context, q domain.Querier, id, token string, retryIn time.Duration, lastError string) error {
	query := `
		UPDATE outbox_messages
		SET status = $1,
		    lock_token = NULL,
		    lock_expires_at = NULL,
		    next_attempt_at = now() + ($2::bigint * interval '1 millisecond'),
		    last_error = $3
		WHERE id = $4 AND status = $5 AND lock_token = $6
	`
	res, err := q.ExecContext(ctx, query,
		domain.OutboxStatusPending,
		retryIn.Milliseconds(),
		lastError,
		id,
		domain.OutboxStatusSending,
		token,
	)
	if err != nil {
		return fmt.Errorf("failed to release outbox message %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for outbox release: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("outbox message %s: %w", id, domain.ErrLeaseLost)
	}
	return nil
}

func (r *OutboxRepository) DeleteDeliveredBefore(ctx context.Context, q domain.Querier, olderThan time.Duration, limit int) (int64, error) {
	query := `
		DELETE FROM outbox_messages
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = $1 AND delivered_at < now() - ($2::bigint * interval '1 millisecond')
			ORDER BY delivered_at ASC
			LIMIT $3
		)
	`
	res, err := q.ExecContext(ctx, query, domain.OutboxStatusDelivered, olderThan.Milliseconds(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete delivered outbox messages: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for outbox cleanup: %w", err)
	}
	return deleted, nil
}

func (r *OutboxRepository) CountByStatus(ctx context.Context, q domain.Querier) (domain.OutboxStatusCounts, error) {
	var counts domain.OutboxStatusCounts
	rows, err := q.QueryContext(ctx, `SELECT status, count(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("failed to count outbox messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status domain.OutboxMessageStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		switch status {
		case domain.OutboxStatusPending:
			counts.Pending = n
		case domain.OutboxStatusSending:
			counts.Sending = n
		case domain.OutboxStatusDelivered:
			counts.Delivered = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("error iterating outbox counts: %w", err)
	}
	return counts, nil
}

func scanMessage(rows *sql.Rows) (*domain.OutboxMessage, error) {
	msg := &domain.OutboxMessage{}
	var headers []byte
	var lockToken sql.NullString
	var lockExpiresAt, deliveredAt sql.NullTime
	err := rows.Scan(
		&msg.ID,
		&msg.SequenceNumber,
		&msg.Partition,
		&msg.Destination,
		&msg.RoutingKey,
		&msg.ContentType,
		&headers,
		&msg.Payload,
		&msg.Status,
		&msg.Attempts,
		&msg.NextAttemptAt,
		&lockToken,
		&lockExpiresAt,
		&msg.LastError,
		&msg.CreatedAt,
		&deliveredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox message: %w", err)
	}
	if lockToken.Valid {
		msg.LockToken = &lockToken.String
	}
	if lockExpiresAt.Valid {
		msg.LockExpiresAt = &lockExpiresAt.Time
	}
	if deliveredAt.Valid {
		msg.DeliveredAt = &deliveredAt.Time
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &msg.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode headers of outbox message %s: %w", msg.ID, err)
		}
	}
	return msg, nil
}

// encodeHeaders returns a string because lib/pq sends []byte as bytea,
// which jsonb rejects.
func encodeHeaders(headers map[string]string) (string, error) {
	if len(headers) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("failed to encode outbox headers: %w", err)
	}
	return string(b), nil
}
