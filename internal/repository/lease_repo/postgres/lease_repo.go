package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orderbus/internal/domain"
	"orderbus/internal/repository/lease_repo"
)

type LeaseRepository struct {
	table string
}

func NewLeaseRepository(table string) (*LeaseRepository, error) {
	switch table {
	case lease_repo.TableOutboxState, lease_repo.TableInboxState:
		return &LeaseRepository{table: table}, nil
	default:
		return nil, fmt.Errorf("unknown lease table %q", table)
	}
}

// TryAcquire takes the named lease when it is free, expired or already held
// under token (which renews it).
func (r *LeaseRepository) TryAcquire(ctx context.Context, q domain.Querier, name, token string, ttl time.Duration) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (name, lock_token, lock_expires_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now())
		ON CONFLICT (name) DO UPDATE
		SET lock_token = EXCLUDED.lock_token,
		    lock_expires_at = EXCLUDED.lock_expires_at,
		    updated_at = now()
		WHERE %[1]s.lock_token IS NULL
		   OR %[1]s.lock_expires_at < now()
		   OR %[1]s.lock_token = EXCLUDED.lock_token
		RETURNING name
	`, r.table)

	var acquired string
	err := q.QueryRowContext(ctx, query, name, token, ttl.Milliseconds()).Scan(&acquired)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return true, nil
}

func (r *LeaseRepository) Release(ctx context.Context, q domain.Querier, name, token string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET lock_token = NULL, lock_expires_at = NULL, updated_at = now()
		WHERE name = $1 AND lock_token = $2
	`, r.table)
	if _, err := q.ExecContext(ctx, query, name, token); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// Advance moves last_sequence forward while the caller still holds the lease.
func (r *LeaseRepository) Advance(ctx context.Context, q domain.Querier, name, token string, sequence int64) error {
	query := fmt.Sprintf(`
		UPDATE %s SET last_sequence = GREATEST(last_sequence, $3), updated_at = now()
		WHERE name = $1 AND lock_token = $2
	`, r.table)
	res, err := q.ExecContext(ctx, query, name, token, sequence)
	if err != nil {
		return fmt.Errorf("failed to advance lease %s: %w", name, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for lease advance: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("lease %s: %w", name, domain.ErrLeaseLost)
	}
	return nil
}

func (r *LeaseRepository) Get(ctx context.Context, q domain.Querier, name string) (*domain.Lease, error) {
	query := fmt.Sprintf(`SELECT name, last_sequence, lock_token, lock_expires_at, updated_at FROM %s WHERE name = $1`, r.table)

	lease := &domain.Lease{}
	var token sql.NullString
	var expires sql.NullTime
	err := q.QueryRowContext(ctx, query, name).Scan(&lease.Name, &lease.LastSequence, &token, &expires, &lease.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lease %s: %w", name, domain.ErrLeaseNotFound)
		}
		return nil, fmt.Errorf("failed to get lease %s: %w", name, err)
	}
	if token.Valid {
		lease.LockToken = &token.String
	}
	if expires.Valid {
		lease.LockExpiresAt = &expires.Time
	}
	return lease, nil
}
