package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"orderbus/internal/retry"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

func IsUniqueViolation(err error) bool {
	var pgErr *pq.Error
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// IsRetryable reports whether the whole transaction can simply be run again.
func IsRetryable(err error) bool {
	var pgErr *pq.Error
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

// RunInTx runs fn in a transaction and commits it. Serialization failures and
// deadlocks restart the transaction according to policy; any other error
// rolls back and is returned.
func RunInTx(ctx context.Context, db TxBeginner, policy retry.Policy, logger *zap.Logger, fn func(ctx context.Context, tx *sql.Tx) error) error {
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		err := runOnce(ctx, db, logger, fn)
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			logger.Warn("Transaction conflict, retrying", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return retry.Permanent(err)
	})

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Err
	}
	return err
}

func runOnce(ctx context.Context, db TxBeginner, logger *zap.Logger, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("Recovered panic in transaction, rolling back", zap.Any("panic", p))
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Error("Failed to roll back transaction", zap.Error(rbErr))
			return fmt.Errorf("rollback failed after error (%w): %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TxManager binds RunInTx to a database and conflict policy so services can
// take a Transactor instead of a raw *sql.DB.
type TxManager struct {
	db     TxBeginner
	policy retry.Policy
	logger *zap.Logger
}

func NewTxManager(db TxBeginner, policy retry.Policy, logger *zap.Logger) *TxManager {
	return &TxManager{db: db, policy: policy, logger: logger}
}

func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return RunInTx(ctx, m.db, m.policy, m.logger, fn)
}

// DefaultConflictPolicy retries serialization failures and deadlocks a few
// times with a short jittered backoff.
func DefaultConflictPolicy() retry.Policy {
	return retry.Exponential(3, 20*time.Millisecond, 500*time.Millisecond)
}
