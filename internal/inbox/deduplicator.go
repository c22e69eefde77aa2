package inbox

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"orderbus/internal/domain"
	"orderbus/internal/repository/inbox_repo"
)

var ErrEmptyMessageID = errors.New("inbox message id is required")

type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error
}

// Deduplicator makes a consumer's side effects happen once per message id.
// Entries are keyed by (message id, consumer), so each consumer tracks its
// own deliveries.
type Deduplicator struct {
	tx       Transactor
	q        domain.Querier
	repo     inbox_repo.InboxRepository
	consumer string
	logger   *zap.Logger
}

// NewDeduplicator wires the inbox for one consumer. q is used outside of
// Process transactions, for bookkeeping such as failure notes.
func NewDeduplicator(tx Transactor, q domain.Querier, repo inbox_repo.InboxRepository, consumer string, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{
		tx:       tx,
		q:        q,
		repo:     repo,
		consumer: consumer,
		logger:   logger.With(zap.String("consumer", consumer)),
	}
}

func (d *Deduplicator) Consumer() string {
	return d.consumer
}

func (d *Deduplicator) AlreadyProcessed(ctx context.Context, q domain.Querier, messageID string) (bool, error) {
	msg, err := d.repo.Get(ctx, q, messageID, d.consumer)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return false, nil
		}
		return false, err
	}
	return msg.Consumed(), nil
}

// RecordProcessed marks messageID consumed within the caller's transaction.
func (d *Deduplicator) RecordProcessed(ctx context.Context, q domain.Querier, messageID string) error {
	return d.repo.MarkConsumed(ctx, q, messageID, d.consumer)
}

// Process runs fn at most once per message id. The inbox row is locked for
// the whole transaction, so a concurrent redelivery waits and then sees it
// consumed. processed is false when the message had already been handled.
// If fn fails nothing is committed and its error is returned.
func (d *Deduplicator) Process(ctx context.Context, messageID string, fn func(ctx context.Context, tx *sql.Tx) error) (bool, error) {
	if messageID == "" {
		return false, ErrEmptyMessageID
	}

	var processed bool
	err := d.tx.InTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		processed = false

		entry, err := d.repo.Receive(ctx, tx, messageID, d.consumer)
		if err != nil {
			return err
		}
		if entry.Consumed() {
			d.logger.Info("Duplicate message ignored",
				zap.String("message_id", messageID),
				zap.Int("delivery_count", entry.DeliveryCount),
				zap.Timep("consumed_at", entry.ConsumedAt))
			return nil
		}

		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := d.RecordProcessed(ctx, tx, messageID); err != nil {
			return err
		}
		processed = true
		return nil
	})
	if err != nil {
		d.noteFailure(ctx, messageID, err)
		return false, err
	}
	return processed, nil
}

func (d *Deduplicator) noteFailure(ctx context.Context, messageID string, cause error) {
	if d.q == nil || ctx.Err() != nil {
		return
	}
	if err := d.repo.RecordFailure(ctx, d.q, messageID, d.consumer, cause.Error()); err != nil {
		d.logger.Warn("Failed to record inbox failure", zap.String("message_id", messageID), zap.Error(err))
	}
}
