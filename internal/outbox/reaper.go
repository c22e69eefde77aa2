package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orderbus/internal/domain"
	"orderbus/internal/repository/outbox_repo"
)

const reapBatchSize = 500

// Reaper deletes delivered rows once they fall out of the duplicate window.
type Reaper struct {
	q        domain.Querier
	repo     outbox_repo.OutboxRepository
	window   time.Duration
	interval time.Duration
	logger   *zap.Logger
}

func NewReaper(q domain.Querier, repo outbox_repo.OutboxRepository, window time.Duration, logger *zap.Logger) *Reaper {
	interval := window / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Reaper{q: q, repo: repo, window: window, interval: interval, logger: logger}
}

func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("Starting outbox reaper", zap.Duration("duplicate_window", r.window), zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Failed to reap delivered outbox messages", zap.Error(err))
			}
		}
	}
}

// ReapOnce deletes every expired delivered row, in batches.
func (r *Reaper) ReapOnce(ctx context.Context) (int64, error) {
	var total int64
	for {
		deleted, err := r.repo.DeleteDeliveredBefore(ctx, r.q, r.window, reapBatchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < reapBatchSize || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		r.logger.Info("Reaped delivered outbox messages", zap.Int64("deleted", total))
	}
	return total, nil
}
