package inbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orderbus/internal/domain"
	"orderbus/internal/repository/inbox_repo"
	"orderbus/internal/repository/lease_repo"
	"orderbus/internal/util"
)

const (
	PurgeLeaseName = "inbox-purge"
	purgeBatchSize = 500
)

// Purger removes consumed inbox entries older than the retention period. Only
// the holder of the inbox-purge lease deletes, so replicas do not contend.
// Retention must outlast the broker's longest redelivery delay, otherwise a
// late duplicate is no longer recognised.
type Purger struct {
	q         domain.Querier
	repo      inbox_repo.InboxRepository
	leases    lease_repo.LeaseRepository
	retention time.Duration
	interval  time.Duration
	token     string
	logger    *zap.Logger
}

func NewPurger(q domain.Querier, repo inbox_repo.InboxRepository, leases lease_repo.LeaseRepository, retention, interval time.Duration, logger *zap.Logger) *Purger {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Purger{
		q:         q,
		repo:      repo,
		leases:    leases,
		retention: retention,
		interval:  interval,
		token:     util.GenerateUUID(),
		logger:    logger,
	}
}

func (p *Purger) Run(ctx context.Context) {
	p.logger.Info("Starting inbox purger", zap.Duration("retention", p.retention), zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.leases.Release(releaseCtx, p.q, PurgeLeaseName, p.token); err != nil {
				p.logger.Warn("Failed to release inbox purge lease", zap.Error(err))
			}
			cancel()
			p.logger.Info("Inbox purger stopped")
			return
		case <-ticker.C:
			if _, err := p.PurgeOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Failed to purge inbox", zap.Error(err))
			}
		}
	}
}

// PurgeOnce deletes expired entries if this purger holds the lease. It
// returns the number of deleted rows.
func (p *Purger) PurgeOnce(ctx context.Context) (int64, error) {
	acquired, err := p.leases.TryAcquire(ctx, p.q, PurgeLeaseName, p.token, 2*p.interval)
	if err != nil {
		return 0, err
	}
	if !acquired {
		p.logger.Debug("Inbox purge lease held elsewhere")
		return 0, nil
	}

	var total int64
	for {
		deleted, err := p.repo.DeleteConsumedBefore(ctx, p.q, p.retention, purgeBatchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < purgeBatchSize || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		p.logger.Info("Purged consumed inbox messages", zap.Int64("deleted", total))
	}
	return total, nil
}
