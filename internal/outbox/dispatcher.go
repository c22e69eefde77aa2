package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"orderbus/internal/domain"
	"orderbus/internal/messaging"
	"orderbus/internal/repository/lease_repo"
	"orderbus/internal/repository/outbox_repo"
	"orderbus/internal/retry"
	"orderbus/internal/util"
)

var ErrDispatcherRunning = errors.New("outbox dispatcher is already running")

type Options struct {
	ID             string
	PollInterval   time.Duration
	BatchSize      int
	Partitions     int
	LeaseTTL       time.Duration
	PublishTimeout time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval:   time.Second,
		BatchSize:      50,
		Partitions:     1,
		LeaseTTL:       30 * time.Second,
		PublishTimeout: 10 * time.Second,
		RetryBase:      time.Second,
		RetryMax:       time.Minute,
	}
}

type DispatchResult struct {
	Claimed           int
	Published         int
	Failed            int
	Skipped           int
	Released          int
	StateUpdateFailed int
	PartitionsBusy    int
}

// Dispatcher relays committed outbox rows to the broker. Each partition is
// guarded by an outbox_state lease and each row by its own claim token. Both
// are renewed before every publish, and PublishTimeout stays below LeaseTTL,
// so a row is never reclaimed while its publish is in flight.
type Dispatcher struct {
	q         domain.Querier
	repo      outbox_repo.OutboxRepository
	leases    lease_repo.LeaseRepository
	publisher messaging.Publisher
	opts      Options
	logger    *zap.Logger

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewDispatcher(
	q domain.Querier,
	repo outbox_repo.OutboxRepository,
	leases lease_repo.LeaseRepository,
	publisher messaging.Publisher,
	opts Options,
	logger *zap.Logger,
) *Dispatcher {
	defaults := DefaultOptions()
	if opts.ID == "" {
		opts.ID = util.GenerateUUID()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.Partitions <= 0 {
		opts.Partitions = defaults.Partitions
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaults.LeaseTTL
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaults.PublishTimeout
	}
	if opts.PublishTimeout >= opts.LeaseTTL {
		opts.PublishTimeout = opts.LeaseTTL / 2
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaults.RetryBase
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = opts.RetryBase
	}

	return &Dispatcher{
		q:         q,
		repo:      repo,
		leases:    leases,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With(zap.String("dispatcher_id", opts.ID)),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (d *Dispatcher) ID() string {
	return d.opts.ID
}

// Run polls until ctx is cancelled or Stop is called. A pass that is already
// publishing finishes its current message before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrDispatcherRunning
	}
	defer close(d.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	d.logger.Info("Starting outbox dispatcher",
		zap.Duration("poll_interval", d.opts.PollInterval),
		zap.Int("batch_size", d.opts.BatchSize),
		zap.Int("partitions", d.opts.Partitions))

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.dispatchAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			d.releaseLeases()
			d.logger.Info("Outbox dispatcher stopped")
			return nil
		case <-ticker.C:
			d.dispatchAndLog(ctx)
		}
	}
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
}

// Shutdown stops the loop and waits for it to exit or for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.Stop()
	if !d.running.Load() {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) dispatchAndLog(ctx context.Context) {
	res, err := d.DispatchOnce(ctx)
	if err != nil {
		d.logger.Error("Outbox dispatch pass finished with errors", zap.Error(err))
	}
	if res.Claimed == 0 && res.Released == 0 {
		d.logger.Debug("No pending outbox messages found")
		return
	}
	d.logger.Info("Outbox dispatch pass completed",
		zap.Int("claimed", res.Claimed),
		zap.Int("published", res.Published),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("released", res.Released),
		zap.Int("state_update_failed", res.StateUpdateFailed))
}

// DispatchOnce runs a single pass over every partition. ctx cancellation stops
// the pass between messages; a message already being published completes.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult
	var errs error

	for p := 0; p < d.opts.Partitions; p++ {
		if ctx.Err() != nil {
			break
		}
		if err := d.dispatchPartition(ctx, p, &res); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("partition %d: %w", p, err))
		}
	}
	return res, errs
}

func (d *Dispatcher) dispatchPartition(ctx context.Context, partition int, res *DispatchResult) error {
	work := context.WithoutCancel(ctx)
	lease := leaseName(partition)

	acquired, err := d.leases.TryAcquire(ctx, d.q, lease, d.opts.ID, d.opts.LeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		res.PartitionsBusy++
		d.logger.Debug("Outbox partition is leased by another dispatcher", zap.String("lease", lease))
		return nil
	}

	messages, err := d.repo.ClaimBatch(ctx, d.q, partition, d.opts.ID, d.opts.BatchSize, d.opts.LeaseTTL)
	if err != nil {
		return err
	}
	res.Claimed += len(messages)

	for i := range messages {
		if ctx.Err() != nil {
			d.releaseRemaining(work, messages[i:], "dispatcher stopping", res)
			return nil
		}

		held, err := d.leases.TryAcquire(work, d.q, lease, d.opts.ID, d.opts.LeaseTTL)
		if err != nil {
			d.releaseRemaining(work, messages[i:], "partition lease renewal failed", res)
			return fmt.Errorf("renew partition lease: %w", err)
		}
		if !held {
			d.logger.Warn("Outbox partition lease lost mid-batch, releasing the rest", zap.String("lease", lease))
			d.releaseRemaining(work, messages[i:], "partition lease lost", res)
			return nil
		}

		published, err := d.dispatchMessage(work, lease, &messages[i], res)
		if err != nil {
			d.releaseRemaining(work, messages[i:], "claim renewal failed", res)
			return err
		}
		if !published {
			// keep creation order: do not publish later rows past a failed one
			d.releaseRemaining(work, messages[i+1:], "earlier message in batch failed", res)
			return nil
		}
	}
	return nil
}

// dispatchMessage renews the row claim and publishes. It reports false when
// the publish failed, in which case the row is already released with backoff.
// An error means the claim could not be checked and the row is untouched.
func (d *Dispatcher) dispatchMessage(ctx context.Context, lease string, msg *domain.OutboxMessage, res *DispatchResult) (bool, error) {
	log := d.logger.With(zap.String("message_id", msg.ID), zap.Int("attempt", msg.Attempts))

	// the renewed claim outlives PublishTimeout, so nobody can reclaim the row mid-publish
	renewed, err := d.repo.RenewClaim(ctx, d.q, msg.ID, d.opts.ID, d.opts.LeaseTTL)
	if err != nil {
		log.Error("Failed to renew outbox message claim before publishing", zap.Error(err))
		return false, fmt.Errorf("renew claim on %s: %w", msg.ID, err)
	}
	if !renewed {
		res.Skipped++
		status, token, err := d.repo.GetStatus(ctx, d.q, msg.ID)
		switch {
		case err != nil:
			log.Warn("Outbox message claim lost, skipping", zap.Error(err))
		case status == domain.OutboxStatusDelivered:
			log.Info("Outbox message already delivered within duplicate window, skipping")
		default:
			log.Warn("Outbox message claim expired or was taken over, skipping",
				zap.String("status", string(status)),
				zap.String("holder", token))
		}
		return true, nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.opts.PublishTimeout)
	err = d.publisher.Publish(pubCtx, toBrokerMessage(msg))
	cancel()

	if err != nil {
		res.Failed++
		delay := d.retryDelay(msg.Attempts)
		log.Error("Failed to publish outbox message",
			zap.String("destination", msg.Destination),
			zap.String("routing_key", msg.RoutingKey),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		if relErr := d.repo.Release(ctx, d.q, msg.ID, d.opts.ID, delay, err.Error()); relErr != nil {
			res.StateUpdateFailed++
			log.Error("Failed to release outbox message after publish failure", zap.Error(relErr))
		}
		return false, nil
	}

	changed, err := d.repo.MarkDelivered(ctx, d.q, msg.ID)
	if err != nil {
		// the claim expires and the row is resent; the inbox absorbs the duplicate
		res.StateUpdateFailed++
		log.Error("Message published but marking it delivered failed", zap.Error(err))
		return true, nil
	}
	res.Published++
	if !changed {
		log.Warn("Outbox message was already marked delivered")
	}

	if err := d.leases.Advance(ctx, d.q, lease, d.opts.ID, msg.SequenceNumber); err != nil {
		log.Warn("Failed to advance outbox partition position", zap.String("lease", lease), zap.Error(err))
	}

	log.Info("Outbox message published",
		zap.String("destination", msg.Destination),
		zap.String("routing_key", msg.RoutingKey))
	return true, nil
}

func (d *Dispatcher) releaseRemaining(ctx context.Context, messages []domain.OutboxMessage, reason string, res *DispatchResult) {
	for _, msg := range messages {
		if err := d.repo.Release(ctx, d.q, msg.ID, d.opts.ID, 0, reason); err != nil {
			res.StateUpdateFailed++
			d.logger.Warn("Failed to release claimed outbox message", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		res.Released++
	}
}

func (d *Dispatcher) releaseLeases() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for p := 0; p < d.opts.Partitions; p++ {
		if err := d.leases.Release(ctx, d.q, leaseName(p), d.opts.ID); err != nil {
			d.logger.Warn("Failed to release outbox partition lease", zap.Int("partition", p), zap.Error(err))
		}
	}
}

func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	return retry.EqualJitter(retry.CappedDelay(d.opts.RetryBase, d.opts.RetryMax, attempts-1))
}

func leaseName(partition int) string {
	return fmt.Sprintf("outbox-partition-%d", partition)
}

func toBrokerMessage(msg *domain.OutboxMessage) messaging.Message {
	return messaging.Message{
		ID:          msg.ID,
		Destination: msg.Destination,
		RoutingKey:  msg.RoutingKey,
		ContentType: msg.ContentType,
		Headers:     msg.Headers,
		Body:        msg.Payload,
		Timestamp:   msg.CreatedAt,
	}
}
