//go:build integration

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderbus/internal/domain"
	"orderbus/internal/infrastructure/database"
	"orderbus/internal/messaging"
	"orderbus/internal/outbox"
	"orderbus/internal/repository/lease_repo"
	lease_postgres "orderbus/internal/repository/lease_repo/postgres"
	outbox_postgres "orderbus/internal/repository/outbox_repo/postgres"
	"orderbus/internal/retry"
)

type countingPublisher struct {
	mu     sync.Mutex
	counts map[string]int
}

func (p *countingPublisher) Publish(_ context.Context, msg messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[msg.ID]++
	return nil
}

func (p *countingPublisher) Close() error { return nil }

func TestOutbox_EnqueueIsAtomicWithTransaction(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	writer := outbox.NewWriter(outbox_postgres.NewOutboxRepository(), 1, zap.NewNop())

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = writer.Enqueue(ctx, tx, "orders-exchange", []byte(`{"orderId":"rolled-back"}`))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, 0, countRows(t, db, `SELECT count(*) FROM outbox_messages`))

	var id string
	err = database.RunInTx(ctx, db, retry.None(), zap.NewNop(), func(ctx context.Context, tx *sql.Tx) error {
		id, err = writer.Enqueue(ctx, tx, "orders-exchange", []byte(`{"orderId":"committed"}`))
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 1, countRows(t, db, `SELECT count(*) FROM outbox_messages WHERE id = $1 AND status = 'PENDING'`, id))
}

func TestOutbox_DuplicateIDKeepsTransactionUsable(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	writer := outbox.NewWriter(outbox_postgres.NewOutboxRepository(), 1, zap.NewNop())
	env := outbox.Envelope{ID: "order-42-created", Destination: "orders-exchange", Payload: []byte(`{"orderId":"42"}`)}

	err := database.RunInTx(ctx, db, retry.None(), zap.NewNop(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := writer.EnqueueMessage(ctx, tx, env); err != nil {
			return err
		}
		_, err := writer.EnqueueMessage(ctx, tx, env)
		require.ErrorIs(t, err, domain.ErrDuplicateMessage)

		_, err = writer.Enqueue(ctx, tx, "orders-exchange", []byte(`{"orderId":"43"}`))
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 2, countRows(t, db, `SELECT count(*) FROM outbox_messages`))
}

func TestOutbox_RenewClaimOnlyExtendsLiveClaims(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	repo := outbox_postgres.NewOutboxRepository()
	writer := outbox.NewWriter(repo, 1, zap.NewNop())

	var id string
	err := database.RunInTx(ctx, db, retry.None(), zap.NewNop(), func(ctx context.Context, tx *sql.Tx) error {
		var err error
		id, err = writer.Enqueue(ctx, tx, "orders-exchange", []byte(`{"orderId":"renew"}`))
		return err
	})
	require.NoError(t, err)

	claimed, err := repo.ClaimBatch(ctx, db, 0, "dispatcher-a", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	renewed, err := repo.RenewClaim(ctx, db, id, "dispatcher-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed, "another token cannot renew")

	renewed, err = repo.RenewClaim(ctx, db, id, "dispatcher-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	_, err = db.ExecContext(ctx, `UPDATE outbox_messages SET lock_expires_at = now() - interval '1 second' WHERE id = $1`, id)
	require.NoError(t, err)
	renewed, err = repo.RenewClaim(ctx, db, id, "dispatcher-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed, "an expired claim is up for grabs and cannot be renewed")

	reclaimed, err := repo.ClaimBatch(ctx, db, 0, "dispatcher-b", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	_, err = repo.MarkDelivered(ctx, db, id)
	require.NoError(t, err)
	renewed, err = repo.RenewClaim(ctx, db, id, "dispatcher-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed, "delivered rows are not renewed")
}

func TestDispatchers_SendEachRowExactlyOnce(t *testing.T) {
	const (
		rows        = 120
		partitions  = 4
		dispatchers = 5
	)
	db := startPostgres(t)
	ctx := context.Background()

	repo := outbox_postgres.NewOutboxRepository()
	leases, err := lease_postgres.NewLeaseRepository(lease_repo.TableOutboxState)
	require.NoError(t, err)
	writer := outbox.NewWriter(repo, partitions, zap.NewNop())

	for i := 0; i < rows; i++ {
		err := database.RunInTx(ctx, db, retry.None(), zap.NewNop(), func(ctx context.Context, tx *sql.Tx) error {
			_, err := writer.Enqueue(ctx, tx, "orders-exchange", []byte(fmt.Sprintf(`{"n":%d}`, i)))
			return err
		})
		require.NoError(t, err)
	}

	publisher := &countingPublisher{counts: make(map[string]int)}
	opts := outbox.DefaultOptions()
	opts.Partitions = partitions
	opts.BatchSize = 9

	var wg sync.WaitGroup
	deadline := time.Now().Add(time.Minute)
	for i := 0; i < dispatchers; i++ {
		d := outbox.NewDispatcher(db, repo, leases, publisher, opts, zap.NewNop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				if _, err := d.DispatchOnce(ctx); err != nil {
					t.Errorf("dispatch pass failed: %v", err)
					return
				}
				var remaining int
				if err := db.QueryRowContext(ctx, `SELECT count(*) FROM outbox_messages WHERE status <> 'DELIVERED'`).Scan(&remaining); err != nil {
					t.Errorf("count remaining rows: %v", err)
					return
				}
				if remaining == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, rows, countRows(t, db, `SELECT count(*) FROM outbox_messages WHERE status = 'DELIVERED'`))
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	assert.Len(t, publisher.counts, rows)
	for id, n := range publisher.counts {
		assert.Equal(t, 1, n, "message %s published %d times", id, n)
	}
}
