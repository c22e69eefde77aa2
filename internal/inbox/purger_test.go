package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderbus/internal/domain"
)

func TestPurgeOnce_DeletesOnlyExpiredConsumedEntries(t *testing.T) {
	repo := newMemInbox()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, repo.MarkConsumed(ctx, nil, "old", "orders"))
	repo.set("old", "orders", func(row *domain.InboxMessage) { row.ConsumedAt = &old })
	require.NoError(t, repo.MarkConsumed(ctx, nil, "fresh", "orders"))
	_, err := repo.Receive(ctx, nil, "in-flight", "orders")
	require.NoError(t, err)

	p := NewPurger(fakeQuerier{}, repo, newMemLeases(), 24*time.Hour, time.Minute, zap.NewNop())
	deleted, err := p.PurgeOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	_, ok := repo.get("old", "orders")
	assert.False(t, ok)
	_, ok = repo.get("fresh", "orders")
	assert.True(t, ok)
	_, ok = repo.get("in-flight", "orders")
	assert.True(t, ok, "unconsumed entries are never purged")
}

func TestPurgeOnce_SkipsWithoutLease(t *testing.T) {
	repo := newMemInbox()
	leases := newMemLeases()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, repo.MarkConsumed(context.Background(), nil, "old", "orders"))
	repo.set("old", "orders", func(row *domain.InboxMessage) { row.ConsumedAt = &old })

	holder := NewPurger(fakeQuerier{}, repo, leases, 24*time.Hour, time.Minute, zap.NewNop())
	other := NewPurger(fakeQuerier{}, repo, leases, 24*time.Hour, time.Minute, zap.NewNop())

	_, err := leases.TryAcquire(context.Background(), nil, PurgeLeaseName, holder.token, time.Minute)
	require.NoError(t, err)

	deleted, err := other.PurgeOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = holder.PurgeOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestPurgeOnce_LeaseError(t *testing.T) {
	leases := newMemLeases()
	leases.err = errors.New("db down")

	p := NewPurger(fakeQuerier{}, newMemInbox(), leases, time.Hour, time.Minute, zap.NewNop())
	_, err := p.PurgeOnce(context.Background())

	assert.EqualError(t, err, "db down")
}

func TestPurger_RunReleasesLease(t *testing.T) {
	leases := newMemLeases()
	p := NewPurger(fakeQuerier{}, newMemInbox(), leases, time.Hour, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := leases.Get(context.Background(), nil, PurgeLeaseName)
		return err == nil
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	_, err := leases.Get(context.Background(), nil, PurgeLeaseName)
	assert.ErrorIs(t, err, domain.ErrLeaseNotFound)
}
