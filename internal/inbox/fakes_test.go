package inbox

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"orderbus/internal/domain"
)

type inboxKey struct{ id, consumer string }

// memInbox stands in for the inbox table. Transactions are emulated by
// memTransactor, which serialises them and restores a snapshot on error.
type memInbox struct {
	mu      sync.Mutex
	rows    map[inboxKey]domain.InboxMessage
	failErr error
}

func newMemInbox() *memInbox {
	return &memInbox{rows: make(map[inboxKey]domain.InboxMessage)}
}

func (m *memInbox) Receive(_ context.Context, _ domain.Querier, id, consumer string) (*domain.InboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := inboxKey{id, consumer}
	row, ok := m.rows[k]
	if !ok {
		row = domain.InboxMessage{MessageID: id, Consumer: consumer, ReceivedAt: time.Now()}
	}
	row.DeliveryCount++
	m.rows[k] = row
	return &row, nil
}

func (m *memInbox) Get(_ context.Context, _ domain.Querier, id, consumer string) (*domain.InboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[inboxKey{id, consumer}]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return &row, nil
}

func (m *memInbox) MarkConsumed(_ context.Context, _ domain.Querier, id, consumer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := inboxKey{id, consumer}
	row, ok := m.rows[k]
	if !ok {
		row = domain.InboxMessage{MessageID: id, Consumer: consumer, ReceivedAt: time.Now()}
	}
	if row.ConsumedAt == nil {
		now := time.Now()
		row.ConsumedAt = &now
	}
	row.LastError = ""
	m.rows[k] = row
	return nil
}

func (m *memInbox) RecordFailure(_ context.Context, _ domain.Querier, id, consumer, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	k := inboxKey{id, consumer}
	row, ok := m.rows[k]
	if !ok {
		row = domain.InboxMessage{MessageID: id, Consumer: consumer, ReceivedAt: time.Now()}
	}
	if row.ConsumedAt == nil {
		row.LastError = lastError
	}
	m.rows[k] = row
	return nil
}

func (m *memInbox) DeleteConsumedBefore(_ context.Context, _ domain.Querier, olderThan time.Duration, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var deleted int64
	for k, row := range m.rows {
		if int(deleted) == limit {
			break
		}
		if row.ConsumedAt != nil && row.ConsumedAt.Before(cutoff) {
			delete(m.rows, k)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memInbox) snapshot() map[inboxKey]domain.InboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make(map[inboxKey]domain.InboxMessage, len(m.rows))
	for k, v := range m.rows {
		cp[k] = v
	}
	return cp
}

func (m *memInbox) restore(rows map[inboxKey]domain.InboxMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = rows
}

func (m *memInbox) get(id, consumer string) (domain.InboxMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[inboxKey{id, consumer}]
	return row, ok
}

func (m *memInbox) set(id, consumer string, fn func(row *domain.InboxMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := inboxKey{id, consumer}
	row := m.rows[k]
	fn(&row)
	m.rows[k] = row
}

type memTransactor struct {
	mu    sync.Mutex
	inbox *memInbox
	txs   int
}

func (t *memTransactor) InTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.txs++
	before := t.inbox.snapshot()
	if err := fn(ctx, nil); err != nil {
		t.inbox.restore(before)
		return err
	}
	return nil
}

type memLeases struct {
	mu     sync.Mutex
	holder map[string]string
	err    error
}

func newMemLeases() *memLeases {
	return &memLeases{holder: make(map[string]string)}
}

func (m *memLeases) TryAcquire(_ context.Context, _ domain.Querier, name, token string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return false, m.err
	}
	if h, ok := m.holder[name]; ok && h != token {
		return false, nil
	}
	m.holder[name] = token
	return true, nil
}

func (m *memLeases) Release(_ context.Context, _ domain.Querier, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder[name] == token {
		delete(m.holder, name)
	}
	return nil
}

func (m *memLeases) Advance(context.Context, domain.Querier, string, string, int64) error {
	return nil
}

func (m *memLeases) Get(_ context.Context, _ domain.Querier, name string) (*domain.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holder[name]
	if !ok {
		return nil, domain.ErrLeaseNotFound
	}
	return &domain.Lease{Name: name, LockToken: &h}, nil
}
