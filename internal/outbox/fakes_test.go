package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"orderbus/internal/domain"
	"orderbus/internal/messaging"
)

type fakeTx struct{}

func (fakeTx) ExecContext(context.Context, string, ...any) (sql.Result, error)  { return nil, nil }
func (fakeTx) QueryContext(context.Context, string, ...any) (*sql.Rows, error) { return nil, nil }
func (fakeTx) QueryRowContext(context.Context, string, ...any) *sql.Row        { return nil }
func (fakeTx) Commit() error                                                   { return nil }
func (fakeTx) Rollback() error                                                 { return nil }

// memOutbox mimics the SQL semantics of the postgres outbox repository: a
// claim is atomic and never hands the same row to two tokens while the
// claim is live.
type memOutbox struct {
	mu   sync.Mutex
	rows map[string]*domain.OutboxMessage
	seq  int64
	// renewErr fails RenewClaim for the given row ids
	renewErr map[string]error
}

func newMemOutbox() *memOutbox {
	return &memOutbox{rows: make(map[string]*domain.OutboxMessage), renewErr: make(map[string]error)}
}

func (m *memOutbox) Insert(_ context.Context, _ domain.Querier, msg *domain.OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[msg.ID]; ok {
		return fmt.Errorf("outbox message %s: %w", msg.ID, domain.ErrDuplicateMessage)
	}
	m.seq++
	now := time.Now()
	msg.SequenceNumber = m.seq
	msg.Status = domain.OutboxStatusPending
	msg.CreatedAt = now
	msg.NextAttemptAt = now
	cp := *msg
	m.rows[msg.ID] = &cp
	return nil
}

func (m *memOutbox) ClaimBatch(_ context.Context, _ domain.Querier, partition int, token string, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var due []*domain.OutboxMessage
	for _, r := range m.rows {
		if r.Partition != partition {
			continue
		}
		pending := r.Status == domain.OutboxStatusPending && !r.NextAttemptAt.After(now)
		expired := r.Status == domain.OutboxStatusSending && r.LockExpiresAt != nil && r.LockExpiresAt.Before(now)
		if pending || expired {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].SequenceNumber < due[j].SequenceNumber
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.OutboxMessage, 0, len(due))
	for _, r := range due {
		tok := token
		exp := now.Add(lease)
		r.Status = domain.OutboxStatusSending
		r.LockToken = &tok
		r.LockExpiresAt = &exp
		r.Attempts++
		out = append(out, *r)
	}
	return out, nil
}

func (m *memOutbox) GetStatus(_ context.Context, _ domain.Querier, id string) (domain.OutboxMessageStatus, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok {
		return "", "", domain.ErrMessageNotFound
	}
	token := ""
	if r.LockToken != nil {
		token = *r.LockToken
	}
	return r.Status, token, nil
}

func (m *memOutbox) RenewClaim(_ context.Context, _ domain.Querier, id, token string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.renewErr[id]; err != nil {
		return false, err
	}
	now := time.Now()
	r, ok := m.rows[id]
	if !ok || r.Status != domain.OutboxStatusSending || r.LockToken == nil || *r.LockToken != token {
		return false, nil
	}
	if r.LockExpiresAt == nil || !r.LockExpiresAt.After(now) {
		return false, nil
	}
	exp := now.Add(lease)
	r.LockExpiresAt = &exp
	return true, nil
}

func (m *memOutbox) MarkDelivered(_ context.Context, _ domain.Querier, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok {
		return false, domain.ErrMessageNotFound
	}
	if r.Status == domain.OutboxStatusDelivered {
		return false, nil
	}
	now := time.Now()
	r.Status = domain.OutboxStatusDelivered
	r.DeliveredAt = &now
	r.LockToken = nil
	r.LockExpiresAt = nil
	return true, nil
}

func (m *memOutbox) Release(_ context.Context, _ domain.Querier, id, token string, retryIn time.Duration, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok || r.Status != domain.OutboxStatusSending || r.LockToken == nil || *r.LockToken != token {
		return domain.ErrLeaseLost
	}
	r.Status = domain.OutboxStatusPending
	r.LockToken = nil
	r.LockExpiresAt = nil
	r.NextAttemptAt = time.Now().Add(retryIn)
	r.LastError = lastError
	return nil
}

func (m *memOutbox) DeleteDeliveredBefore(_ context.Context, _ domain.Querier, olderThan time.Duration, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var deleted int64
	for id, r := range m.rows {
		if int(deleted) == limit {
			break
		}
		if r.Status == domain.OutboxStatusDelivered && r.DeliveredAt.Before(cutoff) {
			delete(m.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memOutbox) CountByStatus(context.Context, domain.Querier) (domain.OutboxStatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c domain.OutboxStatusCounts
	for _, r := range m.rows {
		switch r.Status {
		case domain.OutboxStatusPending:
			c.Pending++
		case domain.OutboxStatusSending:
			c.Sending++
		case domain.OutboxStatusDelivered:
			c.Delivered++
		}
	}
	return c, nil
}

func (m *memOutbox) get(id string) domain.OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memOutbox) set(id string, fn func(r *domain.OutboxMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.rows[id])
}

type memLeases struct {
	mu     sync.Mutex
	leases map[string]*domain.Lease
	// grantAll disables exclusivity so row claims alone are exercised
	grantAll bool
}

func newMemLeases() *memLeases {
	return &memLeases{leases: make(map[string]*domain.Lease)}
}

func (m *memLeases) TryAcquire(_ context.Context, _ domain.Querier, name, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.grantAll {
		return true, nil
	}
	now := time.Now()
	l, ok := m.leases[name]
	if !ok {
		l = &domain.Lease{Name: name}
		m.leases[name] = l
	}
	free := l.LockToken == nil || l.LockExpiresAt == nil || l.LockExpiresAt.Before(now)
	if !free && *l.LockToken != token {
		return false, nil
	}
	tok := token
	exp := now.Add(ttl)
	l.LockToken = &tok
	l.LockExpiresAt = &exp
	return true, nil
}

func (m *memLeases) Release(_ context.Context, _ domain.Querier, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[name]; ok && l.LockToken != nil && *l.LockToken == token {
		l.LockToken = nil
		l.LockExpiresAt = nil
	}
	return nil
}

func (m *memLeases) Advance(_ context.Context, _ domain.Querier, name, token string, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.grantAll {
		return nil
	}
	l, ok := m.leases[name]
	if !ok || l.LockToken == nil || *l.LockToken != token {
		return domain.ErrLeaseLost
	}
	if sequence > l.LastSequence {
		l.LastSequence = sequence
	}
	return nil
}

func (m *memLeases) Get(_ context.Context, _ domain.Querier, name string) (*domain.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[name]
	if !ok {
		return nil, domain.ErrLeaseNotFound
	}
	cp := *l
	return &cp, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []messaging.Message
	counts    map[string]int
	err       error
	failIDs   map[string]bool
	onPublish func(msg messaging.Message)
	delay     time.Duration
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{counts: make(map[string]int), failIDs: make(map[string]bool)}
}

func (p *recordingPublisher) Publish(_ context.Context, msg messaging.Message) error {
	if p.onPublish != nil {
		p.onPublish(msg)
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if p.failIDs[msg.ID] {
		return fmt.Errorf("nack for %s", msg.ID)
	}
	p.published = append(p.published, msg)
	p.counts[msg.ID]++
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, len(p.published))
	for i, m := range p.published {
		ids[i] = m.ID
	}
	return ids
}
