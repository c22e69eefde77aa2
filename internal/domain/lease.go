package domain

import "time"

// Lease is a row of outbox_state or inbox_state.
type Lease struct {
	Name          string
	LastSequence  int64
	LockToken     *string
	LockExpiresAt *time.Time
	UpdatedAt     time.Time
}

func (l *Lease) HeldBy(token string, now time.Time) bool {
	return l.LockToken != nil && *l.LockToken == token && l.LockExpiresAt != nil && l.LockExpiresAt.After(now)
}
