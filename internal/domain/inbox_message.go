package domain

import "time"

// InboxMessage marks a message as seen by a consumer. ConsumedAt set means the
// side effects were committed; nil means processing started but never finished.
type InboxMessage struct {
	MessageID     string
	Consumer      string
	ReceivedAt    time.Time
	ConsumedAt    *time.Time
	DeliveryCount int
	LastError     string
}

func (m *InboxMessage) Consumed() bool {
	return m.ConsumedAt != nil
}
