package domain

import "time"

type OutboxMessageStatus string

const (
	OutboxStatusPending   OutboxMessageStatus = "PENDING"
	OutboxStatusSending   OutboxMessageStatus = "SENDING"
	OutboxStatusDelivered OutboxMessageStatus = "DELIVERED"
)

// OutboxMessage is a row written in the same transaction as the business
// change it announces and relayed to the broker by the dispatcher.
type OutboxMessage struct {
	ID             string
	SequenceNumber int64
	Partition      int
	Destination    string
	RoutingKey     string
	ContentType    string
	Headers        map[string]string
	Payload        []byte
	Status         OutboxMessageStatus
	Attempts       int
	NextAttemptAt  time.Time
	LockToken      *string
	LockExpiresAt  *time.Time
	LastError      string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}

type OutboxStatusCounts struct {
	Pending   int64
	Sending   int64
	Delivered int64
}

func (c OutboxStatusCounts) Total() int64 {
	return c.Pending + c.Sending + c.Delivered
}
