// Package messaging holds the broker-neutral contracts shared by the outbox
// dispatcher, the direct publish path and the consumers.
package messaging

import (
	"context"
	"errors"
	"strconv"
	"time"
)

const ContentTypeJSON = "application/json"

var ErrBrokerUnavailable = errors.New("broker unavailable")

// Message is what gets published. Destination is an exchange for RabbitMQ and
// a topic for Kafka.
type Message struct {
	ID          string
	Destination string
	RoutingKey  string
	ContentType string
	Headers     map[string]string
	Body        []byte
	Timestamp   time.Time
}

// Delivery is a received message plus transport metadata.
type Delivery struct {
	Message
	Source      string
	Redelivered bool
	Attempt     int
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type Handler func(ctx context.Context, d Delivery) error

type DeadLetterer interface {
	DeadLetter(ctx context.Context, d Delivery, cause error) error
}

// Dead-letter headers attached to every message routed to a dead-letter destination.
const (
	HeaderExceptionMessage = "x-exception-message"
	HeaderOriginalSource   = "x-original-exchange"
	HeaderOriginalKey      = "x-original-routing-key"
	HeaderRetryAttempts    = "x-retry-attempts"
	HeaderFailedAt         = "x-failed-at"
	HeaderMessageID        = "message-id"
	HeaderContentType      = "content-type"
)

// DeadLetterHeaders copies the delivery headers and adds the failure context.
func DeadLetterHeaders(d Delivery, cause error, failedAt time.Time) map[string]string {
	headers := make(map[string]string, len(d.Headers)+5)
	for k, v := range d.Headers {
		headers[k] = v
	}
	if cause != nil {
		headers[HeaderExceptionMessage] = cause.Error()
	}
	headers[HeaderOriginalSource] = d.Destination
	headers[HeaderOriginalKey] = d.RoutingKey
	headers[HeaderRetryAttempts] = strconv.Itoa(d.Attempt)
	headers[HeaderFailedAt] = failedAt.UTC().Format(time.RFC3339Nano)
	return headers
}
