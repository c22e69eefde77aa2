package rabbitmq

import (
	"context"
	"time"

	"orderbus/internal/messaging"
)

// DeadLetterPublisher routes failed deliveries to the dead-letter exchange,
// keeping the original routing key and adding the failure headers.
type DeadLetterPublisher struct {
	publisher messaging.Publisher
	exchange  string
	now       func() time.Time
}

func NewDeadLetterPublisher(publisher messaging.Publisher, deadLetterExchange string) *DeadLetterPublisher {
	return &DeadLetterPublisher{publisher: publisher, exchange: deadLetterExchange, now: time.Now}
}

func (p *DeadLetterPublisher) DeadLetter(ctx context.Context, d messaging.Delivery, cause error) error {
	failedAt := p.now()
	// completes even if the consumer is shutting down
	ctx = context.WithoutCancel(ctx)
	return p.publisher.Publish(ctx, messaging.Message{
		ID:          d.ID,
		Destination: p.exchange,
		RoutingKey:  d.RoutingKey,
		ContentType: d.ContentType,
		Headers:     messaging.DeadLetterHeaders(d, cause, failedAt),
		Body:        d.Body,
		Timestamp:   failedAt,
	})
}
