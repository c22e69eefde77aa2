package kafka_infra

import (
	"context"
	"fmt"
	"time"

	"orderbus/internal/messaging"
)

const DeadLetterSuffix = ".dlq"

func DeadLetterTopic(topic string) string {
	return topic + DeadLetterSuffix
}

// DeadLetterProducer writes failed deliveries to <topic>.dlq with the failure
// headers attached.
type DeadLetterProducer struct {
	writer messageWriter
	now    func() time.Time
}

func NewDeadLetterProducer(p *Producer) *DeadLetterProducer {
	return &DeadLetterProducer{writer: p.writer, now: time.Now}
}

func (p *DeadLetterProducer) DeadLetter(ctx context.Context, d messaging.Delivery, cause error) error {
	failedAt := p.now()
	msg := toKafkaMessage(messaging.Message{
		ID:          d.ID,
		Destination: DeadLetterTopic(d.Source),
		RoutingKey:  d.RoutingKey,
		ContentType: d.ContentType,
		Headers:     messaging.DeadLetterHeaders(d, cause, failedAt),
		Body:        d.Body,
		Timestamp:   failedAt,
	})

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("failed to write message %s to %s: %w", d.ID, msg.Topic, err)
	}
	return nil
}
