package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"orderbus/internal/messaging"
)

// ConsumeChannel is the subset of *amqp.Channel used by Consumer.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

type Consumer struct {
	ch       ConsumeChannel
	queue    string
	tag      string
	prefetch int
	logger   *zap.Logger
}

func NewConsumer(ch ConsumeChannel, queue, tag string, prefetch int, logger *zap.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		ch:       ch,
		queue:    queue,
		tag:      tag,
		prefetch: prefetch,
		logger:   logger.With(zap.String("queue", queue)),
	}
}

// Run delivers messages to handler until ctx is cancelled or the channel
// closes. A nil handler result acks; an error rejects the delivery without
// requeue so the queue's dead-letter exchange receives it. Deliveries
// interrupted by shutdown are requeued.
func (c *Consumer) Run(ctx context.Context, handler messaging.Handler) error {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch on %s: %w", c.queue, err)
	}
	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", c.queue, err)
	}

	c.logger.Info("RabbitMQ consumer started", zap.Int("prefetch", c.prefetch))

	for {
		select {
		case <-ctx.Done():
			if err := c.ch.Cancel(c.tag, false); err != nil {
				c.logger.Warn("Failed to cancel RabbitMQ consumer", zap.Error(err))
			}
			c.logger.Info("RabbitMQ consumer stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("consuming %s: %w", c.queue, ErrChannelClosed)
			}
			c.handle(ctx, d, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, handler messaging.Handler) {
	delivery := c.toDelivery(d)
	log := c.logger.With(
		zap.String("message_id", delivery.ID),
		zap.Uint64("delivery_tag", d.DeliveryTag),
		zap.Bool("redelivered", d.Redelivered))

	err := handler(ctx, delivery)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("Failed to ack message", zap.Error(ackErr))
		}
	case ctx.Err() != nil:
		log.Info("Shutting down mid-delivery, requeueing message", zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error("Failed to requeue message", zap.Error(nackErr))
		}
	default:
		log.Error("Message rejected to dead-letter exchange", zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Error("Failed to reject message", zap.Error(nackErr))
		}
	}
}

func (c *Consumer) toDelivery(d amqp.Delivery) messaging.Delivery {
	headers := fromTable(d.Headers)
	id := d.MessageId
	if id == "" {
		id = headers[messaging.HeaderMessageID]
	}
	return messaging.Delivery{
		Message: messaging.Message{
			ID:          id,
			Destination: d.Exchange,
			RoutingKey:  d.RoutingKey,
			ContentType: d.ContentType,
			Headers:     headers,
			Body:        d.Body,
			Timestamp:   d.Timestamp,
		},
		Source:      c.queue,
		Redelivered: d.Redelivered,
	}
}

func fromTable(t amqp.Table) map[string]string {
	headers := make(map[string]string, len(t))
	for k, v := range t {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}
