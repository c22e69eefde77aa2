package kafka_infra

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"orderbus/internal/messaging"
	"orderbus/internal/retry"
)

const (
	defaultHandlerTimeout = 2 * time.Minute
	fetchErrorPause       = time.Second
	redeliveryBase        = time.Second
	redeliveryMax         = 30 * time.Second
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads a topic as part of a consumer group and commits an offset
// only after the handler has accepted the message. The handler is expected
// to dead-letter poison messages itself; an error from it means the message
// could not be settled, so it is offered again instead of being skipped.
type Consumer struct {
	reader         messageReader
	topic          string
	groupID        string
	handlerTimeout time.Duration
	logger         *zap.Logger
}

func NewConsumer(brokerURLs []string, groupID, topic string, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:                brokerURLs,
		GroupID:                groupID,
		Topic:                  topic,
		MinBytes:               10e3,
		MaxBytes:               10e6,
		ReadBatchTimeout:       1 * time.Second,
		Logger:                 kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
		HeartbeatInterval:      3 * time.Second,
		PartitionWatchInterval: 5 * time.Second,
		MaxAttempts:            3,
	})
	return &Consumer{
		reader:         reader,
		topic:          topic,
		groupID:        groupID,
		handlerTimeout: defaultHandlerTimeout,
		logger:         logger,
	}
}

func (c *Consumer) Run(ctx context.Context, handler messaging.Handler) error {
	c.logger.Info("Kafka consumer starting", zap.String("topic", c.topic), zap.String("group_id", c.groupID))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Kafka consumer stopping")
				return c.reader.Close()
			}
			c.logger.Error("Failed to fetch message from Kafka", zap.Error(err))
			if err := retry.Sleep(ctx, fetchErrorPause); err != nil {
				return c.reader.Close()
			}
			continue
		}

		if !c.settle(ctx, msg, handler) {
			c.logger.Info("Kafka consumer stopping, offset left uncommitted",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset))
			return c.reader.Close()
		}

		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.logger.Error("Failed to commit offset for Kafka message",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			continue
		}
		c.logger.Debug("Kafka message offset committed",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)
	}
}

// settle runs handler until it succeeds. It reports false if ctx ended first.
func (c *Consumer) settle(ctx context.Context, msg kafka.Message, handler messaging.Handler) bool {
	delivery := toDelivery(msg)
	for redelivery := 0; ; redelivery++ {
		delivery.Redelivered = redelivery > 0

		handlerCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
		err := handler(handlerCtx, delivery)
		cancel()
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		delay := retry.CappedDelay(redeliveryBase, redeliveryMax, redelivery)
		c.logger.Error("Error handling Kafka message, will not commit offset",
			zap.String("message_id", delivery.ID),
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			return false
		}
	}
}

func toDelivery(msg kafka.Message) messaging.Delivery {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	id := headers[messaging.HeaderMessageID]
	contentType := headers[messaging.HeaderContentType]
	delete(headers, messaging.HeaderMessageID)
	delete(headers, messaging.HeaderContentType)

	return messaging.Delivery{
		Message: messaging.Message{
			ID:          id,
			Destination: msg.Topic,
			RoutingKey:  string(msg.Key),
			ContentType: contentType,
			Headers:     headers,
			Body:        msg.Value,
			Timestamp:   msg.Time,
		},
		Source: msg.Topic,
	}
}
