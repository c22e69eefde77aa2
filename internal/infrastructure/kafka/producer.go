package kafka_infra

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"orderbus/internal/messaging"
)

const writeTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes synchronously with acks from all in-sync replicas, so a
// nil error means the broker has the message.
type Producer struct {
	writer messageWriter
	logger *zap.Logger
}

func NewProducer(brokerURLs []string, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokerURLs...),
		Balancer:               &kafka.LeastBytes{},
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		AllowAutoTopicCreation: false,
		Logger:                 kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}
	return &Producer{writer: writer, logger: logger}
}

func (p *Producer) Publish(ctx context.Context, msg messaging.Message) error {
	produceCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(produceCtx, toKafkaMessage(msg)); err != nil {
		p.logger.Error("Failed to produce message to Kafka",
			zap.String("topic", msg.Destination),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to produce message to Kafka: %w", err)
	}
	p.logger.Debug("Message produced to Kafka successfully",
		zap.String("topic", msg.Destination),
		zap.String("message_id", msg.ID),
	)
	return nil
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.logger.Error("Failed to close Kafka producer", zap.Error(err))
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	p.logger.Info("Kafka producer closed")
	return nil
}

// toKafkaMessage keys by routing key so related messages share a partition;
// without one the message id spreads load.
func toKafkaMessage(msg messaging.Message) kafka.Message {
	key := msg.RoutingKey
	if key == "" {
		key = msg.ID
	}

	headers := make([]kafka.Header, 0, len(msg.Headers)+2)
	headers = append(headers,
		kafka.Header{Key: messaging.HeaderMessageID, Value: []byte(msg.ID)},
		kafka.Header{Key: messaging.HeaderContentType, Value: []byte(msg.ContentType)},
	)
	for k, v := range msg.Headers {
		if k == messaging.HeaderMessageID || k == messaging.HeaderContentType {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return kafka.Message{
		Topic:   msg.Destination,
		Key:     []byte(key),
		Value:   msg.Body,
		Headers: headers,
		Time:    ts,
	}
}
