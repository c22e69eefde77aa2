package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"orderbus/internal/retry"
)

var ErrChannelClosed = errors.New("rabbitmq channel closed")

// Dial connects to the broker, retrying while it is still starting up.
func Dial(ctx context.Context, url string, attempts int, delay time.Duration, logger *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	err := retry.Interval(attempts-1, delay).Do(ctx, func(ctx context.Context, attempt int) error {
		c, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Properties: amqp.Table{
				"connection_name": "orderbus",
			},
		})
		if err != nil {
			logger.Warn("Failed to connect to RabbitMQ, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Error(err))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	logger.Info("Connected to RabbitMQ")
	return conn, nil
}

// ConfirmChannels opens publisher channels on conn.
func ConfirmChannels(conn *amqp.Connection) ChannelProvider {
	return func() (ConfirmChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
		}
		return ch, nil
	}
}
