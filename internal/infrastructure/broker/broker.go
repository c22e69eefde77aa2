package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"orderbus/internal/config"
	kafka_infra "orderbus/internal/infrastructure/kafka"
	"orderbus/internal/infrastructure/rabbitmq"
	"orderbus/internal/messaging"
)

const (
	dialAttempts = 10
	dialDelay    = 5 * time.Second
	consumerTag  = "orderbus-consumer"
)

// Publisher is the broker side of the producer executables. Publishes go
// through a circuit breaker so a dead broker fails fast.
type Publisher struct {
	*messaging.BreakerPublisher
	closers []func() error
}

func (p *Publisher) Close() error {
	err := p.BreakerPublisher.Close()
	for _, c := range p.closers {
		err = multierr.Append(err, c())
	}
	return err
}

// Consumer binds the configured transport to a handler and knows where
// exhausted messages go.
type Consumer struct {
	// Name identifies the consumer in the inbox: the queue or the group.
	Name       string
	DeadLetter messaging.DeadLetterer

	run     func(ctx context.Context, handler messaging.Handler) error
	closers []func() error
}

func (c *Consumer) Run(ctx context.Context, handler messaging.Handler) error {
	return c.run(ctx, handler)
}

func (c *Consumer) Close() error {
	var err error
	for _, closeFn := range c.closers {
		err = multierr.Append(err, closeFn())
	}
	return err
}

// Destination is where OrderSubmitted is published: the exchange for
// RabbitMQ, the topic of the same name for Kafka.
func Destination(cfg *config.Config) string {
	return cfg.RabbitMQ.ExchangeName
}

// ConsumerName is the inbox identity for the configured transport.
func ConsumerName(cfg *config.Config) string {
	if cfg.BrokerTransport == config.TransportKafka {
		return cfg.KafkaConsumerGroup
	}
	return cfg.RabbitMQ.QueueName
}

func OpenPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Publisher, error) {
	switch cfg.BrokerTransport {
	case config.TransportKafka:
		if err := ensureKafkaTopics(ctx, cfg, logger); err != nil {
			return nil, err
		}
		producer := kafka_infra.NewProducer(cfg.GetKafkaBrokers(), logger.With(zap.String("component", "KafkaProducer")))
		return &Publisher{
			BreakerPublisher: messaging.NewBreakerPublisher(producer, messaging.DefaultBreakerSettings("kafka-publisher"), logger),
		}, nil

	case config.TransportRabbitMQ:
		conn, err := rabbitmq.Dial(ctx, cfg.GetRabbitMQURL(), dialAttempts, dialDelay, logger)
		if err != nil {
			return nil, err
		}
		if err := declareRabbitTopology(conn, cfg); err != nil {
			return nil, multierr.Append(err, conn.Close())
		}
		confirms, err := rabbitmq.NewConfirmPublisher(rabbitmq.ConfirmChannels(conn), rabbitmq.DefaultConfirmTimeout,
			logger.With(zap.String("component", "RabbitMQPublisher")))
		if err != nil {
			return nil, multierr.Append(err, conn.Close())
		}
		return &Publisher{
			BreakerPublisher: messaging.NewBreakerPublisher(confirms, messaging.DefaultBreakerSettings("rabbitmq-publisher"), logger),
			closers:          []func() error{conn.Close},
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown broker transport %q", config.ErrInvalidConfig, cfg.BrokerTransport)
}

func OpenConsumer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Consumer, error) {
	switch cfg.BrokerTransport {
	case config.TransportKafka:
		if err := ensureKafkaTopics(ctx, cfg, logger); err != nil {
			return nil, err
		}
		topic := Destination(cfg)
		producer := kafka_infra.NewProducer(cfg.GetKafkaBrokers(), logger.With(zap.String("component", "KafkaDeadLetterProducer")))
		consumer := kafka_infra.NewConsumer(cfg.GetKafkaBrokers(), cfg.KafkaConsumerGroup, topic,
			logger.With(zap.String("component", "KafkaConsumer")))
		return &Consumer{
			Name:       ConsumerName(cfg),
			DeadLetter: kafka_infra.NewDeadLetterProducer(producer),
			run:        consumer.Run,
			closers:    []func() error{producer.Close},
		}, nil

	case config.TransportRabbitMQ:
		conn, err := rabbitmq.Dial(ctx, cfg.GetRabbitMQURL(), dialAttempts, dialDelay, logger)
		if err != nil {
			return nil, err
		}
		if err := declareRabbitTopology(conn, cfg); err != nil {
			return nil, multierr.Append(err, conn.Close())
		}
		ch, err := conn.Channel()
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to open RabbitMQ consume channel: %w", err), conn.Close())
		}
		dlx, err := rabbitmq.NewConfirmPublisher(rabbitmq.ConfirmChannels(conn), rabbitmq.DefaultConfirmTimeout,
			logger.With(zap.String("component", "RabbitMQDeadLetterPublisher")))
		if err != nil {
			return nil, multierr.Append(err, conn.Close())
		}
		consumer := rabbitmq.NewConsumer(ch, cfg.RabbitMQ.QueueName, consumerTag, cfg.RabbitMQ.Prefetch,
			logger.With(zap.String("component", "RabbitMQConsumer")))
		return &Consumer{
			Name:       ConsumerName(cfg),
			DeadLetter: rabbitmq.NewDeadLetterPublisher(dlx, cfg.DeadLetterExchange()),
			run:        consumer.Run,
			closers:    []func() error{dlx.Close, conn.Close},
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown broker transport %q", config.ErrInvalidConfig, cfg.BrokerTransport)
}

func declareRabbitTopology(conn *amqp.Connection, cfg *config.Config) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open RabbitMQ channel for topology: %w", err)
	}
	defer ch.Close()

	t := rabbitmq.NewTopology(cfg.RabbitMQ.ExchangeName, cfg.RabbitMQ.QueueName)
	t.DeadLetterExchange = cfg.DeadLetterExchange()
	return rabbitmq.DeclareTopology(ch, t)
}

func ensureKafkaTopics(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	topic := Destination(cfg)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return kafka_infra.EnsureTopics(ctx, cfg.GetKafkaBrokers(),
		[]string{topic, kafka_infra.DeadLetterTopic(topic)}, 1, logger)
}
