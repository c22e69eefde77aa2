package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeKindTopic = "topic"
	bindAll           = "#"
)

// AMQPChannel is the subset of *amqp.Channel needed to declare topology.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

type Topology struct {
	Exchange           string
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
	BindingKey         string
}

// NewTopology derives the dead-letter names from the exchange and queue.
func NewTopology(exchange, queue string) Topology {
	return Topology{
		Exchange:           exchange,
		Queue:              queue,
		DeadLetterExchange: exchange + ".dlx",
		DeadLetterQueue:    queue + ".dlq",
		BindingKey:         bindAll,
	}
}

// DeclareTopology declares the durable topic exchange and queue plus the
// dead-letter exchange and queue that rejected deliveries are routed to.
// Declarations are idempotent, so producers and consumers may both call it.
func DeclareTopology(ch AMQPChannel, t Topology) error {
	if ch == nil {
		return fmt.Errorf("declare topology: %w", ErrChannelClosed)
	}
	key := t.BindingKey
	if key == "" {
		key = bindAll
	}

	if err := ch.ExchangeDeclare(t.Exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.Exchange, err)
	}
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange %s: %w", t.DeadLetterExchange, err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, bindAll, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}

	if t.Queue == "" {
		return nil
	}
	args := amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, key, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", t.Queue, t.Exchange, err)
	}
	return nil
}
