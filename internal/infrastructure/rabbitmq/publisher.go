package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"orderbus/internal/messaging"
)

const (
	DefaultConfirmTimeout = 5 * time.Second

	// must exceed the confirms that can be outstanding after timeouts, or the
	// connection's reader blocks
	confirmBuffer = 256
)

var (
	ErrPublishNacked   = errors.New("message was nacked by broker")
	ErrConfirmTimeout  = errors.New("publisher confirm timed out")
	ErrPublisherClosed = errors.New("publisher is closed")
)

// ConfirmChannel is the subset of *amqp.Channel used for confirmed publishing.
type ConfirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type ChannelProvider func() (ConfirmChannel, error)

// ConfirmPublisher publishes persistent messages and waits for the broker's
// ack before returning. Publishes are serialised, so confirms arrive in the
// order of delivery tags. A closed channel is reopened on the next publish.
type ConfirmPublisher struct {
	open    ChannelProvider
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	ch       ConfirmChannel
	confirms chan amqp.Confirmation
	closing  chan *amqp.Error
	nextTag  uint64
	closed   bool
}

func NewConfirmPublisher(open ChannelProvider, confirmTimeout time.Duration, logger *zap.Logger) (*ConfirmPublisher, error) {
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	p := &ConfirmPublisher{open: open, timeout: confirmTimeout, logger: logger}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ConfirmPublisher) connectLocked() error {
	ch, err := p.open()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	p.closing = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.nextTag = 1
	return nil
}

func (p *ConfirmPublisher) Publish(ctx context.Context, msg messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if p.ch == nil {
		if err := p.connectLocked(); err != nil {
			return fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}
		p.logger.Info("Reopened RabbitMQ publisher channel")
	}

	publishing := amqp.Publishing{
		MessageId:    msg.ID,
		ContentType:  msg.ContentType,
		Timestamp:    msg.Timestamp,
		DeliveryMode: amqp.Persistent,
		Headers:      toTable(msg.Headers),
		Body:         msg.Body,
	}
	if publishing.Timestamp.IsZero() {
		publishing.Timestamp = time.Now().UTC()
	}

	if err := p.ch.PublishWithContext(ctx, msg.Destination, msg.RoutingKey, false, false, publishing); err != nil {
		p.dropChannelLocked()
		return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}
	tag := p.nextTag
	p.nextTag++

	return p.waitForConfirmLocked(ctx, tag)
}

// waitForConfirmLocked skips confirms left over from publishes that timed
// out earlier and waits for the one matching tag.
func (p *ConfirmPublisher) waitForConfirmLocked(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				p.dropChannelLocked()
				return ErrChannelClosed
			}
			if c.DeliveryTag < tag {
				continue
			}
			if !c.Ack {
				return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, c.DeliveryTag)
			}
			return nil
		case amqpErr := <-p.closing:
			p.dropChannelLocked()
			if amqpErr != nil {
				return fmt.Errorf("%w: %s", ErrChannelClosed, amqpErr.Error())
			}
			return ErrChannelClosed
		case <-timer.C:
			return ErrConfirmTimeout
		case <-ctx.Done():
			return fmt.Errorf("waiting for publisher confirm: %w", ctx.Err())
		}
	}
}

func (p *ConfirmPublisher) dropChannelLocked() {
	if p.ch == nil {
		return
	}
	_ = p.ch.Close()
	p.ch = nil
	p.logger.Warn("RabbitMQ publisher channel dropped, will reopen on next publish")
}

func (p *ConfirmPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.ch == nil {
		return nil
	}
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close RabbitMQ publisher channel: %w", err)
	}
	p.logger.Info("RabbitMQ publisher closed")
	return nil
}

func toTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	t := make(amqp.Table, len(headers))
	for k, v := range headers {
		t[k] = v
	}
	return t
}
