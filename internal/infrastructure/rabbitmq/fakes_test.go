package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type declared struct {
	kind  string
	name  string
	extra string
	args  amqp.Table
}

type fakeTopologyChannel struct {
	calls  []declared
	failOn string
}

func (f *fakeTopologyChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, args amqp.Table) error {
	if f.failOn == name {
		return errors.New("access refused")
	}
	f.calls = append(f.calls, declared{kind: "exchange", name: name, extra: kind, args: args})
	return nil
}

func (f *fakeTopologyChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if f.failOn == name {
		return amqp.Queue{}, errors.New("precondition failed")
	}
	f.calls = append(f.calls, declared{kind: "queue", name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeTopologyChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.calls = append(f.calls, declared{kind: "bind", name: name, extra: exchange + " " + key})
	return nil
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeConfirmChannel acks or nacks every publish by sending a confirmation
// with the next delivery tag.
type fakeConfirmChannel struct {
	mu         sync.Mutex
	confirms   chan amqp.Confirmation
	closeCh    chan *amqp.Error
	tag        uint64
	published  []publishedMessage
	nack       bool
	silent     bool
	publishErr error
	closed     bool
}

func (f *fakeConfirmChannel) Confirm(bool) error { return nil }

func (f *fakeConfirmChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeConfirmChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closeCh = c
	return c
}

func (f *fakeConfirmChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}
	f.tag++
	f.published = append(f.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	if !f.silent {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: !f.nack}
	}
	return nil
}

func (f *fakeConfirmChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConfirmChannel) confirmLate(tag uint64) {
	f.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: true}
}

type channelSource struct {
	channels []*fakeConfirmChannel
	opened   int
	err      error
}

func (s *channelSource) provider() ChannelProvider {
	return func() (ConfirmChannel, error) {
		if s.err != nil {
			return nil, s.err
		}
		ch := s.channels[s.opened]
		s.opened++
		return ch, nil
	}
}

type ackRecord struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, ackRecord{tag: tag, ack: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, ackRecord{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) all() []ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ackRecord(nil), a.records...)
}

type fakeConsumeChannel struct {
	deliveries chan amqp.Delivery
	prefetch   int
	cancelled  bool
}

func (f *fakeConsumeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeConsumeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeConsumeChannel) Cancel(string, bool) error {
	f.cancelled = true
	return nil
}
