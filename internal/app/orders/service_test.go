package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderbus/internal/domain"
	"orderbus/internal/messaging"
	"orderbus/internal/outbox"
)

// fakeStore keeps staged rows until the fake transaction commits.
type fakeStore struct {
	mu        sync.Mutex
	orders    []*domain.Order
	events    []domain.OrderSubmitted
	staged    []*domain.Order
	stagedEvt []domain.OrderSubmitted
	failAfter int
	txs       int
	txErr     error
}

func (f *fakeStore) InTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	f.mu.Lock()
	f.txs++
	f.staged, f.stagedEvt = nil, nil
	f.mu.Unlock()

	if f.txErr != nil {
		return f.txErr
	}
	if err := fn(ctx, nil); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, f.staged...)
	f.events = append(f.events, f.stagedEvt...)
	return nil
}

func (f *fakeStore) Create(_ context.Context, _ domain.Querier, order *domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged = append(f.staged, order)
	return nil
}

func (f *fakeStore) RecordProcessed(context.Context, domain.Querier, domain.OrderSubmitted, string) (bool, error) {
	return true, nil
}

func (f *fakeStore) EnqueueJSON(_ context.Context, _ outbox.Tx, destination, routingKey string, v any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && len(f.stagedEvt) == f.failAfter {
		return "", errors.New("outbox insert failed")
	}
	if destination != "orders-exchange" || routingKey != RoutingKeyOrderSubmitted {
		return "", errors.New("unexpected destination")
	}
	f.stagedEvt = append(f.stagedEvt, v.(domain.OrderSubmitted))
	return "msg-id", nil
}

type fakePublisher struct {
	mu        sync.Mutex
	msgs      []messaging.Message
	failAfter int
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, msg messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil && len(p.msgs) >= p.failAfter {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func newService(store *fakeStore, pub *fakePublisher, useOutbox bool) OrderService {
	return NewOrderService(store, store, store, pub,
		Config{UseOutbox: useOutbox, Exchange: "orders-exchange"},
		rand.New(rand.NewPCG(1, 2)), zap.NewNop())
}

func TestSubmitOrder_Outbox(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	svc := newService(store, pub, true)

	res, err := svc.SubmitOrder(context.Background(), "Laptop", 2)
	require.NoError(t, err)

	assert.Equal(t, StatusPublishedToOutbox, res.Status)
	assert.Equal(t, "Laptop", res.ProductName)
	assert.Equal(t, 2, res.Quantity)
	require.Len(t, store.orders, 1)
	require.Len(t, store.events, 1)
	assert.Equal(t, res.OrderID, store.orders[0].ID)
	assert.Equal(t, domain.OrderSubmitted{OrderID: res.OrderID, ProductName: "Laptop", Quantity: 2}, store.events[0])
	assert.Empty(t, pub.msgs, "outbox mode never talks to the broker")
}

func TestSubmitOrder_Direct(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	svc := newService(store, pub, false)

	res, err := svc.SubmitOrder(context.Background(), "Mouse", 1)
	require.NoError(t, err)

	assert.Equal(t, StatusPublishedDirectly, res.Status)
	assert.Zero(t, store.txs)
	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "orders-exchange", msg.Destination)
	assert.Equal(t, RoutingKeyOrderSubmitted, msg.RoutingKey)
	assert.NotEmpty(t, msg.ID)

	var event domain.OrderSubmitted
	require.NoError(t, json.Unmarshal(msg.Body, &event))
	assert.Equal(t, res.OrderID, event.OrderID)
}

func TestSubmitOrder_Invalid(t *testing.T) {
	svc := newService(&fakeStore{}, &fakePublisher{}, true)

	_, err := svc.SubmitOrder(context.Background(), "", 1)
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = svc.SubmitOrder(context.Background(), "Laptop", 0)
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestSubmitOrder_Failures(t *testing.T) {
	store := &fakeStore{txErr: errors.New("connection refused")}
	_, err := newService(store, &fakePublisher{}, true).SubmitOrder(context.Background(), "Laptop", 1)
	assert.EqualError(t, err, "connection refused")

	pub := &fakePublisher{err: messaging.ErrBrokerUnavailable}
	_, err = newService(&fakeStore{}, pub, false).SubmitOrder(context.Background(), "Laptop", 1)
	assert.ErrorIs(t, err, messaging.ErrBrokerUnavailable)
}

func TestSubmitBatch_Outbox(t *testing.T) {
	store := &fakeStore{}
	svc := newService(store, &fakePublisher{}, true)

	res, err := svc.SubmitBatch(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 7, res.TotalRequested)
	assert.Equal(t, 7, res.SuccessfullyPublished)
	assert.Equal(t, StatusPublishedToOutbox, res.Status)
	assert.Equal(t, 1, store.txs, "the whole batch is one transaction")
	require.Len(t, res.Orders, 7)

	ids := make(map[string]bool)
	for i, line := range res.Orders {
		ids[line.OrderID] = true
		assert.Equal(t, BatchProducts[i%len(BatchProducts)], line.ProductName)
		assert.GreaterOrEqual(t, line.Quantity, 1)
		assert.LessOrEqual(t, line.Quantity, 9)
	}
	assert.Len(t, ids, 7)
	assert.Len(t, store.events, 7)
}

func TestSubmitBatch_OutboxFailureCommitsNothing(t *testing.T) {
	store := &fakeStore{failAfter: 3}
	svc := newService(store, &fakePublisher{}, true)

	res, err := svc.SubmitBatch(context.Background(), 5)
	assert.ErrorContains(t, err, "outbox insert failed")
	assert.Nil(t, res)
	assert.Empty(t, store.orders)
	assert.Empty(t, store.events)
}

func TestSubmitBatch_DirectStopsAtFirstFailure(t *testing.T) {
	pub := &fakePublisher{failAfter: 2, err: errors.New("nacked")}
	svc := newService(&fakeStore{}, pub, false)

	_, err := svc.SubmitBatch(context.Background(), 5)
	assert.ErrorContains(t, err, "nacked")
	assert.Len(t, pub.msgs, 2)
}

func TestSubmitBatch_Bounds(t *testing.T) {
	svc := newService(&fakeStore{}, &fakePublisher{}, true)

	for _, count := range []int{0, -1, 101} {
		_, err := svc.SubmitBatch(context.Background(), count)
		assert.ErrorIs(t, err, ErrInvalidBatchSize, "count %d", count)
	}
	for _, count := range []int{1, 100} {
		res, err := svc.SubmitBatch(context.Background(), count)
		require.NoError(t, err)
		assert.Len(t, res.Orders, count)
	}
}
