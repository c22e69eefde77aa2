package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"orderbus/internal/domain"
	"orderbus/internal/messaging"
	"orderbus/internal/outbox"
	"orderbus/internal/repository/order_repo"
	"orderbus/internal/util"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 100

	RoutingKeyOrderSubmitted = "order.submitted"
)

var (
	ErrInvalidOrder     = domain.ErrInvalidOrder
	ErrInvalidBatchSize = fmt.Errorf("count must be between %d and %d", MinBatchSize, MaxBatchSize)
)

// BatchProducts are cycled by index when submitting a batch.
var BatchProducts = []string{"Laptop", "Mouse", "Keyboard", "Monitor", "Headphones"}

type OrderService interface {
	SubmitOrder(ctx context.Context, productName string, quantity int) (*SubmitResult, error)
	SubmitBatch(ctx context.Context, count int) (*BatchResult, error)
}

type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error
}

type Enqueuer interface {
	EnqueueJSON(ctx context.Context, tx outbox.Tx, destination, routingKey string, v any) (string, error)
}

type Config struct {
	UseOutbox bool
	Exchange  string
}

type orderService struct {
	tx        Transactor
	orderRepo order_repo.OrderRepository
	outbox    Enqueuer
	publisher messaging.Publisher
	cfg       Config
	logger    *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewOrderService builds the service. In outbox mode tx, orderRepo and outbox
// are required; in direct mode only publisher is.
func NewOrderService(
	tx Transactor,
	orderRepo order_repo.OrderRepository,
	enqueuer Enqueuer,
	publisher messaging.Publisher,
	cfg Config,
	rnd *rand.Rand,
	logger *zap.Logger,
) OrderService {
	return &orderService{
		tx:        tx,
		orderRepo: orderRepo,
		outbox:    enqueuer,
		publisher: publisher,
		cfg:       cfg,
		rnd:       rnd,
		logger:    logger,
	}
}

func (s *orderService) SubmitOrder(ctx context.Context, productName string, quantity int) (*SubmitResult, error) {
	order, err := domain.NewOrder(util.GenerateUUID(), productName, quantity)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Publishing OrderSubmitted message",
		zap.String("order_id", order.ID),
		zap.String("product_name", order.ProductName),
		zap.Int("quantity", order.Quantity))

	if s.cfg.UseOutbox {
		err = s.tx.InTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			return s.storeWithOutbox(ctx, tx, order)
		})
	} else {
		err = s.publishDirect(ctx, order)
	}
	if err != nil {
		s.logger.Error("Failed to publish OrderSubmitted message", zap.String("order_id", order.ID), zap.Error(err))
		return nil, err
	}

	s.logger.Info("Successfully published OrderSubmitted message",
		zap.String("order_id", order.ID),
		zap.String("status", s.status()))

	return &SubmitResult{
		OrderID:     order.ID,
		ProductName: order.ProductName,
		Quantity:    order.Quantity,
		Status:      s.status(),
	}, nil
}

// SubmitBatch creates count orders. In outbox mode they commit together or
// not at all; in direct mode publishing stops at the first failure.
func (s *orderService) SubmitBatch(ctx context.Context, count int) (*BatchResult, error) {
	if count < MinBatchSize || count > MaxBatchSize {
		return nil, ErrInvalidBatchSize
	}

	orders := make([]*domain.Order, count)
	for i := range orders {
		order, err := domain.NewOrder(util.GenerateUUID(), BatchProducts[i%len(BatchProducts)], s.randomQuantity())
		if err != nil {
			return nil, err
		}
		orders[i] = order
	}

	s.logger.Info("Starting batch publish", zap.Int("count", count), zap.Bool("outbox", s.cfg.UseOutbox))

	published := make([]OrderLine, 0, count)
	var err error
	if s.cfg.UseOutbox {
		err = s.tx.InTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			published = published[:0]
			for i, order := range orders {
				if err := s.storeWithOutbox(ctx, tx, order); err != nil {
					return err
				}
				s.logBatchItem(i, count, order)
				published = append(published, lineOf(order))
			}
			return nil
		})
	} else {
		for i, order := range orders {
			if err = s.publishDirect(ctx, order); err != nil {
				break
			}
			s.logBatchItem(i, count, order)
			published = append(published, lineOf(order))
		}
	}
	if err != nil {
		s.logger.Error("Failed to process batch orders",
			zap.Int("count", count),
			zap.Int("published_before_failure", len(published)),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Batch publish completed",
		zap.Int("successfully_published", len(published)),
		zap.Int("total_requested", count))

	return &BatchResult{
		TotalRequested:        count,
		SuccessfullyPublished: len(published),
		Orders:                published,
		Status:                s.status(),
	}, nil
}

func (s *orderService) storeWithOutbox(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	if err := s.orderRepo.Create(ctx, tx, order); err != nil {
		return err
	}
	if _, err := s.outbox.EnqueueJSON(ctx, tx, s.cfg.Exchange, RoutingKeyOrderSubmitted, order.Submitted()); err != nil {
		return fmt.Errorf("failed to enqueue OrderSubmitted for order %s: %w", order.ID, err)
	}
	return nil
}

func (s *orderService) publishDirect(ctx context.Context, order *domain.Order) error {
	msg, err := NewOrderSubmittedMessage(s.cfg.Exchange, order)
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		if errors.Is(err, messaging.ErrBrokerUnavailable) {
			return fmt.Errorf("broker unavailable, order %s not published: %w", order.ID, err)
		}
		return fmt.Errorf("failed to publish order %s: %w", order.ID, err)
	}
	return nil
}

func (s *orderService) randomQuantity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.IntN(9) + 1
}

func (s *orderService) status() string {
	if s.cfg.UseOutbox {
		return StatusPublishedToOutbox
	}
	return StatusPublishedDirectly
}

func (s *orderService) logBatchItem(i, total int, order *domain.Order) {
	s.logger.Info("Published batch order",
		zap.Int("index", i+1),
		zap.Int("total", total),
		zap.String("order_id", order.ID),
		zap.String("product_name", order.ProductName),
		zap.Int("quantity", order.Quantity))
}

func lineOf(order *domain.Order) OrderLine {
	return OrderLine{OrderID: order.ID, ProductName: order.ProductName, Quantity: order.Quantity}
}
