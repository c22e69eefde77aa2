package producer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderbus/internal/app/orders"
)

const submitTimeout = 30 * time.Second

type Submitter interface {
	SubmitOrder(ctx context.Context, productName string, quantity int) (*orders.SubmitResult, error)
}

// Worker submits a random order every interval until its context ends.
type Worker struct {
	interval  time.Duration
	submitter Submitter
	logger    *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewWorker(interval time.Duration, submitter Submitter, rnd *rand.Rand, logger *zap.Logger) *Worker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Worker{interval: interval, submitter: submitter, rnd: rnd, logger: logger}
}

func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Producer worker started", zap.Duration("interval", w.interval))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Producer worker stopped")
			return
		case <-timer.C:
			w.SubmitOnce(ctx)
			timer.Reset(w.interval)
		}
	}
}

// SubmitOnce submits one random order. A submit already under way is not
// interrupted by ctx cancellation.
func (w *Worker) SubmitOnce(ctx context.Context) {
	productName, quantity := w.next()

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	defer cancel()

	res, err := w.submitter.SubmitOrder(submitCtx, productName, quantity)
	if err != nil {
		w.logger.Error("Error publishing message",
			zap.String("product_name", productName),
			zap.Int("quantity", quantity),
			zap.Error(err))
		return
	}
	w.logger.Info("Published order",
		zap.String("order_id", res.OrderID),
		zap.String("product_name", res.ProductName),
		zap.Int("quantity", res.Quantity),
		zap.String("status", res.Status))
}

func (w *Worker) next() (string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fmt.Sprintf("Product-%d", w.rnd.IntN(99)+1), w.rnd.IntN(9) + 1
}
