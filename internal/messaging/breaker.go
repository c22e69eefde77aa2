package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

func DefaultBreakerSettings(name string) BreakerSettings {
	return BreakerSettings{
		Name:                name,
		ConsecutiveFailures: 5,
		OpenTimeout:         15 * time.Second,
		HalfOpenRequests:    1,
	}
}

// BreakerPublisher fails fast with ErrBrokerUnavailable while the broker keeps
// rejecting publishes.
type BreakerPublisher struct {
	next    Publisher
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewBreakerPublisher(next Publisher, s BreakerSettings, logger *zap.Logger) *BreakerPublisher {
	bp := &BreakerPublisher{next: next, logger: logger}
	bp.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// a cancelled caller says nothing about broker health
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Publisher circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return bp
}

func (p *BreakerPublisher) Publish(ctx context.Context, msg Message) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrBrokerUnavailable, p.breaker.Name(), err)
	}
	return err
}

func (p *BreakerPublisher) State() string {
	return p.breaker.State().String()
}

func (p *BreakerPublisher) Close() error {
	return p.next.Close()
}
