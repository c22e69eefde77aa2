package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orderbus/internal/domain"
	"orderbus/internal/messaging"
	"orderbus/internal/repository/order_repo"
	"orderbus/internal/retry"
)

type Inbox interface {
	Process(ctx context.Context, messageID string, fn func(ctx context.Context, tx *sql.Tx) error) (bool, error)
}

// OrderSubmittedHandler records each OrderSubmitted event once. Payloads that
// can never succeed are marked permanent so they skip the retry policy.
func OrderSubmittedHandler(inbox Inbox, orderRepo order_repo.OrderRepository, processingDelay time.Duration, logger *zap.Logger) messaging.Handler {
	return func(ctx context.Context, d messaging.Delivery) error {
		var event domain.OrderSubmitted
		if err := json.Unmarshal(d.Body, &event); err != nil {
			logger.Error("Failed to unmarshal message to OrderSubmitted",
				zap.String("message_id", d.ID),
				zap.ByteString("value", d.Body),
				zap.Error(err))
			return retry.Permanent(fmt.Errorf("malformed OrderSubmitted payload: %w", err))
		}
		if err := event.Validate(); err != nil {
			logger.Error("Rejecting invalid OrderSubmitted",
				zap.String("message_id", d.ID),
				zap.String("order_id", event.OrderID),
				zap.Error(err))
			return retry.Permanent(err)
		}

		messageID := d.ID
		if messageID == "" {
			messageID = event.OrderID
		}

		logger.Info("Received OrderSubmitted",
			zap.String("message_id", messageID),
			zap.String("order_id", event.OrderID),
			zap.String("product_name", event.ProductName),
			zap.Int("quantity", event.Quantity),
			zap.Int("attempt", d.Attempt),
			zap.Bool("redelivered", d.Redelivered))

		processed, err := inbox.Process(ctx, messageID, func(ctx context.Context, tx *sql.Tx) error {
			if err := retry.Sleep(ctx, processingDelay); err != nil {
				return err
			}
			logger.Info("Processing order",
				zap.String("order_id", event.OrderID),
				zap.String("product_name", event.ProductName),
				zap.Int("quantity", event.Quantity))

			recorded, err := orderRepo.RecordProcessed(ctx, tx, event, messageID)
			if err != nil {
				return err
			}
			if !recorded {
				logger.Warn("Order was already recorded by an earlier message",
					zap.String("order_id", event.OrderID),
					zap.String("message_id", messageID))
			}
			return nil
		})
		if err != nil {
			logger.Error("Failed to process order",
				zap.String("order_id", event.OrderID),
				zap.String("message_id", messageID),
				zap.Error(err))
			return fmt.Errorf("failed to process order %s: %w", event.OrderID, err)
		}
		if !processed {
			logger.Info("Duplicate OrderSubmitted acknowledged without reprocessing",
				zap.String("order_id", event.OrderID),
				zap.String("message_id", messageID))
			return nil
		}

		logger.Info("Successfully processed order", zap.String("order_id", event.OrderID))
		return nil
	}
}
