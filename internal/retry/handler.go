package retry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"orderbus/internal/messaging"
)

// Wrap runs handler under policy. Once retries are exhausted the delivery is
// handed to dl and acknowledged; the error is logged with the full message
// context. If dead-lettering fails too, the error is returned so the
// transport can reject the delivery instead of dropping it.
func Wrap(policy Policy, handler messaging.Handler, dl messaging.DeadLetterer, logger *zap.Logger) messaging.Handler {
	return func(ctx context.Context, d messaging.Delivery) error {
		err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
			d.Attempt = attempt
			herr := handler(ctx, d)
			if herr != nil && !IsPermanent(herr) && attempt < policy.MaxAttempts() {
				logger.Warn("Message handling failed, retrying",
					zap.String("message_id", d.ID),
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", policy.MaxAttempts()),
					zap.Error(herr))
			}
			return herr
		})
		if err == nil {
			return nil
		}

		var exhausted *ExhaustedError
		if !errors.As(err, &exhausted) {
			// shutdown interrupted the retry loop; let the broker redeliver
			return err
		}
		d.Attempt = exhausted.Attempts

		fields := []zap.Field{
			zap.String("message_id", d.ID),
			zap.String("source", d.Source),
			zap.String("destination", d.Destination),
			zap.String("routing_key", d.RoutingKey),
			zap.String("content_type", d.ContentType),
			zap.Int("attempts", exhausted.Attempts),
			zap.Bool("redelivered", d.Redelivered),
			zap.Bool("permanent", IsPermanent(exhausted.Err)),
			zap.Int("payload_size", len(d.Body)),
			zap.ByteString("payload", d.Body),
			zap.Error(exhausted.Err),
		}

		if dlErr := dl.DeadLetter(ctx, d, exhausted.Err); dlErr != nil {
			logger.Error("Failed to dead-letter message", append(fields, zap.NamedError("dead_letter_error", dlErr))...)
			return fmt.Errorf("failed to dead-letter message %s: %w", d.ID, errors.Join(exhausted.Err, dlErr))
		}

		logger.Error("Message moved to dead-letter destination", fields...)
		return nil
	}
}
