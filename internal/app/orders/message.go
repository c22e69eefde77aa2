package orders

import (
	"encoding/json"
	"fmt"
	"time"

	"orderbus/internal/domain"
	"orderbus/internal/messaging"
	"orderbus/internal/util"
)

// NewOrderSubmittedMessage builds the broker message for the direct publish
// path. The outbox path stores the same payload and routing key.
func NewOrderSubmittedMessage(exchange string, order *domain.Order) (messaging.Message, error) {
	body, err := json.Marshal(order.Submitted())
	if err != nil {
		return messaging.Message{}, fmt.Errorf("failed to marshal OrderSubmitted: %w", err)
	}
	return messaging.Message{
		ID:          util.GenerateUUID(),
		Destination: exchange,
		RoutingKey:  RoutingKeyOrderSubmitted,
		ContentType: messaging.ContentTypeJSON,
		Body:        body,
		Timestamp:   time.Now().UTC(),
	}, nil
}
