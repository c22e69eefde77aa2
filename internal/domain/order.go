package domain

import (
	"fmt"
	"strings"
	"time"

	"orderbus/internal/util"
)

type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusProcessed OrderStatus = "PROCESSED"
)

type Order struct {
	ID          string
	ProductName string
	Quantity    int
	Status      OrderStatus
	CreatedAt   time.Time
}

func NewOrder(id, productName string, quantity int) (*Order, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidOrder)
	}
	if err := ValidateOrderLine(productName, quantity); err != nil {
		return nil, err
	}
	return &Order{
		ID:          id,
		ProductName: strings.TrimSpace(productName),
		Quantity:    quantity,
		Status:      OrderStatusSubmitted,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func ValidateOrderLine(productName string, quantity int) error {
	if strings.TrimSpace(productName) == "" {
		return fmt.Errorf("%w: product name is required", ErrInvalidOrder)
	}
	if quantity < 1 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidOrder, quantity)
	}
	return nil
}

// OrderSubmitted is the event carried from producer to consumer.
type OrderSubmitted struct {
	OrderID     string `json:"orderId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
}

func (o *Order) Submitted() OrderSubmitted {
	return OrderSubmitted{OrderID: o.ID, ProductName: o.ProductName, Quantity: o.Quantity}
}

func (e OrderSubmitted) Validate() error {
	if e.OrderID == "" {
		return fmt.Errorf("%w: orderId is required", ErrInvalidOrder)
	}
	if !util.IsUUID(e.OrderID) {
		return fmt.Errorf("%w: orderId %q is not a UUID", ErrInvalidOrder, e.OrderID)
	}
	return ValidateOrderLine(e.ProductName, e.Quantity)
}
