package domain

import "errors"

var (
	ErrDuplicateMessage = errors.New("message with this id already exists")
	ErrMessageNotFound  = errors.New("message not found")
	ErrLeaseLost        = errors.New("lease is held by another owner")
	ErrLeaseNotFound    = errors.New("lease not found")
	ErrInvalidOrder     = errors.New("invalid order data")
)
