package orders_http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"orderbus/internal/app/orders"
)

const defaultBatchCount = 5

type SubmitOrderRequest struct {
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
}

type SubmitOrderResponse struct {
	Message     string `json:"message"`
	OrderID     string `json:"orderId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
	Status      string `json:"status"`
}

type PublishedOrder struct {
	OrderID     string `json:"orderId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
}

type SubmitBatchResponse struct {
	Message               string           `json:"message"`
	TotalRequested        int              `json:"totalRequested"`
	SuccessfullyPublished int              `json:"successfullyPublished"`
	OrdersPublished       []PublishedOrder `json:"ordersPublished"`
	Status                string           `json:"status"`
}

type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type OrderHandler struct {
	service orders.OrderService
	logger  *zap.Logger
}

func NewOrderHandler(s orders.OrderService, l *zap.Logger) *OrderHandler {
	return &OrderHandler{service: s, logger: l}
}

func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for SubmitOrder", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}

	res, err := h.service.SubmitOrder(r.Context(), req.ProductName, req.Quantity)
	if err != nil {
		if errors.Is(err, orders.ErrInvalidOrder) {
			h.logger.Warn("Bad request for SubmitOrder", zap.Error(err))
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "Invalid order", Error: err.Error()})
			return
		}
		h.logger.Error("Error submitting order", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Message: "Failed to submit order", Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, SubmitOrderResponse{
		Message:     "Order submitted successfully",
		OrderID:     res.OrderID,
		ProductName: res.ProductName,
		Quantity:    res.Quantity,
		Status:      res.Status,
	})
}

func (h *OrderHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	count := defaultBatchCount
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < orders.MinBatchSize || n > orders.MaxBatchSize {
			h.logger.Warn("Invalid batch count", zap.String("count", raw))
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "Count must be between 1 and 100"})
			return
		}
		count = n
	}

	res, err := h.service.SubmitBatch(r.Context(), count)
	if err != nil {
		if errors.Is(err, orders.ErrInvalidBatchSize) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "Count must be between 1 and 100"})
			return
		}
		h.logger.Error("Error submitting batch orders", zap.Int("count", count), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Message: "Failed to submit batch orders", Error: err.Error()})
		return
	}

	published := make([]PublishedOrder, len(res.Orders))
	for i, o := range res.Orders {
		published[i] = PublishedOrder{OrderID: o.OrderID, ProductName: o.ProductName, Quantity: o.Quantity}
	}
	writeJSON(w, http.StatusOK, SubmitBatchResponse{
		Message:               "Batch orders submitted",
		TotalRequested:        res.TotalRequested,
		SuccessfullyPublished: res.SuccessfullyPublished,
		OrdersPublished:       published,
		Status:                res.Status,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
