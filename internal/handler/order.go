package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/order"
)

type orderService interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.Result, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, actor domain.Actor) (*order.Result, error)
	GetOrder(ctx context.Context, orderID, userID uuid.UUID) (*domain.Order, error)
	ListOpenOrders(ctx context.Context, userID uuid.UUID) ([]domain.Order, error)
}

type OrderHandler struct {
	orders  orderService
	retrier retrier
}

func NewOrderHandler(orders orderService, r retrier) *OrderHandler {
	return &OrderHandler{orders: orders, retrier: r}
}

type placeOrderRequest struct {
	Symbol   string           `json:"symbol"`
	Side     string           `json:"side"`
	Price    *decimal.Decimal `json:"price"`
	Quantity decimal.Decimal  `json:"quantity"`
}

func (r placeOrderRequest) Validate() []FieldError {
	var errs []FieldError
	if r.Symbol == "" {
		errs = append(errs, FieldError{Field: "symbol", Message: "required"})
	}
	side := domain.OrderSide(r.Side)
	if !side.IsValid() {
		errs = append(errs, FieldError{Field: "side", Message: "must be BUY or SELL"})
	}
	if !r.Quantity.IsPositive() {
		errs = append(errs, FieldError{Field: "quantity", Message: "must be greater than 0"})
	}
	if r.Price != nil && !r.Price.IsPositive() {
		errs = append(errs, FieldError{Field: "price", Message: "must be greater than 0"})
	}
	if side == domain.OrderSideBuy && r.Price == nil {
		errs = append(errs, FieldError{Field: "price", Message: "required for BUY"})
	}
	return errs
}

type orderDTO struct {
	ID             uuid.UUID        `json:"id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Price          *decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal  `json:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	Status         string           `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	CanceledAt     *time.Time       `json:"canceled_at,omitempty"`
}

func toOrderDTO(o *domain.Order) orderDTO {
	return orderDTO{
		ID:             o.ID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Price:          o.Price,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		Status:         string(o.Status),
		CreatedAt:      o.CreatedAt,
		CanceledAt:     o.CanceledAt,
	}
}

func (h *OrderHandler) Place(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req placeOrderRequest
	if appErr := decodeJSON(r, &req); appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	var res *order.Result
	err := retry(r.Context(), h.retrier, func() error {
		var err error
		res, err = h.orders.PlaceOrder(r.Context(), order.PlaceOrderRequest{
			Actor:    actor,
			Symbol:   req.Symbol,
			Side:     domain.OrderSide(req.Side),
			Price:    req.Price,
			Quantity: req.Quantity,
		})
		return err
	})
	if err != nil {
		log.Warn("order placement failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/orders/%s", res.Order.ID))
	RespondCommitted(w, http.StatusCreated, toOrderDTO(res.Order), res.AuditErr)
}

func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	orders, err := h.orders.ListOpenOrders(r.Context(), actor.UserID)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to list orders", "error", err)
		RespondDomainError(w, err)
		return
	}

	dtos := make([]orderDTO, len(orders))
	for i := range orders {
		dtos[i] = toOrderDTO(&orders[i])
	}
	RespondSuccess(w, http.StatusOK, dtos)
}

func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	orderID, appErr := pathID(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	o, err := h.orders.GetOrder(r.Context(), orderID, actor.UserID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toOrderDTO(o))
}

func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	orderID, appErr := pathID(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var res *order.Result
	err := retry(r.Context(), h.retrier, func() error {
		var err error
		res, err = h.orders.CancelOrder(r.Context(), orderID, actor)
		return err
	})
	if err != nil {
		log.Warn("order cancel failed", "order_id", orderID, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondCommitted(w, http.StatusOK, toOrderDTO(res.Order), res.AuditErr)
}
