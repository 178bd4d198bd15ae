package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kiwari-pos/terminal/internal/domain"
	"github.com/kiwari-pos/terminal/internal/orders"
)

// OrderStore defines the store methods order handlers need.
// Satisfied by *orders.Store; narrow interface for testability.
type OrderStore interface {
	Orders() []domain.OrderRecord
	Get(id uuid.UUID) (domain.OrderRecord, error)
	PendingExternal() []domain.OrderRecord
	LoadOrders(ctx context.Context) error
	CreateOrder(ctx context.Context, req orders.CreateOrderRequest) (domain.OrderRecord, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status string) (domain.OrderRecord, error)
	AssignDriver(ctx context.Context, id uuid.UUID, driverID string) (domain.OrderRecord, error)
	ConvertToPickup(ctx context.Context, id uuid.UUID) (domain.OrderRecord, error)
	ApproveOrder(ctx context.Context, id uuid.UUID) (domain.OrderRecord, error)
	DeclineOrder(ctx context.Context, id uuid.UUID) (domain.OrderRecord, error)
}

// Redeemer defers coupon redemptions. Satisfied by *orders.Loyalty.
type Redeemer interface {
	RedeemCoupon(ctx context.Context, orderID uuid.UUID, couponID string) error
}

// OrderHandler handles order endpoints for the UI.
type OrderHandler struct {
	store   OrderStore
	loyalty Redeemer
}

func NewOrderHandler(store OrderStore, loyalty Redeemer) *OrderHandler {
	return &OrderHandler{store: store, loyalty: loyalty}
}

func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/reload", h.Reload)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}/status", h.UpdateStatus)
	r.Patch("/{id}/driver", h.AssignDriver)
	r.Post("/{id}/convert-to-pickup", h.ConvertToPickup)
	r.Post("/{id}/approve", h.Approve)
	r.Post("/{id}/decline", h.Decline)
	r.Post("/{id}/coupons/{cid}/redeem", h.RedeemCoupon)
}

// --- Request types ---

type createOrderRequest struct {
	OrderType string                   `json:"order_type"`
	Notes     string                   `json:"notes"`
	Items     []createOrderItemRequest `json:"items"`
	Totals    totalsRequest            `json:"totals"`
}

type createOrderItemRequest struct {
	Name      string `json:"name"`
	Quantity  int32  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Notes     string `json:"notes"`
}

type totalsRequest struct {
	Subtotal       string `json:"subtotal"`
	DiscountAmount string `json:"discount_amount"`
	TaxAmount      string `json:"tax_amount"`
	TotalAmount    string `json:"total_amount"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type assignDriverRequest struct {
	DriverID string `json:"driver_id"`
}

// --- Handlers ---

// List handles GET /orders.
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"orders": h.store.Orders()})
}

// Get handles GET /orders/{id}.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}
	rec, err := h.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Reload handles POST /orders/reload: explicit full refetch.
func (h *OrderHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.store.LoadOrders(r.Context()); err != nil {
		if errors.Is(err, orders.ErrBranchUnresolved) {
			writeError(w, http.StatusServiceUnavailable, "terminal identity not resolved")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": h.store.Orders()})
}

// Create handles POST /orders.
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrderType == "" {
		writeError(w, http.StatusBadRequest, "order_type is required")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items are required")
		return
	}

	items := make([]domain.OrderItem, len(req.Items))
	for i, it := range req.Items {
		if it.Quantity <= 0 {
			writeError(w, http.StatusBadRequest, "quantity must be > 0")
			return
		}
		price, err := decimal.NewFromString(it.UnitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid unit_price")
			return
		}
		items[i] = domain.OrderItem{
			ID:        uuid.New(),
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: price,
			Notes:     it.Notes,
		}
	}

	totals, err := parseTotals(req.Totals)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.store.CreateOrder(r.Context(), orders.CreateOrderRequest{
		OrderType: req.OrderType,
		Notes:     req.Notes,
		Items:     items,
		Totals:    totals,
	})
	if err != nil {
		var me *orders.MutationError
		if errors.As(err, &me) && me.Retryable() {
			// Queued locally; created with 202 so the UI shows it as
			// pending sync.
			writeJSON(w, http.StatusAccepted, rec)
			return
		}
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// UpdateStatus handles PATCH /orders/{id}/status.
func (h *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, id uuid.UUID) (domain.OrderRecord, error) {
		var req updateStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return domain.OrderRecord{}, errBadBody
		}
		return h.store.UpdateOrderStatus(ctx, id, req.Status)
	})
}

// AssignDriver handles PATCH /orders/{id}/driver.
func (h *OrderHandler) AssignDriver(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, id uuid.UUID) (domain.OrderRecord, error) {
		var req assignDriverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return domain.OrderRecord{}, errBadBody
		}
		return h.store.AssignDriver(ctx, id, req.DriverID)
	})
}

// ConvertToPickup handles POST /orders/{id}/convert-to-pickup.
func (h *OrderHandler) ConvertToPickup(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, id uuid.UUID) (domain.OrderRecord, error) {
		return h.store.ConvertToPickup(ctx, id)
	})
}

// Approve handles POST /orders/{id}/approve.
func (h *OrderHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, id uuid.UUID) (domain.OrderRecord, error) {
		return h.store.ApproveOrder(ctx, id)
	})
}

// Decline handles POST /orders/{id}/decline.
func (h *OrderHandler) Decline(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, id uuid.UUID) (domain.OrderRecord, error) {
		return h.store.DeclineOrder(ctx, id)
	})
}

// RedeemCoupon handles POST /orders/{id}/coupons/{cid}/redeem.
func (h *OrderHandler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}
	couponID := chi.URLParam(r, "cid")
	if couponID == "" {
		writeError(w, http.StatusBadRequest, "coupon ID is required")
		return
	}

	if err := h.loyalty.RedeemCoupon(r.Context(), id, couponID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// --- Helpers ---

var errBadBody = errors.New("invalid request body")

// mutate runs the shared parse/dispatch/respond flow for order mutations.
func (h *OrderHandler) mutate(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (domain.OrderRecord, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	rec, err := fn(r.Context(), id)
	if err != nil {
		if errors.Is(err, errBadBody) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		var me *orders.MutationError
		if errors.As(err, &me) && me.Retryable() {
			writeJSON(w, http.StatusAccepted, rec)
			return
		}
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func parseTotals(t totalsRequest) (domain.Totals, error) {
	parse := func(s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	}

	var out domain.Totals
	var err error
	if out.Subtotal, err = parse(t.Subtotal); err != nil {
		return domain.Totals{}, errors.New("invalid subtotal")
	}
	if out.DiscountAmount, err = parse(t.DiscountAmount); err != nil {
		return domain.Totals{}, errors.New("invalid discount_amount")
	}
	if out.TaxAmount, err = parse(t.TaxAmount); err != nil {
		return domain.Totals{}, errors.New("invalid tax_amount")
	}
	if out.TotalAmount, err = parse(t.TotalAmount); err != nil {
		return domain.Totals{}, errors.New("invalid total_amount")
	}
	return out, nil
}
