package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiwari-pos/terminal/internal/domain"
	"github.com/kiwari-pos/terminal/internal/orders"
)

// ConflictStore defines the store methods conflict handlers need.
// Satisfied by *orders.Store.
type ConflictStore interface {
	Conflicts() []domain.SyncConflict
	ResolveConflict(ctx context.Context, conflictID uuid.UUID, strategy string) (domain.OrderRecord, error)
}

// ConflictHandler exposes the pending conflict set and resolution.
type ConflictHandler struct {
	store ConflictStore
}

func NewConflictHandler(store ConflictStore) *ConflictHandler {
	return &ConflictHandler{store: store}
}

func (h *ConflictHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/{id}/resolve", h.Resolve)
}

type resolveRequest struct {
	Strategy string `json:"strategy"`
}

// List handles GET /conflicts.
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": h.store.Conflicts()})
}

// Resolve handles POST /conflicts/{id}/resolve. A failed write-back
// returns 502 and the conflict stays pending; the UI retries the call.
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conflict ID")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := h.store.ResolveConflict(r.Context(), id, req.Strategy)
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrConflictNotFound):
			writeError(w, http.StatusNotFound, "conflict not found")
		case errors.Is(err, orders.ErrInvalidStrategy):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
