package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiwari-pos/terminal/internal/domain"
	"github.com/kiwari-pos/terminal/internal/identity"
	"github.com/kiwari-pos/terminal/internal/localstore"
)

// IdentityResolver is the slice of the resolver the system handlers use.
// Satisfied by *identity.Resolver.
type IdentityResolver interface {
	Current() identity.Identity
	Resolving() bool
	Resolve(ctx context.Context, opts identity.Options) identity.Identity
}

// RetryInspector exposes queue contents. Satisfied by *retry.Queue.
type RetryInspector interface {
	Items(ctx context.Context) ([]localstore.RetryItem, error)
	Kick()
}

// PendingLister exposes the pending-approval view. Satisfied by
// *orders.Store.
type PendingLister interface {
	PendingExternal() []domain.OrderRecord
}

// Dismisser moves an alerting order to the view state. Satisfied by
// *alert.Controller.
type Dismisser interface {
	Dismiss(orderID uuid.UUID)
	State(orderID uuid.UUID) string
}

// SystemHandler serves identity, retry-queue, and alert endpoints.
type SystemHandler struct {
	resolver IdentityResolver
	queue    RetryInspector
	pending  PendingLister
	alerts   Dismisser
}

func NewSystemHandler(resolver IdentityResolver, queue RetryInspector, pending PendingLister, alerts Dismisser) *SystemHandler {
	return &SystemHandler{resolver: resolver, queue: queue, pending: pending, alerts: alerts}
}

func (h *SystemHandler) RegisterRoutes(r chi.Router) {
	r.Get("/identity", h.Identity)
	r.Post("/identity/refresh", h.RefreshIdentity)
	r.Get("/retry-items", h.RetryItems)
	r.Post("/retry-items/kick", h.KickQueue)
	r.Get("/pending-approvals", h.PendingApprovals)
	r.Post("/alerts/{id}/dismiss", h.DismissAlert)
}

type identityResponse struct {
	identity.Identity
	Resolving bool `json:"resolving"`
}

// Identity handles GET /identity.
func (h *SystemHandler) Identity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, identityResponse{
		Identity:  h.resolver.Current(),
		Resolving: h.resolver.Resolving(),
	})
}

// RefreshIdentity handles POST /identity/refresh: a blocking forced
// re-resolution, bounded by the resolver timeout.
func (h *SystemHandler) RefreshIdentity(w http.ResponseWriter, r *http.Request) {
	id := h.resolver.Resolve(r.Context(), identity.Options{
		ForceRefresh: true,
		Block:        true,
		Require:      identity.RequireBoth,
	})
	writeJSON(w, http.StatusOK, identityResponse{Identity: id, Resolving: h.resolver.Resolving()})
}

type retryItemResponse struct {
	OpID          string `json:"op_id"`
	Kind          string `json:"kind"`
	Attempts      int    `json:"attempts"`
	Status        string `json:"status"`
	NextAttemptAt string `json:"next_attempt_at"`
}

// RetryItems handles GET /retry-items.
func (h *SystemHandler) RetryItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.Items(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]retryItemResponse, len(items))
	for i, it := range items {
		out[i] = retryItemResponse{
			OpID:          it.OpID,
			Kind:          it.Kind,
			Attempts:      it.Attempts,
			Status:        it.Status,
			NextAttemptAt: it.NextAttemptAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// KickQueue handles POST /retry-items/kick: immediate drain.
func (h *SystemHandler) KickQueue(w http.ResponseWriter, r *http.Request) {
	h.queue.Kick()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "kicked"})
}

// PendingApprovals handles GET /pending-approvals.
func (h *SystemHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending := h.pending.PendingExternal()
	type entry struct {
		domain.OrderRecord
		AlertState string `json:"alert_state"`
	}
	out := make([]entry, len(pending))
	for i, rec := range pending {
		out[i] = entry{OrderRecord: rec, AlertState: h.alerts.State(rec.ID)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

// DismissAlert handles POST /alerts/{id}/dismiss.
func (h *SystemHandler) DismissAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}
	h.alerts.Dismiss(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}
