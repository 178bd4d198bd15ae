package orders

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kiwari-pos/terminal/internal/bus"
	"github.com/kiwari-pos/terminal/internal/domain"
	"github.com/kiwari-pos/terminal/internal/enum"
)

// statusTransitions is the order lifecycle the terminal enforces before
// talking to the order-of-record. The service re-validates; this just
// rejects obvious operator mistakes without a round trip.
var statusTransitions = map[string][]string{
	enum.OrderStatusPendingApproval: {enum.OrderStatusPending, enum.OrderStatusCancelled},
	enum.OrderStatusPending:         {enum.OrderStatusConfirmed, enum.OrderStatusCancelled},
	enum.OrderStatusConfirmed:       {enum.OrderStatusPreparing, enum.OrderStatusCancelled},
	enum.OrderStatusPreparing:       {enum.OrderStatusReady, enum.OrderStatusCancelled},
	enum.OrderStatusReady:           {enum.OrderStatusDelivered, enum.OrderStatusCompleted},
	enum.OrderStatusDelivered:       {enum.OrderStatusCompleted},
}

func transitionAllowed(from, to string) bool {
	for _, t := range statusTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CreateOrderRequest is the validated input for local order creation.
type CreateOrderRequest struct {
	OrderType string
	Notes     string
	Items     []domain.OrderItem
	Totals    domain.Totals
}

// CreateOrder inserts a local order optimistically and submits it. On a
// connectivity failure the order stays local and dirty, to be flushed on
// reconnect; on an authoritative rejection the optimistic insert is undone.
func (s *Store) CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.OrderRecord, error) {
	switch req.OrderType {
	case enum.OrderTypePickup, enum.OrderTypeDelivery, enum.OrderTypeDineIn:
	default:
		return domain.OrderRecord{}, &MutationError{Reason: enum.FailureValidation, Err: ErrInvalidOrderType}
	}
	if len(req.Items) == 0 {
		return domain.OrderRecord{}, &MutationError{Reason: enum.FailureValidation, Err: ErrEmptyItems}
	}

	branch := s.ident.Current().BranchID
	if branch == "" {
		return domain.OrderRecord{}, &MutationError{Reason: enum.FailureConnectivity, Err: ErrBranchUnresolved}
	}

	now := s.now()
	rec := domain.OrderRecord{
		ID:             uuid.New(),
		Status:         enum.OrderStatusPending,
		OrderType:      req.OrderType,
		Origin:         enum.OrderOriginLocal,
		Notes:          req.Notes,
		Items:          req.Items,
		Totals:         req.Totals,
		LocalMutatedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mu.Lock()
	s.orders[rec.ID] = rec
	s.journalLocked(ctx, rec)
	s.mu.Unlock()
	s.events.Publish(bus.TopicOrderUpdated, rec)

	created, err := s.remote.CreateOrder(ctx, branch, rec)
	if err != nil {
		reason := domain.ReasonOf(err)
		if reason == enum.FailureConnectivity {
			return rec, &MutationError{Reason: reason, Err: err}
		}
		// Authoritative rejection: undo the insert.
		s.mu.Lock()
		delete(s.orders, rec.ID)
		s.mu.Unlock()
		if jerr := s.journal.DeleteOrderSnapshot(ctx, rec.ID.String()); jerr != nil {
			s.log.Warn("journal delete failed", zap.Error(jerr))
		}
		return domain.OrderRecord{}, &MutationError{Reason: reason, RolledBack: true, Err: err}
	}

	return s.confirm(ctx, rec.ID, created.SyncVersion, func(r *domain.OrderRecord) {
		r.OrderNumber = created.OrderNumber
		r.UpdatedAt = created.UpdatedAt
	}), nil
}

// UpdateOrderStatus transitions an order through its lifecycle.
func (s *Store) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status string) (domain.OrderRecord, error) {
	return s.mutate(ctx, id,
		func(rec domain.OrderRecord) error {
			if !transitionAllowed(rec.Status, status) {
				return ErrInvalidStatus
			}
			return nil
		},
		func(rec *domain.OrderRecord) { rec.Status = status },
		func(ctx context.Context, rec domain.OrderRecord) (int64, error) {
			return s.remote.UpdateOrderStatus(ctx, rec.ID, status, rec.SyncVersion)
		})
}

// AssignDriver attaches a driver to a delivery order.
func (s *Store) AssignDriver(ctx context.Context, id uuid.UUID, driverID string) (domain.OrderRecord, error) {
	return s.mutate(ctx, id,
		func(rec domain.OrderRecord) error {
			if rec.OrderType != enum.OrderTypeDelivery {
				return ErrNotDelivery
			}
			return nil
		},
		func(rec *domain.OrderRecord) { rec.DriverID = driverID },
		func(ctx context.Context, rec domain.OrderRecord) (int64, error) {
			return s.remote.AssignDriver(ctx, rec.ID, driverID, rec.SyncVersion)
		})
}

// ConvertToPickup switches a delivery order to customer pickup.
func (s *Store) ConvertToPickup(ctx context.Context, id uuid.UUID) (domain.OrderRecord, error) {
	return s.mutate(ctx, id,
		func(rec domain.OrderRecord) error {
			if rec.OrderType != enum.OrderTypeDelivery {
				return ErrNotDelivery
			}
			return nil
		},
		func(rec *domain.OrderRecord) {
			rec.OrderType = enum.OrderTypePickup
			rec.DriverID = ""
		},
		func(ctx context.Context, rec domain.OrderRecord) (int64, error) {
			return s.remote.ConvertToPickup(ctx, rec.ID, rec.SyncVersion)
		})
}

// ApproveOrder accepts an externally submitted order into the normal
// lifecycle. A confirmed approval prints the kitchen copy on the bridge.
func (s *Store) ApproveOrder(ctx context.Context, id uuid.UUID) (domain.OrderRecord, error) {
	rec, err := s.mutate(ctx, id,
		func(rec domain.OrderRecord) error {
			if rec.Status != enum.OrderStatusPendingApproval {
				return ErrNotPendingApproval
			}
			return nil
		},
		func(rec *domain.OrderRecord) { rec.Status = enum.OrderStatusPending },
		func(ctx context.Context, rec domain.OrderRecord) (int64, error) {
			return s.remote.ApproveOrder(ctx, rec.ID, rec.SyncVersion)
		})
	if err != nil {
		return rec, err
	}
	s.printer.PrintReceipt(renderReceipt(rec))
	return rec, nil
}

// DeclineOrder rejects an externally submitted order.
func (s *Store) DeclineOrder(ctx context.Context, id uuid.UUID) (domain.OrderRecord, error) {
	return s.mutate(ctx, id,
		func(rec domain.OrderRecord) error {
			if rec.Status != enum.OrderStatusPendingApproval {
				return ErrNotPendingApproval
			}
			return nil
		},
		func(rec *domain.OrderRecord) { rec.Status = enum.OrderStatusCancelled },
		func(ctx context.Context, rec domain.OrderRecord) (int64, error) {
			return s.remote.DeclineOrder(ctx, rec.ID, rec.SyncVersion)
		})
}

// mutate runs the shared optimistic-mutation flow: validate, apply the
// local change, attempt the remote write, and on rejection either roll
// back (authoritative) or materialize a conflict (version mismatch).
// Connectivity failures keep the optimistic state for a later flush.
func (s *Store) mutate(
	ctx context.Context,
	id uuid.UUID,
	validate func(domain.OrderRecord) error,
	apply func(*domain.OrderRecord),
	push func(context.Context, domain.OrderRecord) (int64, error),
) (domain.OrderRecord, error) {
	s.mu.Lock()
	prev, ok := s.orders[id]
	if !ok {
		s.mu.Unlock()
		return domain.OrderRecord{}, &MutationError{Reason: enum.FailureNotFound, Err: ErrOrderNotFound}
	}
	if err := validate(prev); err != nil {
		s.mu.Unlock()
		return domain.OrderRecord{}, &MutationError{Reason: enum.FailureValidation, Err: err}
	}

	rec := prev
	apply(&rec)
	rec.LocalMutatedAt = s.now()
	rec.UpdatedAt = rec.LocalMutatedAt
	s.orders[id] = rec
	s.journalLocked(ctx, rec)
	s.mu.Unlock()
	s.events.Publish(bus.TopicOrderUpdated, rec)

	version, err := push(ctx, prev)
	if err == nil {
		return s.confirm(ctx, id, version, func(*domain.OrderRecord) {}), nil
	}

	switch reason := domain.ReasonOf(err); reason {
	case enum.FailureConnectivity:
		// Keep the optimistic state; FlushDirty retries on reconnect.
		return rec, &MutationError{Reason: reason, Err: err}
	case enum.FailureVersionConflict:
		s.materializeConflict(ctx, rec)
		return rec, &MutationError{Reason: reason, Conflicted: true, Err: err}
	default:
		// Authoritative rejection: restore the pre-mutation copy.
		s.mu.Lock()
		s.orders[id] = prev
		s.journalLocked(ctx, prev)
		s.mu.Unlock()
		s.events.Publish(bus.TopicOrderUpdated, prev)
		return prev, &MutationError{Reason: reason, RolledBack: true, Err: err}
	}
}
