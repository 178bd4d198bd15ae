// Package orders is the single source of truth for the terminal's order
// collection. It applies local mutations optimistically, reconciles the
// collection against the order-of-record in the background, and turns
// version divergence into explicit conflicts instead of overwriting data.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kiwari-pos/terminal/internal/bus"
	"github.com/kiwari-pos/terminal/internal/domain"
	"github.com/kiwari-pos/terminal/internal/enum"
	"github.com/kiwari-pos/terminal/internal/identity"
	"github.com/kiwari-pos/terminal/internal/localstore"
)

// Errors returned by the store.
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrConflictNotFound   = errors.New("conflict not found")
	ErrInvalidStatus      = errors.New("invalid status")
	ErrInvalidOrderType   = errors.New("invalid order type")
	ErrEmptyItems         = errors.New("items are required")
	ErrNotDelivery        = errors.New("order is not a delivery order")
	ErrNotPendingApproval = errors.New("order is not pending approval")
	ErrInvalidStrategy    = errors.New("invalid resolution strategy")
	ErrBranchUnresolved   = errors.New("branch identity not resolved")
)

// MutationError reports a failed mutation together with the
// machine-checkable reason the caller branches on. Expected failures never
// cross this boundary as anything else.
type MutationError struct {
	Reason string
	// RolledBack is set when the optimistic local change was undone
	// (authoritative remote rejection).
	RolledBack bool
	// Conflicted is set when the rejection materialized a SyncConflict.
	Conflicted bool
	Err        error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation failed (%s): %v", e.Reason, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Retryable reports whether the mutation should be retried later; the
// optimistic local state is still in place when it is.
func (e *MutationError) Retryable() bool { return e.Reason == enum.FailureConnectivity }

// RemoteService is the slice of the order-of-record client the store
// needs. Satisfied by *remote.Client; narrow interface for testability.
type RemoteService interface {
	FetchOrders(ctx context.Context, branchID string) ([]domain.OrderRecord, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (domain.OrderRecord, error)
	CreateOrder(ctx context.Context, branchID string, rec domain.OrderRecord) (domain.OrderRecord, error)
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status string, expectedVersion int64) (int64, error)
	AssignDriver(ctx context.Context, orderID uuid.UUID, driverID string, expectedVersion int64) (int64, error)
	ConvertToPickup(ctx context.Context, orderID uuid.UUID, expectedVersion int64) (int64, error)
	ApproveOrder(ctx context.Context, orderID uuid.UUID, expectedVersion int64) (int64, error)
	DeclineOrder(ctx context.Context, orderID uuid.UUID, expectedVersion int64) (int64, error)
	PushOrder(ctx context.Context, rec domain.OrderRecord, force bool) (int64, error)
}

// IdentityProvider supplies the branch context for remote calls.
// Satisfied by *identity.Resolver.
type IdentityProvider interface {
	Current() identity.Identity
}

// Journal persists order snapshots so the collection survives an offline
// restart. Satisfied by *localstore.Store.
type Journal interface {
	UpsertOrderSnapshot(ctx context.Context, snap localstore.OrderSnapshot) error
	ListOrderSnapshots(ctx context.Context) ([]localstore.OrderSnapshot, error)
	DeleteOrderSnapshot(ctx context.Context, orderID string) error
}

// Printer puts approved orders on the hardware bridge's receipt printer.
// Fire-and-forget; satisfied by *remote.Bridge.
type Printer interface {
	PrintReceipt(payload string)
}

// Store owns the order collection and the conflict set exclusively; no
// other component mutates them.
type Store struct {
	remote  RemoteService
	ident   IdentityProvider
	journal Journal
	printer Printer
	events  *bus.Bus
	log     *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	orders    map[uuid.UUID]domain.OrderRecord
	conflicts map[uuid.UUID]domain.SyncConflict
	loading   bool
}

// New creates an empty Store.
func New(remote RemoteService, ident IdentityProvider, journal Journal, printer Printer, events *bus.Bus, log *zap.Logger) *Store {
	return &Store{
		remote:    remote,
		ident:     ident,
		journal:   journal,
		printer:   printer,
		events:    events,
		log:       log,
		now:       time.Now,
		orders:    make(map[uuid.UUID]domain.OrderRecord),
		conflicts: make(map[uuid.UUID]domain.SyncConflict),
	}
}

// ── Reads ──

// Orders returns a snapshot of the collection, newest first.
func (s *Store) Orders() []domain.OrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OrderRecord, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Get returns one order.
func (s *Store) Get(id uuid.UUID) (domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.OrderRecord{}, ErrOrderNotFound
	}
	return o, nil
}

// PendingExternal returns externally submitted orders awaiting approval,
// in arrival order.
func (s *Store) PendingExternal() []domain.OrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderRecord
	for _, o := range s.orders {
		if o.Origin == enum.OrderOriginExternal && o.Status == enum.OrderStatusPendingApproval {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Conflicts returns the pending conflict set, oldest first.
func (s *Store) Conflicts() []domain.SyncConflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SyncConflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// Loading reports whether a foreground load is in flight. Silent refreshes
// never flip this.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// ── Startup ──

// Restore rebuilds the in-memory collection from the journal. Called once
// on startup before any network activity, so a terminal that restarts
// offline still shows its orders.
func (s *Store) Restore(ctx context.Context) error {
	snaps, err := s.journal.ListOrderSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sn := range snaps {
		var rec domain.OrderRecord
		if err := json.Unmarshal(sn.Payload, &rec); err != nil {
			s.log.Warn("skipping corrupt order snapshot", zap.String("order_id", sn.OrderID), zap.Error(err))
			continue
		}
		s.orders[rec.ID] = rec
	}
	return nil
}

// ── Fetches ──

// LoadOrders performs a full foreground fetch and rebuilds the collection.
// Orders with unsynced local mutations are never discarded: they either
// stay as-is or turn into conflicts. Returns a retryable error when the
// service is unreachable.
func (s *Store) LoadOrders(ctx context.Context) error {
	branch := s.ident.Current().BranchID
	if branch == "" {
		return ErrBranchUnresolved
	}

	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	fetched, err := s.remote.FetchOrders(ctx, branch)
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}

	s.apply(ctx, fetched, true)
	return nil
}

// SilentRefresh fetches in the background and reconciles without flipping
// the loading flag. Orders that vanished remotely are kept (they are never
// hard-deleted during a session).
func (s *Store) SilentRefresh(ctx context.Context) error {
	branch := s.ident.Current().BranchID
	if branch == "" {
		return ErrBranchUnresolved
	}

	fetched, err := s.remote.FetchOrders(ctx, branch)
	if err != nil {
		// Connectivity failures are silent; the next cycle retries.
		s.log.Debug("silent refresh failed", zap.Error(err))
		return fmt.Errorf("silent refresh: %w", err)
	}

	s.apply(ctx, fetched, false)
	return nil
}

// apply reconciles fetched snapshots into the collection. For each order:
//   - unknown locally: adopt.
//   - clean local copy: adopt only when the remote version is newer, so a
//     stale read can never regress a confirmed write.
//   - dirty local copy: remote version newer than the local base raises a
//     conflict; an equal or older remote snapshot is dropped.
//
// replace additionally removes clean orders that the fetch no longer
// returned (explicit reload semantics).
func (s *Store) apply(ctx context.Context, fetched []domain.OrderRecord, replace bool) {
	type event struct {
		topic   string
		payload any
	}
	var events []event

	s.mu.Lock()
	seen := make(map[uuid.UUID]bool, len(fetched))
	for _, rem := range fetched {
		seen[rem.ID] = true
		loc, ok := s.orders[rem.ID]
		if !ok {
			s.orders[rem.ID] = rem
			s.journalLocked(ctx, rem)
			events = append(events, event{bus.TopicOrderUpdated, rem})
			continue
		}

		if !loc.Dirty() {
			if rem.SyncVersion > loc.SyncVersion {
				s.orders[rem.ID] = rem
				s.journalLocked(ctx, rem)
				events = append(events, event{bus.TopicOrderUpdated, rem})
			}
			continue
		}

		// Dirty local copy.
		if rem.SyncVersion <= loc.SyncVersion {
			// Stale or unchanged remote snapshot; the local mutation is
			// more recent. Drop it.
			continue
		}
		if c, raised := s.raiseConflictLocked(loc, rem); raised {
			events = append(events, event{bus.TopicConflictDetected, c})
		}
	}

	if replace {
		for id, loc := range s.orders {
			if !seen[id] && !loc.Dirty() {
				delete(s.orders, id)
				if err := s.journal.DeleteOrderSnapshot(ctx, id.String()); err != nil {
					s.log.Warn("journal delete failed", zap.Error(err))
				}
			}
		}
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.events.Publish(ev.topic, ev.payload)
	}
}

// raiseConflictLocked records a conflict for the order unless one is
// already pending. Caller holds s.mu.
func (s *Store) raiseConflictLocked(loc, rem domain.OrderRecord) (domain.SyncConflict, bool) {
	for _, c := range s.conflicts {
		if c.OrderID == loc.ID {
			return domain.SyncConflict{}, false
		}
	}
	c := domain.SyncConflict{
		ID:         uuid.New(),
		OrderID:    loc.ID,
		Local:      loc,
		Remote:     rem,
		DetectedAt: s.now(),
	}
	s.conflicts[c.ID] = c
	return c, true
}

// ── External ingestion ──

// IngestExternal adds an order that arrived from an external channel. It
// lands as PENDING_APPROVAL and does not affect inventory or dispatch
// until a human approves it.
func (s *Store) IngestExternal(ctx context.Context, rec domain.OrderRecord) {
	rec.Origin = enum.OrderOriginExternal
	rec.Status = enum.OrderStatusPendingApproval
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	s.mu.Lock()
	if _, exists := s.orders[rec.ID]; exists {
		s.mu.Unlock()
		return
	}
	s.orders[rec.ID] = rec
	s.journalLocked(ctx, rec)
	s.mu.Unlock()

	s.events.Publish(bus.TopicOrderUpdated, rec)
}

// Run wires the store to the event bus: external order arrivals are
// ingested, and restored connectivity triggers a flush of dirty orders
// plus a silent refresh. Blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	external, cancelExt := s.events.Subscribe(bus.TopicExternalOrderCreated)
	defer cancelExt()
	restored, cancelRes := s.events.Subscribe(bus.TopicConnectivityRestored)
	defer cancelRes()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-external:
			if !ok {
				return
			}
			var rec domain.OrderRecord
			if err := json.Unmarshal(ev.Payload, &rec); err != nil {
				s.log.Warn("bad external order payload", zap.Error(err))
				continue
			}
			s.IngestExternal(ctx, rec)
		case _, ok := <-restored:
			if !ok {
				return
			}
			s.FlushDirty(ctx)
			if err := s.SilentRefresh(ctx); err != nil {
				s.log.Debug("refresh after reconnect failed", zap.Error(err))
			}
		}
	}
}

// RunRefresh drives periodic silent refreshes until ctx is cancelled.
func (s *Store) RunRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SilentRefresh(ctx); err != nil {
				continue
			}
		}
	}
}

// FlushDirty re-pushes every order with unsynced local mutations. Version
// mismatches turn into conflicts; other rejections leave the order dirty
// for the operator to resolve via reload.
func (s *Store) FlushDirty(ctx context.Context) {
	s.mu.Lock()
	var dirty []domain.OrderRecord
	for _, o := range s.orders {
		if o.Dirty() {
			dirty = append(dirty, o)
		}
	}
	s.mu.Unlock()

	for _, o := range dirty {
		version, err := s.remote.PushOrder(ctx, o, false)
		if err != nil {
			if domain.ReasonOf(err) == enum.FailureVersionConflict {
				s.materializeConflict(ctx, o)
			}
			continue
		}
		s.confirm(ctx, o.ID, version, func(rec *domain.OrderRecord) {})
	}
}

// ── Helpers shared by mutations ──

// journalLocked persists a snapshot; caller holds s.mu.
func (s *Store) journalLocked(ctx context.Context, rec domain.OrderRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn("journal marshal failed", zap.Error(err))
		return
	}
	if err := s.journal.UpsertOrderSnapshot(ctx, localstore.OrderSnapshot{
		OrderID:     rec.ID.String(),
		Payload:     raw,
		SyncVersion: rec.SyncVersion,
		Dirty:       rec.Dirty(),
	}); err != nil {
		s.log.Warn("journal write failed", zap.Error(err))
	}
}

// confirm marks an order clean at the remote-assigned version and applies
// any final touch-up to the record.
func (s *Store) confirm(ctx context.Context, id uuid.UUID, version int64, touch func(*domain.OrderRecord)) domain.OrderRecord {
	s.mu.Lock()
	rec := s.orders[id]
	rec.SyncVersion = version
	rec.LocalMutatedAt = time.Time{}
	touch(&rec)
	s.orders[id] = rec
	s.journalLocked(ctx, rec)
	s.mu.Unlock()

	s.events.Publish(bus.TopicOrderUpdated, rec)
	return rec
}

// materializeConflict fetches the remote snapshot for a version-conflicted
// order and records the divergence.
func (s *Store) materializeConflict(ctx context.Context, loc domain.OrderRecord) {
	rem, err := s.remote.GetOrder(ctx, loc.ID)
	if err != nil {
		// Conflict confirmed but snapshot unavailable; the next refresh
		// will raise it.
		s.log.Warn("conflict snapshot fetch failed", zap.String("order_id", loc.ID.String()), zap.Error(err))
		return
	}

	s.mu.Lock()
	c, raised := s.raiseConflictLocked(loc, rem)
	s.mu.Unlock()
	if raised {
		s.events.Publish(bus.TopicConflictDetected, c)
	}
}
