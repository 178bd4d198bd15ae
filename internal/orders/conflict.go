package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiwari-pos/terminal/internal/bus"
	"github.com/kiwari-pos/terminal/internal/domain"
	"github.com/kiwari-pos/terminal/internal/enum"
)

// ResolveConflict applies a resolution strategy to a pending conflict and
// clears it. If the strategy's write-back to the order-of-record fails,
// the conflict stays pending and the call can simply be repeated.
func (s *Store) ResolveConflict(ctx context.Context, conflictID uuid.UUID, strategy string) (domain.OrderRecord, error) {
	s.mu.Lock()
	c, ok := s.conflicts[conflictID]
	s.mu.Unlock()
	if !ok {
		return domain.OrderRecord{}, ErrConflictNotFound
	}

	var resolved domain.OrderRecord
	switch strategy {
	case enum.StrategyAcceptLocal:
		rec := c.Local
		version, err := s.remote.PushOrder(ctx, rec, true)
		if err != nil {
			return domain.OrderRecord{}, fmt.Errorf("accept-local write-back: %w", err)
		}
		rec.SyncVersion = version
		rec.LocalMutatedAt = time.Time{}
		resolved = rec

	case enum.StrategyAcceptRemote:
		// Adopt the remote snapshot verbatim; local unsynced mutations
		// for this order are discarded.
		resolved = c.Remote
		resolved.LocalMutatedAt = time.Time{}

	case enum.StrategyMerge:
		rec := mergeRecords(c.Local, c.Remote)
		version, err := s.remote.PushOrder(ctx, rec, true)
		if err != nil {
			return domain.OrderRecord{}, fmt.Errorf("merge write-back: %w", err)
		}
		rec.SyncVersion = version
		rec.LocalMutatedAt = time.Time{}
		resolved = rec

	default:
		return domain.OrderRecord{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	s.mu.Lock()
	if cur, ok := s.orders[resolved.ID]; ok && !cur.LocalMutatedAt.Equal(c.Local.LocalMutatedAt) {
		// The order picked up another local mutation while the write-back
		// was in flight. Keep it; the next refresh reconciles it against
		// the resolved remote state.
		delete(s.conflicts, conflictID)
		s.mu.Unlock()
		return cur, nil
	}
	s.orders[resolved.ID] = resolved
	delete(s.conflicts, conflictID)
	s.journalLocked(ctx, resolved)
	s.mu.Unlock()

	s.events.Publish(bus.TopicOrderUpdated, resolved)
	return resolved, nil
}
