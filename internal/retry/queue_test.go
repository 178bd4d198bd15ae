package retry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kiwari-pos/terminal/internal/bus"
	"github.com/kiwari-pos/terminal/internal/domain"
	"github.com/kiwari-pos/terminal/internal/enum"
	"github.com/kiwari-pos/terminal/internal/localstore"
)

type memStorage struct {
	mu    sync.Mutex
	items map[string]localstore.RetryItem
}

func newMemStorage() *memStorage {
	return &memStorage{items: make(map[string]localstore.RetryItem)}
}

func (m *memStorage) InsertRetryItem(ctx context.Context, it localstore.RetryItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[it.OpID]; exists {
		return false, nil
	}
	it.Status = enum.RetryStatusQueued
	m.items[it.OpID] = it
	return true, nil
}

func (m *memStorage) ListDueRetryItems(ctx context.Context, now time.Time) ([]localstore.RetryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []localstore.RetryItem
	for _, it := range m.items {
		if it.Status == enum.RetryStatusQueued && !it.NextAttemptAt.After(now) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *memStorage) RescheduleRetryItem(ctx context.Context, opID string, attempts int, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[opID]
	it.Attempts = attempts
	it.NextAttemptAt = next
	m.items[opID] = it
	return nil
}

func (m *memStorage) MarkRetryItemStatus(ctx context.Context, opID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[opID]
	it.Status = status
	m.items[opID] = it
	return nil
}

func (m *memStorage) ListRetryItems(ctx context.Context) ([]localstore.RetryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]localstore.RetryItem, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	return out, nil
}

func (m *memStorage) get(opID string) localstore.RetryItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[opID]
}

func newTestQueue(store Storage) *Queue {
	q := New(store, bus.New(), time.Minute, zap.NewNop())
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }
	return q
}

func TestEnqueueIsIdempotentPerOpID(t *testing.T) {
	store := newMemStorage()
	q := newTestQueue(store)
	ctx := context.Background()

	inserted, err := q.Enqueue(ctx, "order-1:coupon-A", enum.RetryKindCouponRedemption, []byte(`{}`))
	if err != nil || !inserted {
		t.Fatalf("first enqueue: inserted=%v err=%v", inserted, err)
	}
	inserted, err = q.Enqueue(ctx, "order-1:coupon-A", enum.RetryKindCouponRedemption, []byte(`{}`))
	if err != nil || inserted {
		t.Fatalf("second enqueue: inserted=%v err=%v, want no-op", inserted, err)
	}

	items, _ := q.Items(ctx)
	if len(items) != 1 {
		t.Errorf("items = %d, want 1", len(items))
	}
}

func TestProcessQueueRetriesUntilSuccess(t *testing.T) {
	store := newMemStorage()
	q := newTestQueue(store)
	ctx := context.Background()

	calls := 0
	q.Register(enum.RetryKindCouponRedemption, func(ctx context.Context, opID string, payload []byte) error {
		calls++
		if calls < 3 {
			return domain.NewRemoteError(enum.FailureConnectivity, "offline")
		}
		return nil
	})

	q.Enqueue(ctx, "op-1", enum.RetryKindCouponRedemption, []byte(`{}`))

	// Two failing rounds back the item off, then a third succeeds. The
	// clock jumps past each scheduled attempt.
	base := q.now()
	for i := 0; i < 3; i++ {
		step := base.Add(time.Duration(i) * time.Hour)
		q.now = func() time.Time { return step }
		q.ProcessQueue(ctx)
	}

	if calls != 3 {
		t.Errorf("executor ran %d times, want 3", calls)
	}
	if got := store.get("op-1").Status; got != enum.RetryStatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", got)
	}

	// A succeeded item is never attempted again.
	q.ProcessQueue(ctx)
	if calls != 3 {
		t.Errorf("executor ran %d times after success, want 3", calls)
	}
}

func TestNonRetryableFailureKillsItem(t *testing.T) {
	store := newMemStorage()
	q := newTestQueue(store)
	ctx := context.Background()

	q.Register(enum.RetryKindCouponRedemption, func(ctx context.Context, opID string, payload []byte) error {
		return domain.NewRemoteError(enum.FailureBusinessRule, "coupon expired")
	})
	q.Enqueue(ctx, "op-dead", enum.RetryKindCouponRedemption, []byte(`{}`))
	q.ProcessQueue(ctx)

	it := store.get("op-dead")
	if it.Status != enum.RetryStatusDead {
		t.Errorf("status = %s, want DEAD", it.Status)
	}
}

func TestItemDiesAfterMaxAttempts(t *testing.T) {
	store := newMemStorage()
	q := newTestQueue(store)
	ctx := context.Background()

	calls := 0
	q.Register(enum.RetryKindSettingsAck, func(ctx context.Context, opID string, payload []byte) error {
		calls++
		return domain.NewRemoteError(enum.FailureConnectivity, "offline")
	})
	q.Enqueue(ctx, "op-doomed", enum.RetryKindSettingsAck, []byte(`{}`))

	base := q.now()
	for i := 0; i < defaultMaxAttempts+5; i++ {
		step := base.Add(time.Duration(i) * 24 * time.Hour)
		q.now = func() time.Time { return step }
		q.ProcessQueue(ctx)
	}

	if calls != defaultMaxAttempts {
		t.Errorf("executor ran %d times, want %d", calls, defaultMaxAttempts)
	}
	it := store.get("op-doomed")
	if it.Status != enum.RetryStatusDead {
		t.Errorf("status = %s, want DEAD (kept for inspection)", it.Status)
	}
}

func TestUnregisteredKindStaysQueued(t *testing.T) {
	store := newMemStorage()
	q := newTestQueue(store)
	ctx := context.Background()

	q.Enqueue(ctx, "op-unknown", "SOME_FUTURE_KIND", []byte(`{}`))
	q.ProcessQueue(ctx)

	it := store.get("op-unknown")
	if it.Status != enum.RetryStatusQueued || it.Attempts != 0 {
		t.Errorf("item = %+v, want untouched QUEUED", it)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		5 * time.Minute,
		5 * time.Minute,
	}
	for i, w := range want {
		if got := delayFor(i + 1); got != w {
			t.Errorf("delayFor(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestWrappedConnectivityErrorIsRetryable(t *testing.T) {
	err := domain.NewRemoteError(enum.FailureConnectivity, "dial tcp: refused")
	if !domain.Retryable(fmt.Errorf("redeem coupon: %w", err)) {
		t.Error("wrapped connectivity error not retryable")
	}
}
