package orders

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/kiwari-pos/terminal/internal/enum"
)

type mockEnqueuer struct {
	enqueued map[string]string
	kicks    int
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, opID, kind string, payload []byte) (bool, error) {
	if _, exists := m.enqueued[opID]; exists {
		return false, nil
	}
	m.enqueued[opID] = kind
	return true, nil
}

func (m *mockEnqueuer) Kick() { m.kicks++ }

func TestRedeemCouponQueuesUnderStableKey(t *testing.T) {
	q := &mockEnqueuer{enqueued: make(map[string]string)}
	l := NewLoyalty(q)
	orderID := uuid.New()

	if err := l.RedeemCoupon(context.Background(), orderID, "SAVE10"); err != nil {
		t.Fatalf("RedeemCoupon: %v", err)
	}
	// Same order+coupon pair again: still one queued item, queue kicked
	// each time.
	if err := l.RedeemCoupon(context.Background(), orderID, "SAVE10"); err != nil {
		t.Fatalf("RedeemCoupon repeat: %v", err)
	}

	if len(q.enqueued) != 1 {
		t.Errorf("enqueued = %d items, want 1", len(q.enqueued))
	}
	wantKey := orderID.String() + ":SAVE10"
	if kind, ok := q.enqueued[wantKey]; !ok || kind != enum.RetryKindCouponRedemption {
		t.Errorf("enqueued = %+v, want %q as COUPON_REDEMPTION", q.enqueued, wantKey)
	}
	if q.kicks != 2 {
		t.Errorf("kicks = %d, want 2", q.kicks)
	}
}

func TestAckSettingsKeyedByRevision(t *testing.T) {
	q := &mockEnqueuer{enqueued: make(map[string]string)}
	l := NewLoyalty(q)

	if err := l.AckSettings(context.Background(), "rev-42"); err != nil {
		t.Fatalf("AckSettings: %v", err)
	}
	if kind, ok := q.enqueued["settings-ack:rev-42"]; !ok || kind != enum.RetryKindSettingsAck {
		t.Errorf("enqueued = %+v, want settings-ack:rev-42 as SETTINGS_ACK", q.enqueued)
	}
}
