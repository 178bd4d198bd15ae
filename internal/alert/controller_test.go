package alert

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kiwari-pos/terminal/internal/bus"
	"github.com/kiwari-pos/terminal/internal/domain"
	"github.com/kiwari-pos/terminal/internal/enum"
)

type countingBeeper struct {
	n atomic.Int64
}

func (b *countingBeeper) Beep() { b.n.Add(1) }

func (b *countingBeeper) count() int64 { return b.n.Load() }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestController() (*Controller, *countingBeeper) {
	beeper := &countingBeeper{}
	c := New(beeper, bus.New(), 10*time.Millisecond, zap.NewNop())
	return c, beeper
}

func externalPending(id uuid.UUID) domain.OrderRecord {
	return domain.OrderRecord{
		ID:     id,
		Origin: enum.OrderOriginExternal,
		Status: enum.OrderStatusPendingApproval,
	}
}

func TestOnlyOneOrderAlertsAtATime(t *testing.T) {
	c, _ := newTestController()
	defer c.Stop()

	first, second := uuid.New(), uuid.New()
	c.Observe(externalPending(first))
	c.Observe(externalPending(second))

	if got := c.Current(); got != first {
		t.Errorf("Current() = %s, want first order %s", got, first)
	}
	if got := c.State(first); got != enum.AlertStateAlerting {
		t.Errorf("first state = %s, want ALERTING", got)
	}
	if got := c.State(second); got != enum.AlertStateIdle {
		t.Errorf("second state = %s, want IDLE while queued", got)
	}
}

func TestAlertBeepsRepeatedly(t *testing.T) {
	c, beeper := newTestController()
	defer c.Stop()

	c.Observe(externalPending(uuid.New()))
	waitFor(t, func() bool { return beeper.count() >= 3 }, "alert did not keep beeping")
}

func TestDismissPromotesNextQueuedOrder(t *testing.T) {
	c, _ := newTestController()
	defer c.Stop()

	first, second := uuid.New(), uuid.New()
	c.Observe(externalPending(first))
	c.Observe(externalPending(second))

	c.Dismiss(first)

	if got := c.State(first); got != enum.AlertStateViewed {
		t.Errorf("first state = %s, want VIEWED", got)
	}
	if got := c.Current(); got != second {
		t.Errorf("Current() = %s, want second order promoted", got)
	}
	if got := c.State(second); got != enum.AlertStateAlerting {
		t.Errorf("second state = %s, want ALERTING", got)
	}
}

func TestDismissedOrderStaysPendingNotFinal(t *testing.T) {
	c, _ := newTestController()
	defer c.Stop()

	id := uuid.New()
	c.Observe(externalPending(id))
	c.Dismiss(id)

	// Approval after dismissal still finalizes.
	rec := externalPending(id)
	rec.Status = enum.OrderStatusPending
	c.Observe(rec)

	if got := c.State(id); got != enum.AlertStateApproved {
		t.Errorf("state = %s, want APPROVED", got)
	}
}

func TestApprovalFinalizesAndAdvances(t *testing.T) {
	c, _ := newTestController()
	defer c.Stop()

	first, second := uuid.New(), uuid.New()
	c.Observe(externalPending(first))
	c.Observe(externalPending(second))

	approved := externalPending(first)
	approved.Status = enum.OrderStatusPending
	c.Observe(approved)

	if got := c.State(first); got != enum.AlertStateApproved {
		t.Errorf("first state = %s, want APPROVED", got)
	}
	if got := c.Current(); got != second {
		t.Errorf("Current() = %s, want second order", got)
	}
}

func TestDeclineFinalizesAsDeclined(t *testing.T) {
	c, _ := newTestController()
	defer c.Stop()

	id := uuid.New()
	c.Observe(externalPending(id))

	declined := externalPending(id)
	declined.Status = enum.OrderStatusCancelled
	c.Observe(declined)

	if got := c.State(id); got != enum.AlertStateDeclined {
		t.Errorf("state = %s, want DECLINED", got)
	}
	if got := c.Current(); got != uuid.Nil {
		t.Errorf("Current() = %s, want nil", got)
	}
}

func TestStopIsIdempotentFromAnyState(t *testing.T) {
	c, beeper := newTestController()

	// Stop with nothing alerting.
	c.Stop()
	c.Stop()

	id := uuid.New()
	c.Observe(externalPending(id))
	waitFor(t, func() bool { return beeper.count() >= 1 }, "no beep before stop")

	c.Stop()
	c.Stop()

	if got := c.Current(); got != uuid.Nil {
		t.Errorf("Current() = %s after stop, want nil", got)
	}
	// The interrupted order goes back to the head so a restart resumes it.
	if got := c.State(id); got != enum.AlertStateIdle {
		t.Errorf("state = %s after stop, want IDLE", got)
	}

	before := beeper.count()
	time.Sleep(50 * time.Millisecond)
	if beeper.count() != before {
		t.Error("beeping continued after stop")
	}
}

func TestRolledBackOrderAlertsAgain(t *testing.T) {
	c, _ := newTestController()
	defer c.Stop()

	id := uuid.New()
	c.Observe(externalPending(id))

	approved := externalPending(id)
	approved.Status = enum.OrderStatusPending
	c.Observe(approved)
	if got := c.State(id); got != enum.AlertStateApproved {
		t.Fatalf("state = %s after approval, want APPROVED", got)
	}

	// The order-of-record rejected the approval and the order came back
	// pending.
	c.Observe(externalPending(id))

	if got := c.Current(); got != id {
		t.Errorf("Current() = %s after rollback, want %s alerting", got, id)
	}
	if got := c.State(id); got != enum.AlertStateAlerting {
		t.Errorf("state = %s after rollback, want ALERTING", got)
	}
}

func TestViewedOrderStaysViewedOnRedelivery(t *testing.T) {
	c, _ := newTestController()
	defer c.Stop()

	id := uuid.New()
	c.Observe(externalPending(id))
	c.Dismiss(id)

	c.Observe(externalPending(id))

	if got := c.State(id); got != enum.AlertStateViewed {
		t.Errorf("state = %s, want VIEWED kept on redelivery", got)
	}
	if got := c.Current(); got != uuid.Nil {
		t.Errorf("Current() = %s, want nil", got)
	}
}

func TestLocalOrdersNeverAlert(t *testing.T) {
	c, beeper := newTestController()
	defer c.Stop()

	c.Observe(domain.OrderRecord{
		ID:     uuid.New(),
		Origin: enum.OrderOriginLocal,
		Status: enum.OrderStatusPendingApproval,
	})

	if got := c.Current(); got != uuid.Nil {
		t.Errorf("Current() = %s, want nil for local order", got)
	}
	time.Sleep(30 * time.Millisecond)
	if beeper.count() != 0 {
		t.Error("local order triggered the alert tone")
	}
}

func TestRedeliveredPendingOrderDoesNotRequeue(t *testing.T) {
	c, _ := newTestController()
	defer c.Stop()

	first, second := uuid.New(), uuid.New()
	c.Observe(externalPending(first))
	c.Observe(externalPending(second))
	c.Observe(externalPending(first))

	c.Dismiss(first)
	if got := c.Current(); got != second {
		t.Errorf("Current() = %s, want second order", got)
	}
	c.Dismiss(second)
	if got := c.Current(); got != uuid.Nil {
		t.Errorf("Current() = %s, want nil after both dismissed", got)
	}
}
