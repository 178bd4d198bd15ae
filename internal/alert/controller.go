// Package alert manages the approval loop for externally submitted
// orders: a repeating audible alert for exactly one order at a time, with
// later arrivals queued behind it in arrival order, until an operator
// approves, declines, or dismisses it.
package alert

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kiwari-pos/terminal/internal/bus"
	"github.com/kiwari-pos/terminal/internal/domain"
	"github.com/kiwari-pos/terminal/internal/enum"
)

// Beeper plays the alert tone once. Satisfied by *remote.Bridge.
type Beeper interface {
	Beep()
}

// Change is published on the bus whenever an order's alert state moves.
type Change struct {
	OrderID uuid.UUID `json:"order_id"`
	State   string    `json:"state"`
}

// Controller is the per-terminal alert state machine. All methods are
// safe for concurrent use, and stopping is idempotent from any state.
type Controller struct {
	beeper   Beeper
	events   *bus.Bus
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	queue   []uuid.UUID
	current uuid.UUID
	states  map[uuid.UUID]string
	cancel  context.CancelFunc
}

// New creates a Controller beeping every interval while an order alerts
// (2.5s in production).
func New(beeper Beeper, events *bus.Bus, interval time.Duration, log *zap.Logger) *Controller {
	return &Controller{
		beeper:   beeper,
		events:   events,
		interval: interval,
		log:      log,
		states:   make(map[uuid.UUID]string),
	}
}

// Observe feeds an order update into the state machine. External orders
// entering pending-approval start or queue an alert; orders leaving
// pending-approval are finalized. A finalized order observed back in
// pending-approval re-queues, so a rejected approve or decline alerts
// again.
func (c *Controller) Observe(rec domain.OrderRecord) {
	if rec.Origin != enum.OrderOriginExternal {
		return
	}

	if rec.Status == enum.OrderStatusPendingApproval {
		c.mu.Lock()
		switch c.states[rec.ID] {
		case "":
			c.states[rec.ID] = enum.AlertStateIdle
			c.queue = append(c.queue, rec.ID)
		case enum.AlertStateApproved, enum.AlertStateDeclined:
			// The outcome was rejected upstream and the order rolled
			// back to pending-approval; it needs a decision again.
			c.states[rec.ID] = enum.AlertStateIdle
			c.queue = append(c.queue, rec.ID)
		}
		c.promoteLocked()
		c.mu.Unlock()
		return
	}

	state := enum.AlertStateApproved
	if rec.Status == enum.OrderStatusCancelled {
		state = enum.AlertStateDeclined
	}
	c.finalize(rec.ID, state)
}

// Dismiss moves an alerting order into the non-blocking view state. The
// order is still pending approval, but it stops beeping and the next
// queued order takes over.
func (c *Controller) Dismiss(orderID uuid.UUID) {
	c.mu.Lock()
	if _, known := c.states[orderID]; !known {
		c.mu.Unlock()
		return
	}
	c.states[orderID] = enum.AlertStateViewed
	if c.current == orderID {
		c.stopLoopLocked()
	}
	c.removeQueuedLocked(orderID)
	c.promoteLocked()
	c.mu.Unlock()

	c.events.Publish(bus.TopicAlertChanged, Change{OrderID: orderID, State: enum.AlertStateViewed})
}

// Stop halts the alert loop. Idempotent and safe on teardown regardless
// of state; the currently alerting order returns to the head of the queue
// so a restart resumes it.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != uuid.Nil {
		c.queue = append([]uuid.UUID{c.current}, c.queue...)
		c.states[c.current] = enum.AlertStateIdle
	}
	c.stopLoopLocked()
}

// State returns the alert state for an order, or empty if unknown.
func (c *Controller) State(orderID uuid.UUID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[orderID]
}

// Current returns the order alerting right now, or uuid.Nil.
func (c *Controller) Current() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Run feeds bus order updates into the state machine until ctx is
// cancelled, then stops the loop.
func (c *Controller) Run(ctx context.Context) {
	defer c.Stop()

	updates, cancel := c.events.Subscribe(bus.TopicOrderUpdated)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-updates:
			if !ok {
				return
			}
			var rec domain.OrderRecord
			if err := json.Unmarshal(ev.Payload, &rec); err != nil {
				c.log.Warn("bad order payload", zap.Error(err))
				continue
			}
			c.Observe(rec)
		}
	}
}

// finalize records the outcome for an order and advances the queue.
func (c *Controller) finalize(orderID uuid.UUID, state string) {
	c.mu.Lock()
	if _, known := c.states[orderID]; !known {
		c.mu.Unlock()
		return
	}
	c.states[orderID] = state
	if c.current == orderID {
		c.stopLoopLocked()
	}
	c.removeQueuedLocked(orderID)
	c.promoteLocked()
	c.mu.Unlock()

	c.events.Publish(bus.TopicAlertChanged, Change{OrderID: orderID, State: state})
}

// promoteLocked starts alerting the next queued order if nothing is
// alerting. Caller holds c.mu.
func (c *Controller) promoteLocked() {
	if c.current != uuid.Nil || len(c.queue) == 0 {
		return
	}

	next := c.queue[0]
	c.queue = c.queue[1:]
	c.current = next
	c.states[next] = enum.AlertStateAlerting

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.loop(ctx)

	c.events.Publish(bus.TopicAlertChanged, Change{OrderID: next, State: enum.AlertStateAlerting})
}

// stopLoopLocked cancels the running loop, if any. Caller holds c.mu.
func (c *Controller) stopLoopLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.current = uuid.Nil
}

func (c *Controller) removeQueuedLocked(orderID uuid.UUID) {
	for i, id := range c.queue {
		if id == orderID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// loop beeps immediately and then on every tick until cancelled. The
// ticker lives entirely inside this goroutine, so there is no timer left
// behind on any exit path.
func (c *Controller) loop(ctx context.Context) {
	c.beeper.Beep()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.beeper.Beep()
		}
	}
}
