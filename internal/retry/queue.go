// Package retry is the terminal's durable queue for deferred side effects:
// operations that must survive a network partition or a process restart
// and eventually run exactly once. At-least-once delivery lives here; the
// exactly-once half is the remote service being idempotent per opID.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kiwari-pos/terminal/internal/bus"
	"github.com/kiwari-pos/terminal/internal/domain"
	"github.com/kiwari-pos/terminal/internal/enum"
	"github.com/kiwari-pos/terminal/internal/localstore"
)

const (
	defaultMaxAttempts = 10
	initialBackoff     = 5 * time.Second
	maxBackoff         = 5 * time.Minute
)

// Executor performs one kind of queued operation. opID doubles as the
// idempotency key sent upstream. A nil error removes the item; a
// retryable error reschedules it; any other error kills it.
type Executor func(ctx context.Context, opID string, payload []byte) error

// Storage persists queue items. Satisfied by *localstore.Store.
type Storage interface {
	InsertRetryItem(ctx context.Context, it localstore.RetryItem) (bool, error)
	ListDueRetryItems(ctx context.Context, now time.Time) ([]localstore.RetryItem, error)
	RescheduleRetryItem(ctx context.Context, opID string, attempts int, next time.Time) error
	MarkRetryItemStatus(ctx context.Context, opID, status string) error
	ListRetryItems(ctx context.Context) ([]localstore.RetryItem, error)
}

// Queue drains due items on a fixed timer, on a connectivity-restored
// event, and on explicit kicks.
type Queue struct {
	store       Storage
	events      *bus.Bus
	log         *zap.Logger
	interval    time.Duration
	maxAttempts int
	now         func() time.Time

	mu    sync.Mutex
	execs map[string]Executor

	kick chan struct{}
}

// New creates a Queue draining every interval (30s in production).
func New(store Storage, events *bus.Bus, interval time.Duration, log *zap.Logger) *Queue {
	return &Queue{
		store:       store,
		events:      events,
		log:         log,
		interval:    interval,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
		execs:       make(map[string]Executor),
		kick:        make(chan struct{}, 1),
	}
}

// Register installs the executor for a kind. Items of an unregistered
// kind stay queued untouched.
func (q *Queue) Register(kind string, fn Executor) {
	q.mu.Lock()
	q.execs[kind] = fn
	q.mu.Unlock()
}

// Enqueue records an operation for eventual execution. Idempotent: if an
// item with the same opID is already queued, has succeeded, or is dead,
// nothing is added and the first return is false.
func (q *Queue) Enqueue(ctx context.Context, opID, kind string, payload []byte) (bool, error) {
	inserted, err := q.store.InsertRetryItem(ctx, localstore.RetryItem{
		OpID:          opID,
		Kind:          kind,
		Payload:       payload,
		NextAttemptAt: q.now(),
	})
	if err != nil {
		return false, err
	}
	if inserted {
		q.log.Info("queued operation", zap.String("op_id", opID), zap.String("kind", kind))
	}
	return inserted, nil
}

// Kick schedules an immediate drain without waiting for the timer.
// Non-blocking and safe from any goroutine.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Items returns every queue item for the status endpoint.
func (q *Queue) Items(ctx context.Context) ([]localstore.RetryItem, error) {
	return q.store.ListRetryItems(ctx)
}

// Run drains on the timer, on connectivity-restored events, and on kicks,
// until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	restored, cancel := q.events.Subscribe(bus.TopicConnectivityRestored)
	defer cancel()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.kick:
		case _, ok := <-restored:
			if !ok {
				return
			}
		}
		q.ProcessQueue(ctx)
	}
}

// ProcessQueue attempts every item whose next attempt time has passed.
// Successes are finalized, retryable failures backed off and rescheduled,
// exhausted or non-retryable items marked dead (kept for inspection,
// never silently dropped).
func (q *Queue) ProcessQueue(ctx context.Context) {
	due, err := q.store.ListDueRetryItems(ctx, q.now())
	if err != nil {
		q.log.Warn("list due retry items failed", zap.Error(err))
		return
	}

	for _, it := range due {
		if ctx.Err() != nil {
			return
		}
		q.attempt(ctx, it)
	}
}

func (q *Queue) attempt(ctx context.Context, it localstore.RetryItem) {
	q.mu.Lock()
	exec, ok := q.execs[it.Kind]
	q.mu.Unlock()
	if !ok {
		q.log.Warn("no executor for kind", zap.String("kind", it.Kind), zap.String("op_id", it.OpID))
		return
	}

	// Each attempt is bounded: it completes or counts as a failure.
	attemptCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := exec(attemptCtx, it.OpID, it.Payload)
	cancel()

	if err == nil {
		if serr := q.store.MarkRetryItemStatus(ctx, it.OpID, enum.RetryStatusSucceeded); serr != nil {
			q.log.Warn("mark succeeded failed", zap.String("op_id", it.OpID), zap.Error(serr))
		}
		q.log.Info("operation succeeded", zap.String("op_id", it.OpID), zap.Int("attempts", it.Attempts+1))
		return
	}

	attempts := it.Attempts + 1
	if !domain.Retryable(err) || attempts >= q.maxAttempts {
		if serr := q.store.MarkRetryItemStatus(ctx, it.OpID, enum.RetryStatusDead); serr != nil {
			q.log.Warn("mark dead failed", zap.String("op_id", it.OpID), zap.Error(serr))
		}
		q.log.Error("operation abandoned", zap.String("op_id", it.OpID), zap.Int("attempts", attempts), zap.Error(err))
		return
	}

	next := q.now().Add(delayFor(attempts))
	if serr := q.store.RescheduleRetryItem(ctx, it.OpID, attempts, next); serr != nil {
		q.log.Warn("reschedule failed", zap.String("op_id", it.OpID), zap.Error(serr))
		return
	}
	q.log.Info("operation rescheduled",
		zap.String("op_id", it.OpID),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next))
}

// delayFor computes the backoff before attempt n+1: exponential from
// initialBackoff, capped at maxBackoff, no jitter (a single terminal
// gains nothing from randomization).
func delayFor(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop || d > maxBackoff {
		d = maxBackoff
	}
	return d
}
