package orders

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kiwari-pos/terminal/internal/enum"
)

// Enqueuer defers idempotent side effects until connectivity allows them.
// Satisfied by *retry.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, opID, kind string, payload []byte) (bool, error)
	Kick()
}

// Loyalty queues coupon redemptions and settings acknowledgements. Every
// operation goes through the retry queue under its idempotency key, so a
// crash or reconnect can re-deliver but never double-execute.
type Loyalty struct {
	queue Enqueuer
}

func NewLoyalty(queue Enqueuer) *Loyalty {
	return &Loyalty{queue: queue}
}

// RedemptionPayload is the queued body of a coupon redemption.
type RedemptionPayload struct {
	OrderID  uuid.UUID `json:"order_id"`
	CouponID string    `json:"coupon_id"`
}

// RedeemCoupon queues a redemption keyed by order and coupon, then kicks
// the queue for an immediate attempt. Enqueueing the same pair again is a
// no-op whether the first is still queued or already succeeded.
func (l *Loyalty) RedeemCoupon(ctx context.Context, orderID uuid.UUID, couponID string) error {
	opID := fmt.Sprintf("%s:%s", orderID, couponID)
	payload, err := json.Marshal(RedemptionPayload{OrderID: orderID, CouponID: couponID})
	if err != nil {
		return fmt.Errorf("marshal redemption: %w", err)
	}
	if _, err := l.queue.Enqueue(ctx, opID, enum.RetryKindCouponRedemption, payload); err != nil {
		return err
	}
	l.queue.Kick()
	return nil
}

// AckSettings queues an acknowledgement for a settings revision.
func (l *Loyalty) AckSettings(ctx context.Context, revision string) error {
	opID := "settings-ack:" + revision
	payload, err := json.Marshal(map[string]string{"revision": revision})
	if err != nil {
		return fmt.Errorf("marshal settings ack: %w", err)
	}
	if _, err := l.queue.Enqueue(ctx, opID, enum.RetryKindSettingsAck, payload); err != nil {
		return err
	}
	l.queue.Kick()
	return nil
}
