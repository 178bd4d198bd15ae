package orders

import (
	"github.com/kiwari-pos/terminal/internal/domain"
	"github.com/kiwari-pos/terminal/internal/enum"
)

// statusRank orders the lifecycle so merge can keep whichever side has
// progressed further. Terminal states outrank everything.
var statusRank = map[string]int{
	enum.OrderStatusPendingApproval: 0,
	enum.OrderStatusPending:         1,
	enum.OrderStatusConfirmed:       2,
	enum.OrderStatusPreparing:       3,
	enum.OrderStatusReady:           4,
	enum.OrderStatusDelivered:       5,
	enum.OrderStatusCompleted:       6,
	enum.OrderStatusCancelled:       7,
}

// mergeRecords reconciles a conflicted order field by field. It is a pure
// function of (local, remote) and assigns every field, so a merged record
// is never partially built:
//
//   - status: the further-progressed side wins, except a terminal remote
//     status (completed, cancelled) always wins because the
//     order-of-record has already closed the order.
//   - driver: remote assignment wins when present; deliveries are
//     dispatched centrally.
//   - order type: local wins (convert-to-pickup is an operator decision).
//   - items and totals: remote wins; pricing is owned by the service.
//   - notes: local wins when non-empty.
//   - identity, timestamps, version: remote, as the base for the re-push.
func mergeRecords(local, remote domain.OrderRecord) domain.OrderRecord {
	out := remote

	if remote.Status == enum.OrderStatusCompleted || remote.Status == enum.OrderStatusCancelled {
		out.Status = remote.Status
	} else if statusRank[local.Status] > statusRank[remote.Status] {
		out.Status = local.Status
	} else {
		out.Status = remote.Status
	}

	if remote.DriverID != "" {
		out.DriverID = remote.DriverID
	} else {
		out.DriverID = local.DriverID
	}

	out.OrderType = local.OrderType

	if local.Notes != "" {
		out.Notes = local.Notes
	}

	return out
}
