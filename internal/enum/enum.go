package enum

// ── Order lifecycle (mirrors the order-of-record state machine) ──

const (
	OrderStatusPendingApproval = "PENDING_APPROVAL"
	OrderStatusPending         = "PENDING"
	OrderStatusConfirmed       = "CONFIRMED"
	OrderStatusPreparing       = "PREPARING"
	OrderStatusReady           = "READY"
	OrderStatusDelivered       = "DELIVERED"
	OrderStatusCompleted       = "COMPLETED"
	OrderStatusCancelled       = "CANCELLED"
)

const (
	OrderTypePickup   = "PICKUP"
	OrderTypeDelivery = "DELIVERY"
	OrderTypeDineIn   = "DINE_IN"
)

const (
	OrderOriginLocal    = "LOCAL"
	OrderOriginExternal = "EXTERNAL"
)

// ── Mutation failure reasons ──

const (
	FailureValidation      = "VALIDATION"
	FailureConnectivity    = "CONNECTIVITY"
	FailureVersionConflict = "VERSION_CONFLICT"
	FailureNotFound        = "NOT_FOUND"
	FailureBusinessRule    = "BUSINESS_RULE"
)

// ── Conflict resolution strategies ──

const (
	StrategyAcceptLocal  = "ACCEPT_LOCAL"
	StrategyAcceptRemote = "ACCEPT_REMOTE"
	StrategyMerge        = "MERGE"
)

// ── Retry queue ──

const (
	RetryKindCouponRedemption = "COUPON_REDEMPTION"
	RetryKindSettingsAck      = "SETTINGS_ACK"
)

const (
	RetryStatusQueued    = "QUEUED"
	RetryStatusSucceeded = "SUCCEEDED"
	RetryStatusDead      = "DEAD"
)

// ── Alert controller states ──

const (
	AlertStateIdle     = "IDLE"
	AlertStateAlerting = "ALERTING"
	AlertStateViewed   = "VIEWED"
	AlertStateApproved = "APPROVED"
	AlertStateDeclined = "DECLINED"
)

// ── Operator roles on the local API ──

const (
	OperatorRoleManager = "MANAGER"
	OperatorRoleCashier = "CASHIER"
)
