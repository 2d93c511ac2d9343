package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventOrderPending  Event = "order.pending"
	EventOrderFilled   Event = "order.filled"
	EventOrderFailed   Event = "order.failed"
	EventBatchFailed   Event = "batch.failed"
	EventBreakerOpen   Event = "breaker.open"
	EventRiskAlert     Event = "risk.alert"
	EventEmergencyMode Event = "risk.emergency"
	EventScheduleFired Event = "schedule.fired"
)
