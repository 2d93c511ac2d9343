package dispatch

// OrderIntent is a single strategy-produced order. Immutable once created.
type OrderIntent struct {
	Instrument string  `json:"instrument"`
	Action     string  `json:"action"` // BUY or SELL
	Lots       int     `json:"lots"`
	PriceHint  float64 `json:"price_hint,omitempty"` // 0 = market
}

// OrderBatch is an ordered set of intents dispatched together. Tag is
// generated when empty.
type OrderBatch struct {
	Tag    string
	Orders []OrderIntent
}

// Failure reasons carried on PerOrderResult so monitoring can tell a down
// endpoint apart from a failed request.
const (
	ReasonCircuitOpen = "circuit_open"
	ReasonTransport   = "transport"
	ReasonHTTPPrefix  = "http_" // http_<status>
)

// PerOrderResult is the terminal outcome for one order of a batch.
type PerOrderResult struct {
	Key        string `json:"idempotency_key"`
	Success    bool   `json:"success"`
	BrokerID   string `json:"order_id,omitempty"`
	HTTPStatus int    `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Detail     string `json:"error,omitempty"`
	Simulated  bool   `json:"simulated,omitempty"`
}

// BatchResult is the outcome of one SendOrders call.
type BatchResult struct {
	Tag     string
	Success bool // at least the transport succeeded for the batch
	Results []PerOrderResult
}
