package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the core places.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFGTX TimeInForce = "GTX" // Post Only / Maker Only
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Margin modes.
const (
	MarginIsolated = "ISOLATED"
	MarginCrossed  = "CROSSED"
)

// OrderRequest captures an order intent to be sent to the exchange.
// Price and Qty must already be rounded to the symbol's tick/step.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64 // required for LIMIT
	StopPrice     float64 // trigger for STOP_MARKET / TAKE_PROFIT_MARKET
	TimeInForce   TimeInForce
	ClientID      string
	ReduceOnly    bool
	ClosePosition bool // flatten the whole position regardless of Qty
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	OrderID      string
	ClientID     string
	Status       OrderStatus
	ExecutedQty  float64
	AvgFillPrice float64
}

// RemotePosition is the exchange's authoritative view of an open
// position. Quantity is signed: positive long, negative short.
type RemotePosition struct {
	Symbol        string
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

// SymbolFilters are the exchange-declared precision constraints.
type SymbolFilters struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}
