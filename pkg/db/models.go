package db

import "time"

// Signal statuses.
const (
	SignalPending  = "PENDING"
	SignalQueued   = "QUEUED"
	SignalExecuted = "EXECUTED"
	SignalRejected = "REJECTED"
	SignalExpired  = "EXPIRED"
)

// Position statuses.
const (
	PositionActive = "ACTIVE"
	PositionClosed = "CLOSED"
)

// Trade statuses.
const (
	TradeOpen   = "OPEN"
	TradeClosed = "CLOSED"
)

// Close reasons recorded on trades.
const (
	CloseReasonStopLoss    = "SL_HIT"
	CloseReasonTP1         = "TP1_HIT"
	CloseReasonTP2         = "TP2_HIT"
	CloseReasonTrailing    = "TRAILING_STOP"
	CloseReasonManual      = "MANUAL"
	CloseReasonEmergency   = "EMERGENCY_CLOSE"
	CloseReasonLiquidation = "LIQUIDATION"
	CloseReasonExternal    = "EXTERNAL_CLOSE"
)

// Signal is the persisted audit record of a strategy proposal. Rows are
// written even for rejected signals.
type Signal struct {
	ID           string
	Symbol       string
	Direction    string
	EntryPrice   float64
	StopPrice    float64
	TP1Price     float64
	TP2Price     float64
	Leverage     int
	MarginUSD    float64
	Confidence   float64
	StrategyTag  string
	Metadata     string // JSON blob, opaque to the core
	Status       string
	RejectReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Position is the authoritative local record of an open exposure.
type Position struct {
	ID                 string
	SignalID           string
	Symbol             string
	Direction          string
	StrategyTag        string
	EntryPrice         float64
	Size               float64
	RemainingSize      float64
	Leverage           int
	MarginUSD          float64
	StopPrice          float64
	TP1Price           float64
	TP2Price           float64
	TP1Filled          bool
	TP2Filled          bool
	TrailingActive     bool
	TrailingStop       float64
	UnrealizedPnL      float64
	RealizedPnL        float64
	MaxPnL             float64
	MinPnL             float64
	SLOrderID          string
	TP1OrderID         string
	TP2OrderID         string
	ManualIntervention bool
	Status             string
	OpenedAt           time.Time
	UpdatedAt          time.Time
	ClosedAt           *time.Time
}

// Trade is the accounting record paired 1:1 with a Position.
type Trade struct {
	ID                  string
	PositionID          string
	Symbol              string
	Direction           string
	StrategyTag         string
	EntryPrice          float64
	ExitPrice           float64
	Size                float64
	Leverage            int
	MarginUSD           float64
	PnL                 float64
	PnLPct              float64
	CloseReason         string
	SLTPPlacementFailed bool
	Status              string
	CreatedAt           time.Time
	ClosedAt            *time.Time
}

// RiskEvent is an audit row for gate rejections and failure states.
type RiskEvent struct {
	ID        int64
	EventType string
	Symbol    string
	Reason    string
	Details   string // JSON blob with triggering values
	CreatedAt time.Time
}

// Risk event types.
const (
	RiskEventRejection          = "GATE_REJECTION"
	RiskEventEmergencyClose     = "EMERGENCY_CLOSE"
	RiskEventManualIntervention = "MANUAL_INTERVENTION"
	RiskEventDrift              = "STATE_DRIFT"
)
