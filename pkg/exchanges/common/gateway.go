package common

import "context"

// Gateway abstracts the derivatives venue. It is the single shared,
// rate-limited transport for the executor, the lifecycle monitor, and
// the reconciliation watchdog.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// CancelOrder returns the venue's cancel acknowledgement, which
	// carries the executed quantity at cancel time. Callers pulling a
	// resting entry must inspect it: a partial fill is live exposure.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	OpenPositions(ctx context.Context) ([]RemotePosition, error)
	SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
}
