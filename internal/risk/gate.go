// Package risk implements the pre-trade gate every signal passes
// through before an order may be placed, plus the shared-cache counters
// the gate reads.
package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perp-core/internal/events"
	"perp-core/internal/signal"
	"perp-core/pkg/db"
)

// Rejection reason codes, persisted with the risk event.
const (
	ReasonDailyLoss       = "DAILY_LOSS_LIMIT"
	ReasonLossStreak      = "CONSECUTIVE_LOSS_COOLDOWN"
	ReasonPositionCeiling = "MAX_OPEN_POSITIONS"
	ReasonSymbolCooldown  = "SYMBOL_COOLDOWN"
	ReasonSymbolOpen      = "SYMBOL_ALREADY_OPEN"
	ReasonConcentration   = "MAX_SAME_DIRECTION"
)

// Limits are the static thresholds the gate enforces.
type Limits struct {
	MaxDailyLossUSD      float64
	MaxConsecutiveLosses int
	LossCooldown         time.Duration
	MaxOpenPositions     int
	MaxSameDirection     int
}

// Ledger is the slice of storage the gate consults.
type Ledger interface {
	SumRealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
	SumUnrealizedPnL(ctx context.Context) (float64, error)
	CountActivePositions(ctx context.Context, symbol, direction string) (int, error)
	CreateRiskEvent(ctx context.Context, ev db.RiskEvent) error
}

// Decision is the gate's verdict on a signal.
type Decision struct {
	Allowed bool
	Reason  string
	Detail  string
}

// Gate runs the ordered admission checks. Checks run cheapest-first and
// the first failure wins; a rejected signal is audited, never retried.
type Gate struct {
	limits   Limits
	counters *Counters
	ledger   Ledger
	bus      *events.Bus
	logger   *zap.Logger
}

func NewGate(limits Limits, counters *Counters, ledger Ledger, bus *events.Bus, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{limits: limits, counters: counters, ledger: ledger, bus: bus, logger: logger}
}

// Check evaluates the chain for a signal. A nil error with
// Allowed=false is a clean rejection; errors mean the gate itself could
// not decide, and the caller must treat that as a rejection too.
func (g *Gate) Check(ctx context.Context, sig signal.Signal) (Decision, error) {
	checks := []func(context.Context, signal.Signal) (Decision, error){
		g.checkDailyLoss,
		g.checkLossStreak,
		g.checkPositionCeiling,
		g.checkSymbol,
		g.checkConcentration,
	}
	for _, check := range checks {
		dec, err := check(ctx, sig)
		if err != nil {
			return Decision{}, err
		}
		if !dec.Allowed {
			g.reject(ctx, sig, dec)
			return dec, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// checkDailyLoss measures today's equity damage: realized PnL closed
// since UTC midnight plus the unrealized PnL of everything still open.
// Counting open losses stops the gate from stacking exposure while
// drawdown is merely unbooked.
func (g *Gate) checkDailyLoss(ctx context.Context, _ signal.Signal) (Decision, error) {
	if g.limits.MaxDailyLossUSD <= 0 {
		return Decision{Allowed: true}, nil
	}
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	realized, err := g.ledger.SumRealizedPnLSince(ctx, midnight)
	if err != nil {
		return Decision{}, fmt.Errorf("risk: realized pnl: %w", err)
	}
	unrealized, err := g.ledger.SumUnrealizedPnL(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("risk: unrealized pnl: %w", err)
	}
	equity := realized + unrealized
	if equity <= -g.limits.MaxDailyLossUSD {
		return Decision{
			Reason: ReasonDailyLoss,
			Detail: fmt.Sprintf("daily equity %.2f USD breaches -%.2f limit (realized %.2f, unrealized %.2f)",
				equity, g.limits.MaxDailyLossUSD, realized, unrealized),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

func (g *Gate) checkLossStreak(ctx context.Context, _ signal.Signal) (Decision, error) {
	if g.limits.MaxConsecutiveLosses <= 0 {
		return Decision{Allowed: true}, nil
	}
	streak, err := g.counters.ConsecutiveLosses(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("risk: loss streak: %w", err)
	}
	if streak < g.limits.MaxConsecutiveLosses {
		return Decision{Allowed: true}, nil
	}
	lastLoss, err := g.counters.LastLossAt(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("risk: last loss: %w", err)
	}
	if lastLoss.IsZero() || time.Since(lastLoss) >= g.limits.LossCooldown {
		// The breaker has run its course. Clear the streak so the
		// next loss counts from one instead of re-tripping at max.
		if err := g.counters.ResetStreak(ctx); err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: true}, nil
	}
	remaining := g.limits.LossCooldown - time.Since(lastLoss)
	return Decision{
		Reason: ReasonLossStreak,
		Detail: fmt.Sprintf("%d consecutive losses, cooling down %s more", streak, remaining.Round(time.Second)),
	}, nil
}

func (g *Gate) checkPositionCeiling(ctx context.Context, _ signal.Signal) (Decision, error) {
	if g.limits.MaxOpenPositions <= 0 {
		return Decision{Allowed: true}, nil
	}
	open, err := g.ledger.CountActivePositions(ctx, "", "")
	if err != nil {
		return Decision{}, fmt.Errorf("risk: open positions: %w", err)
	}
	if open >= g.limits.MaxOpenPositions {
		return Decision{
			Reason: ReasonPositionCeiling,
			Detail: fmt.Sprintf("%d positions open, limit %d", open, g.limits.MaxOpenPositions),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

// checkSymbol rejects when the symbol already carries a position or is
// still inside its post-close cooldown.
func (g *Gate) checkSymbol(ctx context.Context, sig signal.Signal) (Decision, error) {
	open, err := g.ledger.CountActivePositions(ctx, sig.Symbol, "")
	if err != nil {
		return Decision{}, fmt.Errorf("risk: symbol positions: %w", err)
	}
	if open > 0 {
		return Decision{Reason: ReasonSymbolOpen, Detail: sig.Symbol + " already has an open position"}, nil
	}
	cooling, err := g.counters.SymbolOnCooldown(ctx, sig.Symbol)
	if err != nil {
		return Decision{}, fmt.Errorf("risk: symbol cooldown: %w", err)
	}
	if cooling {
		return Decision{Reason: ReasonSymbolCooldown, Detail: sig.Symbol + " closed a position recently"}, nil
	}
	return Decision{Allowed: true}, nil
}

func (g *Gate) checkConcentration(ctx context.Context, sig signal.Signal) (Decision, error) {
	if g.limits.MaxSameDirection <= 0 {
		return Decision{Allowed: true}, nil
	}
	same, err := g.ledger.CountActivePositions(ctx, "", string(sig.Direction))
	if err != nil {
		return Decision{}, fmt.Errorf("risk: directional positions: %w", err)
	}
	if same >= g.limits.MaxSameDirection {
		return Decision{
			Reason: ReasonConcentration,
			Detail: fmt.Sprintf("%d %s positions open, limit %d", same, sig.Direction, g.limits.MaxSameDirection),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

func (g *Gate) reject(ctx context.Context, sig signal.Signal, dec Decision) {
	g.logger.Info("signal rejected by risk gate",
		zap.String("symbol", sig.Symbol),
		zap.String("signal_id", sig.ID),
		zap.String("reason", dec.Reason),
		zap.String("detail", dec.Detail))

	ev := db.RiskEvent{
		EventType: db.RiskEventRejection,
		Symbol:    sig.Symbol,
		Reason:    dec.Reason,
		Details:   dec.Detail,
	}
	if err := g.ledger.CreateRiskEvent(ctx, ev); err != nil {
		g.logger.Error("failed to persist risk event", zap.Error(err))
	}
	if g.bus != nil {
		g.bus.Publish(events.EventSignalRejected, map[string]any{
			"signal_id": sig.ID,
			"symbol":    sig.Symbol,
			"reason":    dec.Reason,
		})
	}
}
