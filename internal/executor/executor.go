// Package executor turns admitted signals into protected exchange
// positions. Entry orders are placed as maker limits; fills arrive
// asynchronously on the user stream and complete the open through an
// idempotent cache claim, so duplicate or replayed fill events can
// never open a position twice.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"perp-core/internal/events"
	"perp-core/internal/risk"
	"perp-core/internal/signal"
	"perp-core/pkg/db"
	"perp-core/pkg/exchanges/common"
	"perp-core/pkg/precision"
)

// Config holds the execution tunables.
type Config struct {
	MakerOffsetPct   float64
	ProtectAttempts  int
	WidenStepPct     float64
	ExecutionEnabled bool
}

// Store is the slice of persistence the executor writes.
type Store interface {
	UpdateSignalStatus(ctx context.Context, id, status, reason string) error
	OpenPositionTx(ctx context.Context, pos db.Position, trade db.Trade) error
	ClosePositionTx(ctx context.Context, positionID string, exitPrice, pnl, pnlPct float64, reason string) error
	SetManualIntervention(ctx context.Context, id string) error
	CreateRiskEvent(ctx context.Context, ev db.RiskEvent) error
}

// Executor drives a signal through risk check, entry placement, fill
// and protective-order placement.
type Executor struct {
	cfg      Config
	gateway  common.Gateway
	gate     *risk.Gate
	pending  *PendingStore
	database Store
	bus      *events.Bus
	logger   *zap.Logger
}

func New(cfg Config, gateway common.Gateway, gate *risk.Gate, pending *PendingStore,
	database Store, bus *events.Bus, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProtectAttempts <= 0 {
		cfg.ProtectAttempts = 3
	}
	if cfg.WidenStepPct <= 0 {
		cfg.WidenStepPct = 0.003
	}
	return &Executor{
		cfg:      cfg,
		gateway:  gateway,
		gate:     gate,
		pending:  pending,
		database: database,
		bus:      bus,
		logger:   logger,
	}
}

// Execute runs the pre-trade chain and places the entry order. It
// returns nil on clean rejections; those end the signal's life, not the
// caller's.
func (e *Executor) Execute(ctx context.Context, sig signal.Signal) error {
	log := e.logger.With(zap.String("symbol", sig.Symbol), zap.String("signal_id", sig.ID))

	if !e.cfg.ExecutionEnabled {
		log.Info("execution disabled, signal logged only")
		return e.markRejected(ctx, sig, "EXECUTION_DISABLED")
	}

	dec, err := e.gate.Check(ctx, sig)
	if err != nil {
		_ = e.markRejected(ctx, sig, "GATE_ERROR")
		return fmt.Errorf("executor: risk gate: %w", err)
	}
	if !dec.Allowed {
		return e.markRejected(ctx, sig, dec.Reason)
	}

	filters, err := e.gateway.SymbolFilters(ctx, sig.Symbol)
	if err != nil {
		_ = e.markRejected(ctx, sig, "FILTERS_UNAVAILABLE")
		return fmt.Errorf("executor: symbol filters: %w", err)
	}

	qty := precision.FloorQty(sig.MarginUSD*float64(sig.Leverage)/sig.EntryPrice, filters.StepSize)
	if qty < filters.MinQty || precision.Notional(qty, sig.EntryPrice) < filters.MinNotional {
		log.Info("sized quantity below exchange minimums",
			zap.Float64("qty", qty), zap.Float64("min_qty", filters.MinQty))
		return e.markRejected(ctx, sig, "BELOW_MIN_NOTIONAL")
	}

	if err := e.gateway.SetMarginType(ctx, sig.Symbol, common.MarginIsolated); err != nil {
		_ = e.markRejected(ctx, sig, "MARGIN_TYPE_FAILED")
		return fmt.Errorf("executor: set margin type: %w", err)
	}
	if err := e.gateway.SetLeverage(ctx, sig.Symbol, sig.Leverage); err != nil {
		_ = e.markRejected(ctx, sig, "LEVERAGE_FAILED")
		return fmt.Errorf("executor: set leverage: %w", err)
	}

	limitPrice := makerPrice(sig.Direction, sig.EntryPrice, e.cfg.MakerOffsetPct)
	limitPrice = precision.RoundPrice(limitPrice, filters.TickSize)

	result, err := e.gateway.SubmitOrder(ctx, common.OrderRequest{
		Symbol:      sig.Symbol,
		Side:        entrySide(sig.Direction),
		Type:        common.OrderTypeLimit,
		Qty:         qty,
		Price:       limitPrice,
		TimeInForce: common.TIFGTC,
		ClientID:    "entry-" + sig.ID,
	})
	if err != nil {
		_ = e.markRejected(ctx, sig, "ENTRY_SUBMIT_FAILED")
		return fmt.Errorf("executor: submit entry: %w", err)
	}

	switch result.Status {
	case common.StatusRejected, common.StatusExpired, common.StatusCanceled:
		log.Warn("entry order not accepted", zap.String("status", string(result.Status)))
		return e.markRejected(ctx, sig, "ENTRY_"+string(result.Status))
	case common.StatusFilled:
		// Filled on the ack; no pending phase.
		log.Info("entry filled immediately",
			zap.String("order_id", result.OrderID),
			zap.Float64("fill_price", result.AvgFillPrice))
		po := PendingOrder{OrderID: result.OrderID, Signal: sig, Qty: qty, LimitPrice: limitPrice, PlacedAt: time.Now().UTC()}
		return e.openPosition(ctx, po, result.AvgFillPrice, result.ExecutedQty)
	default:
		po := PendingOrder{OrderID: result.OrderID, Signal: sig, Qty: qty, LimitPrice: limitPrice, PlacedAt: time.Now().UTC()}
		if err := e.pending.Put(ctx, po); err != nil {
			// Order is live but untracked. Pull it back rather than
			// risk an orphan fill.
			_, _ = e.gateway.CancelOrder(ctx, sig.Symbol, result.OrderID)
			_ = e.markRejected(ctx, sig, "PENDING_STORE_FAILED")
			return fmt.Errorf("executor: store pending order: %w", err)
		}
		log.Info("entry resting on book",
			zap.String("order_id", result.OrderID),
			zap.Float64("limit_price", limitPrice),
			zap.Float64("qty", qty))
		e.publish(events.EventEntryPlaced, map[string]any{
			"signal_id": sig.ID,
			"symbol":    sig.Symbol,
			"order_id":  result.OrderID,
		})
		e.scheduleStaleCancel(result.OrderID)
		return nil
	}
}

// HandleFill completes a position open when the user stream reports the
// entry order filled. Safe to call more than once for the same order:
// only the first claim proceeds.
func (e *Executor) HandleFill(ctx context.Context, orderID string, fillPrice, fillQty float64) error {
	po, claimed, err := e.pending.Claim(ctx, orderID)
	if err != nil {
		return fmt.Errorf("executor: claim pending order: %w", err)
	}
	if !claimed {
		e.logger.Debug("fill event for unknown or already-claimed order",
			zap.String("order_id", orderID))
		return nil
	}
	return e.openPosition(ctx, po, fillPrice, fillQty)
}

// scheduleStaleCancel pulls the entry if it is still unfilled when the
// pending TTL elapses. The claim inside CancelStale makes the timer a
// no-op when the fill won.
func (e *Executor) scheduleStaleCancel(orderID string) {
	time.AfterFunc(e.pending.TTL(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.CancelStale(ctx, orderID); err != nil {
			e.logger.Error("stale entry cancel failed",
				zap.String("order_id", orderID), zap.Error(err))
		}
	})
}

// CancelStale cancels a resting entry whose pending record expired, or
// that an operator pulled. The claim keeps cancel and fill mutually
// exclusive.
func (e *Executor) CancelStale(ctx context.Context, orderID string) error {
	po, claimed, err := e.pending.Claim(ctx, orderID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	ack, err := e.gateway.CancelOrder(ctx, po.Signal.Symbol, orderID)
	if err != nil {
		return fmt.Errorf("executor: cancel entry: %w", err)
	}
	if ack.ExecutedQty > 0 {
		// The order partially filled before the cancel landed. That
		// quantity is live exposure and must be bracketed like any
		// other fill, not discarded with the remainder.
		e.logger.Warn("stale entry partially executed before cancel",
			zap.String("symbol", po.Signal.Symbol),
			zap.String("order_id", orderID),
			zap.Float64("executed_qty", ack.ExecutedQty))
		fill := ack.AvgFillPrice
		if fill <= 0 {
			fill = po.LimitPrice
		}
		return e.openPosition(ctx, po, fill, ack.ExecutedQty)
	}
	e.logger.Info("stale entry cancelled",
		zap.String("symbol", po.Signal.Symbol), zap.String("order_id", orderID))
	return e.markRejected(ctx, po.Signal, "ENTRY_TIMEOUT")
}

// openPosition recomputes protective levels off the actual fill,
// places them, and persists the position. The stop and take-profit
// distances are preserved as percentages of entry, so a better or worse
// fill shifts the whole bracket with it.
func (e *Executor) openPosition(ctx context.Context, po PendingOrder, fillPrice, fillQty float64) error {
	sig := po.Signal
	log := e.logger.With(zap.String("symbol", sig.Symbol), zap.String("signal_id", sig.ID))

	if fillQty <= 0 {
		fillQty = po.Qty
	}
	if fillPrice <= 0 {
		fillPrice = po.LimitPrice
	}

	filters, err := e.gateway.SymbolFilters(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("executor: symbol filters: %w", err)
	}

	levels := RecomputeLevels(sig, fillPrice)
	levels.Stop = precision.RoundPrice(levels.Stop, filters.TickSize)
	levels.TP1 = precision.RoundPrice(levels.TP1, filters.TickSize)
	levels.TP2 = precision.RoundPrice(levels.TP2, filters.TickSize)

	pos := db.Position{
		ID:            uuid.NewString(),
		SignalID:      sig.ID,
		Symbol:        sig.Symbol,
		Direction:     string(sig.Direction),
		StrategyTag:   sig.StrategyTag,
		EntryPrice:    fillPrice,
		Size:          fillQty,
		RemainingSize: fillQty,
		Leverage:      sig.Leverage,
		MarginUSD:     sig.MarginUSD,
		StopPrice:     levels.Stop,
		TP1Price:      levels.TP1,
		TP2Price:      levels.TP2,
		Status:        db.PositionActive,
		OpenedAt:      time.Now().UTC(),
	}

	prot, protErr := e.placeProtection(ctx, &pos, filters)
	if protErr != nil {
		return e.unwind(ctx, pos, protErr)
	}
	pos.SLOrderID = prot.SLOrderID
	pos.TP1OrderID = prot.TP1OrderID
	pos.TP2OrderID = prot.TP2OrderID
	pos.StopPrice = prot.FinalStop

	trade := db.Trade{
		ID:                  uuid.NewString(),
		PositionID:          pos.ID,
		Symbol:              pos.Symbol,
		Direction:           pos.Direction,
		StrategyTag:         pos.StrategyTag,
		EntryPrice:          pos.EntryPrice,
		Size:                pos.Size,
		Leverage:            pos.Leverage,
		MarginUSD:           pos.MarginUSD,
		SLTPPlacementFailed: prot.Degraded,
		Status:              db.TradeOpen,
	}
	if err := e.database.OpenPositionTx(ctx, pos, trade); err != nil {
		return fmt.Errorf("executor: persist position: %w", err)
	}

	log.Info("position opened and protected",
		zap.String("position_id", pos.ID),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("size", pos.Size),
		zap.Float64("stop", pos.StopPrice),
		zap.Float64("tp1", pos.TP1Price),
		zap.Float64("tp2", pos.TP2Price))

	e.publish(events.EventEntryFilled, map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"fill_price":  fillPrice,
	})
	e.publish(events.EventProtectionPlaced, map[string]any{
		"position_id": pos.ID,
		"stop":        pos.StopPrice,
		"degraded":    prot.Degraded,
	})
	return nil
}

// Levels are the protective prices derived from the actual fill.
type Levels struct {
	Stop float64
	TP1  float64
	TP2  float64
}

// RecomputeLevels rebuilds the bracket around the fill price while
// keeping the signal's percentage distances.
func RecomputeLevels(sig signal.Signal, fillPrice float64) Levels {
	scale := fillPrice / sig.EntryPrice
	return Levels{
		Stop: sig.StopPrice * scale,
		TP1:  sig.TP1Price * scale,
		TP2:  sig.TP2Price * scale,
	}
}

func (e *Executor) markRejected(ctx context.Context, sig signal.Signal, reason string) error {
	if sig.ID == "" {
		return nil
	}
	if err := e.database.UpdateSignalStatus(ctx, sig.ID, db.SignalRejected, reason); err != nil {
		return fmt.Errorf("executor: mark signal rejected: %w", err)
	}
	e.publish(events.EventSignalRejected, map[string]any{
		"signal_id": sig.ID,
		"symbol":    sig.Symbol,
		"reason":    reason,
	})
	return nil
}

func (e *Executor) publish(ev events.Event, payload map[string]any) {
	if e.bus != nil {
		e.bus.Publish(ev, payload)
	}
}

func entrySide(d signal.Direction) common.Side {
	if d == signal.Long {
		return common.SideBuy
	}
	return common.SideSell
}

func exitSide(d signal.Direction) common.Side {
	if d == signal.Long {
		return common.SideSell
	}
	return common.SideBuy
}

// makerPrice offsets the entry toward the passive side of the book.
func makerPrice(d signal.Direction, entry, offsetPct float64) float64 {
	if d == signal.Long {
		return entry * (1 - offsetPct)
	}
	return entry * (1 + offsetPct)
}
