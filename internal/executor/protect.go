package executor

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"perp-core/internal/events"
	"perp-core/internal/signal"
	"perp-core/pkg/db"
	"perp-core/pkg/exchanges/common"
	"perp-core/pkg/precision"
)

// protection is the outcome of placing the protective bracket.
type protection struct {
	SLOrderID  string
	TP1OrderID string
	TP2OrderID string
	FinalStop  float64
	Degraded   bool // take-profits missing, stop in place
}

// placeProtection places the stop first, then the two take-profits. The
// stop is non-negotiable: every retry widens it one step further from
// entry, and total failure aborts the position. Take-profit failures
// only degrade the bracket since the stop already caps the loss.
func (e *Executor) placeProtection(ctx context.Context, pos *db.Position, filters common.SymbolFilters) (protection, error) {
	dir := signal.Direction(pos.Direction)
	side := exitSide(dir)
	var prot protection

	var slErrs error
	for attempt := 0; attempt < e.cfg.ProtectAttempts; attempt++ {
		stop := widenStop(dir, pos.StopPrice, float64(attempt)*e.cfg.WidenStepPct)
		stop = precision.RoundPrice(stop, filters.TickSize)

		res, err := e.gateway.SubmitOrder(ctx, common.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          side,
			Type:          common.OrderTypeStopMarket,
			StopPrice:     stop,
			ClosePosition: true,
			ClientID:      fmt.Sprintf("sl-%s-%d", pos.ID, attempt),
		})
		if err == nil {
			prot.SLOrderID = res.OrderID
			prot.FinalStop = stop
			if attempt > 0 {
				e.logger.Warn("stop placed wider than signalled",
					zap.String("symbol", pos.Symbol),
					zap.Float64("signalled", pos.StopPrice),
					zap.Float64("placed", stop),
					zap.Int("attempt", attempt+1))
			}
			break
		}
		slErrs = multierr.Append(slErrs, fmt.Errorf("attempt %d at %.8f: %w", attempt+1, stop, err))
	}
	if prot.SLOrderID == "" {
		return prot, fmt.Errorf("stop-loss placement exhausted: %w", slErrs)
	}

	// TP1 takes half off; TP2 flattens whatever remains.
	tp1Qty := precision.FloorQty(pos.Size/2, filters.StepSize)
	if tp1Qty >= filters.MinQty {
		id, err := e.placeTakeProfit(ctx, common.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       side,
			Type:       common.OrderTypeTakeProfit,
			Qty:        tp1Qty,
			StopPrice:  pos.TP1Price,
			ReduceOnly: true,
			ClientID:   "tp1-" + pos.ID,
		}, dir, filters.TickSize)
		if err != nil {
			e.logger.Error("tp1 placement failed, stop remains",
				zap.String("symbol", pos.Symbol), zap.Error(err))
			prot.Degraded = true
		} else {
			prot.TP1OrderID = id
		}
	}

	id, err := e.placeTakeProfit(ctx, common.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          side,
		Type:          common.OrderTypeTakeProfit,
		StopPrice:     pos.TP2Price,
		ClosePosition: true,
		ClientID:      "tp2-" + pos.ID,
	}, dir, filters.TickSize)
	if err != nil {
		e.logger.Error("tp2 placement failed, stop remains",
			zap.String("symbol", pos.Symbol), zap.Error(err))
		prot.Degraded = true
	} else {
		prot.TP2OrderID = id
	}

	return prot, nil
}

// placeTakeProfit submits a take-profit leg. A rejected attempt is
// retried with the trigger stepped further from entry, the same ladder
// the stop walks on its side. An identical resubmit would only collect
// the same trigger rejection again.
func (e *Executor) placeTakeProfit(ctx context.Context, req common.OrderRequest, dir signal.Direction, tickSize float64) (string, error) {
	base := req.StopPrice
	var errs error
	for attempt := 0; attempt < e.cfg.ProtectAttempts; attempt++ {
		req.StopPrice = precision.RoundPrice(widenTarget(dir, base, float64(attempt)*e.cfg.WidenStepPct), tickSize)
		res, err := e.gateway.SubmitOrder(ctx, req)
		if err == nil {
			return res.OrderID, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("attempt %d at %.8f: %w", attempt+1, req.StopPrice, err))
	}
	return "", errs
}

// widenStop moves a stop further from entry by widenPct.
func widenStop(d signal.Direction, stop, widenPct float64) float64 {
	if d == signal.Long {
		return stop * (1 - widenPct)
	}
	return stop * (1 + widenPct)
}

// widenTarget moves a take-profit trigger further from entry by
// widenPct. Opposite sign to widenStop since targets sit on the profit
// side.
func widenTarget(d signal.Direction, price, widenPct float64) float64 {
	if d == signal.Long {
		return price * (1 + widenPct)
	}
	return price * (1 - widenPct)
}

// unwind handles a position whose stop could not be placed. An exposed
// position is flattened immediately at market; if even that fails the
// position is persisted flagged for manual intervention, which is the
// only state that requires a human.
func (e *Executor) unwind(ctx context.Context, pos db.Position, protErr error) error {
	log := e.logger.With(zap.String("symbol", pos.Symbol), zap.String("position_id", pos.ID))
	log.Error("protection failed, emergency closing", zap.Error(protErr))

	trade := db.Trade{
		ID:                  pos.ID + "-t",
		PositionID:          pos.ID,
		Symbol:              pos.Symbol,
		Direction:           pos.Direction,
		StrategyTag:         pos.StrategyTag,
		EntryPrice:          pos.EntryPrice,
		Size:                pos.Size,
		Leverage:            pos.Leverage,
		MarginUSD:           pos.MarginUSD,
		SLTPPlacementFailed: true,
		Status:              db.TradeOpen,
	}
	if err := e.database.OpenPositionTx(ctx, pos, trade); err != nil {
		log.Error("failed to persist position during unwind", zap.Error(err))
	}

	res, closeErr := e.gateway.SubmitOrder(ctx, common.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exitSide(signal.Direction(pos.Direction)),
		Type:       common.OrderTypeMarket,
		Qty:        pos.Size,
		ReduceOnly: true,
		ClientID:   "emergency-" + pos.ID,
	})
	if closeErr != nil {
		if err := e.database.SetManualIntervention(ctx, pos.ID); err != nil {
			log.Error("failed to flag manual intervention", zap.Error(err))
		}
		_ = e.database.CreateRiskEvent(ctx, db.RiskEvent{
			EventType: db.RiskEventManualIntervention,
			Symbol:    pos.Symbol,
			Reason:    "EMERGENCY_CLOSE_FAILED",
			Details:   fmt.Sprintf("position %s exposed, close error: %v", pos.ID, closeErr),
		})
		e.publish(events.EventManualIntervention, map[string]any{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
		})
		return multierr.Append(protErr, fmt.Errorf("emergency close failed: %w", closeErr))
	}

	exit := res.AvgFillPrice
	if exit <= 0 {
		exit = pos.EntryPrice
	}
	pnl := positionPnL(signal.Direction(pos.Direction), pos.EntryPrice, exit, pos.Size)
	pnlPct := 0.0
	if pos.MarginUSD > 0 {
		pnlPct = pnl / pos.MarginUSD * 100
	}
	if err := e.database.ClosePositionTx(ctx, pos.ID, exit, pnl, pnlPct, db.CloseReasonEmergency); err != nil {
		log.Error("failed to persist emergency close", zap.Error(err))
	}
	_ = e.database.CreateRiskEvent(ctx, db.RiskEvent{
		EventType: db.RiskEventEmergencyClose,
		Symbol:    pos.Symbol,
		Reason:    "PROTECTION_UNAVAILABLE",
		Details:   fmt.Sprintf("position %s closed at %.8f, pnl %.2f", pos.ID, exit, pnl),
	})
	e.publish(events.EventEmergencyClose, map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"pnl":         pnl,
	})
	log.Warn("position emergency closed", zap.Float64("exit", exit), zap.Float64("pnl", pnl))
	return fmt.Errorf("protection unavailable, position emergency closed: %w", protErr)
}

// positionPnL computes realized PnL for a full or partial close.
func positionPnL(d signal.Direction, entry, exit, qty float64) float64 {
	if d == signal.Long {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}
