package monitor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"perp-core/internal/events"
	"perp-core/internal/signal"
	"perp-core/pkg/db"
	"perp-core/pkg/exchanges/common"
	"perp-core/pkg/precision"
)

// HandleProtectiveFill reacts to a stop or take-profit order filling on
// the user stream. Unknown orders are ignored; they may belong to a
// position already closed, or not to this service at all.
func (m *Monitor) HandleProtectiveFill(ctx context.Context, orderID string, fillPrice, fillQty float64) error {
	pos, err := m.store.GetPositionByProtectiveOrder(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) {
		m.logger.Debug("protective fill for unknown order", zap.String("order_id", orderID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("monitor: lookup protective order: %w", err)
	}

	switch orderID {
	case pos.TP1OrderID:
		return m.handleTP1(ctx, pos, fillPrice, fillQty)
	case pos.TP2OrderID:
		return m.closeRemaining(ctx, pos, fillPrice, db.CloseReasonTP2)
	case pos.SLOrderID:
		reason := db.CloseReasonStopLoss
		if pos.TrailingActive {
			reason = db.CloseReasonTrailing
		}
		return m.closeRemaining(ctx, pos, fillPrice, reason)
	}
	return nil
}

// handleTP1 books the partial profit, then reshapes the bracket for the
// remainder: stop to breakeven and, if configured, trailing from there.
func (m *Monitor) handleTP1(ctx context.Context, pos db.Position, fillPrice, fillQty float64) error {
	if pos.TP1Filled {
		// Replayed event.
		return nil
	}
	dir := signal.Direction(pos.Direction)
	if fillQty <= 0 || fillQty > pos.RemainingSize {
		fillQty = pos.RemainingSize / 2
	}

	realized := unrealizedPnL(dir, pos.EntryPrice, fillPrice, fillQty)
	pos.RealizedPnL += realized
	pos.RemainingSize -= fillQty
	pos.TP1Filled = true

	sc := m.strategyFor(pos.StrategyTag)
	if sc.MoveSLToBreakeven {
		newStop := breakevenStop(dir, pos.EntryPrice, sc.BreakevenBufferPct)
		if err := m.moveStop(ctx, &pos, newStop); err != nil {
			m.logger.Error("failed to move stop to breakeven",
				zap.String("position_id", pos.ID), zap.Error(err))
		}
	}
	if sc.UseTrailingStop {
		pos.TrailingActive = true
		// The current stop is the floor the ratchet only raises.
		pos.TrailingStop = pos.StopPrice
	}

	if err := m.store.ApplyPartialClose(ctx, pos); err != nil {
		return fmt.Errorf("monitor: persist partial close: %w", err)
	}

	m.logger.Info("tp1 filled",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Float64("fill_price", fillPrice),
		zap.Float64("realized", realized),
		zap.Float64("remaining", pos.RemainingSize),
		zap.Bool("trailing", pos.TrailingActive))

	if m.bus != nil {
		m.bus.Publish(events.EventPartialClose, map[string]any{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"realized":    realized,
		})
	}
	return nil
}

// closeRemaining finalizes the position after a full-exit order filled.
func (m *Monitor) closeRemaining(ctx context.Context, pos db.Position, fillPrice float64, reason string) error {
	dir := signal.Direction(pos.Direction)
	total := pos.RealizedPnL + unrealizedPnL(dir, pos.EntryPrice, fillPrice, pos.RemainingSize)
	pnlPct := 0.0
	if pos.MarginUSD > 0 {
		pnlPct = total / pos.MarginUSD * 100
	}

	if err := m.store.ClosePositionTx(ctx, pos.ID, fillPrice, total, pnlPct, reason); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Already closed by a competing event.
			return nil
		}
		return fmt.Errorf("monitor: persist close: %w", err)
	}

	m.cancelLeftovers(ctx, pos, reason)

	if m.outcomes != nil {
		if err := m.outcomes.RecordOutcome(ctx, pos.Symbol, total); err != nil {
			m.logger.Error("failed to record outcome",
				zap.String("position_id", pos.ID), zap.Error(err))
		}
	}

	m.logger.Info("position closed",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("reason", reason),
		zap.Float64("exit", fillPrice),
		zap.Float64("pnl", total),
		zap.Float64("pnl_pct", pnlPct))

	if m.bus != nil {
		m.bus.Publish(events.EventPositionClosed, map[string]any{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"reason":      reason,
			"pnl":         total,
		})
	}
	return nil
}

// cancelLeftovers pulls whichever protective orders are still resting
// after the close. The filled order cancels itself.
func (m *Monitor) cancelLeftovers(ctx context.Context, pos db.Position, reason string) {
	leftovers := []string{}
	if reason != db.CloseReasonStopLoss && reason != db.CloseReasonTrailing && pos.SLOrderID != "" {
		leftovers = append(leftovers, pos.SLOrderID)
	}
	if !pos.TP1Filled && pos.TP1OrderID != "" && reason != db.CloseReasonTP1 {
		leftovers = append(leftovers, pos.TP1OrderID)
	}
	if reason != db.CloseReasonTP2 && pos.TP2OrderID != "" {
		leftovers = append(leftovers, pos.TP2OrderID)
	}
	for _, id := range leftovers {
		if _, err := m.gateway.CancelOrder(ctx, pos.Symbol, id); err != nil {
			m.logger.Warn("failed to cancel leftover order",
				zap.String("symbol", pos.Symbol),
				zap.String("order_id", id),
				zap.Error(err))
		}
	}
}

// moveStop replaces the resting stop with one at the new level.
func (m *Monitor) moveStop(ctx context.Context, pos *db.Position, newStop float64) error {
	filters, err := m.gateway.SymbolFilters(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	newStop = precision.RoundPrice(newStop, filters.TickSize)

	res, err := m.gateway.SubmitOrder(ctx, common.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          exitSide(signal.Direction(pos.Direction)),
		Type:          common.OrderTypeStopMarket,
		StopPrice:     newStop,
		ClosePosition: true,
		ClientID:      "besl-" + pos.ID,
	})
	if err != nil {
		return fmt.Errorf("place replacement stop: %w", err)
	}
	if pos.SLOrderID != "" {
		if _, err := m.gateway.CancelOrder(ctx, pos.Symbol, pos.SLOrderID); err != nil {
			m.logger.Warn("failed to cancel superseded stop",
				zap.String("order_id", pos.SLOrderID), zap.Error(err))
		}
	}
	pos.StopPrice = newStop
	pos.SLOrderID = res.OrderID
	return nil
}

func breakevenStop(d signal.Direction, entry, bufferPct float64) float64 {
	if d == signal.Long {
		return entry * (1 + bufferPct)
	}
	return entry * (1 - bufferPct)
}
