package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Signals
// ----------------------------------------

// CreateSignal persists a strategy proposal for audit.
func (d *Database) CreateSignal(ctx context.Context, s Signal) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (id, symbol, direction, entry_price, stop_price, tp1_price, tp2_price,
		                     leverage, margin_usd, confidence, strategy_tag, metadata, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Symbol, s.Direction, s.EntryPrice, s.StopPrice, s.TP1Price, s.TP2Price,
		s.Leverage, s.MarginUSD, s.Confidence, s.StrategyTag, s.Metadata, s.Status)
	if err != nil {
		return fmt.Errorf("create signal: %w", err)
	}
	return nil
}

// UpdateSignalStatus transitions a signal and records the reason, if any.
func (d *Database) UpdateSignalStatus(ctx context.Context, id, status, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE signals SET status = ?, reject_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, reason, id)
	if err != nil {
		return fmt.Errorf("update signal status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Positions + trades
// ----------------------------------------

// OpenPositionTx writes the Position, its Trade, and the signal status
// flip in one transaction. A partial write here would leave an exchange
// order with no local tracking, so all three land together or not at all.
func (d *Database) OpenPositionTx(ctx context.Context, pos Position, trade Trade) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin open position tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (id, signal_id, symbol, direction, strategy_tag, entry_price,
		                       size, remaining_size, leverage, margin_usd, stop_price, tp1_price, tp2_price,
		                       trailing_active, trailing_stop, sl_order_id, tp1_order_id, tp2_order_id,
		                       manual_intervention, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, pos.ID, pos.SignalID, pos.Symbol, pos.Direction, pos.StrategyTag, pos.EntryPrice,
		pos.Size, pos.RemainingSize, pos.Leverage, pos.MarginUSD, pos.StopPrice, pos.TP1Price, pos.TP2Price,
		boolToInt(pos.TrailingActive), pos.TrailingStop, pos.SLOrderID, pos.TP1OrderID, pos.TP2OrderID,
		boolToInt(pos.ManualIntervention), pos.Status)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (id, position_id, symbol, direction, strategy_tag, entry_price, exit_price,
		                    size, leverage, margin_usd, pnl, pnl_pct, close_reason, sl_tp_placement_failed,
		                    status, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, trade.ID, trade.PositionID, trade.Symbol, trade.Direction, trade.StrategyTag, trade.EntryPrice,
		trade.ExitPrice, trade.Size, trade.Leverage, trade.MarginUSD, trade.PnL, trade.PnLPct,
		trade.CloseReason, boolToInt(trade.SLTPPlacementFailed), trade.Status, trade.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	if pos.SignalID != "" {
		// Emergency-unwound entries count as executed too; the trade row
		// carries the failure flag.
		if _, err := tx.ExecContext(ctx, `
			UPDATE signals SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, SignalExecuted, pos.SignalID); err != nil {
			return fmt.Errorf("mark signal executed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit open position tx: %w", err)
	}
	return nil
}

const positionColumns = `
	id, signal_id, symbol, direction, strategy_tag, entry_price, size, remaining_size,
	leverage, margin_usd, stop_price, tp1_price, tp2_price, tp1_filled, tp2_filled,
	trailing_active, trailing_stop, unrealized_pnl, realized_pnl, max_pnl, min_pnl,
	COALESCE(sl_order_id, ''), COALESCE(tp1_order_id, ''), COALESCE(tp2_order_id, ''),
	manual_intervention, status, opened_at, updated_at, closed_at`

func scanPosition(row interface{ Scan(...any) error }) (Position, error) {
	var p Position
	var tp1F, tp2F, trailA, manual int
	err := row.Scan(&p.ID, &p.SignalID, &p.Symbol, &p.Direction, &p.StrategyTag, &p.EntryPrice,
		&p.Size, &p.RemainingSize, &p.Leverage, &p.MarginUSD, &p.StopPrice, &p.TP1Price, &p.TP2Price,
		&tp1F, &tp2F, &trailA, &p.TrailingStop, &p.UnrealizedPnL, &p.RealizedPnL, &p.MaxPnL, &p.MinPnL,
		&p.SLOrderID, &p.TP1OrderID, &p.TP2OrderID, &manual, &p.Status, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt)
	if err != nil {
		return Position{}, err
	}
	p.TP1Filled = tp1F == 1
	p.TP2Filled = tp2F == 1
	p.TrailingActive = trailA == 1
	p.ManualIntervention = manual == 1
	return p, nil
}

// ListActivePositions returns every ACTIVE position.
func (d *Database) ListActivePositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = ?`, PositionActive)
	if err != nil {
		return nil, fmt.Errorf("list active positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition returns one position by id.
func (d *Database) GetPosition(ctx context.Context, id string) (Position, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	if err != nil {
		return Position{}, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// GetPositionByProtectiveOrder resolves a position from one of its
// resting conditional order ids. Used to route protective-order fills.
func (d *Database) GetPositionByProtectiveOrder(ctx context.Context, orderID string) (Position, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE status = ? AND (sl_order_id = ? OR tp1_order_id = ? OR tp2_order_id = ?)
	`, PositionActive, orderID, orderID, orderID)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	if err != nil {
		return Position{}, fmt.Errorf("get position by order: %w", err)
	}
	return p, nil
}

// UpdatePositionTick persists the monitor's per-tick PnL view.
func (d *Database) UpdatePositionTick(ctx context.Context, id string, unrealized, maxPnL, minPnL float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET unrealized_pnl = ?, max_pnl = ?, min_pnl = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, unrealized, maxPnL, minPnL, id, PositionActive)
	if err != nil {
		return fmt.Errorf("update position tick: %w", err)
	}
	return nil
}

// ApplyPartialClose reduces remaining size and accrues realized PnL after
// a partial take-profit fill. remaining_size only ever decreases.
func (d *Database) ApplyPartialClose(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE positions
		SET remaining_size = ?, realized_pnl = ?, tp1_filled = ?, tp2_filled = ?,
		    stop_price = ?, sl_order_id = ?, trailing_active = ?, trailing_stop = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND remaining_size >= ?
	`, p.RemainingSize, p.RealizedPnL, boolToInt(p.TP1Filled), boolToInt(p.TP2Filled),
		p.StopPrice, p.SLOrderID, boolToInt(p.TrailingActive), p.TrailingStop,
		p.ID, PositionActive, p.RemainingSize)
	if err != nil {
		return fmt.Errorf("apply partial close: %w", err)
	}
	return nil
}

// ReplaceStopOrder records a re-placed protective stop.
func (d *Database) ReplaceStopOrder(ctx context.Context, id string, stopPrice float64, slOrderID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET stop_price = ?, sl_order_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, stopPrice, slOrderID, id, PositionActive)
	if err != nil {
		return fmt.Errorf("replace stop order: %w", err)
	}
	return nil
}

// UpdateTrailingStop persists a ratcheted trailing stop level.
func (d *Database) UpdateTrailingStop(ctx context.Context, id string, level float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET trailing_stop = ?, trailing_active = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, level, id, PositionActive)
	if err != nil {
		return fmt.Errorf("update trailing stop: %w", err)
	}
	return nil
}

// SetManualIntervention flags a position that could be neither protected
// nor unwound. The position stays ACTIVE; an operator must resolve it.
func (d *Database) SetManualIntervention(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET manual_intervention = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("set manual intervention: %w", err)
	}
	return nil
}

// ClosePositionTx flips the position to CLOSED and finalizes its trade in
// one transaction.
func (d *Database) ClosePositionTx(ctx context.Context, positionID string, exitPrice, pnl, pnlPct float64, reason string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin close position tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET status = ?, remaining_size = 0, unrealized_pnl = 0,
		       realized_pnl = ?, updated_at = CURRENT_TIMESTAMP, closed_at = ?
		WHERE id = ? AND status = ?
	`, PositionClosed, pnl, now, positionID, PositionActive)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trades SET status = ?, exit_price = ?, pnl = ?, pnl_pct = ?, close_reason = ?, closed_at = ?
		WHERE position_id = ? AND status = ?
	`, TradeClosed, exitPrice, pnl, pnlPct, reason, now, positionID, TradeOpen); err != nil {
		return fmt.Errorf("close trade: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit close position tx: %w", err)
	}
	return nil
}

// ----------------------------------------
// Risk accounting reads
// ----------------------------------------

// SumRealizedPnLSince totals closed-trade PnL since the cutoff.
func (d *Database) SumRealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := d.DB.QueryRowContext(ctx, `
		SELECT SUM(pnl) FROM trades WHERE status = ? AND closed_at >= ?
	`, TradeClosed, since.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum realized pnl: %w", err)
	}
	return total.Float64, nil
}

// SumUnrealizedPnL totals the live unrealized PnL over ACTIVE positions.
func (d *Database) SumUnrealizedPnL(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	err := d.DB.QueryRowContext(ctx, `
		SELECT SUM(unrealized_pnl) FROM positions WHERE status = ?
	`, PositionActive).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum unrealized pnl: %w", err)
	}
	return total.Float64, nil
}

// CountActivePositions returns the number of ACTIVE positions, optionally
// filtered by symbol and/or direction (empty string = no filter).
func (d *Database) CountActivePositions(ctx context.Context, symbol, direction string) (int, error) {
	query := `SELECT COUNT(*) FROM positions WHERE status = ?`
	args := []any{PositionActive}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	if direction != "" {
		query += ` AND direction = ?`
		args = append(args, direction)
	}
	var n int
	if err := d.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active positions: %w", err)
	}
	return n, nil
}

// ----------------------------------------
// Risk events
// ----------------------------------------

// CreateRiskEvent persists an audit event with full context.
func (d *Database) CreateRiskEvent(ctx context.Context, ev RiskEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_events (event_type, symbol, reason, details) VALUES (?, ?, ?, ?)
	`, ev.EventType, ev.Symbol, ev.Reason, ev.Details)
	if err != nil {
		return fmt.Errorf("create risk event: %w", err)
	}
	return nil
}

// ListRecentTrades returns the most recently closed trades.
func (d *Database) ListRecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, position_id, symbol, direction, strategy_tag, entry_price, exit_price, size,
		       leverage, margin_usd, pnl, pnl_pct, COALESCE(close_reason, ''), sl_tp_placement_failed,
		       status, created_at, closed_at
		FROM trades ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var failed int
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Symbol, &t.Direction, &t.StrategyTag,
			&t.EntryPrice, &t.ExitPrice, &t.Size, &t.Leverage, &t.MarginUSD, &t.PnL, &t.PnLPct,
			&t.CloseReason, &failed, &t.Status, &t.CreatedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.SLTPPlacementFailed = failed == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
