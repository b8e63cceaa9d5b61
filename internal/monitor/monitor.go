// Package monitor tracks open positions: unrealized PnL, excursion
// extremes, breakeven moves and trailing stops. Exits themselves are
// executed by the exchange's resting protective orders; the monitor
// only reacts to their fills. Triggering exits locally off a polled
// price would race the exchange's own trigger and can close twice.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"perp-core/internal/events"
	"perp-core/internal/signal"
	"perp-core/pkg/config"
	"perp-core/pkg/db"
	"perp-core/pkg/exchanges/common"
	"perp-core/pkg/precision"
)

// Store is the persistence slice the monitor reads and writes.
type Store interface {
	ListActivePositions(ctx context.Context) ([]db.Position, error)
	GetPositionByProtectiveOrder(ctx context.Context, orderID string) (db.Position, error)
	UpdatePositionTick(ctx context.Context, id string, unrealized, maxPnL, minPnL float64) error
	ApplyPartialClose(ctx context.Context, p db.Position) error
	UpdateTrailingStop(ctx context.Context, id string, level float64) error
	ReplaceStopOrder(ctx context.Context, id string, stopPrice float64, slOrderID string) error
	ClosePositionTx(ctx context.Context, positionID string, exitPrice, pnl, pnlPct float64, reason string) error
	CreateRiskEvent(ctx context.Context, ev db.RiskEvent) error
}

// Outcomes receives the final PnL of every closed position.
type Outcomes interface {
	RecordOutcome(ctx context.Context, symbol string, pnl float64) error
}

// Monitor is the position lifecycle loop.
type Monitor struct {
	gateway    common.Gateway
	store      Store
	outcomes   Outcomes
	strategies map[string]config.StrategyConfig
	bus        *events.Bus
	logger     *zap.Logger

	interval    time.Duration
	localChecks bool

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func New(gateway common.Gateway, store Store, outcomes Outcomes,
	strategies map[string]config.StrategyConfig, bus *events.Bus,
	interval time.Duration, localChecks bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		gateway:     gateway,
		store:       store,
		outcomes:    outcomes,
		strategies:  strategies,
		bus:         bus,
		logger:      logger,
		interval:    interval,
		localChecks: localChecks,
		lastSeen:    make(map[string]time.Time),
	}
}

// Interval returns the sweep cadence.
func (m *Monitor) Interval() time.Duration { return m.interval }

// LastSeen reports when the monitor last successfully evaluated a
// position. The reconciliation watchdog keys off this.
func (m *Monitor) LastSeen(positionID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastSeen[positionID]
	return t, ok
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("position monitor started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("position monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates every active position once.
func (m *Monitor) Sweep(ctx context.Context) {
	positions, err := m.store.ListActivePositions(ctx)
	if err != nil {
		m.logger.Error("failed to list active positions", zap.Error(err))
		return
	}
	for _, pos := range positions {
		if err := m.evaluate(ctx, pos); err != nil {
			m.logger.Warn("position evaluation failed",
				zap.String("position_id", pos.ID),
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.lastSeen[pos.ID] = time.Now()
		m.mu.Unlock()
	}
	m.prune(positions)
}

func (m *Monitor) evaluate(ctx context.Context, pos db.Position) error {
	mark, err := m.gateway.MarkPrice(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("mark price: %w", err)
	}

	dir := signal.Direction(pos.Direction)
	upnl := unrealizedPnL(dir, pos.EntryPrice, mark, pos.RemainingSize)
	maxPnL := math.Max(pos.MaxPnL, upnl)
	minPnL := math.Min(pos.MinPnL, upnl)
	if err := m.store.UpdatePositionTick(ctx, pos.ID, upnl, maxPnL, minPnL); err != nil {
		return err
	}

	if pos.TrailingActive {
		if err := m.ratchetTrailing(ctx, pos, mark); err != nil {
			m.logger.Warn("trailing ratchet failed",
				zap.String("position_id", pos.ID), zap.Error(err))
		}
	}

	if m.localChecks {
		m.checkCrossedLevels(ctx, pos, mark)
	}
	return nil
}

// ratchetTrailing lifts the trailing stop toward the price, never away
// from it, and re-places the exchange stop at the new level. The old
// stop stays live until its replacement is confirmed.
func (m *Monitor) ratchetTrailing(ctx context.Context, pos db.Position, mark float64) error {
	sc := m.strategyFor(pos.StrategyTag)
	dir := signal.Direction(pos.Direction)

	var candidate float64
	if dir == signal.Long {
		candidate = mark * (1 - sc.TrailingPct)
		if candidate <= pos.TrailingStop {
			return nil
		}
	} else {
		candidate = mark * (1 + sc.TrailingPct)
		if pos.TrailingStop > 0 && candidate >= pos.TrailingStop {
			return nil
		}
	}

	filters, err := m.gateway.SymbolFilters(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	candidate = precision.RoundPrice(candidate, filters.TickSize)

	res, err := m.gateway.SubmitOrder(ctx, common.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          exitSide(dir),
		Type:          common.OrderTypeStopMarket,
		StopPrice:     candidate,
		ClosePosition: true,
		ClientID:      fmt.Sprintf("trail-%s-%d", pos.ID, time.Now().UnixMilli()),
	})
	if err != nil {
		return fmt.Errorf("place trailing stop: %w", err)
	}
	if pos.SLOrderID != "" {
		if _, err := m.gateway.CancelOrder(ctx, pos.Symbol, pos.SLOrderID); err != nil {
			m.logger.Warn("failed to cancel superseded stop",
				zap.String("position_id", pos.ID),
				zap.String("order_id", pos.SLOrderID),
				zap.Error(err))
		}
	}

	if err := m.store.ReplaceStopOrder(ctx, pos.ID, candidate, res.OrderID); err != nil {
		return err
	}
	if err := m.store.UpdateTrailingStop(ctx, pos.ID, candidate); err != nil {
		return err
	}
	m.logger.Info("trailing stop ratcheted",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Float64("mark", mark),
		zap.Float64("stop", candidate))
	return nil
}

// checkCrossedLevels raises an alert when the mark has moved through
// the stop yet the position is still open, meaning the resting order
// did not fire. It never places or cancels orders.
func (m *Monitor) checkCrossedLevels(ctx context.Context, pos db.Position, mark float64) {
	dir := signal.Direction(pos.Direction)
	var crossed bool
	if dir == signal.Long {
		crossed = pos.StopPrice > 0 && mark < pos.StopPrice*0.999
	} else {
		crossed = pos.StopPrice > 0 && mark > pos.StopPrice*1.001
	}
	if !crossed {
		return
	}
	m.logger.Error("mark crossed stop but position still open",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Float64("mark", mark),
		zap.Float64("stop", pos.StopPrice))
	_ = m.store.CreateRiskEvent(ctx, db.RiskEvent{
		EventType: db.RiskEventDrift,
		Symbol:    pos.Symbol,
		Reason:    "STOP_NOT_TRIGGERED",
		Details:   fmt.Sprintf("position %s mark %.8f stop %.8f", pos.ID, mark, pos.StopPrice),
	})
	if m.bus != nil {
		m.bus.Publish(events.EventRiskAlert, map[string]any{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
		})
	}
}

func (m *Monitor) strategyFor(tag string) config.StrategyConfig {
	if sc, ok := m.strategies[tag]; ok {
		return sc
	}
	return config.DefaultStrategyConfig(tag)
}

// prune drops heartbeat entries for positions no longer active.
func (m *Monitor) prune(active []db.Position) {
	keep := make(map[string]struct{}, len(active))
	for _, p := range active {
		keep[p.ID] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.lastSeen {
		if _, ok := keep[id]; !ok {
			delete(m.lastSeen, id)
		}
	}
}

func unrealizedPnL(d signal.Direction, entry, mark, qty float64) float64 {
	if d == signal.Long {
		return (mark - entry) * qty
	}
	return (entry - mark) * qty
}

func exitSide(d signal.Direction) common.Side {
	if d == signal.Long {
		return common.SideSell
	}
	return common.SideBuy
}
