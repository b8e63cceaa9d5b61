// Package reconcile compares local position state against the
// exchange's and repairs the local side when they diverge. The exchange
// is always authoritative: the watchdog closes local records, it never
// places, cancels or amends exchange orders. It ships disabled; the
// user stream plus the monitor normally keep state converged without
// it.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"perp-core/internal/events"
	"perp-core/internal/signal"
	"perp-core/pkg/db"
	"perp-core/pkg/exchanges/common"
)

// Store is the persistence slice the watchdog needs.
type Store interface {
	ListActivePositions(ctx context.Context) ([]db.Position, error)
	ClosePositionTx(ctx context.Context, positionID string, exitPrice, pnl, pnlPct float64, reason string) error
	CreateRiskEvent(ctx context.Context, ev db.RiskEvent) error
}

// Outcomes receives the final PnL of repaired positions so streak
// accounting stays truthful.
type Outcomes interface {
	RecordOutcome(ctx context.Context, symbol string, pnl float64) error
}

// Config tunes the watchdog.
type Config struct {
	Enabled      bool
	Interval     time.Duration
	MissedCycles int // consecutive scans a position must be absent before repair
}

// Watchdog is the reconciliation loop.
type Watchdog struct {
	cfg      Config
	gateway  common.Gateway
	store    Store
	outcomes Outcomes
	bus      *events.Bus
	logger   *zap.Logger

	missing map[string]int
}

func New(cfg Config, gateway common.Gateway, store Store, outcomes Outcomes,
	bus *events.Bus, logger *zap.Logger) *Watchdog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MissedCycles <= 0 {
		cfg.MissedCycles = 3
	}
	return &Watchdog{
		cfg:      cfg,
		gateway:  gateway,
		store:    store,
		outcomes: outcomes,
		bus:      bus,
		logger:   logger,
		missing:  make(map[string]int),
	}
}

// Run blocks until ctx is cancelled. A disabled watchdog returns
// immediately.
func (w *Watchdog) Run(ctx context.Context) {
	if !w.cfg.Enabled {
		w.logger.Info("reconciliation watchdog disabled")
		return
	}
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("reconciliation watchdog started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("missed_cycles", w.cfg.MissedCycles))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconciliation watchdog stopped")
			return
		case <-ticker.C:
			if err := w.Scan(ctx); err != nil {
				w.logger.Error("reconciliation scan failed", zap.Error(err))
			}
		}
	}
}

// Scan runs one comparison pass.
func (w *Watchdog) Scan(ctx context.Context) error {
	local, err := w.store.ListActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list local positions: %w", err)
	}
	remote, err := w.gateway.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list remote positions: %w", err)
	}

	remoteBySymbol := make(map[string]common.RemotePosition, len(remote))
	for _, rp := range remote {
		remoteBySymbol[rp.Symbol] = rp
	}

	localSymbols := make(map[string]struct{}, len(local))
	active := make(map[string]struct{}, len(local))
	for _, pos := range local {
		localSymbols[pos.Symbol] = struct{}{}
		active[pos.ID] = struct{}{}

		rp, onExchange := remoteBySymbol[pos.Symbol]
		if onExchange && math.Abs(rp.Quantity) > 0 {
			delete(w.missing, pos.ID)
			continue
		}

		// A fill event may simply not have arrived yet. Require the
		// position to stay gone across several scans before touching
		// it, so the stream handler always wins the race.
		w.missing[pos.ID]++
		if w.missing[pos.ID] < w.cfg.MissedCycles {
			w.logger.Debug("position absent on exchange, waiting",
				zap.String("position_id", pos.ID),
				zap.String("symbol", pos.Symbol),
				zap.Int("scans", w.missing[pos.ID]))
			continue
		}
		if err := w.repair(ctx, pos); err != nil {
			w.logger.Error("local repair failed",
				zap.String("position_id", pos.ID), zap.Error(err))
			continue
		}
		delete(w.missing, pos.ID)
	}

	// Forget counters for positions closed through the normal path.
	for id := range w.missing {
		if _, ok := active[id]; !ok {
			delete(w.missing, id)
		}
	}

	// Exchange exposure with no local record is logged, never managed.
	// Acting on it could fight a human or another system.
	for _, rp := range remote {
		if math.Abs(rp.Quantity) == 0 {
			continue
		}
		if _, tracked := localSymbols[rp.Symbol]; tracked {
			continue
		}
		w.logger.Warn("untracked position on exchange",
			zap.String("symbol", rp.Symbol),
			zap.Float64("quantity", rp.Quantity),
			zap.Float64("entry", rp.EntryPrice))
		_ = w.store.CreateRiskEvent(ctx, db.RiskEvent{
			EventType: db.RiskEventDrift,
			Symbol:    rp.Symbol,
			Reason:    "UNTRACKED_REMOTE_POSITION",
			Details:   fmt.Sprintf("qty %.8f entry %.8f", rp.Quantity, rp.EntryPrice),
		})
	}
	return nil
}

// repair closes the local record of a position the exchange no longer
// holds. The exit price is approximated with the current mark; the real
// fill price was lost with the missed event.
func (w *Watchdog) repair(ctx context.Context, pos db.Position) error {
	exit, err := w.gateway.MarkPrice(ctx, pos.Symbol)
	if err != nil || exit <= 0 {
		exit = pos.EntryPrice
	}

	var pnl float64
	if signal.Direction(pos.Direction) == signal.Long {
		pnl = pos.RealizedPnL + (exit-pos.EntryPrice)*pos.RemainingSize
	} else {
		pnl = pos.RealizedPnL + (pos.EntryPrice-exit)*pos.RemainingSize
	}
	pnlPct := 0.0
	if pos.MarginUSD > 0 {
		pnlPct = pnl / pos.MarginUSD * 100
	}

	if err := w.store.ClosePositionTx(ctx, pos.ID, exit, pnl, pnlPct, db.CloseReasonExternal); err != nil {
		return err
	}
	if w.outcomes != nil {
		if err := w.outcomes.RecordOutcome(ctx, pos.Symbol, pnl); err != nil {
			w.logger.Error("failed to record repaired outcome", zap.Error(err))
		}
	}
	_ = w.store.CreateRiskEvent(ctx, db.RiskEvent{
		EventType: db.RiskEventDrift,
		Symbol:    pos.Symbol,
		Reason:    "LOCAL_POSITION_REPAIRED",
		Details:   fmt.Sprintf("position %s closed externally, approx exit %.8f pnl %.2f", pos.ID, exit, pnl),
	})
	w.logger.Warn("local position repaired after external close",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Float64("exit", exit),
		zap.Float64("pnl", pnl))

	if w.bus != nil {
		w.bus.Publish(events.EventStateDrift, map[string]any{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"pnl":         pnl,
		})
	}
	return nil
}
