package queue

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"perp-core/internal/events"
	"perp-core/internal/signal"
	"perp-core/pkg/db"
)

// Executor consumes signals that survive re-validation.
type Executor interface {
	Execute(ctx context.Context, sig signal.Signal) error
}

// PriceSource returns the current mark price for a symbol.
type PriceSource interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// Dispatcher drains the queue at a fixed cadence, one entry per tick.
// Each candidate is re-validated against live price and regime before
// it is handed to the executor.
type Dispatcher struct {
	queue    *Queue
	exec     Executor
	prices   PriceSource
	regimes  RegimeSource
	database *db.Database
	bus      *events.Bus
	logger   *zap.Logger

	interval    time.Duration
	maxDriftPct float64
	processing  atomic.Bool
}

func NewDispatcher(q *Queue, exec Executor, prices PriceSource, regimes RegimeSource,
	database *db.Database, bus *events.Bus, interval time.Duration, maxDriftPct float64,
	logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if maxDriftPct <= 0 {
		maxDriftPct = 0.01
	}
	return &Dispatcher{
		queue:       q,
		exec:        exec,
		prices:      prices,
		regimes:     regimes,
		database:    database,
		bus:         bus,
		logger:      logger,
		interval:    interval,
		maxDriftPct: maxDriftPct,
	}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", zap.Duration("interval", d.interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick dispatches at most one entry. The processing flag guarantees a
// slow executor call never overlaps the next tick.
func (d *Dispatcher) Tick(ctx context.Context) {
	if !d.processing.CompareAndSwap(false, true) {
		d.logger.Debug("previous dispatch still in flight, skipping tick")
		return
	}
	defer d.processing.Store(false)

	entry, err := d.queue.NextReady(ctx)
	if err != nil {
		d.logger.Error("queue read failed", zap.Error(err))
		return
	}
	if entry == nil {
		return
	}

	if reason := d.revalidate(ctx, entry); reason != "" {
		d.expire(ctx, entry, reason)
		return
	}

	if err := d.exec.Execute(ctx, entry.Signal); err != nil {
		d.logger.Error("execution failed",
			zap.String("symbol", entry.Signal.Symbol),
			zap.String("signal_id", entry.Signal.ID),
			zap.Error(err))
	}
}

// revalidate returns a non-empty reason when the entry is stale.
func (d *Dispatcher) revalidate(ctx context.Context, entry *Entry) string {
	sig := entry.Signal

	// The cache record's TTL normally evicts stale entries, but a
	// rewritten record must not resurrect an old signal. Age is taken
	// from signal creation, or enqueue time for signals without one.
	born := sig.CreatedAt
	if born.IsZero() {
		born = entry.EnqueuedAt
	}
	if !born.IsZero() && time.Since(born) > d.queue.ttl {
		d.logger.Info("queued signal past its lifetime",
			zap.String("symbol", sig.Symbol),
			zap.Duration("age", time.Since(born)),
			zap.Duration("ttl", d.queue.ttl))
		return "signal_age"
	}

	if d.prices != nil {
		price, err := d.prices.MarkPrice(ctx, sig.Symbol)
		if err != nil {
			d.logger.Warn("mark price unavailable at dispatch",
				zap.String("symbol", sig.Symbol), zap.Error(err))
			return "price_unavailable"
		}
		drift := math.Abs(price-sig.EntryPrice) / sig.EntryPrice
		if drift > d.maxDriftPct {
			d.logger.Info("entry price drifted past tolerance",
				zap.String("symbol", sig.Symbol),
				zap.Float64("signal_price", sig.EntryPrice),
				zap.Float64("mark_price", price),
				zap.Float64("drift_pct", drift*100))
			return "price_drift"
		}
	}

	if d.regimes != nil {
		now := d.regimes.Current(ctx, sig.Symbol)
		// The regime may improve while queued but never degrade below
		// its admission-time alignment.
		if now.DirectionalScore(sig.Direction) < entry.Regime.DirectionalScore(sig.Direction) {
			return "regime_degraded"
		}
	}
	return ""
}

func (d *Dispatcher) expire(ctx context.Context, entry *Entry, reason string) {
	sig := entry.Signal
	d.logger.Info("queued signal expired",
		zap.String("symbol", sig.Symbol),
		zap.String("signal_id", sig.ID),
		zap.String("reason", reason))

	if d.database != nil && sig.ID != "" {
		if err := d.database.UpdateSignalStatus(ctx, sig.ID, db.SignalExpired, reason); err != nil {
			d.logger.Error("failed to mark signal expired", zap.Error(err))
		}
	}
	if d.bus != nil {
		d.bus.Publish(events.EventSignalExpired, map[string]any{
			"signal_id": sig.ID,
			"symbol":    sig.Symbol,
			"reason":    reason,
		})
	}
}
