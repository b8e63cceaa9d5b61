package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"perp-core/pkg/cache"
)

const (
	keyConsecutiveLosses = "risk:consecutive_losses"
	keyLastLossAt        = "risk:last_loss_at"
	keySymbolCooldown    = "risk:cooldown:"

	counterTTL = 24 * time.Hour
)

// Counters tracks loss streaks and cooldowns in the shared cache so
// every process observes the same state. RecordOutcome is the writer
// for close outcomes; the gate only reads, except for ResetStreak once
// a loss cooldown has run its course.
type Counters struct {
	store          cache.Store
	lossCooldown   time.Duration
	symbolCooldown time.Duration
	logger         *zap.Logger
}

func NewCounters(store cache.Store, lossCooldown, symbolCooldown time.Duration, logger *zap.Logger) *Counters {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counters{
		store:          store,
		lossCooldown:   lossCooldown,
		symbolCooldown: symbolCooldown,
		logger:         logger,
	}
}

// RecordOutcome updates streak state after a position closes. A win
// resets the streak; a loss extends it and starts the per-symbol
// cooldown. Breakeven closes leave the streak untouched.
func (c *Counters) RecordOutcome(ctx context.Context, symbol string, pnl float64) error {
	switch {
	case pnl > 0:
		if _, err := c.store.Del(ctx, keyConsecutiveLosses, keyLastLossAt); err != nil {
			return fmt.Errorf("risk: reset loss streak: %w", err)
		}
		c.logger.Debug("loss streak reset", zap.String("symbol", symbol), zap.Float64("pnl", pnl))
	case pnl < 0:
		n, err := c.store.IncrBy(ctx, keyConsecutiveLosses, 1)
		if err != nil {
			return fmt.Errorf("risk: bump loss streak: %w", err)
		}
		if err := c.store.Expire(ctx, keyConsecutiveLosses, counterTTL); err != nil {
			return err
		}
		now := strconv.FormatInt(time.Now().Unix(), 10)
		if err := c.store.Set(ctx, keyLastLossAt, now, counterTTL); err != nil {
			return err
		}
		if c.symbolCooldown > 0 {
			if err := c.store.Set(ctx, keySymbolCooldown+symbol, "1", c.symbolCooldown); err != nil {
				return fmt.Errorf("risk: set symbol cooldown: %w", err)
			}
		}
		c.logger.Info("loss recorded",
			zap.String("symbol", symbol),
			zap.Float64("pnl", pnl),
			zap.Int64("consecutive_losses", n))
	}
	return nil
}

// ResetStreak clears the loss streak and its timestamp. The gate calls
// it once a completed cooldown admits a signal, so a later loss starts
// a fresh streak instead of re-tripping the breaker at the old count.
func (c *Counters) ResetStreak(ctx context.Context) error {
	if _, err := c.store.Del(ctx, keyConsecutiveLosses, keyLastLossAt); err != nil {
		return fmt.Errorf("risk: reset loss streak: %w", err)
	}
	return nil
}

// ConsecutiveLosses returns the current streak length.
func (c *Counters) ConsecutiveLosses(ctx context.Context) (int, error) {
	raw, ok, err := c.store.Get(ctx, keyConsecutiveLosses)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("risk: corrupt loss counter %q: %w", raw, err)
	}
	return n, nil
}

// LastLossAt returns when the most recent loss closed, or zero time.
func (c *Counters) LastLossAt(ctx context.Context) (time.Time, error) {
	raw, ok, err := c.store.Get(ctx, keyLastLossAt)
	if err != nil || !ok {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("risk: corrupt loss timestamp %q: %w", raw, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// SymbolOnCooldown reports whether the symbol closed a position within
// the cooldown window.
func (c *Counters) SymbolOnCooldown(ctx context.Context, symbol string) (bool, error) {
	_, ok, err := c.store.Get(ctx, keySymbolCooldown+symbol)
	return ok, err
}

// ClearSymbolCooldown lifts a symbol's sit-out early. Operator use.
func (c *Counters) ClearSymbolCooldown(ctx context.Context, symbol string) error {
	_, err := c.store.Del(ctx, keySymbolCooldown+symbol)
	return err
}
