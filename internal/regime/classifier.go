// Package regime classifies the broader market state per symbol from
// recent kline closes. The queue consumes it to rank signals and to
// expire entries whose trend alignment degraded while queued.
package regime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"perp-core/internal/signal"
)

// CloseSource provides recent closing prices, oldest first.
type CloseSource interface {
	RecentCloses(ctx context.Context, symbol, interval string, limit int) ([]float64, error)
}

// Config tunes the moving-average classification.
type Config struct {
	// Kline interval, e.g. "15m".
	Interval string
	// Fast and slow SMA periods in candles.
	FastPeriod int
	SlowPeriod int
	// Spread thresholds as a fraction of the slow average. Below Band
	// the market is neutral; above Strong the trend is strong.
	Band   float64
	Strong float64
	// How long a classification stays cached per symbol.
	TTL time.Duration
}

type cached struct {
	regime signal.Regime
	at     time.Time
}

// Classifier derives a Regime from the fast/slow SMA spread.
type Classifier struct {
	cfg    Config
	source CloseSource
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cached
}

// New creates a classifier. Zero config fields fall back to defaults.
func New(cfg Config, source CloseSource, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval == "" {
		cfg.Interval = "15m"
	}
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = 20
	}
	if cfg.SlowPeriod <= cfg.FastPeriod {
		cfg.SlowPeriod = cfg.FastPeriod * 3
	}
	if cfg.Band <= 0 {
		cfg.Band = 0.002
	}
	if cfg.Strong <= cfg.Band {
		cfg.Strong = 0.01
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	return &Classifier{
		cfg:    cfg,
		source: source,
		logger: logger,
		cache:  make(map[string]cached),
	}
}

// Current returns the symbol's regime. Classification failures fall
// back to neutral so admission never blocks on market data.
func (c *Classifier) Current(ctx context.Context, symbol string) signal.Regime {
	c.mu.Lock()
	if hit, ok := c.cache[symbol]; ok && time.Since(hit.at) < c.cfg.TTL {
		c.mu.Unlock()
		return hit.regime
	}
	c.mu.Unlock()

	// One extra candle so the still-forming one can be dropped.
	closes, err := c.source.RecentCloses(ctx, symbol, c.cfg.Interval, c.cfg.SlowPeriod+1)
	if err != nil {
		c.logger.Warn("regime classification failed, assuming neutral",
			zap.String("symbol", symbol), zap.Error(err))
		return signal.RegimeNeutral
	}
	if len(closes) > 1 {
		closes = closes[:len(closes)-1]
	}

	r := c.classify(closes)

	c.mu.Lock()
	c.cache[symbol] = cached{regime: r, at: time.Now()}
	c.mu.Unlock()
	return r
}

func (c *Classifier) classify(closes []float64) signal.Regime {
	fast := sma(closes, c.cfg.FastPeriod)
	slow := sma(closes, c.cfg.SlowPeriod)
	if fast == 0 || slow == 0 {
		return signal.RegimeNeutral
	}

	spread := (fast - slow) / slow
	switch {
	case spread >= c.cfg.Strong:
		return signal.RegimeStrongBullish
	case spread >= c.cfg.Band:
		return signal.RegimeBullish
	case spread <= -c.cfg.Strong:
		return signal.RegimeStrongBearish
	case spread <= -c.cfg.Band:
		return signal.RegimeBearish
	default:
		return signal.RegimeNeutral
	}
}

// sma is the simple moving average of the last period values, or 0
// when there is not enough history.
func sma(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}
