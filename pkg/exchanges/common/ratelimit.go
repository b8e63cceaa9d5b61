package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WeightBudget enforces the client-side request-weight budget across a
// per-second and a per-minute window. Near-limit calls are delayed, not
// failed: callers block in Acquire until the windows have room.
type WeightBudget struct {
	perSecond *rate.Limiter
	perMinute *rate.Limiter
	logger    *zap.Logger

	mu         sync.RWMutex
	usedWeight int // last value reported by the exchange
	limit      int
	lastReset  time.Time
}

// NewWeightBudget creates a budget for limit weight per minute. The
// per-second window is carved out as limit/60 with a small burst so a
// protective-order batch never waits a full second between legs.
func NewWeightBudget(limit int, logger *zap.Logger) *WeightBudget {
	if logger == nil {
		logger = zap.NewNop()
	}
	perSec := limit / 60
	if perSec < 1 {
		perSec = 1
	}
	return &WeightBudget{
		perSecond: rate.NewLimiter(rate.Limit(perSec), perSec*2),
		perMinute: rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit/10),
		logger:    logger,
		limit:     limit,
		lastReset: time.Now(),
	}
}

// Acquire blocks until the request's weight fits in both windows. It
// returns early only when ctx is cancelled.
func (b *WeightBudget) Acquire(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	if err := b.perMinute.WaitN(ctx, weight); err != nil {
		return err
	}
	return b.perSecond.WaitN(ctx, weight)
}

// UpdateFromHeader feeds the exchange's reported used weight back into
// the budget so client-side accounting cannot drift below reality.
func (b *WeightBudget) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	b.mu.Lock()
	if time.Since(b.lastReset) >= time.Minute {
		b.usedWeight = 0
		b.lastReset = time.Now()
	}
	b.usedWeight = weight
	used, limit := b.usedWeight, b.limit
	b.mu.Unlock()

	pct := float64(used) / float64(limit) * 100
	switch {
	case pct >= 95:
		b.logger.Error("rate limit critical, approaching ban threshold",
			zap.Int("used", used), zap.Int("limit", limit), zap.Float64("pct", pct))
	case pct >= 80:
		b.logger.Warn("rate limit high",
			zap.Int("used", used), zap.Int("limit", limit), zap.Float64("pct", pct))
	}
}

// Usage returns the last reported usage for diagnostics.
func (b *WeightBudget) Usage() (used, limit int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if time.Since(b.lastReset) >= time.Minute {
		return 0, b.limit
	}
	return b.usedWeight, b.limit
}
