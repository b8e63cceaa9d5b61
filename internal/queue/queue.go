// Package queue implements the staggered admission buffer between the
// strategy layer and the order executor. At most one entry per symbol is
// queued at any time, entries expire after a TTL, and dispatch drains at
// a fixed cadence so entries never reach the executor in a burst.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perp-core/internal/signal"
	"perp-core/pkg/cache"
)

const (
	keyPrefix = "queue:"
	indexKey  = "queue:index"
)

// Priority classes. Lower dispatches first.
const (
	PriorityTrendAligned = 1
	PriorityNeutral      = 2
	PriorityCounterTrend = 3
)

// Entry is a queued signal plus admission-time context.
type Entry struct {
	Signal     signal.Signal `json:"signal"`
	Regime     signal.Regime `json:"regime"`
	Priority   int           `json:"priority"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// RegimeSource reports the current market regime for a symbol. The
// regime package provides the kline-backed implementation; a nil
// source admits everything as neutral.
type RegimeSource interface {
	Current(ctx context.Context, symbol string) signal.Regime
}

// Queue is the cache-backed admission buffer.
type Queue struct {
	store   cache.Store
	regimes RegimeSource
	ttl     time.Duration
	logger  *zap.Logger
}

// New creates a queue with the given entry TTL.
func New(store cache.Store, regimes RegimeSource, ttl time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Queue{store: store, regimes: regimes, ttl: ttl, logger: logger}
}

// PriorityFor classifies a signal against the current regime.
func PriorityFor(regime signal.Regime, dir signal.Direction) int {
	score := regime.DirectionalScore(dir)
	switch {
	case score > 0:
		return PriorityTrendAligned
	case score == 0:
		return PriorityNeutral
	default:
		return PriorityCounterTrend
	}
}

// Admit enqueues a signal unless its symbol already has a queued entry.
// Returns false on duplicate; duplicates are a no-op, not an error.
func (q *Queue) Admit(ctx context.Context, sig signal.Signal) (bool, error) {
	if err := sig.Validate(); err != nil {
		return false, err
	}

	regime := signal.RegimeNeutral
	if q.regimes != nil {
		regime = q.regimes.Current(ctx, sig.Symbol)
	}

	entry := Entry{
		Signal:     sig,
		Regime:     regime,
		Priority:   PriorityFor(regime, sig.Direction),
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("queue: marshal entry: %w", err)
	}

	ok, err := q.store.SetNX(ctx, keyPrefix+sig.Symbol, string(payload), q.ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		q.logger.Debug("duplicate signal for symbol, dropped",
			zap.String("symbol", sig.Symbol), zap.String("strategy", sig.StrategyTag))
		return false, nil
	}
	if err := q.store.SAdd(ctx, indexKey, sig.Symbol); err != nil {
		return false, err
	}

	q.logger.Info("signal admitted",
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
		zap.Int("priority", entry.Priority))
	return true, nil
}

// NextReady selects the highest-priority (lowest class, then oldest)
// entry and atomically claims it. A conditional delete arbitrates
// between concurrent dispatchers: whoever deletes the key owns the
// entry; a zero delete count means another worker already claimed it.
func (q *Queue) NextReady(ctx context.Context) (*Entry, error) {
	symbols, err := q.store.SMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}

	var (
		best       *Entry
		bestSymbol string
	)
	for _, sym := range symbols {
		raw, ok, err := q.store.Get(ctx, keyPrefix+sym)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Entry expired out from under the index.
			_ = q.store.SRem(ctx, indexKey, sym)
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			q.logger.Warn("dropping unreadable queue entry", zap.String("symbol", sym), zap.Error(err))
			_, _ = q.store.Del(ctx, keyPrefix+sym)
			_ = q.store.SRem(ctx, indexKey, sym)
			continue
		}
		if best == nil ||
			entry.Priority < best.Priority ||
			(entry.Priority == best.Priority && entry.EnqueuedAt.Before(best.EnqueuedAt)) {
			e := entry
			best = &e
			bestSymbol = sym
		}
	}
	if best == nil {
		return nil, nil
	}

	removed, err := q.store.Del(ctx, keyPrefix+bestSymbol)
	if err != nil {
		return nil, err
	}
	_ = q.store.SRem(ctx, indexKey, bestSymbol)
	if removed == 0 {
		// Lost the claim race.
		return nil, nil
	}
	return best, nil
}

// Size returns the number of indexed symbols, counting only unexpired
// entries.
func (q *Queue) Size(ctx context.Context) (int, error) {
	symbols, err := q.store.SMembers(ctx, indexKey)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sym := range symbols {
		if _, ok, err := q.store.Get(ctx, keyPrefix+sym); err == nil && ok {
			n++
		}
	}
	return n, nil
}
