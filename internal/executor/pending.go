package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"perp-core/internal/signal"
	"perp-core/pkg/cache"
)

const pendingKeyPrefix = "pending_order:"

// PendingOrder is the cached handoff between placing an entry order and
// receiving its fill on the user stream. It carries everything needed
// to finish opening the position.
type PendingOrder struct {
	OrderID    string        `json:"order_id"`
	Signal     signal.Signal `json:"signal"`
	Qty        float64       `json:"qty"`
	LimitPrice float64       `json:"limit_price"`
	PlacedAt   time.Time     `json:"placed_at"`
}

// PendingStore keeps pending entries in the shared cache so a restart,
// or a second process, can still complete the fill.
type PendingStore struct {
	store cache.Store
	ttl   time.Duration
}

func NewPendingStore(store cache.Store, ttl time.Duration) *PendingStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PendingStore{store: store, ttl: ttl}
}

// TTL is how long an entry may rest before the stale-cancel timer
// pulls it.
func (p *PendingStore) TTL() time.Duration {
	return p.ttl
}

func (p *PendingStore) Put(ctx context.Context, po PendingOrder) error {
	payload, err := json.Marshal(po)
	if err != nil {
		return fmt.Errorf("executor: marshal pending order: %w", err)
	}
	// The record outlives the cancel timer by a grace period so the
	// timer's claim still finds it. Record expiry is the safety net
	// when the process dies before the timer fires.
	return p.store.Set(ctx, pendingKeyPrefix+po.OrderID, string(payload), p.ttl+time.Minute)
}

// Claim atomically takes ownership of a pending order. The delete count
// arbitrates duplicate fill events: only the caller whose delete
// removed the key proceeds, every other caller sees claimed=false.
func (p *PendingStore) Claim(ctx context.Context, orderID string) (PendingOrder, bool, error) {
	key := pendingKeyPrefix + orderID
	raw, ok, err := p.store.Get(ctx, key)
	if err != nil || !ok {
		return PendingOrder{}, false, err
	}
	var po PendingOrder
	if err := json.Unmarshal([]byte(raw), &po); err != nil {
		_, _ = p.store.Del(ctx, key)
		return PendingOrder{}, false, fmt.Errorf("executor: corrupt pending order %s: %w", orderID, err)
	}
	removed, err := p.store.Del(ctx, key)
	if err != nil {
		return PendingOrder{}, false, err
	}
	if removed == 0 {
		return PendingOrder{}, false, nil
	}
	return po, true, nil
}

// Drop discards a pending order, e.g. after cancelling the entry.
func (p *PendingStore) Drop(ctx context.Context, orderID string) error {
	_, err := p.store.Del(ctx, pendingKeyPrefix+orderID)
	return err
}
