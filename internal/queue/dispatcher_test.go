package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"perp-core/internal/signal"
	"perp-core/pkg/cache"
)

type recordingExecutor struct {
	executed []signal.Signal
	err      error
}

func (r *recordingExecutor) Execute(_ context.Context, sig signal.Signal) error {
	r.executed = append(r.executed, sig)
	return r.err
}

type fixedPrices struct {
	price float64
	err   error
}

func (f fixedPrices) MarkPrice(context.Context, string) (float64, error) {
	return f.price, f.err
}

func TestTickDispatchesOneEntry(t *testing.T) {
	ctx := context.Background()
	q := New(cache.NewMemory(), staticRegimes{}, time.Minute, nil)
	exec := &recordingExecutor{}
	d := NewDispatcher(q, exec, fixedPrices{price: 100}, staticRegimes{}, nil, nil,
		time.Minute, 0.01, nil)

	if _, err := q.Admit(ctx, testSignal("BTCUSDT", signal.Long)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Admit(ctx, testSignal("ETHUSDT", signal.Long)); err != nil {
		t.Fatal(err)
	}

	d.Tick(ctx)
	if len(exec.executed) != 1 {
		t.Fatalf("executed %d signals in one tick, want 1", len(exec.executed))
	}
	d.Tick(ctx)
	if len(exec.executed) != 2 {
		t.Fatalf("executed %d signals after two ticks, want 2", len(exec.executed))
	}
	d.Tick(ctx)
	if len(exec.executed) != 2 {
		t.Fatal("tick on empty queue must not dispatch")
	}
}

func TestTickExpiresOnPriceDrift(t *testing.T) {
	ctx := context.Background()
	q := New(cache.NewMemory(), staticRegimes{}, time.Minute, nil)
	exec := &recordingExecutor{}
	// Signal entry is 100; live mark 102 exceeds the 1% tolerance.
	d := NewDispatcher(q, exec, fixedPrices{price: 102}, staticRegimes{}, nil, nil,
		time.Minute, 0.01, nil)

	if _, err := q.Admit(ctx, testSignal("BTCUSDT", signal.Long)); err != nil {
		t.Fatal(err)
	}
	d.Tick(ctx)
	if len(exec.executed) != 0 {
		t.Fatal("drifted entry must not reach the executor")
	}
	if n, _ := q.Size(ctx); n != 0 {
		t.Fatal("drifted entry must be removed from the queue")
	}
}

func TestTickExpiresWhenPriceUnavailable(t *testing.T) {
	ctx := context.Background()
	q := New(cache.NewMemory(), staticRegimes{}, time.Minute, nil)
	exec := &recordingExecutor{}
	d := NewDispatcher(q, exec, fixedPrices{err: errors.New("feed down")}, staticRegimes{},
		nil, nil, time.Minute, 0.01, nil)

	if _, err := q.Admit(ctx, testSignal("BTCUSDT", signal.Long)); err != nil {
		t.Fatal(err)
	}
	d.Tick(ctx)
	if len(exec.executed) != 0 {
		t.Fatal("entry without a live price must not dispatch")
	}
}

type shiftingRegimes struct {
	now signal.Regime
}

func (s *shiftingRegimes) Current(context.Context, string) signal.Regime { return s.now }

func TestTickExpiresOnRegimeDegradation(t *testing.T) {
	ctx := context.Background()
	regimes := &shiftingRegimes{now: signal.RegimeBullish}
	q := New(cache.NewMemory(), regimes, time.Minute, nil)
	exec := &recordingExecutor{}
	d := NewDispatcher(q, exec, fixedPrices{price: 100}, regimes, nil, nil,
		time.Minute, 0.01, nil)

	if _, err := q.Admit(ctx, testSignal("BTCUSDT", signal.Long)); err != nil {
		t.Fatal(err)
	}

	// Regime flips against the long while queued.
	regimes.now = signal.RegimeBearish
	d.Tick(ctx)
	if len(exec.executed) != 0 {
		t.Fatal("degraded regime must expire the entry")
	}
}

func TestTickAllowsRegimeImprovement(t *testing.T) {
	ctx := context.Background()
	regimes := &shiftingRegimes{now: signal.RegimeNeutral}
	q := New(cache.NewMemory(), regimes, time.Minute, nil)
	exec := &recordingExecutor{}
	d := NewDispatcher(q, exec, fixedPrices{price: 100}, regimes, nil, nil,
		time.Minute, 0.01, nil)

	if _, err := q.Admit(ctx, testSignal("BTCUSDT", signal.Long)); err != nil {
		t.Fatal(err)
	}

	regimes.now = signal.RegimeStrongBullish
	d.Tick(ctx)
	if len(exec.executed) != 1 {
		t.Fatal("improved regime must still dispatch")
	}
}

func TestTickExpiresSignalPastLifetime(t *testing.T) {
	ctx := context.Background()
	q := New(cache.NewMemory(), staticRegimes{}, time.Minute, nil)
	exec := &recordingExecutor{}
	d := NewDispatcher(q, exec, fixedPrices{price: 100}, staticRegimes{}, nil, nil,
		time.Minute, 0.01, nil)

	// The cache record is fresh but the signal itself predates the
	// queue lifetime.
	sig := testSignal("BTCUSDT", signal.Long)
	sig.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	if _, err := q.Admit(ctx, sig); err != nil {
		t.Fatal(err)
	}

	d.Tick(ctx)
	if len(exec.executed) != 0 {
		t.Fatal("signal past its lifetime must not dispatch")
	}
	if n, err := q.Size(ctx); err != nil || n != 0 {
		t.Fatalf("expired entry still queued: size=%d err=%v", n, err)
	}
}
