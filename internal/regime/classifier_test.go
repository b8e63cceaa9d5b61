package regime

import (
	"context"
	"errors"
	"testing"
	"time"

	"perp-core/internal/signal"
)

type fixedCloses struct {
	closes map[string][]float64
	err    error

	calls int
	limit int
}

func (f *fixedCloses) RecentCloses(_ context.Context, symbol, _ string, limit int) ([]float64, error) {
	f.calls++
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.closes[symbol], nil
}

func newTestClassifier(src CloseSource) *Classifier {
	return New(Config{
		Interval:   "15m",
		FastPeriod: 2,
		SlowPeriod: 4,
		Band:       0.002,
		Strong:     0.01,
		TTL:        time.Hour,
	}, src, nil)
}

func TestClassifySpreadBands(t *testing.T) {
	cases := []struct {
		name   string
		closes []float64
		want   signal.Regime
	}{
		// The trailing value is the still-forming candle and is dropped.
		{"strong bullish", []float64{100, 100, 110, 120, 121}, signal.RegimeStrongBullish},
		{"bullish", []float64{100, 100, 100.5, 100.5, 100.5}, signal.RegimeBullish},
		{"flat", []float64{100, 100, 100, 100, 100}, signal.RegimeNeutral},
		{"strong bearish", []float64{120, 120, 105, 100, 99}, signal.RegimeStrongBearish},
		{"bearish", []float64{100.5, 100.5, 100, 100, 100}, signal.RegimeBearish},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &fixedCloses{closes: map[string][]float64{"BTCUSDT": tc.closes}}
			c := newTestClassifier(src)

			if got := c.Current(context.Background(), "BTCUSDT"); got != tc.want {
				t.Fatalf("regime = %d, want %d", got, tc.want)
			}
			if src.limit != 5 {
				t.Fatalf("fetch limit = %d, want slow period + 1", src.limit)
			}
		})
	}
}

func TestFormingCandleIgnored(t *testing.T) {
	// Flat history with a collapsed forming candle must stay neutral.
	src := &fixedCloses{closes: map[string][]float64{"ETHUSDT": {100, 100, 100, 100, 50}}}
	c := newTestClassifier(src)

	if got := c.Current(context.Background(), "ETHUSDT"); got != signal.RegimeNeutral {
		t.Fatalf("regime = %d, want neutral", got)
	}
}

func TestFetchErrorFallsBackToNeutral(t *testing.T) {
	src := &fixedCloses{err: errors.New("rate limited")}
	c := newTestClassifier(src)

	if got := c.Current(context.Background(), "BTCUSDT"); got != signal.RegimeNeutral {
		t.Fatalf("regime = %d, want neutral on fetch failure", got)
	}
}

func TestInsufficientHistoryIsNeutral(t *testing.T) {
	src := &fixedCloses{closes: map[string][]float64{"BTCUSDT": {100, 100}}}
	c := newTestClassifier(src)

	if got := c.Current(context.Background(), "BTCUSDT"); got != signal.RegimeNeutral {
		t.Fatalf("regime = %d, want neutral with short history", got)
	}
}

func TestClassificationCached(t *testing.T) {
	src := &fixedCloses{closes: map[string][]float64{"BTCUSDT": {100, 100, 110, 120, 121}}}
	c := newTestClassifier(src)

	first := c.Current(context.Background(), "BTCUSDT")
	if first != signal.RegimeStrongBullish {
		t.Fatalf("regime = %d, want strong bullish", first)
	}

	// A reversal inside the TTL must not be re-fetched.
	src.closes["BTCUSDT"] = []float64{120, 120, 105, 100, 99}
	if got := c.Current(context.Background(), "BTCUSDT"); got != first {
		t.Fatalf("cached regime = %d, want %d", got, first)
	}
	if src.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", src.calls)
	}

	// Failure after cache expiry also must not wipe the point-in-time
	// neutral fallback into the cache.
	c.cache = map[string]cached{}
	src.err = errors.New("down")
	if got := c.Current(context.Background(), "BTCUSDT"); got != signal.RegimeNeutral {
		t.Fatalf("regime = %d, want neutral", got)
	}
	if _, ok := c.cache["BTCUSDT"]; ok {
		t.Fatal("neutral fallback must not be cached")
	}
}
