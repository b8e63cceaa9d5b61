package signal

import (
	"testing"
	"time"
)

func validLong() Signal {
	return Signal{
		ID:          "s1",
		Symbol:      "BTCUSDT",
		Direction:   Long,
		EntryPrice:  100,
		StopPrice:   98,
		TP1Price:    102,
		TP2Price:    104,
		Leverage:    10,
		MarginUSD:   50,
		StrategyTag: "breakout",
		CreatedAt:   time.Now().UTC(),
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Signal)
		ok     bool
	}{
		{"valid long", func(*Signal) {}, true},
		{"valid short", func(s *Signal) {
			s.Direction = Short
			s.StopPrice = 102
			s.TP1Price = 98
			s.TP2Price = 96
		}, true},
		{"missing symbol", func(s *Signal) { s.Symbol = "" }, false},
		{"bad direction", func(s *Signal) { s.Direction = "SIDEWAYS" }, false},
		{"zero entry", func(s *Signal) { s.EntryPrice = 0 }, false},
		{"zero leverage", func(s *Signal) { s.Leverage = 0 }, false},
		{"zero margin", func(s *Signal) { s.MarginUSD = 0 }, false},
		{"missing tag", func(s *Signal) { s.StrategyTag = "" }, false},
		{"long stop above entry", func(s *Signal) { s.StopPrice = 101 }, false},
		{"long tps inverted", func(s *Signal) { s.TP1Price = 104; s.TP2Price = 102 }, false},
		{"short stop below entry", func(s *Signal) {
			s.Direction = Short
			s.StopPrice = 99
			s.TP1Price = 98
			s.TP2Price = 96
		}, false},
		{"short tp above entry", func(s *Signal) {
			s.Direction = Short
			s.StopPrice = 102
			s.TP1Price = 101
			s.TP2Price = 96
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validLong()
			tc.mutate(&s)
			err := s.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDirectionalScore(t *testing.T) {
	cases := []struct {
		regime Regime
		dir    Direction
		want   int
	}{
		{RegimeStrongBullish, Long, 2},
		{RegimeStrongBullish, Short, -2},
		{RegimeBearish, Short, 1},
		{RegimeBearish, Long, -1},
		{RegimeNeutral, Long, 0},
		{RegimeNeutral, Short, 0},
	}
	for _, tc := range cases {
		if got := tc.regime.DirectionalScore(tc.dir); got != tc.want {
			t.Errorf("score(%d, %s) = %d, want %d", tc.regime, tc.dir, got, tc.want)
		}
	}
}

func TestOpposite(t *testing.T) {
	if Long.Opposite() != Short || Short.Opposite() != Long {
		t.Fatal("opposite direction mapping broken")
	}
}
