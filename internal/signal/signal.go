// Package signal defines the immutable trade proposals produced by the
// strategy layer and the market-regime vocabulary the queue uses to
// order them.
package signal

import (
	"errors"
	"time"
)

// Direction of a proposed trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Regime classifies the broader market state. Ordering matters: higher
// is more bullish.
type Regime int

const (
	RegimeStrongBearish Regime = -2
	RegimeBearish       Regime = -1
	RegimeNeutral       Regime = 0
	RegimeBullish       Regime = 1
	RegimeStrongBullish Regime = 2
)

// DirectionalScore ranks a regime from the viewpoint of a trade
// direction: positive means the regime favours the trade. Re-validation
// requires same-or-better on this ordering.
func (r Regime) DirectionalScore(d Direction) int {
	if d == Short {
		return -int(r)
	}
	return int(r)
}

// Signal is an immutable proposal from a strategy. It is persisted for
// audit even when rejected.
type Signal struct {
	ID          string            `json:"id"`
	Symbol      string            `json:"symbol"`
	Direction   Direction         `json:"direction"`
	EntryPrice  float64           `json:"entry_price"`
	StopPrice   float64           `json:"stop_price"`
	TP1Price    float64           `json:"tp1_price"`
	TP2Price    float64           `json:"tp2_price"`
	Leverage    int               `json:"leverage"`
	MarginUSD   float64           `json:"margin_usd"`
	Confidence  float64           `json:"confidence"`
	StrategyTag string            `json:"strategy_tag"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Validate checks internal consistency before admission.
func (s Signal) Validate() error {
	switch {
	case s.Symbol == "":
		return errors.New("signal: symbol required")
	case s.Direction != Long && s.Direction != Short:
		return errors.New("signal: direction must be LONG or SHORT")
	case s.EntryPrice <= 0:
		return errors.New("signal: entry price must be positive")
	case s.Leverage < 1:
		return errors.New("signal: leverage must be >= 1")
	case s.MarginUSD <= 0:
		return errors.New("signal: margin must be positive")
	case s.StrategyTag == "":
		return errors.New("signal: strategy tag required")
	}

	if s.Direction == Long {
		if s.StopPrice >= s.EntryPrice {
			return errors.New("signal: long stop must be below entry")
		}
		if s.TP1Price <= s.EntryPrice || s.TP2Price <= s.TP1Price {
			return errors.New("signal: long take-profits must ascend above entry")
		}
	} else {
		if s.StopPrice <= s.EntryPrice {
			return errors.New("signal: short stop must be above entry")
		}
		if s.TP1Price >= s.EntryPrice || s.TP2Price >= s.TP1Price {
			return errors.New("signal: short take-profits must descend below entry")
		}
	}
	return nil
}
