// Package precision rounds prices and quantities to the per-symbol tick
// and step sizes the exchange declares. Orders that violate these
// filters are rejected outright, so every outbound value passes through
// here first.
package precision

import "github.com/shopspring/decimal"

// RoundPrice snaps a price to the nearest multiple of tick.
func RoundPrice(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	out, _ := p.Div(t).Round(0).Mul(t).Float64()
	return out
}

// FloorQty truncates a quantity down to a multiple of step. Quantities
// always round down so a computed size can never exceed the margin that
// funds it.
func FloorQty(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	out, _ := q.Div(s).Floor().Mul(s).Float64()
	return out
}

// Notional returns quantity × price.
func Notional(qty, price float64) float64 {
	out, _ := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price)).Float64()
	return out
}
