// utils/math.go
package utils

import (
	"github.com/shopspring/decimal"
)

// RoundToPrecision rounds a float64 to a specified number of decimal places.
func RoundToPrecision(value float64, precision int) float64 {
	f, _ := decimal.NewFromFloat(value).Round(int32(precision)).Float64()
	return f
}

// AdjustPriceToTickSize snaps a price to the nearest multiple of tickSize.
// Option premiums quote in 0.01 or 0.05 ticks; decimal arithmetic keeps
// 0.35/0.05 from landing on 6.999999.
func AdjustPriceToTickSize(price float64, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tickSize)
	f, _ := p.Div(t).Round(0).Mul(t).Float64()
	return f
}

// Mid returns the bid/ask midpoint, falling back to last when either side of
// the book is missing.
func Mid(bid, ask, last float64) float64 {
	if bid > 0 && ask > 0 {
		f, _ := decimal.NewFromFloat(bid).Add(decimal.NewFromFloat(ask)).Div(decimal.NewFromInt(2)).Float64()
		return f
	}
	return last
}
