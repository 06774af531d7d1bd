// utils/math.go
package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

const Epsilon = 1e-9

// FloatEquals compares two floating-point numbers for near-equality.
func FloatEquals(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// RoundToPrecision rounds a float64 to a specified number of decimal places.
func RoundToPrecision(value float64, precision int) float64 {
	f, _ := decimal.NewFromFloat(value).Round(int32(precision)).Float64()
	return f
}

// AdjustPriceToTickSize rounds a price to the nearest multiple of tickSize.
func AdjustPriceToTickSize(price float64, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(tickSize)
	f, _ := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).Float64()
	return f
}

// stepNoise is how many decimals of a value/step quotient are trusted before
// flooring or ceiling, so 1.8+0.005 does not ceil one step too far.
const stepNoise = 6

// FloorToStep rounds value down to a multiple of step. Used for quantities so an
// order never exceeds the size the caller asked for.
func FloorToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	f, _ := decimal.NewFromFloat(value).Div(s).Round(stepNoise).Floor().Mul(s).Float64()
	return f
}

// CeilToStep rounds value up to a multiple of step.
func CeilToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	f, _ := decimal.NewFromFloat(value).Div(s).Round(stepNoise).Ceil().Mul(s).Float64()
	return f
}

// DecimalsOf returns the number of decimal places carried by a tick or step size,
// e.g. 0.001 -> 3.
func DecimalsOf(step float64) int32 {
	if step <= 0 {
		return 8
	}
	exp := decimal.NewFromFloat(step).Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// FormatToStep formats value with exactly as many decimals as step carries.
func FormatToStep(value, step float64) string {
	return decimal.NewFromFloat(value).StringFixed(DecimalsOf(step))
}

// TicksBetween returns how many whole ticks separate a and b (b - a), rounded to
// the nearest integer so float noise below half a tick is ignored.
func TicksBetween(a, b, tickSize float64) int64 {
	if tickSize <= 0 {
		return 0
	}
	diff := decimal.NewFromFloat(b).Sub(decimal.NewFromFloat(a))
	return diff.Div(decimal.NewFromFloat(tickSize)).Round(0).IntPart()
}
