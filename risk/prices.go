package risk

import (
	"math"

	"position_guard/utils"
)

// All functions take dir = +1 for a long position and -1 for a short one.

// StopPrice is the price at which the position loses lossLimit.
func StopPrice(entry, qty, lossLimit float64, dir int) float64 {
	if qty <= 0 {
		return 0
	}
	return entry - float64(dir)*lossLimit/qty
}

// ActivationPrice is the price at which the position gains trailingProfit.
func ActivationPrice(entry, qty, trailingProfit float64, dir int) float64 {
	if qty <= 0 {
		return 0
	}
	return entry + float64(dir)*trailingProfit/qty
}

// ProfitLockPrice is the stop price that keeps offset of profit.
func ProfitLockPrice(entry, qty, offset float64, dir int) float64 {
	if qty <= 0 {
		return 0
	}
	return entry + float64(dir)*offset/qty
}

// RefineStop pulls a raw stop up to offset closer to the market, never past one
// tick inside the book, and never looser than raw. The result is rounded to the
// tick in the protective direction.
func RefineStop(raw float64, dir int, offset, bid, ask, tick float64) float64 {
	refined := raw
	if dir > 0 && bid > 0 {
		refined = math.Max(raw, math.Min(raw+offset, bid-tick))
	} else if dir < 0 && ask > 0 {
		refined = math.Min(raw, math.Max(raw-offset, ask+tick))
	}
	if dir > 0 {
		return utils.CeilToStep(refined, tick)
	}
	return utils.FloorToStep(refined, tick)
}

// RefineTarget pulls a raw take-profit or activation price toward the market
// by up to offset, staying one tick outside the book. A closer target is
// reached earlier, so refinement never loosens it.
func RefineTarget(raw float64, dir int, offset, bid, ask, tick float64) float64 {
	refined := raw
	if dir > 0 && ask > 0 {
		refined = math.Min(raw, math.Max(raw-offset, ask+tick))
	} else if dir < 0 && bid > 0 {
		refined = math.Max(raw, math.Min(raw+offset, bid-tick))
	}
	if dir > 0 {
		return utils.FloorToStep(refined, tick)
	}
	return utils.CeilToStep(refined, tick)
}

// MoreProtective returns whichever stop candidate limits the loss more.
// A zero candidate is ignored.
func MoreProtective(a, b float64, dir int) float64 {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case dir > 0:
		return math.Max(a, b)
	default:
		return math.Min(a, b)
	}
}

// IsStopImprovement reports whether candidate tightens current by at least
// one whole tick. Any candidate improves on a missing stop.
func IsStopImprovement(current, candidate float64, dir int, tick float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	if dir > 0 {
		return utils.TicksBetween(current, candidate, tick) >= 1
	}
	return utils.TicksBetween(candidate, current, tick) >= 1
}

// StopIsValid reports whether a stop can rest without triggering at once.
func StopIsValid(stop float64, dir int, bid, ask float64) bool {
	if stop <= 0 {
		return false
	}
	if dir > 0 {
		return bid <= 0 || stop < bid
	}
	return ask <= 0 || stop > ask
}

// ProfitPct is the signed return of the position in percent.
func ProfitPct(entry, price float64, dir int) float64 {
	if entry <= 0 {
		return 0
	}
	return float64(dir) * (price - entry) / entry * 100
}

// StopLossHit reports whether price breached the percentage stop.
func StopLossHit(entry, price, pct float64, dir int) bool {
	if entry <= 0 || price <= 0 || pct <= 0 {
		return false
	}
	if dir > 0 {
		return price <= entry*(1-pct/100)+utils.Epsilon
	}
	return price >= entry*(1+pct/100)-utils.Epsilon
}

// TakeProfitHit reports whether price reached the percentage target.
func TakeProfitHit(entry, price, pct float64, dir int) bool {
	if entry <= 0 || price <= 0 || pct <= 0 {
		return false
	}
	if dir > 0 {
		return price >= entry*(1+pct/100)-utils.Epsilon
	}
	return price <= entry*(1-pct/100)+utils.Epsilon
}

// SlippageCheck compares the book side a market close would hit against the
// mark price. It returns the deviation in percent and whether it is within
// maxPct. Missing prices never pass.
func SlippageCheck(dir int, bid, ask, mark, maxPct float64) (float64, bool) {
	side := bid
	if dir < 0 {
		side = ask
	}
	if side <= 0 || mark <= 0 {
		return 0, false
	}
	dev := math.Abs(side-mark) / mark * 100
	return dev, dev <= maxPct+utils.Epsilon
}
