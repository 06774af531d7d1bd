package engine

import (
	"context"
	"errors"

	"position_guard/coordinator"
	"position_guard/exchange"
	"position_guard/profit"
	"position_guard/utils"

	"github.com/sirupsen/logrus"
)

type trendState struct {
	lastSide       int
	trailingActive bool
	details        TrendDetails
}

// tickTrend enters on a price/SMA cross, protects the open position, and
// closes on the reverse cross.
func (e *Engine) tickTrend(ctx context.Context, v *view) {
	cross := e.trendSignal(v)
	pos := v.position

	switch {
	case pos.IsFlat():
		e.phase = PhaseFlat
		if cross != 0 {
			e.enterTrend(ctx, v, cross)
		}
	case e.phase == PhaseClosing:
		return
	default:
		e.phase = PhaseOpen
		if e.protect(ctx, v, true) {
			return
		}
		if cross != 0 && cross != pos.Direction() {
			e.decisions.Add(logrus.InfoLevel, "[Engine-Trend] price %.6f crossed SMA%d %.6f against the position", v.price(), smaPeriod, e.trend.details.SMA)
			e.closePosition(ctx, v, profit.ReasonSignal)
		}
	}
	e.trend.details.TrailingActive = e.trend.trailingActive
}

// trendSignal updates the SMA and returns +1 or -1 on a fresh cross, else 0.
func (e *Engine) trendSignal(v *view) int {
	e.trend.details.KlineCount = len(v.klines)
	if len(v.klines) < smaPeriod {
		e.deferOnce("klines", "[Engine-Trend] %d of %d candles available, entry signal deferred", len(v.klines), smaPeriod)
		return 0
	}
	e.clearDeferred("klines")

	sma := closeSMA(v.klines, smaPeriod)
	price := v.price()
	e.trend.details.SMA = sma
	if price <= 0 || sma <= 0 {
		return 0
	}

	side := 0
	switch {
	case price > sma+utils.Epsilon:
		side = 1
	case price < sma-utils.Epsilon:
		side = -1
	}
	cross := 0
	if side != 0 && e.trend.lastSide != 0 && side != e.trend.lastSide {
		cross = side
	}
	if side != 0 {
		e.trend.lastSide = side
	}
	e.trend.details.LastSide = e.trend.lastSide
	return cross
}

func (e *Engine) enterTrend(ctx context.Context, v *view, dir int) {
	if !e.entrySince.IsZero() && v.now.Sub(e.entrySince) < 2*e.cfg.LockTimeout() {
		return
	}
	if e.fees.ShouldStop(v.balance) {
		e.deferOnce("fee_gate", "[Engine-Trend] fee circuit breaker tripped, entry on SMA cross skipped")
		return
	}
	e.clearDeferred("fee_gate")

	qty := utils.FloorToStep(e.cfg.TradeAmount, e.cfg.Precision.QtyStep)
	if !e.invest.CheckEntry(qty, v.price()) {
		e.deferOnce("notional", "[Engine-Trend] entry of %.6f @ %.6f exceeds the notional cap, skipped", qty, v.price())
		return
	}
	e.clearDeferred("notional")
	side := exchange.Buy
	if dir < 0 {
		side = exchange.Sell
	}
	order, err := e.coord.Place(ctx, coordinator.KindMarket, exchange.MarketOrder(e.symbol, side, qty, false))
	if err != nil {
		if !errors.Is(err, coordinator.ErrKindLocked) {
			e.decisions.Add(logrus.ErrorLevel, "[Engine-Trend] entry %s %.6f failed: %v", side, qty, err)
		}
		return
	}
	e.entrySince = v.now
	e.decisions.Add(logrus.InfoLevel, "[Engine-Trend] open %s %.6f on SMA%d cross (price %.6f, sma %.6f), order #%d",
		side, qty, smaPeriod, v.price(), e.trend.details.SMA, order.OrderID)
}

// closeSMA averages the last n candle closes.
func closeSMA(klines []exchange.Kline, n int) float64 {
	if n <= 0 || len(klines) < n {
		return 0
	}
	sum := 0.0
	for _, k := range klines[len(klines)-n:] {
		sum += k.Close
	}
	return sum / float64(n)
}
