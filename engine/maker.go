package engine

import (
	"context"
	"errors"

	"position_guard/coordinator"
	"position_guard/exchange"
	"position_guard/profit"
	"position_guard/risk"
	"position_guard/utils"

	"github.com/sirupsen/logrus"
)

// extremeImbalanceFactor scales the imbalance ratio at which book pressure
// against an open offset-maker position forces a close.
const extremeImbalanceFactor = 2.0

type makerState struct {
	details MakerDetails
}

// tickMaker quotes both sides while flat and works a reduce-only close at the
// favourable top of book while in position.
func (e *Engine) tickMaker(ctx context.Context, v *view) {
	bid, ask := v.bid(), v.ask()
	if bid <= 0 || ask <= 0 {
		e.deferOnce("book", "[Engine-Maker] no usable book yet, quoting deferred")
		return
	}
	e.clearDeferred("book")

	md := MakerDetails{}
	if e.kind == KindOffsetMaker {
		md.BidVolume, md.AskVolume = bookVolume(v.depth, e.cfg.Maker.DepthLevels)
		if md.AskVolume > 0 {
			md.Imbalance = md.BidVolume / md.AskVolume
		}
	}

	pos := v.position
	var plan DesiredOrderPlan
	switch {
	case pos.IsFlat():
		e.phase = PhaseFlat
		plan = e.entryPlan(v, &md)
	case e.phase == PhaseClosing:
		e.maker.details = md
		return
	default:
		e.phase = PhaseOpen
		if pos.EntryPrice <= 0 {
			e.deferOnce("entry", "[Engine-Maker] entry price of %.6f not synced yet, risk evaluation deferred", pos.Amount)
			return
		}
		e.clearDeferred("entry")
		e.params = e.risk.Params(pos.Quantity(), v.price())
		if e.execute(ctx, v, e.makerRisk(v, md)) {
			e.maker.details = md
			return
		}
		plan = e.closePlan(v, &md)
	}
	e.maker.details = md
	e.applyPlan(ctx, v, plan)
}

// entryPlan quotes bid - bid_offset and ask + ask_offset. The offset maker
// drops the side the book is leaning against.
func (e *Engine) entryPlan(v *view, md *MakerDetails) DesiredOrderPlan {
	var plan DesiredOrderPlan
	if e.fees.ShouldStop(v.balance) {
		e.deferOnce("fee_gate", "[Engine-Maker] fee circuit breaker tripped, entry quotes withdrawn")
		return plan
	}
	e.clearDeferred("fee_gate")

	mc := e.cfg.Maker
	tick := e.cfg.Precision.PriceTick
	qty := utils.FloorToStep(e.cfg.TradeAmount, e.cfg.Precision.QtyStep)
	if !e.invest.CheckEntry(qty, v.ask()) {
		e.deferOnce("notional", "[Engine-Maker] quote size %.6f exceeds the notional cap, entry quotes withdrawn", qty)
		return plan
	}
	e.clearDeferred("notional")
	buy := utils.FloorToStep(v.bid()-mc.BidOffset, tick)
	sell := utils.CeilToStep(v.ask()+mc.AskOffset, tick)

	if e.kind == KindOffsetMaker {
		ratio := mc.ImbalanceRatio
		switch {
		case md.AskVolume > 0 && md.BidVolume >= md.AskVolume*ratio:
			md.SkippedSide = exchange.Sell
		case md.BidVolume > 0 && md.AskVolume >= md.BidVolume*ratio:
			md.SkippedSide = exchange.Buy
		}
	}
	if md.SkippedSide != exchange.Buy && buy > 0 {
		md.BidQuote = buy
		plan.Add(PlannedOrder{Kind: coordinator.KindLimitBuy, Side: exchange.Buy, Price: buy, Quantity: qty})
	}
	if md.SkippedSide != exchange.Sell {
		md.AskQuote = sell
		plan.Add(PlannedOrder{Kind: coordinator.KindLimitSell, Side: exchange.Sell, Price: sell, Quantity: qty})
	}
	return plan
}

// closePlan rests one reduce-only order at the favourable top of book: the
// best ask for a long, the best bid for a short.
func (e *Engine) closePlan(v *view, md *MakerDetails) DesiredOrderPlan {
	var plan DesiredOrderPlan
	pos := v.position
	side := closeSide(pos.Direction())
	price := v.ask()
	if side == exchange.Buy {
		price = v.bid()
		md.BidQuote = price
	} else {
		md.AskQuote = price
	}
	plan.Add(PlannedOrder{
		Kind:       coordinator.KindClose,
		Side:       side,
		Price:      price,
		Quantity:   pos.Quantity(),
		ReduceOnly: true,
	})
	return plan
}

// makerRisk checks the percentage stop, the absolute loss limit and, for the
// offset maker, extreme book pressure against the position.
func (e *Engine) makerRisk(v *view, md MakerDetails) []risk.Action {
	pos := v.position
	dir := pos.Direction()
	entry := pos.EntryPrice
	price := v.price()

	if risk.StopLossHit(entry, price, e.cfg.Risk.StopLossPct, dir) {
		return []risk.Action{e.closeAction(profit.ReasonStopLoss, entry, price, dir)}
	}
	if loss := -unrealized(pos, price); e.params.LossLimit > 0 && loss >= e.params.LossLimit-utils.Epsilon {
		e.log.Warnf("[Engine-Maker] unrealized loss %.4f reached limit %.4f", loss, e.params.LossLimit)
		return []risk.Action{e.closeAction(profit.ReasonLossLimit, entry, price, dir)}
	}
	if e.kind == KindOffsetMaker && md.BidVolume > 0 && md.AskVolume > 0 {
		extreme := e.cfg.Maker.ImbalanceRatio * extremeImbalanceFactor
		if (dir > 0 && md.AskVolume >= md.BidVolume*extreme) || (dir < 0 && md.BidVolume >= md.AskVolume*extreme) {
			e.log.Warnf("[Engine-Maker] book imbalance %.2f against the position", md.Imbalance)
			return []risk.Action{e.closeAction(profit.ReasonImbalance, entry, price, dir)}
		}
	}
	return nil
}

// applyPlan cancels live limit orders the plan no longer wants, then places
// the missing ones. Nothing new is placed while a cancel failed.
func (e *Engine) applyPlan(ctx context.Context, v *view, plan DesiredOrderPlan) {
	var live []exchange.Order
	for _, o := range v.orders {
		if o.Type == exchange.Limit {
			live = append(live, o)
		}
	}
	tolerance := e.cfg.Risk.PriceTolerance
	if tolerance <= 0 {
		tolerance = e.cfg.Precision.PriceTick / 2
	}
	_, cancel, place := plan.Diff(live, tolerance, e.cfg.Precision.QtyStep)

	if len(cancel) > 0 {
		if err := e.coord.CancelOrders(ctx, cancel); err != nil {
			e.decisions.Add(logrus.WarnLevel, "[Engine-Maker] cancel of %d stale quotes failed, retrying next tick: %v", len(cancel), err)
			return
		}
	}

	placed := 0
	for _, po := range place {
		req := exchange.LimitOrder(e.symbol, po.Side, po.Quantity, po.Price, po.ReduceOnly)
		if _, err := e.coord.Place(ctx, po.Kind, req); err != nil {
			if !errors.Is(err, coordinator.ErrKindLocked) {
				e.decisions.Add(logrus.WarnLevel, "[Engine-Maker] %s quote %.6f @ %.6f failed: %v", po.Side, po.Quantity, po.Price, err)
			}
			continue
		}
		placed++
	}
	if len(cancel) > 0 || placed > 0 {
		e.decisions.Add(logrus.InfoLevel, "[Engine-Maker] requoted: %d cancelled, %d placed (bid %.6f ask %.6f)",
			len(cancel), placed, e.maker.details.BidQuote, e.maker.details.AskQuote)
	}
}

// bookVolume sums the quantity of the top levels on each side.
func bookVolume(d exchange.Depth, levels int) (bidVol, askVol float64) {
	for i, l := range d.Bids {
		if i >= levels {
			break
		}
		bidVol += l.Quantity
	}
	for i, l := range d.Asks {
		if i >= levels {
			break
		}
		askVol += l.Quantity
	}
	return bidVol, askVol
}
