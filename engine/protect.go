package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"position_guard/coordinator"
	"position_guard/exchange"
	"position_guard/profit"
	"position_guard/risk"
	"position_guard/utils"

	"github.com/sirupsen/logrus"
)

// protect runs the risk pass of an open position. It returns true when the
// rest of the tick must be skipped: data is missing or a close was attempted.
func (e *Engine) protect(ctx context.Context, v *view, withTrailing bool) bool {
	pos := v.position
	if pos.EntryPrice <= 0 {
		e.deferOnce("entry", "[Engine] entry price of %.6f not synced yet, risk evaluation deferred", pos.Amount)
		return true
	}
	e.clearDeferred("entry")
	if v.price() <= 0 || v.bid() <= 0 || v.ask() <= 0 {
		e.deferOnce("book", "[Engine] no usable price or book yet, risk evaluation deferred")
		return true
	}
	e.clearDeferred("book")

	e.params = e.risk.Params(pos.Quantity(), v.price())
	return e.execute(ctx, v, e.evaluate(v, withTrailing))
}

// evaluate produces this tick's actions. A close, when due, is the only action.
func (e *Engine) evaluate(v *view, withTrailing bool) []risk.Action {
	pos := v.position
	dir := pos.Direction()
	entry := pos.EntryPrice
	price := v.price()
	rc := e.cfg.Risk

	// The active check wins over the resting orders.
	if risk.StopLossHit(entry, price, rc.StopLossPct, dir) {
		if e.greedy.ForceExit("stop loss") {
			e.decisions.Add(logrus.WarnLevel, "[Engine] greedy take-profit aborted by stop-loss")
		}
		return []risk.Action{e.closeAction(profit.ReasonStopLoss, entry, price, dir)}
	}

	if rc.TakeProfitPct > 0 {
		if e.greedy.Enabled() {
			verdict := e.greedy.Update(entry, price, dir, v.now)
			if verdict.Activated {
				e.decisions.Add(logrus.InfoLevel, "[Engine] take-profit %.3f%% reached at %.6f, greedy extension active", rc.TakeProfitPct, price)
			}
			if verdict.Exit {
				e.log.Infof("[Engine] greedy take-profit exit (%s) at %.6f", verdict.Reason, price)
				return []risk.Action{e.closeAction(profit.ReasonGreedy, entry, price, dir)}
			}
		}
		// An inactive or disarmed extension leaves the plain target in charge.
		if !e.greedy.IsActive() && risk.TakeProfitHit(entry, price, rc.TakeProfitPct, dir) {
			return []risk.Action{e.closeAction(profit.ReasonTakeProfit, entry, price, dir)}
		}
	}

	var actions []risk.Action
	if a := e.stopAction(v); a != nil {
		actions = append(actions, a)
	}
	if withTrailing {
		if a := e.trailingAction(v); a != nil {
			actions = append(actions, a)
		}
	}
	return actions
}

func (e *Engine) closeAction(reason string, entry, price float64, dir int) *risk.ClosePositionAction {
	return &risk.ClosePositionAction{Reason: reason, Price: price, ProfitPct: risk.ProfitPct(entry, price, dir)}
}

// stopAction decides whether the resting stop must be placed, tightened or
// resized. Loss-limit and profit-lock candidates are both computed and the
// more protective one wins, unless it cannot rest, in which case the other
// one is used.
func (e *Engine) stopAction(v *view) risk.Action {
	pos := v.position
	dir := pos.Direction()
	entry := pos.EntryPrice
	qty := pos.Quantity()
	price := v.price()
	bid, ask := v.bid(), v.ask()
	tick := e.cfg.Precision.PriceTick
	offset := e.cfg.Risk.MarketOffset
	p := e.params

	var loss, lock float64
	if p.LossLimit > 0 {
		loss = risk.RefineStop(risk.StopPrice(entry, qty, p.LossLimit, dir), dir, offset, bid, ask, tick)
	}
	if p.ProfitLockTrigger > 0 && unrealized(pos, price) >= p.ProfitLockTrigger-utils.Epsilon {
		lock = risk.RefineStop(risk.ProfitLockPrice(entry, qty, p.ProfitLockOffset, dir), dir, offset, bid, ask, tick)
	}
	candidates := []struct {
		price  float64
		reason string
	}{{loss, "loss limit"}, {lock, "profit lock"}}
	if lock > 0 && lock != loss && risk.MoreProtective(loss, lock, dir) == lock {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}

	candidate, reason := 0.0, ""
	for _, c := range candidates {
		if c.price <= 0 {
			continue
		}
		if risk.StopIsValid(c.price, dir, bid, ask) {
			e.clearDeferred("stop_invalid_" + c.reason)
			candidate, reason = c.price, c.reason
			break
		}
		e.deferOnce("stop_invalid_"+c.reason, "[Engine] %s stop %.6f would trigger at once (bid %.6f ask %.6f), not used",
			c.reason, c.price, bid, ask)
	}
	if candidate <= 0 {
		return nil
	}

	current, found := e.liveProtective(v, coordinator.KindStop, exchange.StopMarket)
	if !found {
		if e.coord.IsLocked(coordinator.KindStop) {
			return nil
		}
		return &risk.PlaceStopAction{Price: candidate, Quantity: qty, Reason: reason}
	}
	e.stopPrice = current.StopPrice

	resize := math.Abs(current.Quantity-qty) >= e.cfg.Precision.QtyStep/2
	if risk.IsStopImprovement(current.StopPrice, candidate, dir, tick) || resize {
		return &risk.ReplaceStopAction{
			OrderID:  current.OrderID,
			Previous: current.StopPrice,
			Price:    risk.MoreProtective(current.StopPrice, candidate, dir),
			Quantity: qty,
			Reason:   reason,
		}
	}
	return nil
}

func (e *Engine) trailingAction(v *view) risk.Action {
	pos := v.position
	rate := e.cfg.Risk.TrailingCallbackRate
	if e.params.TrailingProfit <= 0 || rate <= 0 {
		return nil
	}
	dir := pos.Direction()
	qty := pos.Quantity()
	raw := risk.ActivationPrice(pos.EntryPrice, qty, e.params.TrailingProfit, dir)
	activation := risk.RefineTarget(raw, dir, e.cfg.Risk.MarketOffset, v.bid(), v.ask(), e.cfg.Precision.PriceTick)

	if current, found := e.liveProtective(v, coordinator.KindTrailing, exchange.TrailingStopMarket); found {
		e.trend.trailingActive = true
		if math.Abs(current.Quantity-qty) < e.cfg.Precision.QtyStep/2 {
			return nil
		}
		return &risk.ResizeTrailingAction{
			OrderID:         current.OrderID,
			Previous:        current.Quantity,
			Quantity:        qty,
			ActivationPrice: activation,
			CallbackRate:    rate,
		}
	}
	e.trend.trailingActive = false
	if e.coord.IsLocked(coordinator.KindTrailing) {
		return nil
	}
	return &risk.PlaceTrailingAction{ActivationPrice: activation, CallbackRate: rate, Quantity: qty}
}

// liveProtective finds the resting reduce-only order of typ tracked under
// kind on the side that closes the position. An untracked one, left over from
// a restart or a forced unlock, is adopted instead of placing a duplicate.
func (e *Engine) liveProtective(v *view, kind coordinator.Kind, typ exchange.OrderType) (exchange.Order, bool) {
	id := e.coord.PendingOrderID(kind)
	side := closeSide(v.position.Direction())
	var orphan *exchange.Order
	for i := range v.orders {
		o := v.orders[i]
		if o.Type != typ || o.Side != side || !(o.ReduceOnly || o.ClosePosition) {
			continue
		}
		if id != 0 && o.OrderID == id {
			return o, true
		}
		if orphan == nil {
			orphan = &o
		}
	}
	if orphan == nil || e.coord.IsLocked(kind) {
		return exchange.Order{}, false
	}
	if e.coord.Adopt(kind, *orphan) {
		e.decisions.Add(logrus.InfoLevel, "[Engine] adopted resting %s #%d at %.6f", typ, orphan.OrderID, orphan.StopPrice)
	}
	return *orphan, true
}

// execute carries out actions in order. It returns true once a close was
// attempted.
func (e *Engine) execute(ctx context.Context, v *view, actions []risk.Action) bool {
	dir := v.position.Direction()
	for _, action := range actions {
		switch a := action.(type) {
		case *risk.ClosePositionAction:
			e.log.Infof("[Engine] %s", a.Description())
			e.closePosition(ctx, v, a.Reason)
			return true

		case *risk.PlaceStopAction:
			if _, err := e.placeStop(ctx, dir, a.Price, a.Quantity); err != nil {
				e.reportPlaceError("stop", err)
				continue
			}
			e.stopPrice = a.Price
			e.decisions.Add(logrus.InfoLevel, "[Engine] %s", a.Description())

		case *risk.ReplaceStopAction:
			e.replaceStop(ctx, v, a)

		case *risk.PlaceTrailingAction:
			req := exchange.TrailingStopOrder(e.symbol, closeSide(dir), a.Quantity, a.ActivationPrice, a.CallbackRate)
			if _, err := e.coord.Place(ctx, coordinator.KindTrailing, req); err != nil {
				e.reportPlaceError("trailing stop", err)
				continue
			}
			e.trend.trailingActive = true
			e.decisions.Add(logrus.InfoLevel, "[Engine] %s", a.Description())

		case *risk.ResizeTrailingAction:
			e.resizeTrailing(ctx, dir, a)

		case *risk.NoOpAction:
		default:
			e.log.Warnf("[Engine] unknown risk action type: %T", a)
		}
	}
	return false
}

// replaceStop cancels the resting stop and places the tighter one. When the
// new stop fails the previous price is restored if it can still rest.
func (e *Engine) replaceStop(ctx context.Context, v *view, a *risk.ReplaceStopAction) {
	dir := v.position.Direction()
	if err := e.coord.Cancel(ctx, a.OrderID); err != nil {
		e.decisions.Add(logrus.WarnLevel, "[Engine] stop move to %.6f skipped, cancel of #%d failed: %v", a.Price, a.OrderID, err)
		return
	}
	_, err := e.placeStop(ctx, dir, a.Price, a.Quantity)
	if err == nil {
		e.stopPrice = a.Price
		e.decisions.Add(logrus.InfoLevel, "[Engine] %s", a.Description())
		return
	}

	if risk.StopIsValid(a.Previous, dir, v.bid(), v.ask()) {
		_, rbErr := e.placeStop(ctx, dir, a.Previous, a.Quantity)
		if rbErr == nil {
			e.stopPrice = a.Previous
			e.decisions.Add(logrus.WarnLevel, "[Engine] stop move to %.6f failed (%v), previous stop %.6f restored", a.Price, err, a.Previous)
			return
		}
		err = fmt.Errorf("%v; rollback: %w", err, rbErr)
	}
	e.stopPrice = 0
	e.decisions.Add(logrus.ErrorLevel, "[Engine] position unprotected this tick: stop move %.6f -> %.6f failed: %v", a.Previous, a.Price, err)
}

// resizeTrailing cancels the trailing stop and places one for the new size.
// When the placement fails the next tick places a fresh one.
func (e *Engine) resizeTrailing(ctx context.Context, dir int, a *risk.ResizeTrailingAction) {
	if err := e.coord.Cancel(ctx, a.OrderID); err != nil {
		e.decisions.Add(logrus.WarnLevel, "[Engine] trailing stop resize skipped, cancel of #%d failed: %v", a.OrderID, err)
		return
	}
	e.trend.trailingActive = false
	req := exchange.TrailingStopOrder(e.symbol, closeSide(dir), a.Quantity, a.ActivationPrice, a.CallbackRate)
	if _, err := e.coord.Place(ctx, coordinator.KindTrailing, req); err != nil {
		e.reportPlaceError("trailing stop", err)
		return
	}
	e.trend.trailingActive = true
	e.decisions.Add(logrus.InfoLevel, "[Engine] %s", a.Description())
}

func (e *Engine) placeStop(ctx context.Context, dir int, price, qty float64) (*exchange.Order, error) {
	return e.coord.Place(ctx, coordinator.KindStop, exchange.StopMarketOrder(e.symbol, closeSide(dir), qty, price))
}

func (e *Engine) reportPlaceError(what string, err error) {
	if errors.Is(err, coordinator.ErrKindLocked) {
		e.log.Debugf("[Engine] %s placement already in flight", what)
		return
	}
	e.decisions.Add(logrus.WarnLevel, "[Engine] %s placement failed, retrying next tick: %v", what, err)
}

// closeSide is the order side that reduces a position of dir.
func closeSide(dir int) exchange.OrderSide {
	if dir < 0 {
		return exchange.Buy
	}
	return exchange.Sell
}

// unrealized is the open profit of pos at price in quote currency.
func unrealized(pos exchange.Position, price float64) float64 {
	return float64(pos.Direction()) * (price - pos.EntryPrice) * pos.Quantity()
}
