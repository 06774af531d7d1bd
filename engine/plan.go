package engine

import (
	"math"

	"position_guard/coordinator"
	"position_guard/exchange"
	"position_guard/utils"
)

// PlannedOrder is one limit order a maker wants resting.
type PlannedOrder struct {
	Kind       coordinator.Kind
	Side       exchange.OrderSide
	Price      float64
	Quantity   float64
	ReduceOnly bool
}

// DesiredOrderPlan is the complete set of limit orders a maker wants resting
// after this tick. Anything live that it does not describe is cancelled.
type DesiredOrderPlan struct {
	Orders []PlannedOrder
}

// Add appends one planned order.
func (p *DesiredOrderPlan) Add(o PlannedOrder) {
	p.Orders = append(p.Orders, o)
}

// Diff matches live limit orders against the plan. A live order satisfies a
// planned one when side and reduce-only agree, the price is within tolerance
// and the quantity is within half a step.
func (p DesiredOrderPlan) Diff(live []exchange.Order, tolerance, qtyStep float64) (keep []exchange.Order, cancel []int64, place []PlannedOrder) {
	used := make([]bool, len(live))
	for _, want := range p.Orders {
		matched := false
		for i, o := range live {
			if used[i] || !satisfies(o, want, tolerance, qtyStep) {
				continue
			}
			used[i] = true
			keep = append(keep, o)
			matched = true
			break
		}
		if !matched {
			place = append(place, want)
		}
	}
	for i, o := range live {
		if !used[i] {
			cancel = append(cancel, o.OrderID)
		}
	}
	return keep, cancel, place
}

func satisfies(o exchange.Order, want PlannedOrder, tolerance, qtyStep float64) bool {
	if o.Side != want.Side || o.ReduceOnly != want.ReduceOnly {
		return false
	}
	if math.Abs(o.Price-want.Price) > tolerance+utils.Epsilon {
		return false
	}
	remaining := o.Quantity - o.ExecutedQty
	return math.Abs(remaining-want.Quantity) < qtyStep/2
}
