package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"position_guard/exchange"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrKindLocked is returned by Place when a mutation of the same kind is
// already in flight. Nothing is sent to the exchange.
var ErrKindLocked = errors.New("order kind is locked")

// Coordinator serializes order mutations of one symbol per Kind and keeps the
// lock maps consistent with the order stream. Reconcile is the authoritative
// unlock path; the per-kind timer only forces an unlock when no snapshot ever
// confirms a placement.
type Coordinator struct {
	trader  exchange.Trader
	symbol  string
	locks   *Locks
	timeout time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
}

// New creates a coordinator sharing the given lock maps.
func New(trader exchange.Trader, symbol string, locks *Locks, timeout time.Duration, log logrus.FieldLogger) *Coordinator {
	if locks == nil {
		locks = NewLocks()
	}
	return &Coordinator{
		trader:  trader,
		symbol:  symbol,
		locks:   locks,
		timeout: timeout,
		now:     time.Now,
		log:     log,
	}
}

// SetClock replaces the time source used to stamp placements.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Locks exposes the shared lock maps.
func (c *Coordinator) Locks() *Locks {
	return c.locks
}

// IsLocked reports whether kind is locked.
func (c *Coordinator) IsLocked(kind Kind) bool {
	return c.locks.IsLocked(kind)
}

// States returns the locked kinds.
func (c *Coordinator) States() []LockState {
	return c.locks.States()
}

// Place submits req under kind. The kind is locked before the request leaves
// and stays locked until an order snapshot shows the order resolved, the
// request fails, or the fallback timer fires.
func (c *Coordinator) Place(ctx context.Context, kind Kind, req exchange.OrderRequest) (order *exchange.Order, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("kind", kind).Errorf("[Coordinator] panic while placing order: %v", r)
			err = fmt.Errorf("place %s: panic: %v", kind, r)
		}
	}()

	if req.Symbol == "" {
		req.Symbol = c.symbol
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	p := &Pending{ClientOrderID: req.ClientOrderID, PlacedAt: c.now()}
	if !c.locks.acquire(kind, p) {
		c.log.WithField("kind", kind).Debug("[Coordinator] kind locked, placement skipped")
		return nil, ErrKindLocked
	}
	c.armTimer(kind, p)

	order, err = c.trader.CreateOrder(ctx, req)
	if err != nil {
		if c.locks.releaseIf(kind, p) {
			c.log.WithField("kind", kind).Warnf("[Coordinator] placement failed, lock released for retry: %v", err)
		}
		return nil, fmt.Errorf("place %s: %w", kind, err)
	}

	c.locks.ack(kind, p, order.OrderID)

	c.log.WithFields(logrus.Fields{
		"kind":     kind,
		"order_id": order.OrderID,
		"client":   req.ClientOrderID,
	}).Infof("[Coordinator] %s %s qty=%.6f price=%.6f stop=%.6f accepted", req.Type, req.Side, req.Quantity, req.Price, req.StopPrice)
	return order, nil
}

// Adopt locks kind onto an order that is already live on the exchange, such as
// a protective stop found after a restart.
func (c *Coordinator) Adopt(kind Kind, o exchange.Order) bool {
	p := &Pending{ClientOrderID: o.ClientOrderID, OrderID: o.OrderID, PlacedAt: c.now(), Confirmed: true}
	if !c.locks.acquire(kind, p) {
		return false
	}
	c.log.WithFields(logrus.Fields{"kind": kind, "order_id": o.OrderID}).Info("[Coordinator] adopted live order")
	return true
}

// PendingOrderID returns the exchange id tracked under kind, or 0.
func (c *Coordinator) PendingOrderID(kind Kind) int64 {
	return c.locks.orderID(kind)
}

func (c *Coordinator) armTimer(kind Kind, p *Pending) {
	if c.timeout <= 0 {
		return
	}
	t := time.AfterFunc(c.timeout, func() {
		if c.locks.expire(kind, p) {
			c.log.WithField("kind", kind).Warnf("[Coordinator] no order snapshot confirmed %s within %s, force unlocked", p.ClientOrderID, c.timeout)
		}
	})
	c.locks.setTimer(kind, p, t)
}

// Cancel cancels one order. An order the exchange no longer knows is a benign
// race and not an error. Any kind tracking the id is released once the cancel
// is resolved.
func (c *Coordinator) Cancel(ctx context.Context, orderID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("[Coordinator] panic while cancelling %d: %v", orderID, r)
			err = fmt.Errorf("cancel %d: panic: %v", orderID, r)
		}
	}()

	if !c.locks.beginCancel(orderID) {
		return nil
	}
	err = c.trader.CancelOrder(ctx, c.symbol, orderID)
	c.locks.endCancel(orderID)

	if err != nil && !exchange.IsUnknownOrder(err) {
		c.log.Warnf("[Coordinator] cancel %d failed: %v", orderID, err)
		return fmt.Errorf("cancel %d: %w", orderID, err)
	}
	if err != nil {
		c.log.Debugf("[Coordinator] cancel %d: order already resolved", orderID)
	}
	c.locks.releaseOrders(orderID)
	return nil
}

// CancelOrders cancels a batch of orders and releases the kinds tracking them.
func (c *Coordinator) CancelOrders(ctx context.Context, orderIDs []int64) (err error) {
	if len(orderIDs) == 0 {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("[Coordinator] panic while cancelling batch: %v", r)
			err = fmt.Errorf("cancel batch: panic: %v", r)
		}
	}()
	if err := c.trader.CancelOrders(ctx, c.symbol, orderIDs); err != nil && !exchange.IsUnknownOrder(err) {
		c.log.Warnf("[Coordinator] batch cancel of %d orders failed: %v", len(orderIDs), err)
		return fmt.Errorf("cancel batch: %w", err)
	}
	c.locks.releaseOrders(orderIDs...)
	return nil
}

// CancelAll cancels every open order of the symbol and clears all locks.
func (c *Coordinator) CancelAll(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("[Coordinator] panic while cancelling all: %v", r)
			err = fmt.Errorf("cancel all: panic: %v", r)
		}
	}()
	if err := c.trader.CancelAllOrders(ctx, c.symbol); err != nil && !exchange.IsUnknownOrder(err) {
		c.log.Warnf("[Coordinator] cancel all failed: %v", err)
		return fmt.Errorf("cancel all: %w", err)
	}
	c.locks.Clear()
	c.log.Info("[Coordinator] all open orders cancelled")
	return nil
}

// Reconcile applies one full order snapshot. A pending kind unlocks when no
// live order matches its marker or the match is terminal. A snapshot produced
// before the placement cannot speak for it and is ignored for that kind.
func (c *Coordinator) Reconcile(snap exchange.OrderSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("[Coordinator] panic during reconcile: %v", r)
		}
	}()

	byID := make(map[int64]exchange.Order, len(snap.Orders))
	byClient := make(map[string]exchange.Order, len(snap.Orders))
	for _, o := range snap.Orders {
		if o.Symbol != "" && o.Symbol != c.symbol {
			continue
		}
		byID[o.OrderID] = o
		if o.ClientOrderID != "" {
			byClient[o.ClientOrderID] = o
		}
	}

	c.locks.sweep(func(kind Kind, p *Pending) (sweepVerdict, int64) {
		o, found := byClient[p.ClientOrderID]
		if !found && p.OrderID != 0 {
			o, found = byID[p.OrderID]
		}
		if found && !o.Status.IsTerminal() {
			if p.Confirmed {
				return sweepKeep, 0
			}
			return sweepConfirm, o.OrderID
		}
		if !found && !snap.EventTime.IsZero() && snap.EventTime.Before(p.PlacedAt) {
			return sweepKeep, 0
		}
		if found {
			c.log.WithFields(logrus.Fields{"kind": kind, "order_id": o.OrderID, "status": o.Status}).Info("[Coordinator] order resolved, kind unlocked")
		} else {
			c.log.WithFields(logrus.Fields{"kind": kind, "order_id": p.OrderID}).Info("[Coordinator] pending order absent from snapshot, kind unlocked")
		}
		return sweepRelease, 0
	})
}
