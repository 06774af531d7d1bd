package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var _ Adapter = (*SimClient)(nil)

// Operation names accepted by FailNext and recorded in the call log.
const (
	OpCreate       = "create"
	OpCancel       = "cancel"
	OpCancelOrders = "cancel_orders"
	OpCancelAll    = "cancel_all"
)

// Call is one recorded mutation against the simulator.
type Call struct {
	Op       string
	Request  OrderRequest
	OrderIDs []int64
	Time     time.Time
}

// SimClient is an in-process paper exchange for one symbol. It keeps a book
// top, a position and resting orders, fills orders as prices move, and pushes
// full snapshots to watchers synchronously from whichever goroutine changed
// the state. It backs simulation mode and the engine tests.
type SimClient struct {
	mu          sync.Mutex
	symbol      string
	priceTick   float64
	now         func() time.Time
	autoPublish bool

	balance  float64
	position Position
	orders   map[int64]*Order
	trailing map[int64]*trailState
	resolved []Order
	nextID   int64

	bids   []PriceLevel
	asks   []PriceLevel
	last   float64
	mark   float64
	klines []Kline

	failures map[string][]error
	calls    []Call

	accountCbs []func(AccountSnapshot)
	orderCbs   []func(OrderSnapshot)
	depthCbs   []func(Depth)
	tickerCbs  []func(Ticker)
	klineCbs   []func([]Kline)

	log logrus.FieldLogger
}

type trailState struct {
	activated bool
	extreme   float64
	rate      float64
}

// NewSimClient creates a simulator with a wallet balance and no position.
func NewSimClient(symbol string, balance, priceTick float64, log logrus.FieldLogger) *SimClient {
	return &SimClient{
		symbol:      symbol,
		priceTick:   priceTick,
		now:         time.Now,
		autoPublish: true,
		balance:     balance,
		position:    Position{Symbol: symbol},
		orders:      make(map[int64]*Order),
		trailing:    make(map[int64]*trailState),
		nextID:      1,
		failures:    make(map[string][]error),
		log:         log,
	}
}

// SetClock replaces the time source used for event times.
func (s *SimClient) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetAutoPublish controls whether mutations push order and account snapshots
// immediately. With it off, watchers only see state on explicit Publish calls.
func (s *SimClient) SetAutoPublish(on bool) {
	s.mu.Lock()
	s.autoPublish = on
	s.mu.Unlock()
}

// FailNext makes the next call of op fail with err. op is one of the Op*
// constants, or "create:<ORDER_TYPE>" to fail only that order type.
func (s *SimClient) FailNext(op string, err error) {
	s.mu.Lock()
	s.failures[op] = append(s.failures[op], err)
	s.mu.Unlock()
}

func (s *SimClient) takeFailure(keys ...string) error {
	for _, k := range keys {
		if q := s.failures[k]; len(q) > 0 {
			s.failures[k] = q[1:]
			return q[0]
		}
	}
	return nil
}

// Calls returns a copy of the mutation log.
func (s *SimClient) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CountCalls counts recorded calls of op, optionally restricted to an order type.
func (s *SimClient) CountCalls(op string, t OrderType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op && (t == "" || c.Request.Type == t) {
			n++
		}
	}
	return n
}

// OpenOrders returns resting orders sorted by id.
func (s *SimClient) OpenOrders() []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openOrdersLocked()
}

// Position returns the simulated position.
func (s *SimClient) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

// Balance returns the wallet balance including realized profit.
func (s *SimClient) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// ---- market control ----

// SetQuote sets a one-level book and the last and mark prices, then matches
// resting orders against the new prices.
func (s *SimClient) SetQuote(bid, ask, last float64) {
	s.SetBook([]PriceLevel{{Price: bid, Quantity: 10}}, []PriceLevel{{Price: ask, Quantity: 10}}, last)
}

// SetBook replaces the book and the last price. Mark follows last.
func (s *SimClient) SetBook(bids, asks []PriceLevel, last float64) {
	s.mu.Lock()
	s.bids = append([]PriceLevel(nil), bids...)
	s.asks = append([]PriceLevel(nil), asks...)
	s.last = last
	s.mark = last
	changed := s.matchLocked()
	s.mu.Unlock()
	s.publishMarket()
	s.publishAfter(changed)
}

// SetMark overrides the mark price without touching the book.
func (s *SimClient) SetMark(mark float64) {
	s.mu.Lock()
	s.mark = mark
	changed := s.matchLocked()
	s.mu.Unlock()
	s.PublishTicker()
	s.publishAfter(changed)
}

// SetKlines replaces the candle window and publishes it.
func (s *SimClient) SetKlines(klines []Kline) {
	s.mu.Lock()
	s.klines = append([]Kline(nil), klines...)
	s.mu.Unlock()
	s.PublishKlines()
}

// SetPosition changes the position outside of any order, the way a manual
// trade in another client would.
func (s *SimClient) SetPosition(amount, entryPrice float64) {
	s.mu.Lock()
	s.position.Amount = amount
	s.position.EntryPrice = entryPrice
	if amount == 0 {
		s.position.EntryPrice = 0
	}
	s.mu.Unlock()
	s.PublishAccount()
}

// ---- Watcher ----

// WatchAccount registers cb and pushes the current account.
func (s *SimClient) WatchAccount(_ context.Context, cb func(AccountSnapshot)) error {
	s.mu.Lock()
	s.accountCbs = append(s.accountCbs, cb)
	s.mu.Unlock()
	s.PublishAccount()
	return nil
}

// WatchOrders registers cb and pushes the current open orders.
func (s *SimClient) WatchOrders(_ context.Context, cb func(OrderSnapshot)) error {
	s.mu.Lock()
	s.orderCbs = append(s.orderCbs, cb)
	s.mu.Unlock()
	s.PublishOrders()
	return nil
}

// WatchDepth registers cb. Depth is pushed on every book change.
func (s *SimClient) WatchDepth(_ context.Context, symbol string, cb func(Depth)) error {
	if err := s.checkSymbol(symbol); err != nil {
		return err
	}
	s.mu.Lock()
	s.depthCbs = append(s.depthCbs, cb)
	s.mu.Unlock()
	return nil
}

// WatchTicker registers cb. Tickers are pushed on every price change.
func (s *SimClient) WatchTicker(_ context.Context, symbol string, cb func(Ticker)) error {
	if err := s.checkSymbol(symbol); err != nil {
		return err
	}
	s.mu.Lock()
	s.tickerCbs = append(s.tickerCbs, cb)
	s.mu.Unlock()
	return nil
}

// WatchKlines registers cb. Candles are pushed on SetKlines and by the random walk.
func (s *SimClient) WatchKlines(_ context.Context, symbol, _ string, cb func([]Kline)) error {
	if err := s.checkSymbol(symbol); err != nil {
		return err
	}
	s.mu.Lock()
	s.klineCbs = append(s.klineCbs, cb)
	s.mu.Unlock()
	return nil
}

func (s *SimClient) checkSymbol(symbol string) error {
	if symbol != s.symbol {
		return fmt.Errorf("simulator serves %s, not %s", s.symbol, symbol)
	}
	return nil
}

// ---- Trader ----

// CreateOrder accepts an order, filling it at once when it is marketable.
func (s *SimClient) CreateOrder(_ context.Context, req OrderRequest) (*Order, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: OpCreate, Request: req, Time: s.now()})
	if err := s.takeFailure(OpCreate+":"+string(req.Type), OpCreate); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.validateLocked(req); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	o := &Order{
		Symbol:        req.Symbol,
		OrderID:       s.nextID,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		Status:        New,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    s.now(),
	}
	s.nextID++
	if o.ClientOrderID == "" {
		o.ClientOrderID = fmt.Sprintf("sim-%d", o.OrderID)
	}
	if req.Type == TrailingStopMarket {
		o.StopPrice = req.ActivationPrice
		s.trailing[o.OrderID] = &trailState{activated: req.ActivationPrice == 0, rate: req.CallbackRate / 100}
	}
	s.orders[o.OrderID] = o

	if req.Type == Market {
		s.fillLocked(o, s.marketPriceLocked(o.Side))
	} else {
		s.matchLocked()
	}
	ack := *o
	s.mu.Unlock()

	s.publishAfter(true)
	return &ack, nil
}

func (s *SimClient) validateLocked(req OrderRequest) error {
	if req.Symbol != s.symbol {
		return &APIError{Code: -1121, Msg: "Invalid symbol."}
	}
	if req.Quantity <= 0 {
		return &APIError{Code: -4003, Msg: "Quantity less than or equal to zero."}
	}
	switch req.Type {
	case Limit:
		if req.Price <= 0 {
			return &APIError{Code: -4014, Msg: "Price not increased by tick size."}
		}
	case StopMarket:
		// A stop that would trigger immediately is rejected, as on the exchange.
		if (req.Side == Sell && req.StopPrice >= s.mark && s.mark > 0) ||
			(req.Side == Buy && req.StopPrice <= s.mark && s.mark > 0) {
			return &APIError{Code: -2021, Msg: "Order would immediately trigger."}
		}
	case TrailingStopMarket:
		if req.CallbackRate < 0.1 || req.CallbackRate > 5 {
			return &APIError{Code: -2007, Msg: "Invalid callBack rate."}
		}
	}
	return nil
}

// CancelOrder cancels a resting order. Unknown ids fail like the exchange does.
func (s *SimClient) CancelOrder(_ context.Context, symbol string, orderID int64) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: OpCancel, OrderIDs: []int64{orderID}, Time: s.now()})
	if err := s.takeFailure(OpCancel); err != nil {
		s.mu.Unlock()
		return err
	}
	o, ok := s.orders[orderID]
	if !ok || symbol != s.symbol {
		s.mu.Unlock()
		return &APIError{Code: -2011, Msg: "Unknown order sent."}
	}
	s.resolveLocked(o, Canceled)
	s.mu.Unlock()

	s.publishAfter(true)
	return nil
}

// CancelOrders cancels every known id in the batch; unknown ids are ignored.
func (s *SimClient) CancelOrders(_ context.Context, symbol string, orderIDs []int64) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: OpCancelOrders, OrderIDs: append([]int64(nil), orderIDs...), Time: s.now()})
	if err := s.takeFailure(OpCancelOrders); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, id := range orderIDs {
		if o, ok := s.orders[id]; ok && o.Symbol == symbol {
			s.resolveLocked(o, Canceled)
		}
	}
	s.mu.Unlock()

	s.publishAfter(true)
	return nil
}

// CancelAllOrders cancels every resting order of symbol.
func (s *SimClient) CancelAllOrders(_ context.Context, symbol string) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: OpCancelAll, Time: s.now()})
	if err := s.takeFailure(OpCancelAll); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, o := range s.openOrdersLocked() {
		if o.Symbol == symbol {
			s.resolveLocked(s.orders[o.OrderID], Canceled)
		}
	}
	s.mu.Unlock()

	s.publishAfter(true)
	return nil
}

// ---- publishing ----

// PublishAccount pushes the current account to watchers.
func (s *SimClient) PublishAccount() {
	s.mu.Lock()
	snap := AccountSnapshot{
		WalletBalance:    s.balance,
		AvailableBalance: s.balance,
		UpdateTime:       s.now(),
	}
	if p := s.positionLocked(); !p.IsFlat() {
		snap.Positions = []Position{p}
	}
	cbs := append(s.accountCbs[:0:0], s.accountCbs...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(snap)
	}
}

// PublishOrders pushes open orders plus every order resolved since the last push.
func (s *SimClient) PublishOrders() {
	s.mu.Lock()
	orders := s.openOrdersLocked()
	orders = append(orders, s.resolved...)
	s.resolved = nil
	snap := OrderSnapshot{Orders: orders, EventTime: s.now()}
	cbs := append(s.orderCbs[:0:0], s.orderCbs...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(snap)
	}
}

// PublishDepth pushes the book.
func (s *SimClient) PublishDepth() {
	s.mu.Lock()
	d := Depth{
		Symbol:    s.symbol,
		Bids:      append([]PriceLevel(nil), s.bids...),
		Asks:      append([]PriceLevel(nil), s.asks...),
		EventTime: s.now(),
	}
	cbs := append(s.depthCbs[:0:0], s.depthCbs...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(d)
	}
}

// PublishTicker pushes last and mark prices.
func (s *SimClient) PublishTicker() {
	s.mu.Lock()
	t := Ticker{Symbol: s.symbol, LastPrice: s.last, MarkPrice: s.mark, EventTime: s.now()}
	cbs := append(s.tickerCbs[:0:0], s.tickerCbs...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(t)
	}
}

// PublishKlines pushes the candle window.
func (s *SimClient) PublishKlines() {
	s.mu.Lock()
	ks := append([]Kline(nil), s.klines...)
	cbs := append(s.klineCbs[:0:0], s.klineCbs...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(ks)
	}
}

func (s *SimClient) publishMarket() {
	s.PublishDepth()
	s.PublishTicker()
}

func (s *SimClient) publishAfter(changed bool) {
	s.mu.Lock()
	auto := s.autoPublish
	s.mu.Unlock()
	if !auto || !changed {
		return
	}
	s.PublishOrders()
	s.PublishAccount()
}

// ---- matching ----

func (s *SimClient) openOrdersLocked() []Order {
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (s *SimClient) positionLocked() Position {
	p := s.position
	p.MarkPrice = s.mark
	if !p.IsFlat() && s.mark > 0 {
		p.UnrealizedProfit = (s.mark - p.EntryPrice) * p.Amount
	}
	return p
}

func (s *SimClient) bestBidLocked() float64 {
	if len(s.bids) == 0 {
		return s.last
	}
	return s.bids[0].Price
}

func (s *SimClient) bestAskLocked() float64 {
	if len(s.asks) == 0 {
		return s.last
	}
	return s.asks[0].Price
}

func (s *SimClient) marketPriceLocked(side OrderSide) float64 {
	if side == Buy {
		return s.bestAskLocked()
	}
	return s.bestBidLocked()
}

// matchLocked walks resting orders in id order and fills whatever the current
// prices trigger. It reports whether anything changed.
func (s *SimClient) matchLocked() bool {
	changed := false
	for _, snapshot := range s.openOrdersLocked() {
		o, ok := s.orders[snapshot.OrderID]
		if !ok {
			continue
		}
		switch o.Type {
		case Limit:
			if o.Side == Buy && s.bestAskLocked() > 0 && s.bestAskLocked() <= o.Price {
				changed = s.fillLocked(o, o.Price) || changed
			} else if o.Side == Sell && s.bestBidLocked() >= o.Price && o.Price > 0 {
				changed = s.fillLocked(o, o.Price) || changed
			}
		case StopMarket:
			if s.mark <= 0 {
				continue
			}
			if (o.Side == Sell && s.mark <= o.StopPrice) || (o.Side == Buy && s.mark >= o.StopPrice) {
				changed = s.fillLocked(o, s.marketPriceLocked(o.Side)) || changed
			}
		case TrailingStopMarket:
			changed = s.trailLocked(o) || changed
		}
	}
	return changed
}

func (s *SimClient) trailLocked(o *Order) bool {
	st := s.trailing[o.OrderID]
	price := s.mark
	if st == nil || price <= 0 {
		return false
	}
	if !st.activated {
		if (o.Side == Sell && price >= o.StopPrice) || (o.Side == Buy && price <= o.StopPrice) {
			st.activated = true
			st.extreme = price
		}
		return false
	}
	if st.extreme == 0 {
		st.extreme = price
	}
	rate := st.rate
	if o.Side == Sell {
		st.extreme = math.Max(st.extreme, price)
		if price <= st.extreme*(1-rate) {
			return s.fillLocked(o, s.marketPriceLocked(o.Side))
		}
	} else {
		st.extreme = math.Min(st.extreme, price)
		if price >= st.extreme*(1+rate) {
			return s.fillLocked(o, s.marketPriceLocked(o.Side))
		}
	}
	return false
}

// fillLocked executes o in full at price, clipping reduce-only orders to the
// open position. A reduce-only order with nothing to reduce expires.
func (s *SimClient) fillLocked(o *Order, price float64) bool {
	if price <= 0 {
		return false
	}
	qty := o.Quantity
	if o.ReduceOnly {
		reducible := 0.0
		if (o.Side == Sell && s.position.Amount > 0) || (o.Side == Buy && s.position.Amount < 0) {
			reducible = math.Abs(s.position.Amount)
		}
		if reducible < 1e-12 {
			s.resolveLocked(o, Expired)
			return true
		}
		qty = math.Min(qty, reducible)
	}

	signed := qty
	if o.Side == Sell {
		signed = -qty
	}
	s.applyFillLocked(signed, price)

	o.ExecutedQty = qty
	o.AvgPrice = price
	s.resolveLocked(o, Filled)
	s.log.Debugf("[Sim] filled #%d %s %s %.6f @ %.6f", o.OrderID, o.Type, o.Side, qty, price)
	return true
}

func (s *SimClient) applyFillLocked(signed, price float64) {
	cur := s.position.Amount
	switch {
	case math.Abs(cur) < 1e-12 || (cur > 0) == (signed > 0):
		total := cur + signed
		s.position.EntryPrice = (s.position.EntryPrice*math.Abs(cur) + price*math.Abs(signed)) / math.Abs(total)
		s.position.Amount = total
	default:
		closing := math.Min(math.Abs(cur), math.Abs(signed))
		dir := 1.0
		if cur < 0 {
			dir = -1.0
		}
		s.balance += (price - s.position.EntryPrice) * closing * dir
		remaining := cur + signed
		switch {
		case math.Abs(remaining) < 1e-12:
			s.position.Amount = 0
			s.position.EntryPrice = 0
		case (remaining > 0) != (cur > 0):
			s.position.Amount = remaining
			s.position.EntryPrice = price
		default:
			s.position.Amount = remaining
		}
	}
}

func (s *SimClient) resolveLocked(o *Order, status OrderStatus) {
	o.Status = status
	o.UpdateTime = s.now()
	delete(s.orders, o.OrderID)
	delete(s.trailing, o.OrderID)
	s.resolved = append(s.resolved, *o)
}

// ---- simulation mode ----

// RunRandomWalk drives the book with a random walk until ctx is done, closing
// one candle every candleSteps steps. It blocks.
func (s *SimClient) RunRandomWalk(ctx context.Context, start, volatility float64, step time.Duration, candleSteps int, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	price := start
	tick := s.priceTick
	if tick <= 0 {
		tick = 0.0001
	}
	if candleSteps <= 0 {
		candleSteps = 60
	}

	var candle Kline
	n := 0
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	s.log.Infof("[Sim] random walk started at %.6f for %s", start, s.symbol)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("[Sim] random walk stopped")
			return
		case <-ticker.C:
		}

		price *= 1 + rng.NormFloat64()*volatility
		price = math.Max(tick, math.Round(price/tick)*tick)
		bids, asks := syntheticBook(price, tick, rng)
		s.SetBook(bids, asks, price)

		now := s.now()
		if n == 0 {
			candle = Kline{OpenTime: now, Open: price, High: price, Low: price}
		}
		candle.High = math.Max(candle.High, price)
		candle.Low = math.Min(candle.Low, price)
		candle.Close = price
		candle.Volume += rng.Float64() * 100
		n++
		closed := n >= candleSteps
		candle.Closed = closed
		candle.CloseTime = now

		s.mu.Lock()
		s.klines = mergeKline(s.klines, candle, 100)
		s.mu.Unlock()
		s.PublishKlines()
		if closed {
			n = 0
		}
	}
}

func syntheticBook(mid, tick float64, rng *rand.Rand) ([]PriceLevel, []PriceLevel) {
	bids := make([]PriceLevel, 5)
	asks := make([]PriceLevel, 5)
	for i := 0; i < 5; i++ {
		off := float64(i+1) * tick
		bids[i] = PriceLevel{Price: mid - off, Quantity: 1 + rng.Float64()*50}
		asks[i] = PriceLevel{Price: mid + off, Quantity: 1 + rng.Float64()*50}
	}
	return bids, asks
}

// String describes the simulator state for logs.
func (s *SimClient) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "sim[%s pos=%.6f@%.6f bal=%.4f open=%d]", s.symbol, s.position.Amount, s.position.EntryPrice, s.balance, len(s.orders))
	return b.String()
}
