// Package engine drives one symbol's position through Flat, Open and Closing.
// Stream callbacks only refresh caches; every decision and every exchange
// mutation happens inside a tick, and ticks never overlap.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"position_guard/config"
	"position_guard/coordinator"
	"position_guard/exchange"
	"position_guard/fees"
	"position_guard/investment"
	"position_guard/profit"
	"position_guard/risk"

	"github.com/sirupsen/logrus"
)

// smaPeriod is the number of closes the trend signal averages.
const smaPeriod = 30

type transitionKind int

const (
	toOpen transitionKind = iota
	toFlat
)

// transition is a position change seen between two account snapshots.
type transition struct {
	kind transitionKind
	pos  exchange.Position
	at   time.Time
}

// closeIntent is a close the engine executed itself and now waits to see in
// the account stream.
type closeIntent struct {
	reason string
	price  float64
	at     time.Time
}

// view is the cache copy one tick works on.
type view struct {
	now         time.Time
	position    exchange.Position
	balance     float64
	hasAccount  bool
	orders      []exchange.Order
	depth       exchange.Depth
	ticker      exchange.Ticker
	klines      []exchange.Kline
	transitions []transition
	fills       []exchange.Order
}

func (v *view) bid() float64 { return v.depth.BestBid() }
func (v *view) ask() float64 { return v.depth.BestAsk() }

func (v *view) price() float64 {
	return referencePrice(v.ticker, v.position, v.depth)
}

func (v *view) mark() float64 {
	return markPrice(v.ticker, v.position)
}

// Dependencies are the collaborators of an engine. Locks are shared with any
// other engine composed over the same symbol.
type Dependencies struct {
	Adapter exchange.Adapter
	Locks   *coordinator.Locks
	Risk    risk.Manager
	Fees    *fees.Monitor
	Stats   *profit.Accountant
	Log     logrus.FieldLogger
}

// Engine is the position risk engine of one symbol.
type Engine struct {
	cfg     *config.Config
	kind    Kind
	symbol  string
	adapter exchange.Adapter
	coord   *coordinator.Coordinator
	risk    risk.Manager
	fees    *fees.Monitor
	stats   *profit.Accountant
	greedy  *profit.GreedyTakeProfit
	invest  *investment.Manager
	log     logrus.FieldLogger
	now     func() time.Time

	decisions *DecisionLog

	processing atomic.Bool
	ticks      atomic.Int64
	skipped    atomic.Int64
	tickErrors atomic.Int64

	// Caches, written by stream callbacks and copied out at tick start.
	mu          sync.Mutex
	position    exchange.Position
	balance     float64
	hasAccount  bool
	orders      []exchange.Order
	depth       exchange.Depth
	ticker      exchange.Ticker
	klines      []exchange.Kline
	transitions []transition
	fills       []exchange.Order
	pub         published

	// Tick-owned state.
	phase        Phase
	intent       *closeIntent
	entrySince   time.Time
	openedAt     time.Time
	params       risk.Params
	stopPrice    float64
	deferred     map[string]bool
	trend        trendState
	maker        makerState
	onCloseHooks []func(profit.CloseRecord)

	obsMu        sync.Mutex
	observers    map[int]func(Snapshot)
	nextObserver int

	runMu      sync.Mutex
	subscribed bool
	cancel     context.CancelFunc
	done       chan struct{}
	inflight   sync.WaitGroup
}

// New validates the strategy kind and wires an engine. Nothing is subscribed
// or scheduled until Subscribe and Start.
func New(cfg *config.Config, deps Dependencies) (*Engine, error) {
	kind, err := ParseKind(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if deps.Adapter == nil {
		return nil, errors.New("engine requires an exchange adapter")
	}
	log := deps.Log
	if log == nil {
		log = logrus.New()
	}
	log = log.WithFields(logrus.Fields{"symbol": cfg.Symbol, "strategy": string(kind)})

	if deps.Locks == nil {
		deps.Locks = coordinator.NewLocks()
	}
	if deps.Risk == nil {
		deps.Risk = risk.NewManager(cfg, log)
	}
	if deps.Fees == nil {
		deps.Fees = fees.New(cfg.FeeProtection, log)
	}
	if deps.Stats == nil {
		deps.Stats = profit.NewAccountant()
	}

	e := &Engine{
		cfg:       cfg,
		kind:      kind,
		symbol:    cfg.Symbol,
		adapter:   deps.Adapter,
		coord:     coordinator.New(deps.Adapter, cfg.Symbol, deps.Locks, cfg.LockTimeout(), log),
		risk:      deps.Risk,
		fees:      deps.Fees,
		stats:     deps.Stats,
		greedy:    profit.NewGreedyTakeProfit(cfg.GreedyTakeProfit, cfg.Risk.TakeProfitPct, log),
		invest:    investment.NewManager(cfg.MaxNotionalUSDT, log),
		log:       log,
		now:       time.Now,
		phase:     PhaseFlat,
		deferred:  make(map[string]bool),
		observers: make(map[int]func(Snapshot)),
	}
	e.decisions = NewDecisionLog(cfg.Normal.MaxLogEntries, func() time.Time { return e.now() }, log)
	e.pub.phase = PhaseFlat
	return e, nil
}

// SetClock replaces the time source of the engine and its coordinator.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.coord.SetClock(now)
}

// OnClose registers a hook called once per recorded close. Hooks run on the
// tick goroutine.
func (e *Engine) OnClose(hook func(profit.CloseRecord)) {
	e.onCloseHooks = append(e.onCloseHooks, hook)
}

// Subscribe attaches the engine to every stream it consumes. It is a no-op
// after the first success.
func (e *Engine) Subscribe(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.subscribed {
		return nil
	}
	if err := e.adapter.WatchAccount(ctx, e.onAccount); err != nil {
		return fmt.Errorf("watch account: %w", err)
	}
	if err := e.adapter.WatchOrders(ctx, e.onOrders); err != nil {
		return fmt.Errorf("watch orders: %w", err)
	}
	if err := e.adapter.WatchDepth(ctx, e.symbol, e.onDepth); err != nil {
		return fmt.Errorf("watch depth: %w", err)
	}
	if err := e.adapter.WatchTicker(ctx, e.symbol, e.onTicker); err != nil {
		return fmt.Errorf("watch ticker: %w", err)
	}
	if e.kind == KindTrend {
		if err := e.adapter.WatchKlines(ctx, e.symbol, e.cfg.KlineInterval, e.onKlines); err != nil {
			return fmt.Errorf("watch klines: %w", err)
		}
	}
	e.subscribed = true
	return nil
}

// Start schedules ticks at the configured poll interval. Calling it while
// running does nothing.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(runCtx, e.done)
	e.log.Infof("[Engine] started, tick every %s", e.cfg.PollInterval())
}

// Stop halts the tick timer, waits for an in-flight tick, aborts any greedy
// extension and clears pending locks. Resting protective orders stay on the
// exchange. Calling it while stopped does nothing.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.inflight.Wait()

	if e.greedy.ForceExit(profit.ReasonShutdown) {
		e.decisions.Add(logrus.WarnLevel, "[Engine] greedy take-profit aborted by shutdown")
	}
	e.coord.Locks().Clear()
	e.publish()
	e.log.Info("[Engine] stopped")
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.inflight.Add(1)
			go func() {
				defer e.inflight.Done()
				e.TickOnce(ctx)
			}()
		}
	}
}

// TickOnce runs one evaluation. It returns false without doing anything when
// another tick is still in progress.
func (e *Engine) TickOnce(ctx context.Context) bool {
	if !e.processing.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		e.log.Debug("[Engine] previous tick still running, tick skipped")
		return false
	}
	defer e.processing.Store(false)

	func() {
		defer func() {
			if r := recover(); r != nil {
				e.tickErrors.Add(1)
				e.decisions.Add(logrus.ErrorLevel, "[Engine] tick aborted by panic: %v", r)
			}
		}()
		e.tick(ctx)
	}()

	e.ticks.Add(1)
	e.publish()
	e.notify()
	return true
}

func (e *Engine) tick(ctx context.Context) {
	v := e.capture()
	e.applyFills(v)
	e.applyTransitions(ctx, v)

	if !v.hasAccount {
		e.deferOnce("account", "[Engine] no account snapshot yet, evaluation deferred")
		return
	}
	e.clearDeferred("account")

	if e.phase == PhaseClosing && e.intent != nil && v.now.Sub(e.intent.at) > 2*e.cfg.LockTimeout() {
		e.decisions.Add(logrus.WarnLevel, "[Engine] %s close not reflected by the account stream after %s, resuming protection",
			e.intent.reason, v.now.Sub(e.intent.at).Round(time.Millisecond))
		e.intent = nil
		e.phase = PhaseOpen
	}

	switch e.kind {
	case KindTrend:
		e.tickTrend(ctx, v)
	case KindMaker, KindOffsetMaker:
		e.tickMaker(ctx, v)
	}
}

// capture copies the caches and drains the queued transitions and fills.
func (e *Engine) capture() *view {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := &view{
		now:         e.now(),
		position:    e.position,
		balance:     e.balance,
		hasAccount:  e.hasAccount,
		orders:      append([]exchange.Order(nil), e.orders...),
		depth:       e.depth,
		ticker:      e.ticker,
		klines:      append([]exchange.Kline(nil), e.klines...),
		transitions: e.transitions,
		fills:       e.fills,
	}
	e.transitions = nil
	e.fills = nil
	return v
}

func (e *Engine) publish() {
	p := published{
		phase:     e.phase,
		params:    e.params,
		stopPrice: e.stopPrice,
		greedy:    e.greedy.State(),
	}
	switch e.kind {
	case KindTrend:
		t := e.trend.details
		p.trend = &t
	case KindMaker, KindOffsetMaker:
		m := e.maker.details
		p.maker = &m
	}
	e.mu.Lock()
	e.pub = p
	e.mu.Unlock()
}

func (e *Engine) onAccount(snap exchange.AccountSnapshot) {
	pos := snap.Position(e.symbol)
	now := e.now()

	e.mu.Lock()
	prev := e.position
	if !prev.IsFlat() && (pos.IsFlat() || pos.Direction() != prev.Direction()) {
		e.transitions = append(e.transitions, transition{kind: toFlat, pos: prev, at: now})
	}
	if !pos.IsFlat() && (prev.IsFlat() || pos.Direction() != prev.Direction()) {
		e.transitions = append(e.transitions, transition{kind: toOpen, pos: pos, at: now})
	}
	e.position = pos
	e.balance = snap.WalletBalance
	e.hasAccount = true
	e.mu.Unlock()

	e.notify()
}

func (e *Engine) onOrders(snap exchange.OrderSnapshot) {
	live := make([]exchange.Order, 0, len(snap.Orders))
	var filled []exchange.Order
	for _, o := range snap.Orders {
		if o.Symbol != "" && o.Symbol != e.symbol {
			continue
		}
		if !o.Status.IsTerminal() {
			live = append(live, o)
			continue
		}
		if o.Status == exchange.Filled && o.ExecutedQty > 0 {
			filled = append(filled, o)
		}
	}

	e.mu.Lock()
	e.orders = live
	e.fills = append(e.fills, filled...)
	e.mu.Unlock()

	e.coord.Reconcile(snap)
	e.notify()
}

func (e *Engine) onDepth(d exchange.Depth) {
	e.mu.Lock()
	e.depth = d
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) onTicker(t exchange.Ticker) {
	e.mu.Lock()
	e.ticker = t
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) onKlines(k []exchange.Kline) {
	e.mu.Lock()
	e.klines = append([]exchange.Kline(nil), k...)
	e.mu.Unlock()
	e.notify()
}

// applyFills feeds the fee ledger with every newly filled order.
func (e *Engine) applyFills(v *view) {
	for _, o := range v.fills {
		if e.fees.RecordFill(o) {
			e.log.WithField("order_id", o.OrderID).Debugf("[Engine] fill recorded in fee ledger: %s %s %.6f @ %.6f",
				o.Type, o.Side, o.ExecutedQty, o.AvgPrice)
		}
	}
}

// applyTransitions turns position changes into phase changes, recording every
// close exactly once.
func (e *Engine) applyTransitions(ctx context.Context, v *view) {
	for _, tr := range v.transitions {
		switch tr.kind {
		case toFlat:
			e.onFlat(ctx, v, tr)
		case toOpen:
			e.onOpen(v, tr)
		}
	}
}

func (e *Engine) onFlat(ctx context.Context, v *view, tr transition) {
	fills := fillsSince(v.fills, e.openedAt)
	reason := profit.ReasonExternalClose
	exit := 0.0
	if e.intent != nil {
		reason = e.intent.reason
		exit = e.intent.price
	} else if stop, ok := restingStopFill(fills); ok {
		reason = profit.ReasonRestingStop
		exit = stop.AvgPrice
	} else if c, ok := makerCloseFill(fills); ok {
		reason = profit.ReasonMakerClose
		exit = c.AvgPrice
	}
	if f, ok := lastReducingFill(fills); ok && f.AvgPrice > 0 {
		exit = f.AvgPrice
	}
	if exit <= 0 {
		exit = v.price()
	}

	rec := e.stats.RecordClose(profit.CloseRecord{
		Reason:     reason,
		Direction:  tr.pos.Direction(),
		Quantity:   tr.pos.Quantity(),
		EntryPrice: tr.pos.EntryPrice,
		ExitPrice:  exit,
		ClosedAt:   tr.at,
	})
	switch reason {
	case profit.ReasonExternalClose:
		e.decisions.Add(logrus.WarnLevel, "[Engine] position closed externally at ~%.6f, pnl %.4f", exit, rec.PnL)
	case profit.ReasonRestingStop:
		e.decisions.Add(logrus.InfoLevel, "[Engine] resting stop filled at %.6f, pnl %.4f", exit, rec.PnL)
	default:
		e.decisions.Add(logrus.InfoLevel, "[Engine] close confirmed (%s) at %.6f, pnl %.4f", reason, exit, rec.PnL)
	}
	for _, hook := range e.onCloseHooks {
		hook(rec)
	}

	e.intent = nil
	e.phase = PhaseFlat
	e.openedAt = time.Time{}
	e.stopPrice = 0
	e.greedy.Reset()
	if d, ok := e.risk.(*risk.DynamicManager); ok {
		d.Reset()
	}
	e.trend.trailingActive = false

	// Leftover protective orders would reopen exposure on a later trigger.
	if hasReduceOnly(v.orders) {
		if err := e.coord.CancelAll(ctx); err != nil {
			e.decisions.Add(logrus.WarnLevel, "[Engine] failed to cancel leftover orders after close: %v", err)
		} else {
			v.orders = nil
		}
	}
}

func (e *Engine) onOpen(v *view, tr transition) {
	own := !e.entrySince.IsZero() || hasEntryFill(v.fills)
	e.entrySince = time.Time{}
	e.openedAt = tr.at
	e.phase = PhaseOpen
	e.intent = nil
	e.stopPrice = 0
	e.greedy.Reset()
	if d, ok := e.risk.(*risk.DynamicManager); ok {
		d.Reset()
	}
	if own {
		e.decisions.Add(logrus.InfoLevel, "[Engine] entry confirmed: %.6f @ %.6f", tr.pos.Amount, tr.pos.EntryPrice)
		return
	}
	e.decisions.Add(logrus.WarnLevel, "[Engine] externally opened position detected (%.6f @ %.6f), managing it",
		tr.pos.Amount, tr.pos.EntryPrice)
}

// closePosition market-closes the whole position after the slippage guard.
// Resting orders are cancelled first so nothing triggers behind the close.
func (e *Engine) closePosition(ctx context.Context, v *view, reason string) bool {
	pos := v.position
	dir := pos.Direction()
	if dir == 0 {
		return false
	}
	dev, ok := risk.SlippageCheck(dir, v.bid(), v.ask(), v.mark(), e.cfg.Risk.MaxCloseSlippagePct)
	if !ok {
		if !e.deferred["slippage"] {
			e.deferred["slippage"] = true
			e.decisions.Add(logrus.WarnLevel, "[Engine] %s close aborted by slippage guard: book deviates %.3f%% from mark %.6f (bid %.6f ask %.6f)",
				reason, dev, v.mark(), v.bid(), v.ask())
		}
		return false
	}
	e.clearDeferred("slippage")

	if len(v.orders) > 0 || len(e.coord.States()) > 0 {
		if err := e.coord.CancelAll(ctx); err != nil {
			e.decisions.Add(logrus.WarnLevel, "[Engine] cancel before %s close failed, closing anyway: %v", reason, err)
		}
	}

	req := exchange.MarketOrder(e.symbol, closeSide(dir), pos.Quantity(), true)
	order, err := e.coord.Place(ctx, coordinator.KindMarket, req)
	if err != nil {
		if errors.Is(err, coordinator.ErrKindLocked) {
			e.log.Debugf("[Engine] %s close skipped, a market order is already in flight", reason)
			return false
		}
		e.decisions.Add(logrus.ErrorLevel, "[Engine] %s close failed, retrying next tick: %v", reason, err)
		return false
	}

	exit := order.AvgPrice
	if exit <= 0 {
		exit = v.bid()
		if dir < 0 {
			exit = v.ask()
		}
	}
	e.intent = &closeIntent{reason: reason, price: exit, at: v.now}
	e.phase = PhaseClosing
	e.stopPrice = 0
	e.greedy.Reset()
	e.decisions.Add(logrus.InfoLevel, "[Engine] closing %.6f at market (%s), expected ~%.6f, %.3f%% from entry",
		pos.Amount, reason, exit, risk.ProfitPct(pos.EntryPrice, exit, dir))
	return true
}

// deferOnce logs a deferral the first time its condition is seen.
func (e *Engine) deferOnce(key, format string, args ...interface{}) {
	if e.deferred[key] {
		return
	}
	e.deferred[key] = true
	e.decisions.Add(logrus.InfoLevel, format, args...)
}

func (e *Engine) clearDeferred(key string) {
	delete(e.deferred, key)
}

// fillsSince drops fills stamped before since, which belong to an earlier
// position. Unstamped fills are kept.
func fillsSince(fills []exchange.Order, since time.Time) []exchange.Order {
	if since.IsZero() {
		return fills
	}
	out := make([]exchange.Order, 0, len(fills))
	for _, o := range fills {
		if o.UpdateTime.IsZero() || !o.UpdateTime.Before(since) {
			out = append(out, o)
		}
	}
	return out
}

func restingStopFill(fills []exchange.Order) (exchange.Order, bool) {
	for i := len(fills) - 1; i >= 0; i-- {
		o := fills[i]
		if o.Type == exchange.StopMarket || o.Type == exchange.TrailingStopMarket {
			return o, true
		}
	}
	return exchange.Order{}, false
}

func makerCloseFill(fills []exchange.Order) (exchange.Order, bool) {
	for i := len(fills) - 1; i >= 0; i-- {
		o := fills[i]
		if o.Type == exchange.Limit && o.ReduceOnly {
			return o, true
		}
	}
	return exchange.Order{}, false
}

func lastReducingFill(fills []exchange.Order) (exchange.Order, bool) {
	for i := len(fills) - 1; i >= 0; i-- {
		if fills[i].ReduceOnly {
			return fills[i], true
		}
	}
	return exchange.Order{}, false
}

func hasEntryFill(fills []exchange.Order) bool {
	for _, o := range fills {
		if !o.ReduceOnly {
			return true
		}
	}
	return false
}

func hasReduceOnly(orders []exchange.Order) bool {
	for _, o := range orders {
		if o.ReduceOnly || o.ClosePosition {
			return true
		}
	}
	return false
}
