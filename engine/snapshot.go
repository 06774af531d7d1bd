package engine

import (
	"fmt"
	"time"

	"position_guard/config"
	"position_guard/coordinator"
	"position_guard/exchange"
	"position_guard/fees"
	"position_guard/profit"
	"position_guard/risk"
)

// Kind discriminates the strategy variants. Exactly one of Snapshot.Trend and
// Snapshot.Maker is set, chosen by Kind.
type Kind string

const (
	KindTrend       Kind = "trend"
	KindMaker       Kind = "maker"
	KindOffsetMaker Kind = "offset_maker"
)

// ParseKind maps the configured strategy name onto a Kind.
func ParseKind(strategy string) (Kind, error) {
	switch strategy {
	case config.StrategyTrend:
		return KindTrend, nil
	case config.StrategyMaker:
		return KindMaker, nil
	case config.StrategyOffsetMaker:
		return KindOffsetMaker, nil
	}
	return "", fmt.Errorf("unknown strategy %q", strategy)
}

// IsMaker reports whether the kind quotes both sides of the book.
func (k Kind) IsMaker() bool {
	return k == KindMaker || k == KindOffsetMaker
}

// Phase is the position lifecycle: Flat -> Open -> Closing -> Flat.
type Phase string

const (
	PhaseFlat    Phase = "flat"
	PhaseOpen    Phase = "open"
	PhaseClosing Phase = "closing"
)

// TrendDetails is the trend-specific part of a snapshot.
type TrendDetails struct {
	SMA            float64
	LastSide       int
	KlineCount     int
	TrailingActive bool
}

// MakerDetails is the maker-specific part of a snapshot.
type MakerDetails struct {
	BidQuote    float64
	AskQuote    float64
	BidVolume   float64
	AskVolume   float64
	Imbalance   float64
	SkippedSide exchange.OrderSide
}

// Counters are cumulative engine counters.
type Counters struct {
	Ticks        int64
	SkippedTicks int64
	TickErrors   int64
	Decisions    int64
}

// Snapshot is an immutable view of the engine. Every slice and pointer in it
// is a private copy.
type Snapshot struct {
	Kind           Kind
	Symbol         string
	Phase          Phase
	Position       exchange.Position
	Balance        float64
	OpenOrders     []exchange.Order
	ReferencePrice float64
	MarkPrice      float64
	BestBid        float64
	BestAsk        float64
	Risk           risk.Params
	StopPrice      float64
	Fees           fees.Stats
	Greedy         *profit.GreedyState
	Locks          []coordinator.LockState
	Stats          profit.TradeStats
	Counters       Counters
	Trend          *TrendDetails
	Maker          *MakerDetails
	Log            []LogEntry
	UpdatedAt      time.Time
}

// published is the tick-owned state copied into snapshots.
type published struct {
	phase     Phase
	params    risk.Params
	stopPrice float64
	greedy    *profit.GreedyState
	trend     *TrendDetails
	maker     *MakerDetails
}

// Snapshot returns the current engine view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	s := Snapshot{
		Kind:           e.kind,
		Symbol:         e.symbol,
		Phase:          e.pub.phase,
		Position:       e.position,
		Balance:        e.balance,
		OpenOrders:     append([]exchange.Order(nil), e.orders...),
		ReferencePrice: referencePrice(e.ticker, e.position, e.depth),
		MarkPrice:      markPrice(e.ticker, e.position),
		BestBid:        e.depth.BestBid(),
		BestAsk:        e.depth.BestAsk(),
		Risk:           e.pub.params,
		StopPrice:      e.pub.stopPrice,
		Greedy:         e.pub.greedy,
		UpdatedAt:      e.now(),
	}
	if e.pub.trend != nil {
		t := *e.pub.trend
		s.Trend = &t
	}
	if e.pub.maker != nil {
		m := *e.pub.maker
		s.Maker = &m
	}
	balance := e.balance
	e.mu.Unlock()

	if s.Greedy != nil {
		g := *s.Greedy
		g.PriceHistory = append([]float64(nil), g.PriceHistory...)
		s.Greedy = &g
	}
	s.Fees = e.fees.Summary(balance)
	s.Stats = e.stats.Stats()
	s.Locks = e.coord.States()
	s.Log = e.decisions.Entries()
	s.Counters = Counters{
		Ticks:        e.ticks.Load(),
		SkippedTicks: e.skipped.Load(),
		TickErrors:   e.tickErrors.Load(),
		Decisions:    e.decisions.Total(),
	}
	return s
}

// On registers an update handler and returns its id for Off. Handlers run
// synchronously after every snapshot push and every completed tick.
func (e *Engine) On(handler func(Snapshot)) int {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.nextObserver++
	e.observers[e.nextObserver] = handler
	return e.nextObserver
}

// Off removes a handler registered with On.
func (e *Engine) Off(id int) {
	e.obsMu.Lock()
	delete(e.observers, id)
	e.obsMu.Unlock()
}

func (e *Engine) notify() {
	e.obsMu.Lock()
	if len(e.observers) == 0 {
		e.obsMu.Unlock()
		return
	}
	handlers := make([]func(Snapshot), 0, len(e.observers))
	for _, h := range e.observers {
		handlers = append(handlers, h)
	}
	e.obsMu.Unlock()

	snap := e.Snapshot()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Errorf("[Engine] update handler panicked: %v", r)
				}
			}()
			h(snap)
		}()
	}
}

func referencePrice(t exchange.Ticker, p exchange.Position, d exchange.Depth) float64 {
	switch {
	case t.LastPrice > 0:
		return t.LastPrice
	case t.MarkPrice > 0:
		return t.MarkPrice
	case p.MarkPrice > 0:
		return p.MarkPrice
	case d.BestBid() > 0 && d.BestAsk() > 0:
		return (d.BestBid() + d.BestAsk()) / 2
	}
	return 0
}

func markPrice(t exchange.Ticker, p exchange.Position) float64 {
	switch {
	case t.MarkPrice > 0:
		return t.MarkPrice
	case p.MarkPrice > 0:
		return p.MarkPrice
	}
	return t.LastPrice
}
