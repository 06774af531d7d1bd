package exchange

import (
	"context"
	"math"
	"time"
)

// OrderSide defines the order direction (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType defines the order type.
type OrderType string

const (
	Limit              OrderType = "LIMIT"
	Market             OrderType = "MARKET"
	StopMarket         OrderType = "STOP_MARKET"
	TrailingStopMarket OrderType = "TRAILING_STOP_MARKET"
)

// OrderStatus defines the order status.
type OrderStatus string

const (
	New             OrderStatus = "NEW"
	PartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	Filled          OrderStatus = "FILLED"
	Canceled        OrderStatus = "CANCELED"
	Expired         OrderStatus = "EXPIRED"
	Rejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transition is possible for the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case Filled, Canceled, Expired, Rejected:
		return true
	}
	return false
}

// Order is the local mirror of one exchange order. It is rebuilt wholesale from
// every order-stream push.
type Order struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          OrderSide
	Type          OrderType
	Price         float64
	StopPrice     float64
	Quantity      float64
	ExecutedQty   float64
	AvgPrice      float64
	Status        OrderStatus
	ReduceOnly    bool
	ClosePosition bool
	UpdateTime    time.Time
}

// Position is one symbol's exposure inside an account snapshot. Amount is
// signed: positive for long, negative for short.
type Position struct {
	Symbol           string
	Amount           float64
	EntryPrice       float64
	UnrealizedProfit float64
	MarkPrice        float64
}

// IsFlat reports whether the position carries no exposure.
func (p Position) IsFlat() bool {
	return math.Abs(p.Amount) < 1e-12
}

// Direction returns +1 for long, -1 for short and 0 when flat.
func (p Position) Direction() int {
	switch {
	case p.IsFlat():
		return 0
	case p.Amount > 0:
		return 1
	default:
		return -1
	}
}

// Quantity returns the absolute position size.
func (p Position) Quantity() float64 {
	return math.Abs(p.Amount)
}

// AccountSnapshot is a full account push.
type AccountSnapshot struct {
	WalletBalance    float64
	AvailableBalance float64
	Positions        []Position
	UpdateTime       time.Time
}

// Position returns the position for symbol, or a flat position when absent.
func (a AccountSnapshot) Position(symbol string) Position {
	for _, p := range a.Positions {
		if p.Symbol == symbol {
			return p
		}
	}
	return Position{Symbol: symbol}
}

// OrderSnapshot is a full open-orders push. EventTime is when the exchange
// produced it; the zero value means "as fresh as its arrival".
type OrderSnapshot struct {
	Orders    []Order
	EventTime time.Time
}

// PriceLevel is one order book level.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// Depth is a partial order book.
type Depth struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	EventTime time.Time
}

// BestBid returns the top bid, or 0 when the side is empty.
func (d Depth) BestBid() float64 {
	if len(d.Bids) == 0 {
		return 0
	}
	return d.Bids[0].Price
}

// BestAsk returns the top ask, or 0 when the side is empty.
func (d Depth) BestAsk() float64 {
	if len(d.Asks) == 0 {
		return 0
	}
	return d.Asks[0].Price
}

// Ticker carries the last traded and mark prices.
type Ticker struct {
	Symbol    string
	LastPrice float64
	MarkPrice float64
	EventTime time.Time
}

// Kline is one candle.
type Kline struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
	Closed    bool
}

// OrderRequest is the input of every order mutation.
type OrderRequest struct {
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Quantity        float64
	Price           float64
	StopPrice       float64
	ActivationPrice float64
	CallbackRate    float64
	ReduceOnly      bool
	ClientOrderID   string
}

// MarketOrder builds a market order request.
func MarketOrder(symbol string, side OrderSide, qty float64, reduceOnly bool) OrderRequest {
	return OrderRequest{Symbol: symbol, Side: side, Type: Market, Quantity: qty, ReduceOnly: reduceOnly}
}

// LimitOrder builds a GTC limit order request.
func LimitOrder(symbol string, side OrderSide, qty, price float64, reduceOnly bool) OrderRequest {
	return OrderRequest{Symbol: symbol, Side: side, Type: Limit, Quantity: qty, Price: price, ReduceOnly: reduceOnly}
}

// StopMarketOrder builds a reduce-only stop-market order request.
func StopMarketOrder(symbol string, side OrderSide, qty, stopPrice float64) OrderRequest {
	return OrderRequest{Symbol: symbol, Side: side, Type: StopMarket, Quantity: qty, StopPrice: stopPrice, ReduceOnly: true}
}

// TrailingStopOrder builds a reduce-only trailing-stop-market order request.
// callbackRate is in percent, as the exchange expects it.
func TrailingStopOrder(symbol string, side OrderSide, qty, activationPrice, callbackRate float64) OrderRequest {
	return OrderRequest{
		Symbol:          symbol,
		Side:            side,
		Type:            TrailingStopMarket,
		Quantity:        qty,
		ActivationPrice: activationPrice,
		CallbackRate:    callbackRate,
		ReduceOnly:      true,
	}
}

// Watcher is the push side of the exchange adapter. Each Watch call keeps
// delivering full snapshots to cb until ctx is done.
type Watcher interface {
	WatchAccount(ctx context.Context, cb func(AccountSnapshot)) error
	WatchOrders(ctx context.Context, cb func(OrderSnapshot)) error
	WatchDepth(ctx context.Context, symbol string, cb func(Depth)) error
	WatchTicker(ctx context.Context, symbol string, cb func(Ticker)) error
	WatchKlines(ctx context.Context, symbol, interval string, cb func([]Kline)) error
}

// Trader is the imperative side of the exchange adapter. Acknowledgements are
// not final truth: only a later order-stream snapshot is.
type Trader interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelOrders(ctx context.Context, symbol string, orderIDs []int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
}

// Adapter is everything the engine consumes from an exchange.
type Adapter interface {
	Watcher
	Trader
}
