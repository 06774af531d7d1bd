package exchange

import (
	"context"
	"errors"
	"testing"

	"position_guard/logs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSim() *SimClient {
	s := NewSimClient("XRPUSDT", 1000, 0.0001, logs.Discard())
	s.SetQuote(1.8499, 1.8501, 1.85)
	return s
}

func TestSim_MarketOrderOpensPosition(t *testing.T) {
	s := newTestSim()
	ctx := context.Background()

	ack, err := s.CreateOrder(ctx, MarketOrder("XRPUSDT", Buy, 100, false))
	require.NoError(t, err)
	assert.Equal(t, Filled, ack.Status)

	p := s.Position()
	assert.InDelta(t, 100, p.Amount, 1e-9)
	assert.InDelta(t, 1.8501, p.EntryPrice, 1e-9)
	assert.Empty(t, s.OpenOrders())
}

func TestSim_RealizedProfitOnClose(t *testing.T) {
	s := newTestSim()
	ctx := context.Background()
	_, err := s.CreateOrder(ctx, MarketOrder("XRPUSDT", Buy, 100, false))
	require.NoError(t, err)

	s.SetQuote(1.9000, 1.9002, 1.9001)
	_, err = s.CreateOrder(ctx, MarketOrder("XRPUSDT", Sell, 100, true))
	require.NoError(t, err)

	assert.True(t, s.Position().IsFlat())
	assert.InDelta(t, 1000+(1.9000-1.8501)*100, s.Balance(), 1e-9)
}

func TestSim_StopMarketTriggersOnMark(t *testing.T) {
	s := newTestSim()
	ctx := context.Background()
	_, err := s.CreateOrder(ctx, MarketOrder("XRPUSDT", Buy, 100, false))
	require.NoError(t, err)

	_, err = s.CreateOrder(ctx, StopMarketOrder("XRPUSDT", Sell, 100, 1.80))
	require.NoError(t, err)
	require.Len(t, s.OpenOrders(), 1)

	s.SetQuote(1.8199, 1.8201, 1.82)
	assert.Len(t, s.OpenOrders(), 1, "stop above price must keep resting")

	s.SetQuote(1.7999, 1.8001, 1.80)
	assert.Empty(t, s.OpenOrders())
	assert.True(t, s.Position().IsFlat())
}

func TestSim_StopThatWouldTriggerIsRejected(t *testing.T) {
	s := newTestSim()
	_, err := s.CreateOrder(context.Background(), StopMarketOrder("XRPUSDT", Sell, 100, 1.86))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -2021, apiErr.Code)
}

func TestSim_TrailingStopActivatesThenFollows(t *testing.T) {
	s := newTestSim()
	ctx := context.Background()
	_, err := s.CreateOrder(ctx, MarketOrder("XRPUSDT", Buy, 10, false))
	require.NoError(t, err)
	_, err = s.CreateOrder(ctx, TrailingStopOrder("XRPUSDT", Sell, 10, 1.90, 1.0))
	require.NoError(t, err)

	s.SetQuote(1.8899, 1.8901, 1.89)
	s.SetQuote(1.9199, 1.9201, 1.92)
	s.SetQuote(1.9099, 1.9101, 1.91)
	assert.Len(t, s.OpenOrders(), 1, "0.5% pullback is inside the 1% callback")

	s.SetQuote(1.8999, 1.9001, 1.90)
	assert.Empty(t, s.OpenOrders())
	assert.True(t, s.Position().IsFlat())
}

func TestSim_CancelUnknownOrderIsBenign(t *testing.T) {
	s := newTestSim()
	err := s.CancelOrder(context.Background(), "XRPUSDT", 42)
	require.Error(t, err)
	assert.True(t, IsUnknownOrder(err))
}

func TestSim_FailNextByOrderType(t *testing.T) {
	s := newTestSim()
	ctx := context.Background()
	boom := errors.New("boom")
	s.FailNext(OpCreate+":"+string(StopMarket), boom)

	_, err := s.CreateOrder(ctx, LimitOrder("XRPUSDT", Buy, 1, 1.70, false))
	require.NoError(t, err)
	_, err = s.CreateOrder(ctx, StopMarketOrder("XRPUSDT", Sell, 1, 1.70))
	assert.ErrorIs(t, err, boom)
	_, err = s.CreateOrder(ctx, StopMarketOrder("XRPUSDT", Sell, 1, 1.70))
	assert.NoError(t, err)

	assert.Equal(t, 2, s.CountCalls(OpCreate, StopMarket))
}

func TestSim_OrderSnapshotReportsResolvedOnce(t *testing.T) {
	s := newTestSim()
	ctx := context.Background()
	var snaps []OrderSnapshot
	require.NoError(t, s.WatchOrders(ctx, func(o OrderSnapshot) { snaps = append(snaps, o) }))

	ack, err := s.CreateOrder(ctx, LimitOrder("XRPUSDT", Buy, 1, 1.70, false))
	require.NoError(t, err)
	require.NoError(t, s.CancelOrder(ctx, "XRPUSDT", ack.OrderID))

	last := snaps[len(snaps)-1]
	require.Len(t, last.Orders, 1)
	assert.Equal(t, Canceled, last.Orders[0].Status)

	s.PublishOrders()
	assert.Empty(t, snaps[len(snaps)-1].Orders)
}

func TestSim_ReduceOnlyWithoutPositionExpires(t *testing.T) {
	s := newTestSim()
	ack, err := s.CreateOrder(context.Background(), MarketOrder("XRPUSDT", Sell, 5, true))
	require.NoError(t, err)
	assert.Equal(t, Expired, ack.Status)
	assert.True(t, s.Position().IsFlat())
}

func TestMergeKline_ReplacesOpenCandle(t *testing.T) {
	var w []Kline
	k := Kline{Close: 1}
	w = mergeKline(w, k, 3)
	k.Close = 2
	w = mergeKline(w, k, 3)
	require.Len(t, w, 1)
	assert.Equal(t, 2.0, w[0].Close)
}

func TestSim_WatcherMayRegisterFromCallback(t *testing.T) {
	s := newTestSim()
	ctx := context.Background()
	var first, second int
	registered := false
	require.NoError(t, s.WatchAccount(ctx, func(AccountSnapshot) {
		first++
		if first == 2 && !registered {
			registered = true
			require.NoError(t, s.WatchAccount(ctx, func(AccountSnapshot) { second++ }))
		}
	}))
	require.Equal(t, 1, first)

	s.SetPosition(10, 1.85)
	assert.Equal(t, 3, first, "outer push plus the push of the nested registration")
	assert.Equal(t, 1, second, "the new watcher is not part of the push already running")

	s.SetPosition(0, 0)
	assert.Equal(t, 4, first)
	assert.Equal(t, 2, second)
}
