package engine

import (
	"testing"

	"position_guard/config"
	"position_guard/coordinator"
	"position_guard/exchange"
	"position_guard/fees"
	"position_guard/profit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makerConfig(strategy string) *config.Config {
	cfg := testConfig(strategy)
	cfg.Risk.PriceTolerance = 0.0002
	return cfg
}

func limitOrders(h *harness) (buys, sells []exchange.Order) {
	for _, o := range h.ordersOfType(exchange.Limit) {
		if o.Side == exchange.Buy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	return buys, sells
}

func TestDesiredOrderPlan_Diff(t *testing.T) {
	var plan DesiredOrderPlan
	plan.Add(PlannedOrder{Kind: coordinator.KindLimitBuy, Side: exchange.Buy, Price: 1.8489, Quantity: 100})
	plan.Add(PlannedOrder{Kind: coordinator.KindLimitSell, Side: exchange.Sell, Price: 1.8511, Quantity: 100})

	live := []exchange.Order{
		{OrderID: 1, Side: exchange.Buy, Price: 1.8490, Quantity: 100},
		{OrderID: 2, Side: exchange.Sell, Price: 1.8520, Quantity: 100},
		{OrderID: 3, Side: exchange.Sell, Price: 1.8511, Quantity: 100, ReduceOnly: true},
	}
	keep, cancel, place := plan.Diff(live, 0.0002, 0.1)

	require.Len(t, keep, 1)
	assert.Equal(t, int64(1), keep[0].OrderID, "within tolerance is kept")
	assert.ElementsMatch(t, []int64{2, 3}, cancel, "off price and wrong reduce-only flag are cancelled")
	require.Len(t, place, 1)
	assert.Equal(t, exchange.Sell, place[0].Side)
	assert.InDelta(t, 1.8511, place[0].Price, 1e-12)

	partly := []exchange.Order{{OrderID: 4, Side: exchange.Buy, Price: 1.8489, Quantity: 100, ExecutedQty: 40}}
	_, cancel, place = DesiredOrderPlan{Orders: plan.Orders[:1]}.Diff(partly, 0.0002, 0.1)
	assert.Equal(t, []int64{4}, cancel, "a partly filled quote no longer matches the planned size")
	assert.Len(t, place, 1)

	_, cancel, place = DesiredOrderPlan{}.Diff(live, 0.0002, 0.1)
	assert.Len(t, cancel, 3)
	assert.Empty(t, place)
}

func TestMaker_QuotesAndRequotes(t *testing.T) {
	h := newHarness(t, makerConfig(config.StrategyMaker), nil)
	h.sim.SetQuote(1.8499, 1.8501, 1.85)
	h.tick()

	buys, sells := limitOrders(h)
	require.Len(t, buys, 1)
	require.Len(t, sells, 1)
	assert.InDelta(t, 1.8489, buys[0].Price, 1e-9)
	assert.InDelta(t, 1.8511, sells[0].Price, 1e-9)
	assert.InDelta(t, 100, buys[0].Quantity, 1e-9)
	assert.False(t, buys[0].ReduceOnly)

	snap := h.eng.Snapshot()
	assert.Equal(t, PhaseFlat, snap.Phase)
	require.NotNil(t, snap.Maker)
	assert.Nil(t, snap.Trend)
	assert.InDelta(t, 1.8489, snap.Maker.BidQuote, 1e-9)
	assert.InDelta(t, 1.8511, snap.Maker.AskQuote, 1e-9)

	h.tick()
	assert.Equal(t, 2, h.sim.CountCalls(exchange.OpCreate, ""), "quotes within tolerance are left alone")
	assert.Zero(t, h.sim.CountCalls(exchange.OpCancelOrders, ""))

	h.sim.SetQuote(1.8505, 1.8507, 1.8506)
	h.tick()
	assert.Equal(t, 1, h.sim.CountCalls(exchange.OpCancelOrders, ""))
	assert.Equal(t, 4, h.sim.CountCalls(exchange.OpCreate, exchange.Limit))

	buys, sells = limitOrders(h)
	require.Len(t, buys, 1)
	require.Len(t, sells, 1)
	assert.InDelta(t, 1.8495, buys[0].Price, 1e-9)
	assert.InDelta(t, 1.8517, sells[0].Price, 1e-9)
	assert.Equal(t, 1, h.logContains("2 cancelled, 2 placed"))
}

func TestMaker_FilledQuoteIsWorkedOutAtTopOfBook(t *testing.T) {
	h := newHarness(t, makerConfig(config.StrategyMaker), nil)
	h.sim.SetQuote(1.8499, 1.8501, 1.85)
	h.tick()

	h.sim.SetQuote(1.8480, 1.8485, 1.8483)
	require.InDelta(t, 100, h.sim.Position().Amount, 1e-9, "bid quote filled")
	h.tick()

	assert.Equal(t, 1, h.logContains("entry confirmed"))
	assert.Equal(t, PhaseOpen, h.eng.Snapshot().Phase)
	open := h.sim.OpenOrders()
	require.Len(t, open, 1, "the unfilled entry quote is pulled")
	assert.Equal(t, exchange.Sell, open[0].Side)
	assert.True(t, open[0].ReduceOnly)
	assert.InDelta(t, 1.8485, open[0].Price, 1e-9)
	assert.InDelta(t, 100, open[0].Quantity, 1e-9)

	h.sim.SetQuote(1.8486, 1.8488, 1.8487)
	require.True(t, h.sim.Position().IsFlat())
	h.tick()

	st := h.eng.Snapshot().Stats
	assert.Equal(t, 1, st.Trades)
	assert.Equal(t, 1, st.ByReason[profit.ReasonMakerClose])
	require.NotNil(t, st.LastClose)
	assert.InDelta(t, 1.8485, st.LastClose.ExitPrice, 1e-9)
	assert.InDelta(t, -0.04, st.LastClose.PnL, 1e-9)
	assert.Equal(t, PhaseFlat, h.eng.Snapshot().Phase)

	buys, sells := limitOrders(h)
	assert.Len(t, buys, 1, "quoting resumes once flat")
	assert.Len(t, sells, 1)
}

func TestOffsetMaker_SkipsSideAgainstImbalance(t *testing.T) {
	h := newHarness(t, makerConfig(config.StrategyOffsetMaker), nil)
	h.sim.SetBook(
		[]exchange.PriceLevel{{Price: 1.8499, Quantity: 50}},
		[]exchange.PriceLevel{{Price: 1.8501, Quantity: 10}},
		1.85,
	)
	h.tick()

	buys, sells := limitOrders(h)
	require.Len(t, buys, 1)
	assert.Empty(t, sells)
	assert.InDelta(t, 1.8489, buys[0].Price, 1e-9)

	md := h.eng.Snapshot().Maker
	require.NotNil(t, md)
	assert.Equal(t, exchange.Sell, md.SkippedSide)
	assert.InDelta(t, 5, md.Imbalance, 1e-9)
	assert.Zero(t, md.AskQuote)

	h.sim.SetQuote(1.8499, 1.8501, 1.85)
	h.tick()
	buys, sells = limitOrders(h)
	assert.Len(t, buys, 1)
	assert.Len(t, sells, 1, "balanced book quotes both sides again")
	assert.Empty(t, h.eng.Snapshot().Maker.SkippedSide)
}

func TestOffsetMaker_ExtremeImbalanceClosesPosition(t *testing.T) {
	h := newHarness(t, makerConfig(config.StrategyOffsetMaker), nil)
	h.sim.SetQuote(1.8499, 1.8501, 1.85)
	h.sim.SetPosition(100, 1.85)
	h.tick()
	assert.Zero(t, h.sim.CountCalls(exchange.OpCreate, exchange.Market))

	h.sim.SetBook(
		[]exchange.PriceLevel{{Price: 1.8499, Quantity: 10}},
		[]exchange.PriceLevel{{Price: 1.8501, Quantity: 60}},
		1.85,
	)
	h.tick()
	assert.Equal(t, 1, h.sim.CountCalls(exchange.OpCreate, exchange.Market))
	h.tick()
	assert.Equal(t, 1, h.eng.Snapshot().Stats.ByReason[profit.ReasonImbalance])
}

func TestMaker_LossLimitClosesPosition(t *testing.T) {
	cfg := makerConfig(config.StrategyMaker)
	cfg.Risk.StopLossPct = 0
	h := newHarness(t, cfg, nil)
	h.sim.SetQuote(1.8499, 1.8501, 1.85)
	h.sim.SetPosition(100, 1.85)
	h.tick()

	open := h.sim.OpenOrders()
	require.Len(t, open, 1)
	assert.True(t, open[0].ReduceOnly)
	assert.InDelta(t, 1.8501, open[0].Price, 1e-9)

	h.sim.SetQuote(1.8299, 1.8301, 1.83)
	h.tick()
	assert.Equal(t, 1, h.sim.CountCalls(exchange.OpCancelAll, ""))
	assert.Equal(t, 1, h.sim.CountCalls(exchange.OpCreate, exchange.Market))
	assert.True(t, h.sim.Position().IsFlat())

	h.tick()
	assert.Equal(t, 1, h.eng.Snapshot().Stats.ByReason[profit.ReasonLossLimit])
}

func TestMaker_FeeGateWithdrawsQuotes(t *testing.T) {
	cfg := makerConfig(config.StrategyMaker)
	cfg.FeeProtection = &config.FeeProtectionConfig{Enabled: true, FeeRate: 0.0004, MaxHourlyFeePct: 0.5, MaxDailyFeePct: 2}
	h := newHarness(t, cfg, nil)
	h.sim.SetQuote(1.8499, 1.8501, 1.85)
	h.tick()
	require.Len(t, h.sim.OpenOrders(), 2)

	h.fees.Record(fees.Record{Timestamp: h.clock.Now(), Symbol: symbol, Fee: 10, OrderID: 999})
	h.tick()
	assert.Empty(t, h.sim.OpenOrders())
	assert.Equal(t, 1, h.logContains("entry quotes withdrawn"))

	h.tick()
	assert.Equal(t, 2, h.sim.CountCalls(exchange.OpCreate, exchange.Limit), "nothing requoted while the gate is tripped")
	assert.Equal(t, 1, h.logContains("entry quotes withdrawn"))
}
