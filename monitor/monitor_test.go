package monitor

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"position_guard/config"
	"position_guard/coordinator"
	"position_guard/engine"
	"position_guard/exchange"
	"position_guard/fees"
	"position_guard/logs"
	"position_guard/profit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() engine.Snapshot {
	return engine.Snapshot{
		Kind:           engine.KindTrend,
		Symbol:         "XRPUSDT",
		Phase:          engine.PhaseOpen,
		Position:       exchange.Position{Symbol: "XRPUSDT", Amount: 100, EntryPrice: 1.85},
		Balance:        1000,
		OpenOrders:     []exchange.Order{{OrderID: 1}, {OrderID: 2}},
		ReferencePrice: 1.86,
		StopPrice:      1.83,
		Fees:           fees.Stats{HourlyPct: 0.2, DailyPct: 0.5},
		Locks:          []coordinator.LockState{{Kind: coordinator.KindStop, Locked: true}},
		Stats: profit.TradeStats{
			Trades:         3,
			RealizedProfit: -1.25,
			ByReason:       map[string]int{profit.ReasonStopLoss: 2, profit.ReasonSignal: 1},
		},
		Counters: engine.Counters{Ticks: 42, SkippedTicks: 2, TickErrors: 1, Decisions: 7},
	}
}

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "XRPUSDT")
	m.Observe(sampleSnapshot())

	assert.Equal(t, 100.0, testutil.ToFloat64(m.position))
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.unrealized), 1e-9)
	assert.Equal(t, 1.83, testutil.ToFloat64(m.stopPrice))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phase.WithLabelValues("open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.phase.WithLabelValues("flat")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.openOrders))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.locks.WithLabelValues(string(coordinator.KindStop))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.feeBreaker))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.closes.WithLabelValues(profit.ReasonStopLoss)))
	assert.Equal(t, -1.25, testutil.ToFloat64(m.realized))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.ticks))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.skipped))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.greedyOpen))
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg, "XRPUSDT").Observe(sampleSnapshot())

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `position_guard_position_amount{symbol="XRPUSDT"} 100`)
	assert.Contains(t, string(body), "position_guard_engine_ticks_skipped")
}

func TestMonitor_HeartbeatOncePerInterval(t *testing.T) {
	logger, hook := test.NewNullLogger()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mon := New(nil, time.Minute, logger)
	mon.SetClock(func() time.Time { return now })

	s := sampleSnapshot()
	mon.OnSnapshot(s)
	now = now.Add(30 * time.Second)
	mon.OnSnapshot(s)
	assert.Empty(t, hook.AllEntries())

	now = now.Add(31 * time.Second)
	mon.OnSnapshot(s)
	now = now.Add(time.Second)
	mon.OnSnapshot(s)

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Message, "[Heartbeat]"))
	assert.Equal(t, int64(42), entries[0].Data["ticks"])
}

func TestMonitor_AttachFollowsEngine(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Symbol = "XRPUSDT"
	cfg.TradeAmount = 100
	cfg.Normal.PollIntervalMs = 10
	cfg.Normal.LockTimeoutMs = 5000
	cfg.Normal.MaxLogEntries = 50
	cfg.Precision = &config.PrecisionConfig{PriceTick: 0.0001, QtyStep: 0.1}
	cfg.Risk = &config.RiskConfig{LossLimit: 2, TrailingCallbackRate: 0.5, MaxCloseSlippagePct: 0.5}

	sim := exchange.NewSimClient("XRPUSDT", 1000, 0.0001, logs.Discard())
	eng, err := engine.New(cfg, engine.Dependencies{Adapter: sim, Log: logs.Discard()})
	require.NoError(t, err)
	require.NoError(t, eng.Subscribe(context.Background()))

	m := NewMetrics(prometheus.NewRegistry(), "XRPUSDT")
	New(m, 0, logs.Discard()).Attach(eng)
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.balance))

	sim.SetQuote(1.8499, 1.8501, 1.85)
	sim.SetPosition(100, 1.85)
	require.True(t, eng.TickOnce(context.Background()))

	assert.Equal(t, 100.0, testutil.ToFloat64(m.position))
	assert.InDelta(t, 1.83, testutil.ToFloat64(m.stopPrice), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks))
}
