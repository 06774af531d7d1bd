// monitor/monitor.go
package monitor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"position_guard/engine"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "position_guard"

// Metrics mirrors engine snapshots into Prometheus gauges. Engine counters are
// cumulative already, so they are exported as gauges holding the latest value.
type Metrics struct {
	position       prometheus.Gauge
	entryPrice     prometheus.Gauge
	unrealized     prometheus.Gauge
	balance        prometheus.Gauge
	referencePrice prometheus.Gauge
	stopPrice      prometheus.Gauge
	phase          *prometheus.GaugeVec
	openOrders     prometheus.Gauge
	locks          *prometheus.GaugeVec

	feeHourlyPct prometheus.Gauge
	feeDailyPct  prometheus.Gauge
	feeBreaker   prometheus.Gauge

	realized   prometheus.Gauge
	trades     prometheus.Gauge
	closes     *prometheus.GaugeVec
	greedyOpen prometheus.Gauge

	ticks      prometheus.Gauge
	skipped    prometheus.Gauge
	tickErrors prometheus.Gauge
	decisions  prometheus.Gauge
}

// NewMetrics registers the collectors on reg, labelled with symbol.
func NewMetrics(reg prometheus.Registerer, symbol string) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"symbol": symbol}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gaugeVec := func(subsystem, name, help string, label string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, []string{label})
	}

	return &Metrics{
		position:       gauge("position", "amount", "Signed position amount"),
		entryPrice:     gauge("position", "entry_price", "Average entry price of the open position"),
		unrealized:     gauge("position", "unrealized_pnl", "Unrealized PnL at the reference price in quote currency"),
		balance:        gauge("account", "wallet_balance", "Wallet balance from the last account snapshot"),
		referencePrice: gauge("market", "reference_price", "Price the risk checks run against"),
		stopPrice:      gauge("position", "stop_price", "Price of the resting protective stop, 0 when none"),
		phase:          gaugeVec("engine", "phase", "1 for the current position phase", "phase"),
		openOrders:     gauge("orders", "open", "Open orders of the symbol"),
		locks:          gaugeVec("orders", "kind_locked", "1 while a mutation of the order kind is in flight", "kind"),

		feeHourlyPct: gauge("fees", "hourly_pct", "Fees paid over the last hour in percent of balance"),
		feeDailyPct:  gauge("fees", "daily_pct", "Fees paid over the last 24h in percent of balance"),
		feeBreaker:   gauge("fees", "circuit_breaker", "1 while the fee circuit breaker blocks entries"),

		realized:   gauge("trades", "realized_pnl", "Cumulative realized PnL of closed positions"),
		trades:     gauge("trades", "closed", "Closed positions"),
		closes:     gaugeVec("trades", "closed_by_reason", "Closed positions by close reason", "reason"),
		greedyOpen: gauge("trades", "greedy_active", "1 while a greedy take-profit extension is running"),

		ticks:      gauge("engine", "ticks", "Ticks run"),
		skipped:    gauge("engine", "ticks_skipped", "Ticks skipped because the previous one was still running"),
		tickErrors: gauge("engine", "tick_errors", "Ticks ended early by a recovered panic"),
		decisions:  gauge("engine", "decisions", "Decision log entries written"),
	}
}

// Observe copies one snapshot into the collectors.
func (m *Metrics) Observe(s engine.Snapshot) {
	m.position.Set(s.Position.Amount)
	m.entryPrice.Set(s.Position.EntryPrice)
	unrealized := 0.0
	if !s.Position.IsFlat() && s.ReferencePrice > 0 {
		unrealized = (s.ReferencePrice - s.Position.EntryPrice) * s.Position.Amount
	}
	m.unrealized.Set(unrealized)
	m.balance.Set(s.Balance)
	m.referencePrice.Set(s.ReferencePrice)
	m.stopPrice.Set(s.StopPrice)
	for _, p := range []engine.Phase{engine.PhaseFlat, engine.PhaseOpen, engine.PhaseClosing} {
		m.phase.WithLabelValues(string(p)).Set(boolGauge(s.Phase == p))
	}
	m.openOrders.Set(float64(len(s.OpenOrders)))
	m.locks.Reset()
	for _, l := range s.Locks {
		m.locks.WithLabelValues(string(l.Kind)).Set(boolGauge(l.Locked))
	}

	m.feeHourlyPct.Set(s.Fees.HourlyPct)
	m.feeDailyPct.Set(s.Fees.DailyPct)
	m.feeBreaker.Set(boolGauge(s.Fees.ShouldStop))

	m.realized.Set(s.Stats.RealizedProfit)
	m.trades.Set(float64(s.Stats.Trades))
	for reason, n := range s.Stats.ByReason {
		m.closes.WithLabelValues(reason).Set(float64(n))
	}
	m.greedyOpen.Set(boolGauge(s.Greedy != nil))

	m.ticks.Set(float64(s.Counters.Ticks))
	m.skipped.Set(float64(s.Counters.SkippedTicks))
	m.tickErrors.Set(float64(s.Counters.TickErrors))
	m.decisions.Set(float64(s.Counters.Decisions))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Monitor observes an engine: every update refreshes the metrics and a
// heartbeat line is logged once per interval.
type Monitor struct {
	metrics   *Metrics
	log       logrus.FieldLogger
	heartbeat time.Duration
	now       func() time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
}

// New creates a monitor. A non-positive heartbeat disables heartbeat lines.
func New(metrics *Metrics, heartbeat time.Duration, log logrus.FieldLogger) *Monitor {
	return &Monitor{
		metrics:   metrics,
		log:       log,
		heartbeat: heartbeat,
		now:       time.Now,
	}
}

// SetClock replaces the time source of the heartbeat.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Attach subscribes the monitor to eng and returns the observer id.
func (m *Monitor) Attach(eng *engine.Engine) int {
	id := eng.On(m.OnSnapshot)
	m.OnSnapshot(eng.Snapshot())
	return id
}

// OnSnapshot is the engine observer.
func (m *Monitor) OnSnapshot(s engine.Snapshot) {
	if m.metrics != nil {
		m.metrics.Observe(s)
	}
	if m.heartbeat <= 0 {
		return
	}

	now := m.now()
	m.mu.Lock()
	if m.lastHeartbeat.IsZero() {
		m.lastHeartbeat = now
	}
	due := now.Sub(m.lastHeartbeat) >= m.heartbeat
	if due {
		m.lastHeartbeat = now
	}
	m.mu.Unlock()
	if !due {
		return
	}

	m.log.WithFields(logrus.Fields{
		"phase":    s.Phase,
		"position": s.Position.Amount,
		"price":    s.ReferencePrice,
		"stop":     s.StopPrice,
		"ticks":    s.Counters.Ticks,
		"skipped":  s.Counters.SkippedTicks,
		"trades":   s.Stats.Trades,
		"realized": s.Stats.RealizedProfit,
	}).Info("[Heartbeat] engine still running")
}

// Handler serves the gathered metrics in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// Serve runs the metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, log logrus.FieldLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("[Monitor] metrics served on %s/metrics", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("[Monitor] metrics server shutdown: %v", err)
		}
		return nil
	}
}
