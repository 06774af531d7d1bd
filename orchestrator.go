// orchestrator.go
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"position_guard/config"
	"position_guard/engine"
	"position_guard/exchange"
	"position_guard/fees"
	"position_guard/logs"
	"position_guard/monitor"
	"position_guard/profit"
	"position_guard/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// feeSaveInterval is how often the fee ledger is flushed to the state file
// between closes.
const feeSaveInterval = time.Minute

type Orchestrator struct {
	cfg          *config.Config
	logger       *logs.Logger
	log          logrus.FieldLogger
	adapter      exchange.Adapter
	sim          *exchange.SimClient
	api          *exchange.APIClient
	engine       *engine.Engine
	feeMonitor   *fees.Monitor
	accountant   *profit.Accountant
	stateManager state.StateManagerInterface
	monitor      *monitor.Monitor
	registry     *prometheus.Registry
}

func NewOrchestrator(ctx context.Context, cfg *config.Config, envCfg *config.EnvConfig, stateFilePath string, logger *logs.Logger) (*Orchestrator, error) {
	log := logger.For("orchestrator")
	o := &Orchestrator{cfg: cfg, logger: logger, log: log}

	if cfg.UseSimulation {
		o.sim = exchange.NewSimClient(cfg.Symbol, cfg.Simulation.Balance, cfg.Precision.PriceTick, logger.For("sim"))
		o.adapter = o.sim
		log.Warnf("<<<<<<<<<< WARNING: Running in simulation mode >>>>>>>>>>")
	} else {
		if envCfg.ApiKey == "" || envCfg.ApiSecret == "" {
			return nil, errors.New("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set for live trading")
		}
		api := exchange.NewAPIClient(envCfg.ApiKey, envCfg.ApiSecret, envCfg.BaseURL,
			cfg.Normal.HTTPTimeoutSeconds, cfg.Normal.RecvWindowSeconds, logger.For("exchange"))
		api.SetPrecision(cfg.Precision.PriceTick, cfg.Precision.QtyStep)
		api.SetPollInterval(cfg.PollInterval())
		api.SetStreamer(exchange.NewStreamer(envCfg.StreamURL, envCfg.BaseURL, exchange.DefaultStreamConfig(), logger.For("stream")))
		// Ensure time synchronization before making any signed call
		if err := api.SyncTime(ctx); err != nil {
			return nil, fmt.Errorf("failed to sync exchange time: %w", err)
		}
		o.api = api
		o.adapter = api
	}

	stateManager, err := state.NewStateManager(stateFilePath, cfg.Symbol, logger.For("state"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state manager: %w", err)
	}
	o.stateManager = stateManager
	log.Infof("State manager initialized successfully, state will be persisted to: %s", stateFilePath)

	o.feeMonitor = fees.New(cfg.FeeProtection, logger.For("fees"))
	o.accountant = profit.NewAccountant()
	o.restoreState()

	eng, err := engine.New(cfg, engine.Dependencies{
		Adapter: o.adapter,
		Fees:    o.feeMonitor,
		Stats:   o.accountant,
		Log:     logger.For("engine"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	eng.OnClose(o.onClose)
	o.engine = eng

	o.registry = prometheus.NewRegistry()
	o.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	heartbeat := time.Duration(cfg.Normal.HeartbeatIntervalMinutes) * time.Minute
	o.monitor = monitor.New(monitor.NewMetrics(o.registry, cfg.Symbol), heartbeat, logger.For("monitor"))

	if o.api != nil {
		o.logExchangeState(ctx)
	}
	return o, nil
}

// restoreState loads the fee ledger and the trade statistics of earlier runs.
func (o *Orchestrator) restoreState() {
	appState := o.stateManager.GetFullState()
	o.feeMonitor.Restore(appState.FeeRecords)
	o.accountant.Restore(appState.TradeStats)
	o.log.Infof("[Orchestrator] restored %d fee records and %d closed trades (realized %.4f)",
		len(appState.FeeRecords), appState.TradeStats.Trades, appState.TradeStats.RealizedProfit)
}

// logExchangeState reports what the engine is about to adopt. A live position
// or resting orders are managed as they are; nothing is cancelled at startup.
func (o *Orchestrator) logExchangeState(ctx context.Context) {
	account, err := o.api.FetchAccount(ctx)
	if err != nil {
		o.log.Errorf("[Orchestrator] failed to get account at startup: %v", err)
		return
	}
	pos := account.Position(o.cfg.Symbol)
	orders, err := o.api.FetchOpenOrders(ctx)
	if err != nil {
		o.log.Errorf("[Orchestrator] failed to get open orders at startup: %v", err)
		return
	}
	n := 0
	for _, ord := range orders {
		if ord.Symbol == o.cfg.Symbol {
			n++
		}
	}
	if pos.IsFlat() && n == 0 {
		o.log.Info("[Orchestrator] no position or open orders on the exchange, fresh start")
		return
	}
	o.log.Warnf("[Orchestrator] found position %.6f @ %.6f and %d open orders for %s, the engine will manage them",
		pos.Amount, pos.EntryPrice, n, o.cfg.Symbol)
}

func (o *Orchestrator) onClose(rec profit.CloseRecord) {
	if err := o.stateManager.UpdateTradeStats(o.accountant.Stats()); err != nil {
		o.log.Errorf("[Orchestrator] failed to save trade stats after %s close: %v", rec.Reason, err)
	}
	o.saveFees()
}

func (o *Orchestrator) saveFees() {
	if err := o.stateManager.UpdateFees(o.feeMonitor.Records()); err != nil {
		o.log.Errorf("[Orchestrator] failed to save fee ledger: %v", err)
	}
}

// Run starts every service and blocks until ctx is cancelled or one of them
// fails, then shuts down.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := o.engine.Subscribe(gctx); err != nil {
		return fmt.Errorf("failed to subscribe engine: %w", err)
	}
	o.monitor.Attach(o.engine)
	o.engine.Start(gctx)
	o.log.Infof("Strategy %s started on %s, press Ctrl+C to exit.", o.cfg.Strategy, o.cfg.Symbol)

	if o.sim != nil {
		sc := o.cfg.Simulation
		g.Go(func() error {
			o.sim.RunRandomWalk(gctx, sc.StartPrice, sc.Volatility, sc.Step(), sc.CandleSteps, sc.Seed)
			return nil
		})
	}
	if addr := o.cfg.Normal.MetricsAddr; addr != "" {
		g.Go(func() error {
			return monitor.Serve(gctx, addr, o.registry, o.logger.For("metrics"))
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(feeSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				o.saveFees()
			}
		}
	})

	err := g.Wait()
	o.Stop()
	return err
}

// Stop halts the engine and persists the final state.
func (o *Orchestrator) Stop() {
	o.log.Info("Received close signal, starting graceful shutdown...")
	o.engine.Stop()

	o.printFinalSummary()
	if err := o.stateManager.UpdateTradeStats(o.accountant.Stats()); err != nil {
		o.log.Errorf("Failed to save final trade stats: %v", err)
	}
	o.saveFees()
	o.log.Info("All services stopped successfully.")
}

func (o *Orchestrator) printFinalSummary() {
	snap := o.engine.Snapshot()
	st := snap.Stats
	o.log.Info("--- Final PnL Summary ---")
	o.log.Infof("Closed trades: %d (wins %d, losses %d, win rate %.1f%%)", st.Trades, st.Wins, st.Losses, st.WinRate())
	o.log.Infof("Realized profit: %.4f USDT", st.RealizedProfit)
	for reason, n := range st.ByReason {
		o.log.Infof("  closed by %s: %d", reason, n)
	}
	if !snap.Position.IsFlat() {
		o.log.Warnf("Position left open: %.6f @ %.6f, resting protection stays on the exchange",
			snap.Position.Amount, snap.Position.EntryPrice)
	}
	o.log.Infof("Fees last 24h: %.4f USDT (%.3f%% of balance)", snap.Fees.DailyFees, snap.Fees.DailyPct)
	o.log.Info("--------------------")
}
