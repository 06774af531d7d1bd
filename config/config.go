// config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Strategy kinds understood by the engine.
const (
	StrategyTrend       = "trend"
	StrategyMaker       = "maker"
	StrategyOffsetMaker = "offset_maker"
)

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NormalConfig holds all general, non-strategy-specific configuration.
type NormalConfig struct {
	PollIntervalMs           int    `yaml:"poll_interval_ms"`
	HTTPTimeoutSeconds       int    `yaml:"http_timeout_seconds"`
	RecvWindowSeconds        int    `yaml:"recv_window_seconds"`
	HeartbeatIntervalMinutes int    `yaml:"heartbeat_interval_minutes"`
	LockTimeoutMs            int    `yaml:"lock_timeout_ms"`
	MaxLogEntries            int    `yaml:"max_log_entries"`
	LogDirectory             string `yaml:"log_directory"`
	StateDirectory           string `yaml:"state_directory"`
	MetricsAddr              string `yaml:"metrics_addr"`
}

// PrecisionConfig carries the exchange rounding granularity for the symbol.
type PrecisionConfig struct {
	PriceTick float64 `yaml:"price_tick"`
	QtyStep   float64 `yaml:"qty_step"`
}

// RiskConfig holds the static (absolute) protection thresholds and the
// percentage checks that run on every tick.
type RiskConfig struct {
	LossLimit            float64 `yaml:"loss_limit"`
	TrailingProfit       float64 `yaml:"trailing_profit"`
	TrailingCallbackRate float64 `yaml:"trailing_callback_rate"`
	ProfitLockTriggerUSD float64 `yaml:"profit_lock_trigger_usd"`
	ProfitLockOffsetUSD  float64 `yaml:"profit_lock_offset_usd"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	TakeProfitPct        float64 `yaml:"take_profit_pct"`
	MarketOffset         float64 `yaml:"market_offset"`
	MaxCloseSlippagePct  float64 `yaml:"max_close_slippage_pct"`
	PriceTolerance       float64 `yaml:"price_tolerance"`
}

// DynamicRiskConfig replaces the static absolute thresholds with percentages of
// the position notional when enabled.
type DynamicRiskConfig struct {
	Enabled               bool    `yaml:"enabled"`
	LossLimitPct          float64 `yaml:"loss_limit_pct"`
	TrailingProfitPct     float64 `yaml:"trailing_profit_pct"`
	ProfitLockTriggerPct  float64 `yaml:"profit_lock_trigger_pct"`
	ProfitLockOffsetPct   float64 `yaml:"profit_lock_offset_pct"`
	RecomputeThresholdPct float64 `yaml:"recompute_threshold_pct"`
	Precision             int     `yaml:"precision"`
}

// FeeProtectionConfig configures the fee circuit breaker.
type FeeProtectionConfig struct {
	Enabled         bool    `yaml:"enabled"`
	FeeRate         float64 `yaml:"fee_rate"`
	MaxHourlyFeePct float64 `yaml:"max_hourly_fee_pct"`
	MaxDailyFeePct  float64 `yaml:"max_daily_fee_pct"`
}

// GreedyTakeProfitConfig tunes the deferral of a reached take-profit target.
type GreedyTakeProfitConfig struct {
	Enabled              bool    `yaml:"enabled"`
	ExtraProfitTargetPct float64 `yaml:"extra_profit_target_pct"`
	ReversalThresholdPct float64 `yaml:"reversal_threshold_pct"`
	MaxWaitSeconds       int     `yaml:"max_wait_seconds"`
	HistorySize          int     `yaml:"history_size"`
}

// MaxWait returns the greedy wait budget as a duration.
func (g *GreedyTakeProfitConfig) MaxWait() time.Duration {
	return time.Duration(g.MaxWaitSeconds) * time.Second
}

// MakerConfig holds the quoting parameters of the maker strategies.
type MakerConfig struct {
	BidOffset         float64 `yaml:"bid_offset"`
	AskOffset         float64 `yaml:"ask_offset"`
	RefreshIntervalMs int     `yaml:"refresh_interval_ms"`
	DepthLevels       int     `yaml:"depth_levels"`
	ImbalanceRatio    float64 `yaml:"imbalance_ratio"`
}

// SimulationConfig drives the paper exchange used when use_simulation is set.
type SimulationConfig struct {
	StartPrice  float64 `yaml:"start_price"`
	Balance     float64 `yaml:"balance"`
	Volatility  float64 `yaml:"volatility"`
	StepMs      int     `yaml:"step_ms"`
	CandleSteps int     `yaml:"candle_steps"`
	Seed        int64   `yaml:"seed"`
}

// Step returns the random-walk step period.
func (s *SimulationConfig) Step() time.Duration {
	return time.Duration(s.StepMs) * time.Millisecond
}

// Config is the top-level configuration structure.
type Config struct {
	Symbol           string                  `yaml:"symbol"`
	Strategy         string                  `yaml:"strategy"`
	UseSimulation    bool                    `yaml:"use_simulation"`
	TradeAmount      float64                 `yaml:"trade_amount"`
	MaxNotionalUSDT  float64                 `yaml:"max_notional_usdt"`
	KlineInterval    string                  `yaml:"kline_interval"`
	Normal           *NormalConfig           `yaml:"normal_config"`
	Logs             *LogConfig              `yaml:"logs"`
	Precision        *PrecisionConfig        `yaml:"precision"`
	Risk             *RiskConfig             `yaml:"risk"`
	DynamicRisk      *DynamicRiskConfig      `yaml:"dynamic_risk"`
	FeeProtection    *FeeProtectionConfig    `yaml:"fee_protection"`
	GreedyTakeProfit *GreedyTakeProfitConfig `yaml:"greedy_take_profit"`
	Maker            *MakerConfig            `yaml:"maker"`
	Simulation       *SimulationConfig       `yaml:"simulation"`
}

// NewConfig creates a new Config struct with essential allocations but no magic numbers.
// All critical strategy parameters MUST be provided in the config.yaml file.
func NewConfig() *Config {
	return &Config{
		Strategy:         StrategyTrend,
		KlineInterval:    "1m",
		Normal:           &NormalConfig{},
		Logs:             &LogConfig{},
		Precision:        &PrecisionConfig{},
		Risk:             &RiskConfig{},
		DynamicRisk:      &DynamicRiskConfig{},
		FeeProtection:    &FeeProtectionConfig{},
		GreedyTakeProfit: &GreedyTakeProfitConfig{},
		Maker:            &MakerConfig{},
		Simulation:       &SimulationConfig{},
	}
}

// LoadConfig loads configuration from a given path and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s, program cannot run without a config file", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes on top of NewConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}
	cfg.Strategy = strings.ToLower(strings.TrimSpace(cfg.Strategy))
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// PollInterval returns the tick period of the engine.
func (c *Config) PollInterval() time.Duration {
	if c.IsMaker() && c.Maker.RefreshIntervalMs > 0 {
		return time.Duration(c.Maker.RefreshIntervalMs) * time.Millisecond
	}
	return time.Duration(c.Normal.PollIntervalMs) * time.Millisecond
}

// LockTimeout returns the fallback force-unlock delay of the order coordinator.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Normal.LockTimeoutMs) * time.Millisecond
}

// IsMaker reports whether one of the maker strategies is configured.
func (c *Config) IsMaker() bool {
	return c.Strategy == StrategyMaker || c.Strategy == StrategyOffsetMaker
}

// Validate checks the logical consistency and completeness of the entire configuration.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("critical config missing: 'symbol' must be explicitly specified")
	}
	switch c.Strategy {
	case StrategyTrend, StrategyMaker, StrategyOffsetMaker:
	default:
		return fmt.Errorf("config error: strategy must be one of '%s', '%s', '%s', got '%s'",
			StrategyTrend, StrategyMaker, StrategyOffsetMaker, c.Strategy)
	}
	if c.TradeAmount <= 0 {
		return fmt.Errorf("critical config missing: 'trade_amount' must be positive")
	}
	if c.MaxNotionalUSDT < 0 {
		return fmt.Errorf("config error: 'max_notional_usdt' cannot be negative (0 disables the cap)")
	}

	if c.Normal == nil {
		return fmt.Errorf("critical config missing: 'normal_config' block must be provided")
	}
	if c.Normal.PollIntervalMs <= 0 {
		return fmt.Errorf("critical config missing: 'normal_config.poll_interval_ms' must be positive")
	}
	if c.Normal.LockTimeoutMs <= 0 {
		return fmt.Errorf("critical config missing: 'normal_config.lock_timeout_ms' must be positive")
	}
	if c.Normal.MaxLogEntries <= 0 {
		return fmt.Errorf("critical config missing: 'normal_config.max_log_entries' must be positive")
	}
	if c.UseSimulation {
		sim := c.Simulation
		if sim == nil || sim.StartPrice <= 0 || sim.Balance <= 0 {
			return fmt.Errorf("critical config missing: 'simulation.start_price' and 'simulation.balance' must be positive in simulation mode")
		}
		if sim.Volatility < 0 || sim.StepMs <= 0 {
			return fmt.Errorf("config error: 'simulation.volatility' cannot be negative and 'simulation.step_ms' must be positive")
		}
	} else {
		if c.Normal.HTTPTimeoutSeconds <= 0 {
			return fmt.Errorf("critical config missing: 'normal_config.http_timeout_seconds' must be positive")
		}
		if c.Normal.RecvWindowSeconds <= 0 {
			return fmt.Errorf("critical config missing: 'normal_config.recv_window_seconds' must be positive")
		}
	}
	if c.Normal.HeartbeatIntervalMinutes <= 0 {
		return fmt.Errorf("critical config missing: 'normal_config.heartbeat_interval_minutes' must be positive")
	}
	if c.Normal.LogDirectory == "" {
		return fmt.Errorf("critical config missing: 'normal_config.log_directory' must be specified (e.g., 'logs')")
	}
	if c.Normal.StateDirectory == "" {
		return fmt.Errorf("critical config missing: 'normal_config.state_directory' must be specified (e.g., 'state')")
	}

	if c.Logs == nil || c.Logs.LogLevel == "" {
		return fmt.Errorf("critical config missing: 'logs.log_level' must be specified (e.g., 'info', 'debug')")
	}
	if c.Logs.MaxSizeMB <= 0 || c.Logs.MaxBackups <= 0 || c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("critical config missing: 'logs.max_size_mb', 'logs.max_backups' and 'logs.max_age_days' must be positive")
	}

	if c.Precision == nil || c.Precision.PriceTick <= 0 || c.Precision.QtyStep <= 0 {
		return fmt.Errorf("critical config missing: 'precision.price_tick' and 'precision.qty_step' must be positive")
	}

	if c.Risk == nil {
		return fmt.Errorf("critical config missing: 'risk' block must be provided")
	}
	if err := c.validateRisk(); err != nil {
		return err
	}

	if c.DynamicRisk != nil && c.DynamicRisk.Enabled {
		d := c.DynamicRisk
		if d.LossLimitPct <= 0 {
			return fmt.Errorf("config error: dynamic_risk.loss_limit_pct must be positive when dynamic risk is enabled")
		}
		if d.TrailingProfitPct < 0 || d.ProfitLockTriggerPct < 0 || d.ProfitLockOffsetPct < 0 {
			return fmt.Errorf("config error: dynamic_risk percentages cannot be negative")
		}
		if d.ProfitLockOffsetPct > d.ProfitLockTriggerPct && d.ProfitLockTriggerPct > 0 {
			return fmt.Errorf("config error: dynamic_risk.profit_lock_offset_pct (%.4f) must not exceed profit_lock_trigger_pct (%.4f)",
				d.ProfitLockOffsetPct, d.ProfitLockTriggerPct)
		}
		if d.RecomputeThresholdPct < 0 {
			return fmt.Errorf("config error: dynamic_risk.recompute_threshold_pct cannot be negative")
		}
		if d.Precision < 0 || d.Precision > 12 {
			return fmt.Errorf("config error: dynamic_risk.precision must be between 0 and 12")
		}
	}

	if c.FeeProtection != nil && c.FeeProtection.Enabled {
		f := c.FeeProtection
		if f.FeeRate < 0 {
			return fmt.Errorf("config error: fee_protection.fee_rate cannot be negative")
		}
		if f.MaxHourlyFeePct <= 0 || f.MaxDailyFeePct <= 0 {
			return fmt.Errorf("config error: fee_protection caps must be positive when fee protection is enabled")
		}
	}

	if c.GreedyTakeProfit != nil && c.GreedyTakeProfit.Enabled {
		g := c.GreedyTakeProfit
		if c.Risk.TakeProfitPct <= 0 {
			return fmt.Errorf("config error: greedy_take_profit requires risk.take_profit_pct as its baseline")
		}
		if g.ExtraProfitTargetPct <= 0 || g.ReversalThresholdPct <= 0 {
			return fmt.Errorf("config error: greedy_take_profit targets must be positive")
		}
		if g.MaxWaitSeconds <= 0 {
			return fmt.Errorf("config error: greedy_take_profit.max_wait_seconds must be positive")
		}
		if g.HistorySize < 2 {
			return fmt.Errorf("config error: greedy_take_profit.history_size must be at least 2")
		}
	}

	if c.IsMaker() {
		if c.Maker == nil {
			return fmt.Errorf("critical config missing: 'maker' block is required for strategy '%s'", c.Strategy)
		}
		if c.Maker.BidOffset < 0 || c.Maker.AskOffset < 0 {
			return fmt.Errorf("config error: maker offsets cannot be negative")
		}
		if c.Strategy == StrategyOffsetMaker {
			if c.Maker.DepthLevels <= 0 {
				return fmt.Errorf("config error: maker.depth_levels must be positive for offset_maker")
			}
			if c.Maker.ImbalanceRatio <= 1 {
				return fmt.Errorf("config error: maker.imbalance_ratio must be greater than 1 for offset_maker")
			}
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	r := c.Risk
	dynamic := c.DynamicRisk != nil && c.DynamicRisk.Enabled
	if !dynamic && r.LossLimit <= 0 {
		return fmt.Errorf("critical config missing: 'risk.loss_limit' must be positive unless dynamic_risk is enabled")
	}
	if r.StopLossPct < 0 || r.TakeProfitPct < 0 {
		return fmt.Errorf("config error: risk.stop_loss_pct and risk.take_profit_pct cannot be negative")
	}
	if r.MarketOffset < 0 || r.PriceTolerance < 0 {
		return fmt.Errorf("config error: risk.market_offset and risk.price_tolerance cannot be negative")
	}
	if r.MaxCloseSlippagePct <= 0 {
		return fmt.Errorf("critical config missing: 'risk.max_close_slippage_pct' must be positive")
	}
	if c.Strategy == StrategyTrend && (r.TrailingCallbackRate < 0.1 || r.TrailingCallbackRate > 5) {
		return fmt.Errorf("config error: risk.trailing_callback_rate must be within [0.1, 5] for the trend strategy")
	}
	if r.ProfitLockOffsetUSD > r.ProfitLockTriggerUSD && r.ProfitLockTriggerUSD > 0 {
		return fmt.Errorf("config error: risk.profit_lock_offset_usd (%.4f) must not exceed profit_lock_trigger_usd (%.4f)",
			r.ProfitLockOffsetUSD, r.ProfitLockTriggerUSD)
	}
	return nil
}

// EnvConfig carries exchange credentials taken from the environment.
type EnvConfig struct {
	ApiKey    string
	ApiSecret string
	BaseURL   string
	StreamURL string
}

// LoadEnvConfig reads exchange credentials and endpoints from the environment.
func LoadEnvConfig() *EnvConfig {
	env := &EnvConfig{
		ApiKey:    os.Getenv("BINANCE_API_KEY"),
		ApiSecret: os.Getenv("BINANCE_SECRET_KEY"),
		BaseURL:   os.Getenv("BINANCE_BASE_URL"),
		StreamURL: os.Getenv("BINANCE_WS_URL"),
	}
	if env.BaseURL == "" {
		env.BaseURL = "https://fapi.binance.com"
	}
	if env.StreamURL == "" {
		env.StreamURL = "wss://fstream.binance.com"
	}
	return env
}
