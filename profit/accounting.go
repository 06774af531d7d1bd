package profit

import (
	"sync"
	"time"
)

// Close reasons recorded in trade statistics.
const (
	ReasonStopLoss      = "stop_loss"
	ReasonTakeProfit    = "take_profit"
	ReasonGreedy        = "greedy_take_profit"
	ReasonSignal        = "signal"
	ReasonLossLimit     = "loss_limit"
	ReasonImbalance     = "imbalance"
	ReasonMakerClose    = "maker_close"
	ReasonRestingStop   = "resting_stop"
	ReasonExternalClose = "external_close"
	ReasonShutdown      = "shutdown"
)

// CloseRecord describes one closed position.
type CloseRecord struct {
	Reason     string    `json:"reason"`
	Direction  int       `json:"direction"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	ClosedAt   time.Time `json:"closed_at"`
}

// TradeStats are the cumulative counters of closed positions.
type TradeStats struct {
	Trades         int            `json:"trades"`
	Wins           int            `json:"wins"`
	Losses         int            `json:"losses"`
	RealizedProfit float64        `json:"realized_profit"`
	ByReason       map[string]int `json:"by_reason"`
	LastClose      *CloseRecord   `json:"last_close,omitempty"`
}

// WinRate returns wins over trades in percent.
func (s TradeStats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades) * 100
}

func (s TradeStats) clone() TradeStats {
	out := s
	out.ByReason = make(map[string]int, len(s.ByReason))
	for k, v := range s.ByReason {
		out.ByReason[k] = v
	}
	if s.LastClose != nil {
		lc := *s.LastClose
		out.LastClose = &lc
	}
	return out
}

// Accountant is responsible for the trade statistics. Each close must be
// recorded exactly once; the engine guarantees it.
type Accountant struct {
	mu    sync.Mutex
	stats TradeStats
}

// NewAccountant creates an empty accountant.
func NewAccountant() *Accountant {
	return &Accountant{stats: TradeStats{ByReason: make(map[string]int)}}
}

// RecordClose adds one closed position. PnL is computed from prices when the
// record carries none.
func (a *Accountant) RecordClose(rec CloseRecord) CloseRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rec.PnL == 0 && rec.EntryPrice > 0 && rec.ExitPrice > 0 {
		rec.PnL = float64(rec.Direction) * (rec.ExitPrice - rec.EntryPrice) * rec.Quantity
	}
	a.stats.Trades++
	if rec.PnL > 0 {
		a.stats.Wins++
	} else if rec.PnL < 0 {
		a.stats.Losses++
	}
	a.stats.RealizedProfit += rec.PnL
	a.stats.ByReason[rec.Reason]++
	last := rec
	a.stats.LastClose = &last
	return rec
}

// Stats returns a copy of the counters.
func (a *Accountant) Stats() TradeStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats.clone()
}

// Restore recovers counters from persistent state.
func (a *Accountant) Restore(s TradeStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats = s.clone()
}
