// Package profit holds the greedy take-profit state machine and the trade
// statistics of closed positions.
package profit

import (
	"time"

	"position_guard/config"
	"position_guard/risk"
	"position_guard/utils"

	"github.com/sirupsen/logrus"
)

// ExitReason tells why an active greedy extension ended.
type ExitReason string

const (
	ExitNone        ExitReason = ""
	ExitExtraTarget ExitReason = "extra_target"
	ExitReversal    ExitReason = "reversal"
	ExitTimeout     ExitReason = "timeout"
)

// GreedyState is the view of an active extension. It exists only while the
// machine is Active.
type GreedyState struct {
	ActivatedAt          time.Time
	EntryPrice           float64
	Direction            int
	PriceHistory         []float64
	BestPrice            float64
	InitialProfitPercent float64
}

// Verdict is the result of one price update.
type Verdict struct {
	Activated bool
	Exit      bool
	Reason    ExitReason
	ProfitPct float64
}

// ring is a fixed-capacity price buffer that drops the oldest sample when full.
type ring struct {
	buf   []float64
	start int
	n     int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) mean() float64 {
	if r.n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < r.n; i++ {
		sum += r.buf[(r.start+i)%len(r.buf)]
	}
	return sum / float64(r.n)
}

func (r *ring) values() []float64 {
	out := make([]float64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

type activeState struct {
	activatedAt time.Time
	entry       float64
	dir         int
	history     *ring
	best        float64
	initialPct  float64
}

// GreedyTakeProfit defers a reached take-profit target to chase extra gain.
// Inactive -> Active when profit reaches the baseline percentage; Active ends
// on the extra target, a reversal against the rolling mean, a timeout, or a
// forced exit. Once an extension ended on its own, the exit verdict is
// repeated until Reset so a close that could not execute is retried. A forced
// exit leaves the machine Inactive and disarmed until Reset, so the plain
// take-profit governs the rest of the position.
type GreedyTakeProfit struct {
	cfg         config.GreedyTakeProfitConfig
	baselinePct float64
	active      *activeState
	exited      ExitReason
	disarmed    bool
	log         logrus.FieldLogger
}

// NewGreedyTakeProfit creates the state machine. baselinePct is the plain
// take-profit percentage it extends.
func NewGreedyTakeProfit(cfg *config.GreedyTakeProfitConfig, baselinePct float64, log logrus.FieldLogger) *GreedyTakeProfit {
	return &GreedyTakeProfit{cfg: *cfg, baselinePct: baselinePct, log: log}
}

// Enabled reports whether the extension is configured.
func (g *GreedyTakeProfit) Enabled() bool {
	return g.cfg.Enabled && g.baselinePct > 0
}

// IsActive reports whether a target is being deferred.
func (g *GreedyTakeProfit) IsActive() bool {
	return g.active != nil
}

// State returns a copy of the active state, or nil when inactive.
func (g *GreedyTakeProfit) State() *GreedyState {
	if g.active == nil {
		return nil
	}
	a := g.active
	return &GreedyState{
		ActivatedAt:          a.activatedAt,
		EntryPrice:           a.entry,
		Direction:            a.dir,
		PriceHistory:         a.history.values(),
		BestPrice:            a.best,
		InitialProfitPercent: a.initialPct,
	}
}

// Update feeds one price and returns whether the position should close now.
func (g *GreedyTakeProfit) Update(entry, price float64, dir int, now time.Time) Verdict {
	profit := risk.ProfitPct(entry, price, dir)
	if g.exited != ExitNone {
		return Verdict{Exit: true, Reason: g.exited, ProfitPct: profit}
	}
	if g.disarmed {
		return Verdict{ProfitPct: profit}
	}

	if g.active == nil {
		if profit < g.baselinePct-utils.Epsilon {
			return Verdict{ProfitPct: profit}
		}
		h := newRing(g.cfg.HistorySize)
		h.push(price)
		g.active = &activeState{
			activatedAt: now,
			entry:       entry,
			dir:         dir,
			history:     h,
			best:        price,
			initialPct:  g.baselinePct,
		}
		g.log.Infof("[Greedy TP] baseline %.3f%% reached at %.6f (profit %.3f%%), deferring take-profit", g.baselinePct, price, profit)
		return Verdict{Activated: true, ProfitPct: profit}
	}

	a := g.active
	if profit >= a.initialPct+g.cfg.ExtraProfitTargetPct-utils.Epsilon {
		return g.exit(ExitExtraTarget, price, profit)
	}
	if mean := a.history.mean(); mean > 0 {
		against := -float64(a.dir) * (price - mean) / mean * 100
		if g.cfg.ReversalThresholdPct > 0 && against >= g.cfg.ReversalThresholdPct-utils.Epsilon {
			return g.exit(ExitReversal, price, profit)
		}
	}
	if g.cfg.MaxWait() > 0 && now.Sub(a.activatedAt) >= g.cfg.MaxWait() {
		return g.exit(ExitTimeout, price, profit)
	}

	a.history.push(price)
	if (a.dir > 0 && price > a.best) || (a.dir < 0 && price < a.best) {
		a.best = price
	}
	return Verdict{ProfitPct: profit}
}

func (g *GreedyTakeProfit) exit(reason ExitReason, price, profit float64) Verdict {
	g.log.Infof("[Greedy TP] exit (%s) at %.6f, profit %.3f%%, best %.6f", reason, price, profit, g.active.best)
	g.active = nil
	g.exited = reason
	return Verdict{Exit: true, Reason: reason, ProfitPct: profit}
}

// ForceExit aborts an active extension, for a stop-loss or shutdown. It
// reports whether the machine was active.
func (g *GreedyTakeProfit) ForceExit(why string) bool {
	if g.active == nil {
		return false
	}
	g.log.Warnf("[Greedy TP] forced exit: %s", why)
	g.active = nil
	g.disarmed = true
	return true
}

// Reset returns the machine to Inactive for a fresh position.
func (g *GreedyTakeProfit) Reset() {
	g.active = nil
	g.exited = ExitNone
	g.disarmed = false
}
