// risk/manager.go
package risk

import (
	"math"
	"sync"

	"position_guard/config"
	"position_guard/utils"

	"github.com/sirupsen/logrus"
)

// Params are the effective protection distances, in quote currency, for the
// current position.
type Params struct {
	LossLimit         float64
	TrailingProfit    float64
	ProfitLockTrigger float64
	ProfitLockOffset  float64
	IsDynamic         bool
	ReferencePrice    float64
}

// Manager yields the risk parameters for a position of qty at price.
type Manager interface {
	Params(qty, price float64) Params
}

// NewManager returns the dynamic manager when enabled, else the static one.
func NewManager(cfg *config.Config, log logrus.FieldLogger) Manager {
	if cfg.DynamicRisk != nil && cfg.DynamicRisk.Enabled {
		return NewDynamicManager(cfg.DynamicRisk, log)
	}
	return NewStaticManager(cfg.Risk)
}

// StaticManager returns the configured absolute thresholds.
type StaticManager struct {
	params Params
}

// NewStaticManager creates a manager from absolute config values.
func NewStaticManager(cfg *config.RiskConfig) *StaticManager {
	return &StaticManager{params: Params{
		LossLimit:         cfg.LossLimit,
		TrailingProfit:    cfg.TrailingProfit,
		ProfitLockTrigger: cfg.ProfitLockTriggerUSD,
		ProfitLockOffset:  cfg.ProfitLockOffsetUSD,
	}}
}

func (m *StaticManager) Params(_, price float64) Params {
	p := m.params
	p.ReferencePrice = price
	return p
}

// DynamicManager expresses every threshold as a percentage of position
// notional. Values are recomputed on first use, when the quantity changes, and
// when the price has moved at least RecomputeThresholdPct since the last
// recompute; otherwise the previous values are returned unchanged.
type DynamicManager struct {
	mu         sync.Mutex
	cfg        config.DynamicRiskConfig
	current    Params
	lastQty    float64
	computed   bool
	recomputes int
	log        logrus.FieldLogger
}

// NewDynamicManager creates a dynamic manager.
func NewDynamicManager(cfg *config.DynamicRiskConfig, log logrus.FieldLogger) *DynamicManager {
	return &DynamicManager{cfg: *cfg, log: log}
}

func (m *DynamicManager) Params(qty, price float64) Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qty <= 0 || price <= 0 {
		return m.current
	}
	if m.computed && utils.FloatEquals(qty, m.lastQty) && !m.movedLocked(price) {
		return m.current
	}

	notional := qty * price
	pct := func(p float64) float64 {
		return utils.RoundToPrecision(notional*p/100, m.cfg.Precision)
	}
	m.current = Params{
		LossLimit:         pct(m.cfg.LossLimitPct),
		TrailingProfit:    pct(m.cfg.TrailingProfitPct),
		ProfitLockTrigger: pct(m.cfg.ProfitLockTriggerPct),
		ProfitLockOffset:  pct(m.cfg.ProfitLockOffsetPct),
		IsDynamic:         true,
		ReferencePrice:    price,
	}
	m.lastQty = qty
	m.computed = true
	m.recomputes++
	m.log.WithFields(logrus.Fields{
		"price":      price,
		"notional":   notional,
		"loss_limit": m.current.LossLimit,
	}).Debug("[Dynamic Risk] parameters recomputed")
	return m.current
}

func (m *DynamicManager) movedLocked(price float64) bool {
	ref := m.current.ReferencePrice
	if ref <= 0 {
		return true
	}
	return math.Abs(price-ref)/ref*100 >= m.cfg.RecomputeThresholdPct-utils.Epsilon
}

// Recomputes reports how many times the parameters were recomputed.
func (m *DynamicManager) Recomputes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recomputes
}

// Reset forgets the last computation; the next call recomputes.
func (m *DynamicManager) Reset() {
	m.mu.Lock()
	m.computed = false
	m.mu.Unlock()
}
