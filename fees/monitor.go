package fees

import (
	"sync"
	"time"

	"position_guard/config"
	"position_guard/exchange"
	"position_guard/utils"

	"github.com/sirupsen/logrus"
)

// Retention is how long ledger records are kept; older ones are purged lazily.
const Retention = 24 * time.Hour

const hourWindow = time.Hour

// Record is one immutable fee ledger entry.
type Record struct {
	Timestamp time.Time          `json:"timestamp"`
	Symbol    string             `json:"symbol"`
	Side      exchange.OrderSide `json:"side"`
	Quantity  float64            `json:"quantity"`
	Price     float64            `json:"price"`
	Fee       float64            `json:"fee"`
	OrderID   int64              `json:"order_id,omitempty"`
}

// Stats is the rolling fee summary against a wallet balance.
type Stats struct {
	HourlyFees  float64
	DailyFees   float64
	HourlyPct   float64
	DailyPct    float64
	HourlyCount int
	DailyCount  int
	Balance     float64
	ShouldStop  bool
}

// Limits are the circuit-breaker caps, in percent of balance. A zero cap is disabled.
type Limits struct {
	MaxHourlyPct float64
	MaxDailyPct  float64
}

// ShouldStopTrading reports whether the window ratios breach the caps.
func ShouldStopTrading(s Stats, l Limits) bool {
	if l.MaxHourlyPct > 0 && s.HourlyPct >= l.MaxHourlyPct-utils.Epsilon {
		return true
	}
	if l.MaxDailyPct > 0 && s.DailyPct >= l.MaxDailyPct-utils.Epsilon {
		return true
	}
	return false
}

// Monitor keeps the fee ledger of the running bot.
type Monitor struct {
	mu      sync.Mutex
	records []Record
	seen    map[int64]time.Time
	enabled bool
	feeRate float64
	limits  Limits
	now     func() time.Time
	log     logrus.FieldLogger
}

// New creates a monitor from the fee protection config.
func New(cfg *config.FeeProtectionConfig, log logrus.FieldLogger) *Monitor {
	m := &Monitor{
		seen: make(map[int64]time.Time),
		now:  time.Now,
		log:  log,
	}
	if cfg != nil {
		m.enabled = cfg.Enabled
		m.feeRate = cfg.FeeRate
		m.limits = Limits{MaxHourlyPct: cfg.MaxHourlyFeePct, MaxDailyPct: cfg.MaxDailyFeePct}
	}
	return m
}

// SetClock replaces the time source.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Record appends r to the ledger. A record carrying an already-seen order id is dropped.
func (m *Monitor) Record(r Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Timestamp.IsZero() {
		r.Timestamp = m.now()
	}
	if r.OrderID != 0 {
		if _, dup := m.seen[r.OrderID]; dup {
			return false
		}
		m.seen[r.OrderID] = r.Timestamp
	}
	m.records = append(m.records, r)
	m.purgeLocked()
	return true
}

// RecordFill turns a filled order into a ledger entry at the configured fee rate.
// The entry is stamped with the fill time when the order carries one.
func (m *Monitor) RecordFill(o exchange.Order) bool {
	if o.Status != exchange.Filled || o.ExecutedQty <= 0 {
		return false
	}
	price := o.AvgPrice
	if price <= 0 {
		price = o.Price
	}
	if price <= 0 {
		return false
	}
	fee := o.ExecutedQty * price * m.feeRate
	ok := m.Record(Record{
		Timestamp: o.UpdateTime,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Quantity:  o.ExecutedQty,
		Price:     price,
		Fee:       fee,
		OrderID:   o.OrderID,
	})
	if ok {
		m.log.Debugf("[Fee Monitor] order %d %s %.6f @ %.6f fee=%.6f", o.OrderID, o.Side, o.ExecutedQty, price, fee)
	}
	return ok
}

// Summary recomputes the 1h and 24h windows from the ledger.
func (m *Monitor) Summary(balance float64) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()

	now := m.now()
	st := Stats{Balance: balance}
	for _, r := range m.records {
		age := now.Sub(r.Timestamp)
		if age <= Retention {
			st.DailyFees += r.Fee
			st.DailyCount++
		}
		if age <= hourWindow {
			st.HourlyFees += r.Fee
			st.HourlyCount++
		}
	}
	if balance > 0 {
		st.HourlyPct = st.HourlyFees / balance * 100
		st.DailyPct = st.DailyFees / balance * 100
	}
	st.ShouldStop = m.enabled && ShouldStopTrading(st, m.limits)
	return st
}

// ShouldStop is Summary(balance).ShouldStop.
func (m *Monitor) ShouldStop(balance float64) bool {
	return m.Summary(balance).ShouldStop
}

// Records returns a copy of the ledger for persistence.
func (m *Monitor) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	return append([]Record(nil), m.records...)
}

// Restore loads persisted records, skipping those already expired.
func (m *Monitor) Restore(records []Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if r.OrderID != 0 {
			if _, dup := m.seen[r.OrderID]; dup {
				continue
			}
			m.seen[r.OrderID] = r.Timestamp
		}
		m.records = append(m.records, r)
	}
	m.purgeLocked()
	m.log.Infof("[Fee Monitor] restored %d fee records", len(m.records))
}

func (m *Monitor) purgeLocked() {
	cutoff := m.now().Add(-Retention)
	keep := m.records[:0]
	for _, r := range m.records {
		if !r.Timestamp.Before(cutoff) {
			keep = append(keep, r)
		}
	}
	m.records = keep
	for id, ts := range m.seen {
		if ts.Before(cutoff) {
			delete(m.seen, id)
		}
	}
}
