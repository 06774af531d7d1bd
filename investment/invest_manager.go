// investment/invest_manager.go
package investment

import (
	"math"

	"github.com/sirupsen/logrus"
)

// Manager caps the notional a single entry may commit.
type Manager struct {
	investmentLimit float64
	isLimitExceeded bool
	log             logrus.FieldLogger
}

// NewManager creates a new investment manager. A limit of zero or less disables the cap.
func NewManager(limit float64, log logrus.FieldLogger) *Manager {
	return &Manager{
		investmentLimit: limit,
		log:             log,
	}
}

// CheckEntry reports whether opening qty at price stays under the cap and
// updates the halted flag. Only changes of the flag are logged.
func (m *Manager) CheckEntry(qty, price float64) bool {
	if m.investmentLimit <= 0 {
		if m.isLimitExceeded {
			m.isLimitExceeded = false
			m.log.Info("[Investment] notional cap removed, entries resumed")
		}
		return true
	}

	notional := math.Abs(qty * price)
	if notional > m.investmentLimit {
		if !m.isLimitExceeded {
			m.log.Warnf("[Investment] entry notional %.4f USDT exceeds cap %.4f USDT, new entries paused",
				notional, m.investmentLimit)
		}
		m.isLimitExceeded = true
		return false
	}
	if m.isLimitExceeded {
		m.log.Infof("[Investment] entry notional %.4f USDT back under cap %.4f USDT, entries resumed",
			notional, m.investmentLimit)
	}
	m.isLimitExceeded = false
	return true
}

// IsTradingHalted returns whether new entries are paused.
func (m *Manager) IsTradingHalted() bool {
	return m.isLimitExceeded
}
