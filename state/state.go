// state/state.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"position_guard/fees"
	"position_guard/profit"

	"github.com/sirupsen/logrus"
)

// StateManagerInterface defines what the orchestrator persists between runs.
type StateManagerInterface interface {
	// GetFullState returns a deep copy of the persisted state for startup restore.
	GetFullState() AppState
	// UpdateFees replaces the persisted fee ledger.
	UpdateFees(records []fees.Record) error
	// UpdateTradeStats replaces the persisted trade statistics.
	UpdateTradeStats(stats profit.TradeStats) error
}

// AppState is the top-level structure persisted to the state file.
type AppState struct {
	Symbol     string            `json:"symbol"`
	FeeRecords []fees.Record     `json:"fee_records"`
	TradeStats profit.TradeStats `json:"trade_stats"`
	SavedAt    time.Time         `json:"saved_at"`
}

// StateManager is the file implementation of StateManagerInterface.
type StateManager struct {
	mu       sync.RWMutex
	filePath string
	state    *AppState
	log      logrus.FieldLogger
}

// NewStateManager loads existing state, or starts from an empty state if the
// file does not exist yet.
func NewStateManager(filePath, symbol string, log logrus.FieldLogger) (*StateManager, error) {
	sm := &StateManager{
		filePath: filePath,
		state: &AppState{
			Symbol:     symbol,
			FeeRecords: make([]fees.Record, 0),
			TradeStats: profit.TradeStats{ByReason: make(map[string]int)},
		},
		log: log,
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := sm.load(); err != nil {
		if os.IsNotExist(err) {
			log.Infof("[State] state file not found at %s, starting with a fresh state", filePath)
			if err := sm.save(); err != nil {
				return nil, fmt.Errorf("failed to create initial empty state file: %w", err)
			}
			return sm, nil
		}
		return nil, fmt.Errorf("failed to load initial state: %w", err)
	}
	if sm.state.Symbol != "" && sm.state.Symbol != symbol {
		return nil, fmt.Errorf("state file %s belongs to %s, not %s", filePath, sm.state.Symbol, symbol)
	}
	sm.state.Symbol = symbol
	if sm.state.TradeStats.ByReason == nil {
		sm.state.TradeStats.ByReason = make(map[string]int)
	}
	return sm, nil
}

// save performs an atomic write while holding the lock.
func (sm *StateManager) save() error {
	sm.state.SavedAt = time.Now()
	data, err := json.MarshalIndent(sm.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for saving: %w", err)
	}

	tmpFilePath := sm.filePath + ".tmp"
	if err := os.WriteFile(tmpFilePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write to temporary state file: %w", err)
	}
	return os.Rename(tmpFilePath, sm.filePath)
}

func (sm *StateManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, sm.state)
}

func (sm *StateManager) GetFullState() AppState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	copied := *sm.state
	copied.FeeRecords = append([]fees.Record(nil), sm.state.FeeRecords...)
	copied.TradeStats.ByReason = make(map[string]int, len(sm.state.TradeStats.ByReason))
	for k, v := range sm.state.TradeStats.ByReason {
		copied.TradeStats.ByReason[k] = v
	}
	return copied
}

func (sm *StateManager) UpdateFees(records []fees.Record) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.FeeRecords = append([]fees.Record(nil), records...)
	return sm.save()
}

func (sm *StateManager) UpdateTradeStats(stats profit.TradeStats) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.TradeStats = stats
	return sm.save()
}
