package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"position_guard/fees"
	"position_guard/logs"
	"position_guard/profit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateManager_CreatesFreshFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "XRPUSDT_state.json")
	sm, err := NewStateManager(path, "XRPUSDT", logs.Discard())
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err)
	st := sm.GetFullState()
	assert.Empty(t, st.FeeRecords)
	assert.Zero(t, st.TradeStats.Trades)
}

func TestStateManager_RoundTripAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "XRPUSDT_state.json")
	sm, err := NewStateManager(path, "XRPUSDT", logs.Discard())
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sm.UpdateFees([]fees.Record{{Timestamp: ts, Symbol: "XRPUSDT", Fee: 0.25, OrderID: 4}}))

	acc := profit.NewAccountant()
	acc.RecordClose(profit.CloseRecord{Reason: profit.ReasonTakeProfit, Direction: 1, Quantity: 10, EntryPrice: 1, ExitPrice: 1.1})
	require.NoError(t, sm.UpdateTradeStats(acc.Stats()))

	reopened, err := NewStateManager(path, "XRPUSDT", logs.Discard())
	require.NoError(t, err)
	st := reopened.GetFullState()
	require.Len(t, st.FeeRecords, 1)
	assert.True(t, ts.Equal(st.FeeRecords[0].Timestamp))
	assert.Equal(t, 1, st.TradeStats.Trades)
	assert.Equal(t, 1, st.TradeStats.ByReason[profit.ReasonTakeProfit])
	assert.NoFileExists(t, path+".tmp")
}

func TestStateManager_RejectsOtherSymbol(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	_, err := NewStateManager(path, "XRPUSDT", logs.Discard())
	require.NoError(t, err)

	_, err = NewStateManager(path, "BTCUSDT", logs.Discard())
	assert.Error(t, err)
}
