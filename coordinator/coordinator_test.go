package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"position_guard/exchange"
	"position_guard/logs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const symbol = "XRPUSDT"

func newTestCoordinator(t *testing.T, timeout time.Duration, autoPublish bool) (*Coordinator, *exchange.SimClient) {
	t.Helper()
	sim := exchange.NewSimClient(symbol, 1000, 0.0001, logs.Discard())
	sim.SetQuote(1.8499, 1.8501, 1.85)
	sim.SetAutoPublish(autoPublish)
	c := New(sim, symbol, NewLocks(), timeout, logs.Discard())
	require.NoError(t, sim.WatchOrders(context.Background(), c.Reconcile))
	return c, sim
}

func stopRequest() exchange.OrderRequest {
	return exchange.StopMarketOrder(symbol, exchange.Sell, 10, 1.80)
}

func TestPlace_LockedKindIsNoOp(t *testing.T) {
	c, sim := newTestCoordinator(t, time.Hour, false)
	ctx := context.Background()

	_, err := c.Place(ctx, KindStop, stopRequest())
	require.NoError(t, err)
	assert.True(t, c.IsLocked(KindStop))

	_, err = c.Place(ctx, KindStop, stopRequest())
	assert.ErrorIs(t, err, ErrKindLocked)
	assert.Equal(t, 1, sim.CountCalls(exchange.OpCreate, exchange.StopMarket))

	_, err = c.Place(ctx, KindTrailing, exchange.TrailingStopOrder(symbol, exchange.Sell, 10, 1.9, 1))
	assert.NoError(t, err, "other kinds are independent")
}

func TestPlace_FailureReleasesLockForRetry(t *testing.T) {
	c, sim := newTestCoordinator(t, time.Hour, false)
	sim.FailNext(exchange.OpCreate, errors.New("connection reset"))

	_, err := c.Place(context.Background(), KindStop, stopRequest())
	require.Error(t, err)
	assert.False(t, c.IsLocked(KindStop))

	_, err = c.Place(context.Background(), KindStop, stopRequest())
	assert.NoError(t, err)
}

func TestReconcile_LockFollowsMatchedOrderStatus(t *testing.T) {
	tests := []struct {
		name   string
		status exchange.OrderStatus
		locked bool
	}{
		{"new", exchange.New, true},
		{"partially filled", exchange.PartiallyFilled, true},
		{"filled", exchange.Filled, false},
		{"canceled", exchange.Canceled, false},
		{"expired", exchange.Expired, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCoordinator(t, time.Hour, false)
			ack, err := c.Place(context.Background(), KindStop, stopRequest())
			require.NoError(t, err)

			c.Reconcile(exchange.OrderSnapshot{
				Orders:    []exchange.Order{{Symbol: symbol, OrderID: ack.OrderID, Status: tt.status}},
				EventTime: time.Now().Add(time.Second),
			})
			assert.Equal(t, tt.locked, c.IsLocked(KindStop))
		})
	}
}

func TestReconcile_MissingStopClearsLockWithoutTimer(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Hour, false)
	_, err := c.Place(context.Background(), KindStop, stopRequest())
	require.NoError(t, err)
	require.True(t, c.IsLocked(KindStop))

	c.Reconcile(exchange.OrderSnapshot{EventTime: time.Now().Add(time.Second)})
	assert.False(t, c.IsLocked(KindStop))
}

func TestReconcile_StaleSnapshotDoesNotClearPending(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Hour, false)
	before := time.Now().Add(-time.Second)
	_, err := c.Place(context.Background(), KindStop, stopRequest())
	require.NoError(t, err)

	c.Reconcile(exchange.OrderSnapshot{EventTime: before})
	assert.True(t, c.IsLocked(KindStop))
}

func TestReconcile_MatchesByClientIDBeforeAck(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Hour, false)
	require.True(t, c.locks.acquire(KindStop, &Pending{ClientOrderID: "cid-1", PlacedAt: time.Now()}))

	c.Reconcile(exchange.OrderSnapshot{
		Orders:    []exchange.Order{{Symbol: symbol, OrderID: 9, ClientOrderID: "cid-1", Status: exchange.New}},
		EventTime: time.Now().Add(time.Second),
	})
	require.True(t, c.IsLocked(KindStop))
	assert.Equal(t, int64(9), c.PendingOrderID(KindStop))
}

func TestPlace_MarketFillUnlocksThroughOrderStream(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Hour, true)
	_, err := c.Place(context.Background(), KindMarket, exchange.MarketOrder(symbol, exchange.Buy, 10, false))
	require.NoError(t, err)
	assert.False(t, c.IsLocked(KindMarket))
}

func TestCancel_TwiceOnResolvedOrder(t *testing.T) {
	c, sim := newTestCoordinator(t, time.Hour, false)
	ctx := context.Background()
	ack, err := c.Place(ctx, KindStop, stopRequest())
	require.NoError(t, err)

	assert.NoError(t, c.Cancel(ctx, ack.OrderID))
	assert.False(t, c.IsLocked(KindStop))
	assert.NoError(t, c.Cancel(ctx, ack.OrderID), "second cancel hits an unknown order")
	assert.Equal(t, 2, sim.CountCalls(exchange.OpCancel, ""))
}

func TestCancel_TransientErrorKeepsLock(t *testing.T) {
	c, sim := newTestCoordinator(t, time.Hour, false)
	ctx := context.Background()
	ack, err := c.Place(ctx, KindStop, stopRequest())
	require.NoError(t, err)

	sim.FailNext(exchange.OpCancel, errors.New("timeout"))
	assert.Error(t, c.Cancel(ctx, ack.OrderID))
	assert.True(t, c.IsLocked(KindStop))
}

func TestCancelAll_ClearsEveryKind(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Hour, false)
	ctx := context.Background()
	_, err := c.Place(ctx, KindStop, stopRequest())
	require.NoError(t, err)
	_, err = c.Place(ctx, KindLimitBuy, exchange.LimitOrder(symbol, exchange.Buy, 1, 1.7, false))
	require.NoError(t, err)
	require.Len(t, c.States(), 2)

	require.NoError(t, c.CancelAll(ctx))
	assert.Empty(t, c.States())
}

func TestTimer_ForcesUnlockWhenNoSnapshotArrives(t *testing.T) {
	c, _ := newTestCoordinator(t, 20*time.Millisecond, false)
	_, err := c.Place(context.Background(), KindStop, stopRequest())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !c.IsLocked(KindStop) }, time.Second, 5*time.Millisecond)
}

func TestTimer_DisarmedOnceConfirmed(t *testing.T) {
	c, _ := newTestCoordinator(t, 20*time.Millisecond, true)
	_, err := c.Place(context.Background(), KindStop, stopRequest())
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.True(t, c.IsLocked(KindStop), "a resting, confirmed stop keeps its kind locked")
}

func TestAdopt_LocksOntoLiveOrder(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Hour, false)
	assert.True(t, c.Adopt(KindStop, exchange.Order{OrderID: 5, Status: exchange.New}))
	assert.False(t, c.Adopt(KindStop, exchange.Order{OrderID: 6}))
	assert.Equal(t, int64(5), c.PendingOrderID(KindStop))
}

func TestPlace_AckRecordsOrderID(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Hour, false)
	ack, err := c.Place(context.Background(), KindStop, stopRequest())
	require.NoError(t, err)
	assert.Equal(t, ack.OrderID, c.PendingOrderID(KindStop))
}

func TestLocks_AckIgnoresReplacedMarker(t *testing.T) {
	l := NewLocks()
	old := &Pending{ClientOrderID: "a"}
	require.True(t, l.acquire(KindStop, old))
	require.True(t, l.releaseIf(KindStop, old))

	cur := &Pending{ClientOrderID: "b"}
	require.True(t, l.acquire(KindStop, cur))
	assert.False(t, l.ack(KindStop, old, 7), "a late ack of a released placement is dropped")
	assert.Zero(t, l.orderID(KindStop))

	assert.True(t, l.ack(KindStop, cur, 8))
	assert.Equal(t, int64(8), l.orderID(KindStop))

	l.releaseOrders(8)
	assert.False(t, l.IsLocked(KindStop))
}

func TestLocks_ExpireSkipsConfirmed(t *testing.T) {
	l := NewLocks()
	p := &Pending{ClientOrderID: "a", Confirmed: true}
	require.True(t, l.acquire(KindStop, p))
	assert.False(t, l.expire(KindStop, p))
	assert.True(t, l.IsLocked(KindStop))

	assert.True(t, l.beginCancel(3))
	assert.False(t, l.beginCancel(3), "a cancel of the same id is already running")
	l.endCancel(3)
	assert.True(t, l.beginCancel(3))
}
