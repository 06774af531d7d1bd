package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"position_guard/logs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUnknownOrder(t *testing.T) {
	assert.True(t, IsUnknownOrder(&APIError{Code: -2011, Msg: "Unknown order sent."}))
	assert.True(t, IsUnknownOrder(fmt.Errorf("cancel: %w", &APIError{Code: -2013})))
	assert.True(t, IsUnknownOrder(ErrUnknownOrder))
	assert.True(t, IsUnknownOrder(errors.New("Order does not exist.")))
	assert.False(t, IsUnknownOrder(&APIError{Code: -1021, Msg: "Timestamp outside recvWindow."}))
	assert.False(t, IsUnknownOrder(nil))
}

func newTestAPIClient(t *testing.T, handler http.HandlerFunc) *APIClient {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewAPIClient("key", "secret", srv.URL, 5, 5, logs.Discard())
	c.SetPrecision(0.0001, 0.1)
	return c
}

func TestAPIClient_CreateStopMarketSignsAndFormats(t *testing.T) {
	c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		q := r.URL.Query()
		assert.Equal(t, "STOP_MARKET", q.Get("type"))
		assert.Equal(t, "1.8234", q.Get("stopPrice"))
		assert.Equal(t, "12.3", q.Get("quantity"))
		assert.Equal(t, "true", q.Get("reduceOnly"))
		assert.Equal(t, "cid-1", q.Get("newClientOrderId"))
		assert.NotEmpty(t, q.Get("signature"))
		_, _ = w.Write([]byte(`{"symbol":"XRPUSDT","orderId":77,"clientOrderId":"cid-1","status":"NEW","type":"STOP_MARKET","side":"SELL","stopPrice":"1.8234","origQty":"12.3"}`))
	})

	req := StopMarketOrder("XRPUSDT", Sell, 12.34, 1.82341)
	req.ClientOrderID = "cid-1"
	o, err := c.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(77), o.OrderID)
	assert.Equal(t, StopMarket, o.Type)
	assert.InDelta(t, 1.8234, o.StopPrice, 1e-12)
}

func TestAPIClient_ErrorBodyBecomesAPIError(t *testing.T) {
	c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	})

	err := c.CancelOrder(context.Background(), "XRPUSDT", 5)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -2011, apiErr.Code)
	assert.True(t, IsUnknownOrder(err))
}

func TestAPIClient_BatchCancelSkipsUnknown(t *testing.T) {
	c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/batchOrders", r.URL.Path)
		assert.Equal(t, "[1,2]", r.URL.Query().Get("orderIdList"))
		_, _ = w.Write([]byte(`[{"orderId":1,"status":"CANCELED"},{"code":-2011,"msg":"Unknown order sent."}]`))
	})
	assert.NoError(t, c.CancelOrders(context.Background(), "XRPUSDT", []int64{1, 2}))
}

func TestAPIClient_FetchAccountKeepsNonZeroPositions(t *testing.T) {
	c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/account":
			_, _ = w.Write([]byte(`{"totalWalletBalance":"1000.5","availableBalance":"900"}`))
		case "/fapi/v2/positionRisk":
			_, _ = w.Write([]byte(`[{"symbol":"XRPUSDT","positionAmt":"-25","entryPrice":"1.85","markPrice":"1.84","unRealizedProfit":"0.25"},{"symbol":"BTCUSDT","positionAmt":"0"}]`))
		default:
			http.NotFound(w, r)
		}
	})

	snap, err := c.FetchAccount(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1000.5, snap.WalletBalance, 1e-9)
	require.Len(t, snap.Positions, 1)
	p := snap.Position("XRPUSDT")
	assert.Equal(t, -1, p.Direction())
	assert.InDelta(t, 25, p.Quantity(), 1e-9)
	assert.True(t, snap.Position("BTCUSDT").IsFlat())
}
