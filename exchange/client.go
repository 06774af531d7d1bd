// exchange/client.go
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"position_guard/utils"

	"github.com/sirupsen/logrus"
)

var _ Adapter = (*APIClient)(nil)

// APIClient talks to the Binance USDT-M futures REST API. Mutations are signed
// REST calls; account and order watches poll REST, market data comes from the
// websocket Streamer.
type APIClient struct {
	ApiKey       string
	ApiSecret    string
	BaseURL      string
	Http         *http.Client
	timeOffset   int64
	recvWindow   int64
	pollInterval time.Duration
	priceTick    float64
	qtyStep      float64
	stream       *Streamer
	log          logrus.FieldLogger
	mu           sync.Mutex
	tracked      map[int64]string
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type rawOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	StopPrice     string `json:"stopPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	ClosePosition bool   `json:"closePosition"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r rawOrder) toOrder() Order {
	return Order{
		Symbol:        r.Symbol,
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Side:          OrderSide(r.Side),
		Type:          OrderType(r.Type),
		Price:         parseFloat(r.Price),
		StopPrice:     parseFloat(r.StopPrice),
		Quantity:      parseFloat(r.OrigQty),
		ExecutedQty:   parseFloat(r.ExecutedQty),
		AvgPrice:      parseFloat(r.AvgPrice),
		Status:        OrderStatus(r.Status),
		ReduceOnly:    r.ReduceOnly,
		ClosePosition: r.ClosePosition,
		UpdateTime:    time.UnixMilli(r.UpdateTime),
	}
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
}

type accountInfo struct {
	TotalWalletBalance string `json:"totalWalletBalance"`
	AvailableBalance   string `json:"availableBalance"`
	UpdateTime         int64  `json:"updateTime"`
}

type serverTime struct {
	ServerTime int64 `json:"serverTime"`
}

// NewAPIClient creates a new API client instance.
func NewAPIClient(apiKey, apiSecret, baseURL string, timeoutSeconds, recvWindowSeconds int, log logrus.FieldLogger) *APIClient {
	return &APIClient{
		ApiKey:       apiKey,
		ApiSecret:    apiSecret,
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Http:         &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		recvWindow:   int64(recvWindowSeconds * 1000),
		pollInterval: time.Second,
		log:          log,
		tracked:      make(map[int64]string),
	}
}

// SetPrecision sets the price tick and quantity step used to format order parameters.
func (c *APIClient) SetPrecision(priceTick, qtyStep float64) {
	c.priceTick = priceTick
	c.qtyStep = qtyStep
}

// SetPollInterval sets how often account and order watches poll REST.
func (c *APIClient) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// SetStreamer attaches the websocket market-data source.
func (c *APIClient) SetStreamer(s *Streamer) {
	c.stream = s
}

// SyncTime synchronizes time with the Binance server and records the offset.
func (c *APIClient) SyncTime(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/fapi/v1/time", nil)
	if err != nil {
		return fmt.Errorf("failed to create time request: %w", err)
	}
	resp, err := c.Http.Do(req)
	if err != nil {
		return fmt.Errorf("unable to get server time: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read time response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("get server time API error: HTTP %d, body: %s", resp.StatusCode, string(body))
	}

	var st serverTime
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("failed to parse server time JSON: %w, body: %s", err, string(body))
	}

	c.mu.Lock()
	c.timeOffset = st.ServerTime - time.Now().UnixMilli()
	offset := c.timeOffset
	c.mu.Unlock()
	c.log.Infof("[API Client] Time synchronization completed, local vs server difference: %d ms", offset)
	return nil
}

// sendRequest signs, sends and decodes one request. All parameters travel in
// the query string so the signature covers exactly what is sent.
func (c *APIClient) sendRequest(ctx context.Context, method, endpoint string, params url.Values, target interface{}) error {
	c.mu.Lock()
	timestamp := time.Now().UnixMilli() + c.timeOffset
	c.mu.Unlock()

	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))

	queryString := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.ApiSecret))
	_, _ = mac.Write([]byte(queryString))
	signature := hex.EncodeToString(mac.Sum(nil))
	fullURL := fmt.Sprintf("%s%s?%s&signature=%s", c.BaseURL, endpoint, queryString, signature)

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if method == http.MethodPost || method == http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-MBX-APIKEY", c.ApiKey)

	resp, err := c.Http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp binanceError
		if json.Unmarshal(body, &errResp) == nil && errResp.Code != 0 {
			return &APIError{Code: errResp.Code, Msg: errResp.Msg}
		}
		return fmt.Errorf("API error: HTTP %d, body: %s", resp.StatusCode, string(body))
	}

	if target != nil {
		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("failed to decode JSON: %w, body: %s", err, string(body))
		}
	}
	return nil
}

// CreateOrder submits a new order to the exchange.
func (c *APIClient) CreateOrder(ctx context.Context, r OrderRequest) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", r.Symbol)
	params.Set("side", string(r.Side))
	params.Set("type", string(r.Type))
	params.Set("quantity", utils.FormatToStep(r.Quantity, c.qtyStep))

	switch r.Type {
	case Limit:
		params.Set("timeInForce", "GTC")
		params.Set("price", utils.FormatToStep(r.Price, c.priceTick))
	case StopMarket:
		params.Set("stopPrice", utils.FormatToStep(r.StopPrice, c.priceTick))
		params.Set("workingType", "MARK_PRICE")
	case TrailingStopMarket:
		if r.ActivationPrice > 0 {
			params.Set("activationPrice", utils.FormatToStep(r.ActivationPrice, c.priceTick))
		}
		params.Set("callbackRate", strconv.FormatFloat(r.CallbackRate, 'f', 1, 64))
	}
	if r.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if r.ClientOrderID != "" {
		params.Set("newClientOrderId", r.ClientOrderID)
	}

	var placed rawOrder
	if err := c.sendRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &placed); err != nil {
		return nil, err
	}
	order := placed.toOrder()
	c.mu.Lock()
	c.tracked[order.OrderID] = order.Symbol
	c.mu.Unlock()
	return &order, nil
}

// CancelOrder cancels one active order.
func (c *APIClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	return c.sendRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, nil)
}

// CancelOrders cancels a batch of orders. The exchange answers per order; the
// first non-benign failure is returned, unknown orders are skipped.
func (c *APIClient) CancelOrders(ctx context.Context, symbol string, orderIDs []int64) error {
	if len(orderIDs) == 0 {
		return nil
	}
	for start := 0; start < len(orderIDs); start += 10 {
		end := start + 10
		if end > len(orderIDs) {
			end = len(orderIDs)
		}
		ids, _ := json.Marshal(orderIDs[start:end])
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("orderIdList", string(ids))

		var results []json.RawMessage
		if err := c.sendRequest(ctx, http.MethodDelete, "/fapi/v1/batchOrders", params, &results); err != nil {
			return err
		}
		for _, raw := range results {
			var e binanceError
			if json.Unmarshal(raw, &e) == nil && e.Code != 0 {
				apiErr := &APIError{Code: e.Code, Msg: e.Msg}
				if !IsUnknownOrder(apiErr) {
					return apiErr
				}
			}
		}
	}
	return nil
}

// CancelAllOrders cancels all open orders for symbol.
func (c *APIClient) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	return c.sendRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, nil)
}

// FetchOpenOrders returns all open orders of the account.
func (c *APIClient) FetchOpenOrders(ctx context.Context) ([]Order, error) {
	var raws []rawOrder
	if err := c.sendRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", url.Values{}, &raws); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(raws))
	for _, r := range raws {
		orders = append(orders, r.toOrder())
	}
	return orders, nil
}

// FetchOrder queries one order by id.
func (c *APIClient) FetchOrder(ctx context.Context, symbol string, orderID int64) (Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	var raw rawOrder
	if err := c.sendRequest(ctx, http.MethodGet, "/fapi/v1/order", params, &raw); err != nil {
		return Order{}, err
	}
	return raw.toOrder(), nil
}

// resolveVanished looks up orders we placed that are no longer open, so the
// snapshot reports their final status exactly once.
func (c *APIClient) resolveVanished(ctx context.Context, open []Order) []Order {
	live := make(map[int64]bool, len(open))
	for _, o := range open {
		live[o.OrderID] = true
	}
	c.mu.Lock()
	var gone []int64
	symbols := make(map[int64]string)
	for id, sym := range c.tracked {
		if !live[id] {
			gone = append(gone, id)
			symbols[id] = sym
		}
	}
	c.mu.Unlock()

	var out []Order
	for _, id := range gone {
		o, err := c.FetchOrder(ctx, symbols[id], id)
		if err != nil {
			if IsUnknownOrder(err) {
				c.untrack(id)
			}
			continue
		}
		if o.Status.IsTerminal() {
			out = append(out, o)
			c.untrack(id)
		}
	}
	return out
}

func (c *APIClient) untrack(id int64) {
	c.mu.Lock()
	delete(c.tracked, id)
	c.mu.Unlock()
}

// FetchAccount returns balances and all non-zero positions.
func (c *APIClient) FetchAccount(ctx context.Context) (AccountSnapshot, error) {
	var info accountInfo
	if err := c.sendRequest(ctx, http.MethodGet, "/fapi/v2/account", url.Values{}, &info); err != nil {
		return AccountSnapshot{}, err
	}
	var risks []positionRisk
	if err := c.sendRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &risks); err != nil {
		return AccountSnapshot{}, err
	}

	snap := AccountSnapshot{
		WalletBalance:    parseFloat(info.TotalWalletBalance),
		AvailableBalance: parseFloat(info.AvailableBalance),
		UpdateTime:       time.UnixMilli(info.UpdateTime),
	}
	for _, p := range risks {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		snap.Positions = append(snap.Positions, Position{
			Symbol:           p.Symbol,
			Amount:           amt,
			EntryPrice:       parseFloat(p.EntryPrice),
			MarkPrice:        parseFloat(p.MarkPrice),
			UnrealizedProfit: parseFloat(p.UnrealizedProfit),
		})
	}
	return snap, nil
}

// WatchAccount polls the account and pushes every snapshot until ctx is done.
func (c *APIClient) WatchAccount(ctx context.Context, cb func(AccountSnapshot)) error {
	go c.poll(ctx, "account", func() error {
		snap, err := c.FetchAccount(ctx)
		if err != nil {
			return err
		}
		cb(snap)
		return nil
	})
	return nil
}

// WatchOrders polls open orders and pushes every snapshot until ctx is done.
func (c *APIClient) WatchOrders(ctx context.Context, cb func(OrderSnapshot)) error {
	go c.poll(ctx, "orders", func() error {
		requested := time.Now()
		orders, err := c.FetchOpenOrders(ctx)
		if err != nil {
			return err
		}
		orders = append(orders, c.resolveVanished(ctx, orders)...)
		cb(OrderSnapshot{Orders: orders, EventTime: requested})
		return nil
	})
	return nil
}

// WatchDepth delegates to the websocket streamer.
func (c *APIClient) WatchDepth(ctx context.Context, symbol string, cb func(Depth)) error {
	if c.stream == nil {
		return fmt.Errorf("market stream not configured")
	}
	return c.stream.WatchDepth(ctx, symbol, cb)
}

// WatchTicker delegates to the websocket streamer.
func (c *APIClient) WatchTicker(ctx context.Context, symbol string, cb func(Ticker)) error {
	if c.stream == nil {
		return fmt.Errorf("market stream not configured")
	}
	return c.stream.WatchTicker(ctx, symbol, cb)
}

// WatchKlines delegates to the websocket streamer.
func (c *APIClient) WatchKlines(ctx context.Context, symbol, interval string, cb func([]Kline)) error {
	if c.stream == nil {
		return fmt.Errorf("market stream not configured")
	}
	return c.stream.WatchKlines(ctx, symbol, interval, cb)
}

func (c *APIClient) poll(ctx context.Context, name string, fn func() error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		if err := fn(); err != nil && ctx.Err() == nil {
			c.log.Warnf("[API Client] %s poll failed: %v", name, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
