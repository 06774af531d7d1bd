package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// StreamConfig tunes reconnect behaviour of market streams.
type StreamConfig struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	KlineHistory   int
}

// DefaultStreamConfig backs off 1s, 2s, 4s... up to 30s.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    60 * time.Second,
		KlineHistory:   100,
	}
}

// Streamer delivers public market data from the futures websocket endpoint.
// Every Watch call owns one connection and reconnects on its own.
type Streamer struct {
	wsURL   string
	restURL string
	cfg     StreamConfig
	dialer  *websocket.Dialer
	http    *http.Client
	log     logrus.FieldLogger
}

// NewStreamer creates a streamer. restURL is used once per kline watch to seed history.
func NewStreamer(wsURL, restURL string, cfg StreamConfig, log logrus.FieldLogger) *Streamer {
	return &Streamer{
		wsURL:   strings.TrimRight(wsURL, "/"),
		restURL: strings.TrimRight(restURL, "/"),
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		http:    &http.Client{Timeout: cfg.ConnectTimeout},
		log:     log,
	}
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthEvent struct {
	EventTime int64       `json:"E"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

type tickerEvent struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
}

type markPriceEvent struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

type klineEvent struct {
	EventTime int64 `json:"E"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// WatchDepth streams the top 5 levels of the book every 100ms.
func (s *Streamer) WatchDepth(ctx context.Context, symbol string, cb func(Depth)) error {
	stream := strings.ToLower(symbol) + "@depth5@100ms"
	go s.run(ctx, []string{stream}, func(_ string, data []byte) {
		var ev depthEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warnf("[Stream] bad depth payload: %v", err)
			return
		}
		cb(Depth{
			Symbol:    symbol,
			Bids:      parseLevels(ev.Bids),
			Asks:      parseLevels(ev.Asks),
			EventTime: time.UnixMilli(ev.EventTime),
		})
	})
	return nil
}

// WatchTicker merges the 24h ticker (last price) and mark price streams.
func (s *Streamer) WatchTicker(ctx context.Context, symbol string, cb func(Ticker)) error {
	lower := strings.ToLower(symbol)
	tickerStream := lower + "@ticker"
	markStream := lower + "@markPrice@1s"

	var mu sync.Mutex
	current := Ticker{Symbol: symbol}
	go s.run(ctx, []string{tickerStream, markStream}, func(stream string, data []byte) {
		mu.Lock()
		switch stream {
		case tickerStream:
			var ev tickerEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				mu.Unlock()
				return
			}
			current.LastPrice = parseFloat(ev.LastPrice)
			current.EventTime = time.UnixMilli(ev.EventTime)
		case markStream:
			var ev markPriceEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				mu.Unlock()
				return
			}
			current.MarkPrice = parseFloat(ev.MarkPrice)
			current.EventTime = time.UnixMilli(ev.EventTime)
		}
		t := current
		mu.Unlock()
		if t.LastPrice > 0 {
			cb(t)
		}
	})
	return nil
}

// WatchKlines seeds a rolling candle window over REST, then keeps it current
// from the kline stream. cb always receives the full window, oldest first.
func (s *Streamer) WatchKlines(ctx context.Context, symbol, interval string, cb func([]Kline)) error {
	history, err := s.fetchKlines(ctx, symbol, interval, s.cfg.KlineHistory)
	if err != nil {
		s.log.Warnf("[Stream] kline history unavailable, starting empty: %v", err)
	}
	if len(history) > 0 {
		cb(append([]Kline(nil), history...))
	}

	stream := strings.ToLower(symbol) + "@kline_" + interval
	var mu sync.Mutex
	go s.run(ctx, []string{stream}, func(_ string, data []byte) {
		var ev klineEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		k := Kline{
			OpenTime:  time.UnixMilli(ev.Kline.OpenTime),
			Open:      parseFloat(ev.Kline.Open),
			High:      parseFloat(ev.Kline.High),
			Low:       parseFloat(ev.Kline.Low),
			Close:     parseFloat(ev.Kline.Close),
			Volume:    parseFloat(ev.Kline.Volume),
			CloseTime: time.UnixMilli(ev.Kline.CloseTime),
			Closed:    ev.Kline.Closed,
		}
		mu.Lock()
		history = mergeKline(history, k, s.cfg.KlineHistory)
		out := append([]Kline(nil), history...)
		mu.Unlock()
		cb(out)
	})
	return nil
}

// mergeKline replaces the candle with the same open time or appends a new one,
// keeping at most limit candles.
func mergeKline(window []Kline, k Kline, limit int) []Kline {
	if n := len(window); n > 0 && window[n-1].OpenTime.Equal(k.OpenTime) {
		window[n-1] = k
		return window
	}
	window = append(window, k)
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}
	return window
}

// run keeps one combined-stream connection alive until ctx is done.
func (s *Streamer) run(ctx context.Context, streams []string, handle func(stream string, data []byte)) {
	endpoint := fmt.Sprintf("%s/stream?streams=%s", s.wsURL, strings.Join(streams, "/"))
	delay := s.cfg.InitialDelay
	for {
		err := s.consume(ctx, endpoint, handle, func() { delay = s.cfg.InitialDelay })
		if ctx.Err() != nil {
			return
		}
		s.log.Warnf("[Stream] %s disconnected: %v, reconnecting in %s", strings.Join(streams, ","), err, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}
	}
}

func (s *Streamer) consume(ctx context.Context, endpoint string, handle func(string, []byte), onConnect func()) error {
	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	onConnect()
	s.log.Debugf("[Stream] connected: %s", endpoint)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var msg combinedMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Stream == "" {
			continue
		}
		handle(msg.Stream, msg.Data)
	}
}

func (s *Streamer) fetchKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if s.restURL == "" || limit <= 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.restURL+"/fapi/v1/klines?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("klines: HTTP %d", resp.StatusCode)
	}

	var rows [][]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("klines: %w", err)
	}
	out := make([]Kline, 0, len(rows))
	now := time.Now()
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		k := Kline{
			OpenTime:  time.UnixMilli(int64(asFloat(row[0]))),
			Open:      asFloat(row[1]),
			High:      asFloat(row[2]),
			Low:       asFloat(row[3]),
			Close:     asFloat(row[4]),
			Volume:    asFloat(row[5]),
			CloseTime: time.UnixMilli(int64(asFloat(row[6]))),
		}
		k.Closed = k.CloseTime.Before(now)
		out = append(out, k)
	}
	return out, nil
}

func parseLevels(raw [][2]string) []PriceLevel {
	levels := make([]PriceLevel, 0, len(raw))
	for _, l := range raw {
		levels = append(levels, PriceLevel{Price: parseFloat(l[0]), Quantity: parseFloat(l[1])})
	}
	return levels
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		return parseFloat(t)
	}
	return 0
}
