package paper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

const (
	defaultBinanceWS   = "wss://stream.binance.com:9443/ws"
	defaultBinanceREST = "https://api.binance.com"
	binanceKlineLimit  = 1000
	binanceReadTimeout = time.Minute
)

// BinanceFeed streams best bid/ask from the public Binance bookTicker stream
// and reads history from the public klines endpoint. No credentials needed.
type BinanceFeed struct {
	StreamURL string
	RESTURL   string
	dialer    *websocket.Dialer
	http      *http.Client
}

// NewBinanceFeed builds a feed; empty URLs select Binance production.
func NewBinanceFeed(streamURL, restURL string) *BinanceFeed {
	if streamURL == "" {
		streamURL = defaultBinanceWS
	}
	if restURL == "" {
		restURL = defaultBinanceREST
	}
	return &BinanceFeed{
		StreamURL: strings.TrimRight(streamURL, "/"),
		RESTURL:   strings.TrimRight(restURL, "/"),
		dialer:    websocket.DefaultDialer,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies the feed.
func (f *BinanceFeed) Name() string { return "binance" }

// binanceSymbol converts "BTC/USDT" or "btc-usdt" to "BTCUSDT".
func binanceSymbol(asset string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "", "_", "").Replace(strings.TrimSpace(asset)))
}

// Subscribe opens <symbol>@bookTicker and emits mid-price ticks.
func (f *BinanceFeed) Subscribe(ctx context.Context, asset string, sink func(market.Tick), onErr func(error)) (func(), error) {
	// Binance requires lowercase symbols for websocket streams.
	u := fmt.Sprintf("%s/%s@bookTicker", f.StreamURL, strings.ToLower(binanceSymbol(asset)))
	conn, _, err := f.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial binance ws: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			// Ignore errors; connection may already be closed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		defer stop()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(binanceReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if onErr != nil {
					onErr(fmt.Errorf("binance ws read: %w", err))
				}
				return
			}
			tick, err := parseBookTicker(msg)
			if err != nil {
				continue
			}
			tick.Symbol = asset
			sink(tick)
		}
	}()
	return stop, nil
}

func parseBookTicker(msg []byte) (market.Tick, error) {
	var raw struct {
		Symbol string `json:"s"`
		Bid    string `json:"b"`
		BidQty string `json:"B"`
		Ask    string `json:"a"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return market.Tick{}, err
	}
	bid, err := strconv.ParseFloat(raw.Bid, 64)
	if err != nil {
		return market.Tick{}, err
	}
	ask, err := strconv.ParseFloat(raw.Ask, 64)
	if err != nil {
		return market.Tick{}, err
	}
	if bid <= 0 || ask <= 0 {
		return market.Tick{}, errors.New("non-positive quote")
	}
	size, _ := strconv.ParseFloat(raw.BidQty, 64)
	return market.Tick{
		Symbol: raw.Symbol,
		Bid:    bid,
		Ask:    ask,
		Price:  (bid + ask) / 2,
		Size:   size,
		Time:   time.Now().UTC(),
	}, nil
}

// binanceInterval maps a bar size onto a kline interval.
func binanceInterval(size market.BarSize) (string, error) {
	switch size.Duration() {
	case time.Minute:
		return "1m", nil
	case 3 * time.Minute:
		return "3m", nil
	case 5 * time.Minute:
		return "5m", nil
	case 15 * time.Minute:
		return "15m", nil
	case 30 * time.Minute:
		return "30m", nil
	case time.Hour:
		return "1h", nil
	case 2 * time.Hour:
		return "2h", nil
	case 4 * time.Hour:
		return "4h", nil
	case 6 * time.Hour:
		return "6h", nil
	case 8 * time.Hour:
		return "8h", nil
	case 12 * time.Hour:
		return "12h", nil
	case 24 * time.Hour:
		return "1d", nil
	case 3 * 24 * time.Hour:
		return "3d", nil
	case 7 * 24 * time.Hour:
		return "1w", nil
	}
	return "", fmt.Errorf("%w: %s has no Binance interval", market.ErrInvalidBarSize, size)
}

// History pages through closed klines in [from, to).
func (f *BinanceFeed) History(ctx context.Context, asset string, size market.BarSize, from, to time.Time) ([]market.Bar, error) {
	interval, err := binanceInterval(size)
	if err != nil {
		return nil, err
	}
	symbol := binanceSymbol(asset)
	now := time.Now()
	var out []market.Bar
	cursor := from
	for cursor.Before(to) {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("interval", interval)
		params.Set("limit", strconv.Itoa(binanceKlineLimit))
		params.Set("startTime", strconv.FormatInt(cursor.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(to.UnixMilli()-1, 10))

		rows, err := f.klines(ctx, params)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		var last time.Time
		for _, k := range rows {
			last = k.Time
			// Skip the kline still forming.
			if k.Time.Add(size.Duration()).After(now) || !k.Time.Before(to) {
				continue
			}
			out = append(out, k)
		}
		if len(rows) < binanceKlineLimit {
			break
		}
		cursor = last.Add(size.Duration())
	}
	return out, nil
}

func (f *BinanceFeed) klines(ctx context.Context, params url.Values) ([]market.Bar, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.RESTURL+"/api/v3/klines?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance klines status %d", res.StatusCode)
	}

	var raw [][]any
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, err
	}
	bars := make([]market.Bar, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline.
		if len(item) < 6 {
			continue
		}
		bars = append(bars, market.Bar{
			Time:   time.UnixMilli(toInt64(item[0])).UTC(),
			Open:   toFloat(item[1]),
			High:   toFloat(item[2]),
			Low:    toFloat(item[3]),
			Close:  toFloat(item[4]),
			Volume: toFloat(item[5]),
		})
	}
	return bars, nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		i, _ := strconv.ParseInt(t, 10, 64)
		return i
	default:
		return 0
	}
}
