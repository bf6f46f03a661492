package paper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

// manualFeed lets tests push ticks by hand.
type manualFeed struct {
	mu    sync.Mutex
	sinks map[string]func(market.Tick)
	onErr func(error)
}

func newManualFeed() *manualFeed { return &manualFeed{sinks: map[string]func(market.Tick){}} }

func (f *manualFeed) Name() string { return "manual" }

func (f *manualFeed) Subscribe(_ context.Context, asset string, sink func(market.Tick), onErr func(error)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[asset] = sink
	f.onErr = onErr
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.sinks, asset)
	}, nil
}

func (f *manualFeed) History(context.Context, string, market.BarSize, time.Time, time.Time) ([]market.Bar, error) {
	return nil, nil
}

func (f *manualFeed) push(asset string, bid, ask float64) {
	f.mu.Lock()
	sink := f.sinks[asset]
	f.mu.Unlock()
	if sink != nil {
		sink(market.Tick{Symbol: asset, Bid: bid, Ask: ask, Price: (bid + ask) / 2, Time: time.Now().UTC()})
	}
}

type fillRecorder struct {
	fills   chan broker.Fill
	updates chan broker.OrderUpdate
}

func newFillRecorder() *fillRecorder {
	return &fillRecorder{fills: make(chan broker.Fill, 8), updates: make(chan broker.OrderUpdate, 8)}
}

func (r *fillRecorder) OnFill(f broker.Fill)               { r.fills <- f }
func (r *fillRecorder) OnOrderUpdate(u broker.OrderUpdate) { r.updates <- u }

func (r *fillRecorder) next(t *testing.T) broker.Fill {
	t.Helper()
	select {
	case f := <-r.fills:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no fill")
		return broker.Fill{}
	}
}

func newTestVenue(t *testing.T, feed Feed) *Venue {
	t.Helper()
	v := NewVenue(Config{InitialBalance: 10000}, feed, nil)
	require.NoError(t, v.Dial(context.Background(), func(error) {}))
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func ptr(f float64) *float64 { return &f }

func TestLedgerScaleInAndClose(t *testing.T) {
	l := newLedger(10000, 0)
	l.apply("EUR_USD", "BUY", 5000, 1.1000)
	_, net := l.apply("EUR_USD", "BUY", 5000, 1.1020)
	assert.InDelta(t, 10000, net, 1e-9)
	assert.InDelta(t, 1.1010, l.positions["EUR_USD"].avg, 1e-9)

	_, net = l.apply("EUR_USD", "SELL", 10000, 1.1030)
	assert.Zero(t, net)
	assert.InDelta(t, 10020, l.cash(), 1e-6)
}

func TestLedgerReversal(t *testing.T) {
	l := newLedger(10000, 0)
	l.apply("EUR_USD", "BUY", 1000, 1.1000)
	_, net := l.apply("EUR_USD", "SELL", 3000, 1.1100)
	assert.InDelta(t, -2000, net, 1e-9)
	assert.InDelta(t, 1.1100, l.positions["EUR_USD"].avg, 1e-9)
	assert.InDelta(t, 10010, l.cash(), 1e-6)
}

func TestLedgerChargesFees(t *testing.T) {
	l := newLedger(1000, 0.001)
	commission, _ := l.apply("BTCUSDT", "BUY", 2, 100)
	assert.InDelta(t, 0.2, commission, 1e-9)
	assert.InDelta(t, 999.8, l.cash(), 1e-9)
}

func TestMarketOrderFillsAtQuote(t *testing.T) {
	feed := newManualFeed()
	v := newTestVenue(t, feed)
	require.NoError(t, v.SubscribeTicks(context.Background(), "EUR_USD", func(market.Tick) {}))
	feed.push("EUR_USD", 1.1000, 1.1002)

	rec := newFillRecorder()
	id, err := v.PlaceOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: "ord-1", Symbol: "EUR_USD", Action: "BUY", Type: "MARKET", Quantity: 1000,
	}, rec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	f := rec.next(t)
	assert.Equal(t, "ord-1", f.ClientOrderID)
	assert.Equal(t, id, f.BrokerOrderID)
	assert.InDelta(t, 1.1002, f.Price, 1e-9)

	pos, err := v.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.InDelta(t, 1000, pos[0].Quantity, 1e-9)
}

func TestMarketOrderWithoutQuote(t *testing.T) {
	v := newTestVenue(t, newManualFeed())

	_, err := v.PlaceOrder(context.Background(), broker.OrderRequest{Symbol: "EUR_USD", Action: "SELL", Type: "MARKET", Quantity: 10}, nil)
	assert.ErrorIs(t, err, broker.ErrRejected)

	rec := newFillRecorder()
	_, err = v.PlaceOrder(context.Background(), broker.OrderRequest{Symbol: "EUR_USD", Action: "SELL", Type: "MARKET", Quantity: 10, Price: ptr(1.2)}, rec)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, rec.next(t).Price, 1e-9)
}

func TestLimitOrderRestsUntilMarketable(t *testing.T) {
	feed := newManualFeed()
	v := newTestVenue(t, feed)
	require.NoError(t, v.SubscribeTicks(context.Background(), "EUR_USD", func(market.Tick) {}))

	rec := newFillRecorder()
	_, err := v.PlaceOrder(context.Background(), broker.OrderRequest{
		Symbol: "EUR_USD", Action: "BUY", Type: "LIMIT", Quantity: 1000, Price: ptr(1.0990),
	}, rec)
	require.NoError(t, err)

	feed.push("EUR_USD", 1.1000, 1.1002)
	assert.Empty(t, rec.fills)

	feed.push("EUR_USD", 1.0985, 1.0987)
	f := rec.next(t)
	assert.InDelta(t, 1.0987, f.Price, 1e-9)
}

func TestCancelRestingOrder(t *testing.T) {
	v := newTestVenue(t, newManualFeed())
	rec := newFillRecorder()
	id, err := v.PlaceOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: "ord-9", Symbol: "EUR_USD", Action: "SELL", Type: "STOP", Quantity: 1000, Price: ptr(1.05),
	}, rec)
	require.NoError(t, err)

	require.NoError(t, v.CancelOrder(context.Background(), id))
	u := <-rec.updates
	assert.Equal(t, "CANCELLED", u.Status)
	assert.Equal(t, "ord-9", u.ClientOrderID)

	assert.ErrorIs(t, v.CancelOrder(context.Background(), id), broker.ErrUnknownOrder)
}

func TestBracketStopLossClosesPosition(t *testing.T) {
	feed := newManualFeed()
	v := newTestVenue(t, feed)
	require.NoError(t, v.SubscribeTicks(context.Background(), "EUR_USD", func(market.Tick) {}))
	feed.push("EUR_USD", 1.1000, 1.1000)

	rec := newFillRecorder()
	_, err := v.PlaceOrder(context.Background(), broker.OrderRequest{
		Symbol: "EUR_USD", Action: "BUY", Type: "MARKET", Quantity: 1000, StopLoss: ptr(1.0950), TakeProfit: ptr(1.1100),
	}, rec)
	require.NoError(t, err)
	rec.next(t)

	feed.push("EUR_USD", 1.0990, 1.0992)
	assert.Empty(t, rec.fills)

	feed.push("EUR_USD", 1.0949, 1.0951)
	exit := rec.next(t)
	assert.Equal(t, "SELL", exit.Action)
	assert.Empty(t, exit.ClientOrderID)
	assert.InDelta(t, 1000, exit.Quantity, 1e-9)
	assert.InDelta(t, 1.0949, exit.Price, 1e-9)

	pos, _ := v.Positions(context.Background())
	assert.Empty(t, pos)
}

func TestRandomWalkHistoryIsValidAndDeterministic(t *testing.T) {
	rw := &RandomWalk{StartPrice: 1.1, Seed: 7}
	size := market.MustParseBarSize("1 hour")
	from := time.Date(2024, 3, 4, 0, 30, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)

	bars, err := rw.History(context.Background(), "EUR_USD", size, from, to)
	require.NoError(t, err)
	require.Len(t, bars, 48)
	assert.Equal(t, time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC), bars[0].Time)
	for _, b := range bars {
		assert.NoError(t, b.Validate())
		assert.Equal(t, size.Align(b.Time), b.Time)
	}

	again, err := rw.History(context.Background(), "EUR_USD", size, from, to)
	require.NoError(t, err)
	assert.Equal(t, bars, again)
}

func TestRandomWalkSubscribeEmitsTicks(t *testing.T) {
	rw := &RandomWalk{Interval: 5 * time.Millisecond}
	ticks := make(chan market.Tick, 16)
	stop, err := rw.Subscribe(context.Background(), "BTCUSDT", func(tk market.Tick) {
		select {
		case ticks <- tk:
		default:
		}
	}, nil)
	require.NoError(t, err)
	defer stop()

	select {
	case tk := <-ticks:
		assert.Equal(t, "BTCUSDT", tk.Symbol)
		assert.Greater(t, tk.Ask, tk.Bid)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}
}

func TestSessionOverPaperVenue(t *testing.T) {
	s := New(Config{}, &RandomWalk{Interval: 5 * time.Millisecond}, broker.SessionConfig{}, nil)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect(context.Background())

	got := make(chan market.Tick, 1)
	require.NoError(t, s.Subscribe("EUR_USD", "op-1", func(tk market.Tick) {
		select {
		case got <- tk:
		default:
		}
	}))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick through session")
	}

	info, err := s.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10000, info.Balance, 1e-9)
}

func TestParseBookTicker(t *testing.T) {
	tick, err := parseBookTicker([]byte(`{"u":400900217,"s":"BNBUSDT","b":"25.35190000","B":"31.21000000","a":"25.36520000","A":"40.66000000"}`))
	require.NoError(t, err)
	assert.Equal(t, "BNBUSDT", tick.Symbol)
	assert.InDelta(t, (25.3519+25.3652)/2, tick.Price, 1e-9)
	assert.InDelta(t, 31.21, tick.Size, 1e-9)

	_, err = parseBookTicker([]byte(`{"s":"BNBUSDT","b":"0","a":"1"}`))
	assert.Error(t, err)
}

func TestBinanceFeedStreamsAndReportsDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/btcusdt@bookTicker", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"BTCUSDT","b":"100.0","B":"1","a":"100.2","A":"1"}`))
		_ = conn.Close()
	}))
	defer srv.Close()

	feed := NewBinanceFeed("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "")
	ticks := make(chan market.Tick, 1)
	dropped := make(chan error, 1)
	stop, err := feed.Subscribe(context.Background(), "BTC/USDT", func(tk market.Tick) { ticks <- tk }, func(err error) { dropped <- err })
	require.NoError(t, err)
	defer stop()

	tick := <-ticks
	assert.Equal(t, "BTC/USDT", tick.Symbol)
	assert.InDelta(t, 100.1, tick.Price, 1e-9)

	select {
	case err := <-dropped:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drop not reported")
	}
}

func TestBinanceFeedHistory(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		fmt.Fprintf(w, `[[%d,"10.0","11.0","9.5","10.5","123.4",0,"0",1,"0","0","0"],[%d,"10.5","10.8","10.1","10.2","50",0,"0",1,"0","0","0"]]`,
			base.UnixMilli(), base.Add(time.Hour).UnixMilli())
	}))
	defer srv.Close()

	feed := NewBinanceFeed("", srv.URL)
	bars, err := feed.History(context.Background(), "ETH-USDT", market.MustParseBarSize("1 hour"), base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, base, bars[0].Time)
	assert.InDelta(t, 10.5, bars[0].Close, 1e-9)
	assert.InDelta(t, 123.4, bars[0].Volume, 1e-9)

	_, err = feed.History(context.Background(), "ETHUSDT", market.MustParseBarSize("10 secs"), base, base.Add(time.Hour))
	assert.ErrorIs(t, err, market.ErrInvalidBarSize)
}
