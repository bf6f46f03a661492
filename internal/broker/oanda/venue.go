package oanda

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/market"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

// heartbeatTimeout bounds the silence tolerated on a stream; OANDA sends a
// heartbeat every five seconds.
const heartbeatTimeout = 30 * time.Second

const maxCandlesPerRequest = 5000

// Config holds OANDA credentials and endpoints.
type Config struct {
	APIKey            string
	AccountID         string
	Environment       string // PRACTICE or LIVE
	RequestsPerSecond float64
	// APIURL and StreamURL override the environment endpoints.
	APIURL    string
	StreamURL string
}

type pendingOrder struct {
	clientID string
	handler  broker.OrderHandler
}

// Venue talks to one OANDA account.
type Venue struct {
	cfg Config
	c   *client
	log *zap.Logger

	mu          sync.Mutex
	onDrop      func(error)
	connCtx     context.Context
	connCancel  context.CancelFunc
	subs        map[string]broker.TickHandler
	priceCancel context.CancelFunc
	pending     map[string]pendingOrder
}

var _ broker.Venue = (*Venue)(nil)

// New returns a reconnecting adapter for OANDA.
func New(cfg Config, session broker.SessionConfig, log *zap.Logger) (*broker.Session, error) {
	v, err := NewVenue(cfg, log)
	if err != nil {
		return nil, err
	}
	return broker.NewSession(v, session, log), nil
}

// NewVenue validates cfg and builds the REST client.
func NewVenue(cfg Config, log *zap.Logger) (*Venue, error) {
	if cfg.APIKey == "" || cfg.AccountID == "" {
		return nil, errors.New("oanda: api key and account id are required")
	}
	apiURL, streamURL, err := Endpoints(cfg.Environment)
	if err != nil {
		return nil, err
	}
	if cfg.APIURL != "" {
		apiURL = cfg.APIURL
	}
	if cfg.StreamURL != "" {
		streamURL = cfg.StreamURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Venue{
		cfg:     cfg,
		c:       newClient(apiURL, streamURL, cfg.APIKey, cfg.RequestsPerSecond),
		log:     log.With(zap.String("component", "oanda")),
		subs:    make(map[string]broker.TickHandler),
		pending: make(map[string]pendingOrder),
	}, nil
}

// Name identifies the venue.
func (v *Venue) Name() string { return "OANDA" }

func (v *Venue) accountPath(suffix string) string {
	return "/v3/accounts/" + url.PathEscape(v.cfg.AccountID) + suffix
}

// Dial checks the token against the accounts endpoint.
func (v *Venue) Dial(ctx context.Context, onDrop func(error)) error {
	var resp accountsResponse
	if err := v.c.do(ctx, http.MethodGet, "/v3/accounts", nil, nil, &resp); err != nil {
		return err
	}
	connCtx, cancel := context.WithCancel(context.Background())
	v.mu.Lock()
	v.onDrop = onDrop
	v.connCtx, v.connCancel = connCtx, cancel
	v.mu.Unlock()
	return nil
}

// Authenticate verifies access to the configured account and opens the
// transaction stream used for asynchronous fills.
func (v *Venue) Authenticate(ctx context.Context) error {
	if _, err := v.AccountInfo(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	connCtx := v.connCtx
	v.mu.Unlock()
	if connCtx == nil {
		return broker.ErrNotConnected
	}
	go v.streamTransactions(connCtx)
	return nil
}

// Close stops every stream. It never reports a drop.
func (v *Venue) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onDrop = nil
	if v.priceCancel != nil {
		v.priceCancel()
		v.priceCancel = nil
	}
	if v.connCancel != nil {
		v.connCancel()
		v.connCancel = nil
	}
	v.connCtx = nil
	v.subs = make(map[string]broker.TickHandler)
	return nil
}

func (v *Venue) drop(err error) {
	v.mu.Lock()
	f := v.onDrop
	v.onDrop = nil
	v.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// SubscribeTicks adds asset to the pricing stream.
func (v *Venue) SubscribeTicks(_ context.Context, asset string, sink broker.TickHandler) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.connCtx == nil {
		return broker.ErrNotConnected
	}
	v.subs[asset] = sink
	v.restartPricingLocked()
	return nil
}

// UnsubscribeTicks removes asset from the pricing stream.
func (v *Venue) UnsubscribeTicks(asset string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.subs, asset)
	if v.connCtx != nil {
		v.restartPricingLocked()
	}
	return nil
}

// restartPricingLocked replaces the pricing stream; OANDA fixes the instrument
// set per connection.
func (v *Venue) restartPricingLocked() {
	if v.priceCancel != nil {
		v.priceCancel()
		v.priceCancel = nil
	}
	if len(v.subs) == 0 {
		return
	}
	set := make(map[string]struct{}, len(v.subs))
	for asset := range v.subs {
		set[Instrument(asset)] = struct{}{}
	}
	instruments := make([]string, 0, len(set))
	for in := range set {
		instruments = append(instruments, in)
	}
	sort.Strings(instruments)

	ctx, cancel := context.WithCancel(v.connCtx)
	v.priceCancel = cancel
	go v.streamPricing(ctx, instruments)
}

func (v *Venue) sinksFor(instrument string) []broker.TickHandler {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []broker.TickHandler
	for asset, sink := range v.subs {
		if Instrument(asset) == instrument {
			out = append(out, sink)
		}
	}
	return out
}

func (v *Venue) streamPricing(ctx context.Context, instruments []string) {
	q := url.Values{}
	q.Set("instruments", strings.Join(instruments, ","))
	err := v.readStream(ctx, v.accountPath("/pricing/stream"), q, func(line []byte) error {
		var msg streamMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("decode price: %w", err)
		}
		if msg.Type != "PRICE" || len(msg.Bids) == 0 || len(msg.Asks) == 0 {
			return nil
		}
		bid, err1 := parseFloat(msg.Bids[0].Price)
		ask, err2 := parseFloat(msg.Asks[0].Price)
		if err1 != nil || err2 != nil || bid <= 0 || ask <= 0 {
			v.log.Warn("unparseable price", zap.String("instrument", msg.Instrument))
			return nil
		}
		tick := market.Tick{
			Symbol: msg.Instrument,
			Bid:    bid,
			Ask:    ask,
			Price:  (bid + ask) / 2,
			Time:   parseTime(msg.Time),
		}
		for _, sink := range v.sinksFor(msg.Instrument) {
			sink(tick)
		}
		return nil
	})
	if err != nil {
		v.log.Warn("pricing stream ended", zap.Strings("instruments", instruments), zap.Error(err))
		v.drop(err)
	}
}

func (v *Venue) streamTransactions(ctx context.Context) {
	err := v.readStream(ctx, v.accountPath("/transactions/stream"), nil, func(line []byte) error {
		var tx transaction
		if err := json.Unmarshal(line, &tx); err != nil {
			return fmt.Errorf("decode transaction: %w", err)
		}
		switch tx.Type {
		case "ORDER_FILL":
			v.mu.Lock()
			p, ok := v.pending[tx.OrderID]
			delete(v.pending, tx.OrderID)
			v.mu.Unlock()
			if ok {
				p.handler.OnFill(toFill(tx, p.clientID))
			}
		case "ORDER_CANCEL":
			v.mu.Lock()
			p, ok := v.pending[tx.OrderID]
			delete(v.pending, tx.OrderID)
			v.mu.Unlock()
			if ok {
				p.handler.OnOrderUpdate(broker.OrderUpdate{
					ClientOrderID: p.clientID,
					BrokerOrderID: tx.OrderID,
					Status:        db.OrderCancelled,
					Reason:        tx.Reason,
				})
			}
		}
		return nil
	})
	if err != nil {
		v.log.Warn("transaction stream ended", zap.Error(err))
		v.drop(err)
	}
}

// readStream feeds each non-empty line to fn until ctx ends (nil error) or the
// stream fails, goes silent past heartbeatTimeout, or fn returns an error.
func (v *Venue) readStream(ctx context.Context, path string, q url.Values, fn func([]byte) error) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, err := v.c.openStream(sctx, path, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer body.Close()

	var silent atomic.Bool
	watchdog := time.AfterFunc(heartbeatTimeout, func() {
		silent.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		watchdog.Reset(heartbeatTimeout)
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	switch {
	case silent.Load():
		return fmt.Errorf("no heartbeat for %s", heartbeatTimeout)
	case ctx.Err() != nil:
		return nil
	case sc.Err() != nil:
		return sc.Err()
	}
	return io.ErrUnexpectedEOF
}

// PlaceOrder submits req. A cancelled or rejected order returns an error
// wrapping broker.ErrRejected; an immediate fill is reported before returning.
func (v *Venue) PlaceOrder(ctx context.Context, req broker.OrderRequest, h broker.OrderHandler) (string, error) {
	units := math.Abs(req.Quantity)
	if units == 0 {
		return "", fmt.Errorf("%w: zero quantity", broker.ErrRejected)
	}
	if req.Action == db.ActionSell {
		units = -units
	}
	spec := orderSpec{
		Type:         req.Type,
		Instrument:   Instrument(req.Symbol),
		Units:        strconv.FormatFloat(units, 'f', -1, 64),
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}
	if req.ClientOrderID != "" {
		spec.ClientExtensions = &clientExtensions{ID: req.ClientOrderID}
	}
	if req.Type != db.OrderMarket {
		if req.Price == nil {
			return "", fmt.Errorf("%w: %s order without price", broker.ErrRejected, req.Type)
		}
		spec.Price = formatPrice(*req.Price)
		spec.TimeInForce = "GTC"
	}
	if req.StopLoss != nil {
		spec.StopLossOnFill = &priceDetails{Price: formatPrice(*req.StopLoss)}
	}
	if req.TakeProfit != nil {
		spec.TakeProfitOnFill = &priceDetails{Price: formatPrice(*req.TakeProfit)}
	}

	var resp orderResponse
	if err := v.c.do(ctx, http.MethodPost, v.accountPath("/orders"), nil, orderRequest{Order: spec}, &resp); err != nil {
		return "", err
	}
	if rej := resp.OrderRejectTransaction; rej != nil {
		return "", fmt.Errorf("%w: %s", broker.ErrRejected, rej.Reason)
	}
	created := resp.OrderCreateTransaction
	if created == nil || created.ID == "" {
		return "", fmt.Errorf("%w: %s", broker.ErrRejected, resp.ErrorMessage)
	}
	if c := resp.OrderCancelTransaction; c != nil {
		return "", fmt.Errorf("%w: %s", broker.ErrRejected, c.Reason)
	}

	if fill := resp.OrderFillTransaction; fill != nil {
		if h != nil {
			h.OnFill(toFill(*fill, req.ClientOrderID))
		}
		return created.ID, nil
	}
	if h != nil {
		v.mu.Lock()
		v.pending[created.ID] = pendingOrder{clientID: req.ClientOrderID, handler: h}
		v.mu.Unlock()
	}
	return created.ID, nil
}

func toFill(tx transaction, clientID string) broker.Fill {
	units, _ := parseFloat(tx.Units)
	price, _ := parseFloat(tx.Price)
	commission, _ := parseFloat(tx.Commission)
	action := db.ActionBuy
	if units < 0 {
		action = db.ActionSell
	}
	orderID := tx.OrderID
	if orderID == "" {
		orderID = tx.ID
	}
	return broker.Fill{
		ClientOrderID: clientID,
		BrokerOrderID: orderID,
		Symbol:        tx.Instrument,
		Action:        action,
		Quantity:      math.Abs(units),
		Price:         price,
		Commission:    math.Abs(commission),
		Time:          parseTime(tx.Time),
	}
}

// CancelOrder cancels a pending order.
func (v *Venue) CancelOrder(ctx context.Context, brokerOrderID string) error {
	err := v.c.do(ctx, http.MethodPut, v.accountPath("/orders/"+url.PathEscape(brokerOrderID)+"/cancel"), nil, nil, nil)
	if errors.Is(err, errNotFound) {
		return broker.ErrUnknownOrder
	}
	return err
}

// Positions returns net open positions.
func (v *Venue) Positions(ctx context.Context) ([]broker.Position, error) {
	var resp openPositionsResponse
	if err := v.c.do(ctx, http.MethodGet, v.accountPath("/openPositions"), nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		longUnits, _ := parseFloat(p.Long.Units)
		shortUnits, _ := parseFloat(p.Short.Units)
		net := longUnits + shortUnits
		if net == 0 {
			continue
		}
		side := p.Long
		if net < 0 {
			side = p.Short
		}
		avg, _ := parseFloat(side.AveragePrice)
		upl, _ := parseFloat(side.UnrealizedPL)
		out = append(out, broker.Position{Symbol: p.Instrument, Quantity: net, AvgPrice: avg, UnrealizedPnL: upl})
	}
	return out, nil
}

// AccountInfo returns the account summary.
func (v *Venue) AccountInfo(ctx context.Context) (broker.AccountInfo, error) {
	var resp accountSummaryResponse
	if err := v.c.do(ctx, http.MethodGet, v.accountPath("/summary"), nil, nil, &resp); err != nil {
		return broker.AccountInfo{}, err
	}
	a := resp.Account
	balance, _ := parseFloat(a.Balance)
	nav, _ := parseFloat(a.NAV)
	margin, _ := parseFloat(a.MarginUsed)
	upl, _ := parseFloat(a.UnrealizedPL)
	return broker.AccountInfo{ID: a.ID, Currency: a.Currency, Balance: balance, Equity: nav, MarginUsed: margin, UnrealizedPnL: upl}, nil
}

// FetchHistory pages through complete mid candles in [from, to).
func (v *Venue) FetchHistory(ctx context.Context, asset string, size market.BarSize, from, to time.Time) ([]market.Bar, error) {
	gran, err := granularity(size)
	if err != nil {
		return nil, err
	}
	instrument := Instrument(asset)
	var out []market.Bar
	cursor := from.UTC()
	for cursor.Before(to) {
		q := url.Values{}
		q.Set("price", "M")
		q.Set("granularity", gran)
		q.Set("from", cursor.Format(time.RFC3339))
		q.Set("count", strconv.Itoa(maxCandlesPerRequest))
		q.Set("alignmentTimezone", "UTC")
		q.Set("dailyAlignment", "0")
		q.Set("weeklyAlignment", "Monday")

		var resp candlesResponse
		if err := v.c.do(ctx, http.MethodGet, "/v3/instruments/"+url.PathEscape(instrument)+"/candles", q, nil, &resp); err != nil {
			return nil, err
		}
		if len(resp.Candles) == 0 {
			break
		}
		var last time.Time
		for _, ac := range resp.Candles {
			t, err := time.Parse(time.RFC3339Nano, ac.Time)
			if err != nil {
				v.log.Warn("unparseable candle time", zap.String("time", ac.Time))
				continue
			}
			last = t.UTC()
			if !ac.Complete || !last.Before(to) {
				continue
			}
			bar, err := candleToBar(last, ac)
			if err != nil {
				v.log.Warn("unparseable candle", zap.Time("time", last), zap.Error(err))
				continue
			}
			out = append(out, bar)
		}
		next := last.Add(size.Duration())
		if !next.After(cursor) || len(resp.Candles) < maxCandlesPerRequest {
			break
		}
		cursor = next
	}
	return out, nil
}

func candleToBar(t time.Time, ac apiCandle) (market.Bar, error) {
	o, err := parseFloat(ac.Mid.O)
	if err != nil {
		return market.Bar{}, err
	}
	h, err := parseFloat(ac.Mid.H)
	if err != nil {
		return market.Bar{}, err
	}
	l, err := parseFloat(ac.Mid.L)
	if err != nil {
		return market.Bar{}, err
	}
	c, err := parseFloat(ac.Mid.C)
	if err != nil {
		return market.Bar{}, err
	}
	return market.Bar{Time: t, Open: o, High: h, Low: l, Close: c, Volume: float64(ac.Volume)}, nil
}
