// Package paper implements a simulated venue: orders fill against live or
// synthetic prices and are booked into an in-memory account.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/market"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

// Config tunes the simulation.
type Config struct {
	InitialBalance float64
	FeeRate        float64       // decimal, e.g. 0.00002 = 0.2 bps
	Latency        time.Duration // delay before a market order fills
	Currency       string
}

type restingOrder struct {
	id      string
	req     broker.OrderRequest
	handler broker.OrderHandler
}

// bracket is the stop-loss / take-profit pair attached to a filled order.
type bracket struct {
	long       bool
	stopLoss   *float64
	takeProfit *float64
	handler    broker.OrderHandler
}

// Venue is a broker.Venue backed by a Feed and an in-memory ledger.
type Venue struct {
	cfg    Config
	feed   Feed
	ledger *ledger
	log    *zap.Logger

	mu        sync.Mutex
	connected bool
	onDrop    func(error)
	connCtx   context.Context
	cancel    context.CancelFunc
	streams   map[string]func()
	last      map[string]market.Tick
	resting   map[string]*restingOrder
	brackets  map[string]*bracket // by symbol
}

var _ broker.Venue = (*Venue)(nil)

// New returns a reconnecting adapter over a paper venue.
func New(cfg Config, feed Feed, session broker.SessionConfig, log *zap.Logger) *broker.Session {
	return broker.NewSession(NewVenue(cfg, feed, log), session, log)
}

// NewVenue builds the simulated venue.
func NewVenue(cfg Config, feed Feed, log *zap.Logger) *Venue {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if feed == nil {
		feed = &RandomWalk{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Venue{
		cfg:      cfg,
		feed:     feed,
		ledger:   newLedger(cfg.InitialBalance, cfg.FeeRate),
		log:      log.With(zap.String("component", "paper"), zap.String("feed", feed.Name())),
		streams:  make(map[string]func()),
		last:     make(map[string]market.Tick),
		resting:  make(map[string]*restingOrder),
		brackets: make(map[string]*bracket),
	}
}

// Name identifies the venue.
func (v *Venue) Name() string { return "PAPER" }

// Dial marks the venue connected.
func (v *Venue) Dial(_ context.Context, onDrop func(error)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connCtx, v.cancel = context.WithCancel(context.Background())
	v.onDrop = onDrop
	v.connected = true
	return nil
}

// Authenticate always succeeds.
func (v *Venue) Authenticate(context.Context) error { return nil }

// Close stops every price stream. Resting orders and the account survive.
func (v *Venue) Close() error {
	v.mu.Lock()
	streams := v.streams
	v.streams = make(map[string]func())
	v.onDrop = nil
	v.connected = false
	if v.cancel != nil {
		v.cancel()
	}
	v.mu.Unlock()

	for _, stop := range streams {
		stop()
	}
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

// SubscribeTicks starts the feed for asset.
func (v *Venue) SubscribeTicks(ctx context.Context, asset string, sink broker.TickHandler) error {
	v.mu.Lock()
	if !v.connected {
		v.mu.Unlock()
		return broker.ErrNotConnected
	}
	if stop, ok := v.streams[asset]; ok {
		stop()
	}
	connCtx := v.connCtx
	v.mu.Unlock()

	stop, err := v.feed.Subscribe(connCtx, asset, func(t market.Tick) {
		v.onTick(asset, t)
		sink(t)
	}, v.drop)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.streams[asset] = stop
	v.mu.Unlock()
	return nil
}

// UnsubscribeTicks stops the feed for asset.
func (v *Venue) UnsubscribeTicks(asset string) error {
	v.mu.Lock()
	stop, ok := v.streams[asset]
	delete(v.streams, asset)
	v.mu.Unlock()
	if ok {
		stop()
	}
	return nil
}

// onTick records the price, then triggers resting orders and brackets.
func (v *Venue) onTick(symbol string, t market.Tick) {
	v.mu.Lock()
	v.last[symbol] = t
	var due []*restingOrder
	for id, o := range v.resting {
		if o.req.Symbol == symbol && triggered(o.req, t) {
			due = append(due, o)
			delete(v.resting, id)
		}
	}
	b := v.brackets[symbol]
	exitPx, hit := 0.0, false
	if b != nil {
		if exitPx, hit = b.hit(t); hit {
			delete(v.brackets, symbol)
		}
	}
	v.mu.Unlock()

	for _, o := range due {
		v.fill(o.id, o.req, fillPrice(o.req, t), t.Time, o.handler)
	}
	if !hit {
		return
	}
	qty := math.Abs(v.ledger.net(symbol))
	if qty == 0 {
		return
	}
	action := db.ActionSell
	if !b.long {
		action = db.ActionBuy
	}
	req := broker.OrderRequest{Symbol: symbol, Action: action, Type: db.OrderMarket, Quantity: qty}
	v.log.Info("bracket triggered", zap.String("symbol", symbol), zap.Float64("price", exitPx))
	v.fill(uuid.NewString(), req, exitPx, t.Time, b.handler)
}

// triggered reports whether a LIMIT or STOP order is marketable at t.
func triggered(req broker.OrderRequest, t market.Tick) bool {
	if req.Price == nil {
		return false
	}
	bid, ask := quote(t)
	buy := req.Action == db.ActionBuy
	switch req.Type {
	case db.OrderLimit:
		if buy {
			return ask <= *req.Price
		}
		return bid >= *req.Price
	case db.OrderStop:
		if buy {
			return ask >= *req.Price
		}
		return bid <= *req.Price
	}
	return false
}

func quote(t market.Tick) (bid, ask float64) {
	bid, ask = t.Bid, t.Ask
	if bid <= 0 {
		bid = t.Price
	}
	if ask <= 0 {
		ask = t.Price
	}
	return bid, ask
}

func fillPrice(req broker.OrderRequest, t market.Tick) float64 {
	bid, ask := quote(t)
	if req.Type == db.OrderLimit && req.Price != nil {
		// Limit orders never fill worse than their price.
		if req.Action == db.ActionBuy {
			return math.Min(ask, *req.Price)
		}
		return math.Max(bid, *req.Price)
	}
	if req.Action == db.ActionBuy {
		return ask
	}
	return bid
}

func (b *bracket) hit(t market.Tick) (float64, bool) {
	bid, ask := quote(t)
	if b.long {
		if b.stopLoss != nil && bid <= *b.stopLoss {
			return bid, true
		}
		if b.takeProfit != nil && bid >= *b.takeProfit {
			return bid, true
		}
		return 0, false
	}
	if b.stopLoss != nil && ask >= *b.stopLoss {
		return ask, true
	}
	if b.takeProfit != nil && ask <= *b.takeProfit {
		return ask, true
	}
	return 0, false
}

// fill books the execution and reports it. A bracket lives until the position
// flattens, flips, or a later entry brings its own stop levels.
func (v *Venue) fill(id string, req broker.OrderRequest, price float64, at time.Time, h broker.OrderHandler) {
	commission, net := v.ledger.apply(req.Symbol, req.Action, req.Quantity, price)

	v.mu.Lock()
	long := net > 0
	switch {
	case net == 0:
		delete(v.brackets, req.Symbol)
	case long != (req.Action == db.ActionBuy):
		// Partial reduce keeps the existing bracket.
	case req.StopLoss != nil || req.TakeProfit != nil:
		v.brackets[req.Symbol] = &bracket{
			long:       long,
			stopLoss:   req.StopLoss,
			takeProfit: req.TakeProfit,
			handler:    h,
		}
	default:
		if b := v.brackets[req.Symbol]; b != nil && b.long != long {
			delete(v.brackets, req.Symbol)
		}
	}
	v.mu.Unlock()

	v.log.Debug("paper fill",
		zap.String("order_id", id),
		zap.String("symbol", req.Symbol),
		zap.String("action", req.Action),
		zap.Float64("quantity", req.Quantity),
		zap.Float64("price", price),
		zap.Float64("balance", v.ledger.cash()))

	if h == nil {
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	h.OnFill(broker.Fill{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: id,
		Symbol:        req.Symbol,
		Action:        req.Action,
		Quantity:      req.Quantity,
		Price:         price,
		Commission:    commission,
		Time:          at,
	})
}

// PlaceOrder accepts the order. Market orders fill after the configured
// latency at the last quote (or at req.Price when no quote has arrived yet);
// LIMIT and STOP orders rest until a tick makes them marketable.
func (v *Venue) PlaceOrder(_ context.Context, req broker.OrderRequest, h broker.OrderHandler) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive", broker.ErrRejected)
	}
	if req.Action != db.ActionBuy && req.Action != db.ActionSell {
		return "", fmt.Errorf("%w: unknown action %q", broker.ErrRejected, req.Action)
	}
	id := uuid.NewString()

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return "", broker.ErrNotConnected
	}

	switch req.Type {
	case db.OrderLimit, db.OrderStop:
		if req.Price == nil || *req.Price <= 0 {
			return "", fmt.Errorf("%w: %s order needs a price", broker.ErrRejected, req.Type)
		}
		v.resting[id] = &restingOrder{id: id, req: req, handler: h}
		return id, nil
	case db.OrderMarket, "":
	default:
		return "", fmt.Errorf("%w: unsupported order type %q", broker.ErrRejected, req.Type)
	}

	tick, ok := v.last[req.Symbol]
	if !ok {
		if req.Price == nil || *req.Price <= 0 {
			return "", fmt.Errorf("%w: no market price for %s", broker.ErrRejected, req.Symbol)
		}
		tick = market.Tick{Symbol: req.Symbol, Price: *req.Price}
	}
	price := fillPrice(req, tick)
	go func() {
		if v.cfg.Latency > 0 {
			time.Sleep(v.cfg.Latency)
		}
		v.fill(id, req, price, time.Now().UTC(), h)
	}()
	return id, nil
}

// CancelOrder cancels a resting order.
func (v *Venue) CancelOrder(_ context.Context, brokerOrderID string) error {
	v.mu.Lock()
	o, ok := v.resting[brokerOrderID]
	delete(v.resting, brokerOrderID)
	v.mu.Unlock()
	if !ok {
		return broker.ErrUnknownOrder
	}
	if o.handler != nil {
		o.handler.OnOrderUpdate(broker.OrderUpdate{
			ClientOrderID: o.req.ClientOrderID,
			BrokerOrderID: brokerOrderID,
			Status:        db.OrderCancelled,
			Reason:        "cancelled by client",
		})
	}
	return nil
}

func (v *Venue) mark(symbol string) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.last[symbol]
	return t.Price, ok
}

// Positions returns the simulated net positions.
func (v *Venue) Positions(context.Context) ([]broker.Position, error) {
	out, _ := v.ledger.snapshot(v.mark)
	return out, nil
}

// AccountInfo returns the simulated account.
func (v *Venue) AccountInfo(context.Context) (broker.AccountInfo, error) {
	_, unrealized := v.ledger.snapshot(v.mark)
	balance := v.ledger.cash()
	return broker.AccountInfo{
		ID:            "paper",
		Currency:      v.cfg.Currency,
		Balance:       balance,
		Equity:        balance + unrealized,
		UnrealizedPnL: unrealized,
	}, nil
}

// FetchHistory delegates to the feed.
func (v *Venue) FetchHistory(ctx context.Context, asset string, size market.BarSize, from, to time.Time) ([]market.Bar, error) {
	if !from.Before(to) {
		return nil, errors.New("fetch history: empty interval")
	}
	return v.feed.History(ctx, asset, size, from, to)
}
