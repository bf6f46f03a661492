package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

// SessionConfig tunes the reconnection state machine.
type SessionConfig struct {
	MaxAttempts    int           // attempts before OFFLINE
	BaseDelay      time.Duration // delay before attempt n is BaseDelay*n
	RequestTimeout time.Duration // bound for dial, auth and subscribe calls

	// OnStateChange observes every transition.
	OnStateChange func(adapter string, from, to State)
	// OnOffline is called once when reconnection gives up.
	OnOffline func(adapter string, err error)
}

func (c *SessionConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

type reconnectLoop struct {
	cancel context.CancelFunc
}

// Session implements Adapter on top of a Venue: it runs the
// DISCONNECTED -> CONNECTING -> CONNECTED -> AUTHENTICATED state machine,
// reconnects with linear backoff after an unexpected drop and restores every
// registered subscription once the venue is authenticated again.
type Session struct {
	venue Venue
	cfg   SessionConfig
	subs  *Registry
	log   *zap.Logger

	mu      sync.Mutex
	state   State
	changed chan struct{} // closed and replaced on every transition
	gen     int           // bumps per dial so stale drop notifications are ignored
	loop    *reconnectLoop
	early   error // drop reported before the current dial reached AUTHENTICATED

	// subMu orders Subscribe/Unsubscribe against subscription restore.
	subMu sync.Mutex
}

var _ Adapter = (*Session)(nil)

// NewSession wraps venue.
func NewSession(venue Venue, cfg SessionConfig, log *zap.Logger) *Session {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		venue:   venue,
		cfg:     cfg,
		subs:    NewRegistry(),
		log:     log.With(zap.String("component", "broker"), zap.String("adapter", venue.Name())),
		state:   StateDisconnected,
		changed: make(chan struct{}),
	}
}

// Name returns the venue name.
func (s *Session) Name() string { return s.venue.Name() }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscriptions returns subscriber ids per asset.
func (s *Session) Subscriptions() map[string][]string {
	out := make(map[string][]string)
	for _, a := range s.subs.Assets() {
		out[a] = s.subs.Subscribers(a)
	}
	return out
}

// Connect establishes the session. Calling it on an OFFLINE session is the
// operator reset: any pending reconnection loop is cancelled first.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateAuthenticated {
		s.mu.Unlock()
		return nil
	}
	if s.loop != nil {
		s.loop.cancel()
		s.loop = nil
	}
	s.mu.Unlock()

	return s.establish(ctx)
}

// Disconnect closes the venue connection without triggering reconnection.
func (s *Session) Disconnect(context.Context) error {
	s.mu.Lock()
	if s.loop != nil {
		s.loop.cancel()
		s.loop = nil
	}
	s.gen++
	s.mu.Unlock()

	err := s.venue.Close()
	s.setState(StateDisconnected)
	return err
}

// Reconnect forces a reconnection cycle, e.g. after the feed went stale.
// It does nothing for an OFFLINE session.
func (s *Session) Reconnect() {
	s.mu.Lock()
	st, gen := s.state, s.gen
	s.mu.Unlock()

	switch st {
	case StateAuthenticated:
		s.handleDrop(gen, errors.New("reconnect requested"))
	case StateDisconnected:
		s.startReconnect()
	}
}

func (s *Session) establish(ctx context.Context) error {
	s.setState(StateConnecting)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.early = nil
	s.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	if err := s.venue.Dial(rctx, func(err error) { s.handleDrop(gen, err) }); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("dial %s: %w", s.venue.Name(), err)
	}
	s.setState(StateConnected)

	if err := s.venue.Authenticate(rctx); err != nil {
		_ = s.venue.Close()
		s.setState(StateDisconnected)
		return fmt.Errorf("authenticate %s: %w", s.venue.Name(), err)
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, asset := range s.subs.Assets() {
		if err := s.venue.SubscribeTicks(rctx, asset, s.sink(asset)); err != nil {
			_ = s.venue.Close()
			s.setState(StateDisconnected)
			return fmt.Errorf("restore subscription %s: %w", asset, err)
		}
	}

	s.mu.Lock()
	early := s.early
	s.early = nil
	s.mu.Unlock()
	if early != nil {
		_ = s.venue.Close()
		s.setState(StateDisconnected)
		return fmt.Errorf("connection lost during setup: %w", early)
	}
	s.setState(StateAuthenticated)
	return nil
}

func (s *Session) handleDrop(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.state != StateAuthenticated {
		if s.state == StateConnecting || s.state == StateConnected {
			s.early = err
		}
		s.mu.Unlock()
		return
	}
	s.gen++
	s.mu.Unlock()

	s.log.Warn("connection lost", zap.Error(err))
	_ = s.venue.Close()
	s.setState(StateDisconnected)
	s.startReconnect()
}

func (s *Session) startReconnect() {
	s.mu.Lock()
	if s.loop != nil || s.state == StateOffline {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop := &reconnectLoop{cancel: cancel}
	s.loop = loop
	s.mu.Unlock()

	go s.runReconnect(ctx, loop)
}

func (s *Session) runReconnect(ctx context.Context, loop *reconnectLoop) {
	defer func() {
		s.mu.Lock()
		if s.loop == loop {
			s.loop = nil
		}
		s.mu.Unlock()
		loop.cancel()
	}()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		delay := s.cfg.BaseDelay * time.Duration(attempt)
		s.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Int("max_attempts", s.cfg.MaxAttempts), zap.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if err := s.establish(ctx); err != nil {
			lastErr = err
			s.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			// Disconnect raced with a successful dial.
			_ = s.venue.Close()
			s.setState(StateDisconnected)
			return
		}
		s.log.Info("reconnected", zap.Int("attempt", attempt), zap.Int("subscriptions", len(s.subs.Assets())))
		return
	}

	s.setState(StateOffline)
	s.log.Error("broker offline, manual intervention required",
		zap.Int("attempts", s.cfg.MaxAttempts), zap.Error(lastErr))
	if s.cfg.OnOffline != nil {
		s.cfg.OnOffline(s.venue.Name(), lastErr)
	}
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.log.Debug("state change", zap.String("from", string(from)), zap.String("to", string(to)))
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(s.venue.Name(), from, to)
	}
}

// waitReady blocks until the session is authenticated, giving up when ctx ends,
// the session goes OFFLINE, or it is disconnected with no reconnection pending.
func (s *Session) waitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		st, changed, reconnecting := s.state, s.changed, s.loop != nil
		s.mu.Unlock()

		switch {
		case st == StateAuthenticated:
			return nil
		case st == StateOffline:
			return ErrOffline
		case st == StateDisconnected && !reconnecting:
			return ErrNotConnected
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotConnected, ctx.Err())
		}
	}
}

func (s *Session) sink(asset string) TickHandler {
	return func(t market.Tick) { s.subs.Dispatch(asset, t) }
}

// Subscribe registers h for asset under subscriberID. The venue subscription
// is opened for the first subscriber only; while disconnected the subscription
// is recorded and opened on the next successful connect.
func (s *Session) Subscribe(asset, subscriberID string, h TickHandler) error {
	if asset == "" || subscriberID == "" || h == nil {
		return errors.New("subscribe: asset, subscriber id and handler are required")
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()

	first := s.subs.Add(asset, subscriberID, h)
	if !first || s.State() != StateAuthenticated {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.venue.SubscribeTicks(ctx, asset, s.sink(asset)); err != nil {
		s.subs.Remove(asset, subscriberID)
		return fmt.Errorf("subscribe %s: %w", asset, err)
	}
	s.log.Info("subscribed", zap.String("asset", asset), zap.String("subscriber_id", subscriberID))
	return nil
}

// Unsubscribe removes one subscriber; the venue subscription closes with the last.
func (s *Session) Unsubscribe(asset, subscriberID string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if !s.subs.Remove(asset, subscriberID) || s.State() != StateAuthenticated {
		return nil
	}
	if err := s.venue.UnsubscribeTicks(asset); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", asset, err)
	}
	s.log.Info("venue subscription closed", zap.String("asset", asset))
	return nil
}

// PlaceOrder waits for an authenticated session, then submits req.
func (s *Session) PlaceOrder(ctx context.Context, req OrderRequest, h OrderHandler) (string, error) {
	if err := s.waitReady(ctx); err != nil {
		return "", err
	}
	id, err := s.venue.PlaceOrder(ctx, req, h)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrRejected
	}
	return id, nil
}

// CancelOrder cancels a working order at the venue.
func (s *Session) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := s.waitReady(ctx); err != nil {
		return err
	}
	return s.venue.CancelOrder(ctx, brokerOrderID)
}

// Positions returns the venue's open positions.
func (s *Session) Positions(ctx context.Context) ([]Position, error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	return s.venue.Positions(ctx)
}

// AccountInfo returns the venue's account summary.
func (s *Session) AccountInfo(ctx context.Context) (AccountInfo, error) {
	if err := s.waitReady(ctx); err != nil {
		return AccountInfo{}, err
	}
	return s.venue.AccountInfo(ctx)
}

// FetchHistory returns bars of size for asset in [from, to).
func (s *Session) FetchHistory(ctx context.Context, asset string, size market.BarSize, from, to time.Time) ([]market.Bar, error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	return s.venue.FetchHistory(ctx, asset, size, from, to)
}
