package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

type fakeVenue struct {
	mu          sync.Mutex
	dials       int
	failNext    int  // fail this many upcoming dials
	failAlways  bool // fail every dial
	onDrop      func(error)
	live        map[string]TickHandler
	subCalls    map[string]int
	unsubCalls  map[string]int
	placedCount int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{live: map[string]TickHandler{}, subCalls: map[string]int{}, unsubCalls: map[string]int{}}
}

func (v *fakeVenue) Name() string { return "fake" }

func (v *fakeVenue) Dial(_ context.Context, onDrop func(error)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dials++
	if v.failAlways {
		return errors.New("connection refused")
	}
	if v.failNext > 0 {
		v.failNext--
		return errors.New("connection refused")
	}
	v.onDrop = onDrop
	return nil
}

func (v *fakeVenue) Authenticate(context.Context) error { return nil }

func (v *fakeVenue) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.live = map[string]TickHandler{}
	return nil
}

func (v *fakeVenue) SubscribeTicks(_ context.Context, asset string, sink TickHandler) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.live[asset] = sink
	v.subCalls[asset]++
	return nil
}

func (v *fakeVenue) UnsubscribeTicks(asset string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.live, asset)
	v.unsubCalls[asset]++
	return nil
}

func (v *fakeVenue) PlaceOrder(_ context.Context, req OrderRequest, _ OrderHandler) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placedCount++
	if req.Quantity <= 0 {
		return "", nil
	}
	return "B-" + req.ClientOrderID, nil
}

func (v *fakeVenue) CancelOrder(context.Context, string) error     { return nil }
func (v *fakeVenue) Positions(context.Context) ([]Position, error) { return nil, nil }
func (v *fakeVenue) AccountInfo(context.Context) (AccountInfo, error) {
	return AccountInfo{ID: "acc"}, nil
}
func (v *fakeVenue) FetchHistory(context.Context, string, market.BarSize, time.Time, time.Time) ([]market.Bar, error) {
	return nil, nil
}

func (v *fakeVenue) drop() {
	v.mu.Lock()
	f := v.onDrop
	v.mu.Unlock()
	f(errors.New("EOF"))
}

func (v *fakeVenue) emit(asset string, price float64) {
	v.mu.Lock()
	sink := v.live[asset]
	v.mu.Unlock()
	if sink != nil {
		sink(market.Tick{Symbol: asset, Price: price, Time: time.Now()})
	}
}

func (v *fakeVenue) liveAssets() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for a := range v.live {
		out = append(out, a)
	}
	return out
}

func (v *fakeVenue) dialCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dials
}

func fastConfig() SessionConfig {
	return SessionConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, RequestTimeout: time.Second}
}

func TestSessionConnectStateSequence(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	cfg := fastConfig()
	cfg.OnStateChange = func(_ string, _, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}
	s := NewSession(newFakeVenue(), cfg, nil)
	require.NoError(t, s.Connect(context.Background()))

	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateAuthenticated}, seen)
	mu.Unlock()

	require.NoError(t, s.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionSubscriptionsAreReferenceCounted(t *testing.T) {
	v := newFakeVenue()
	s := NewSession(v, fastConfig(), nil)
	require.NoError(t, s.Connect(context.Background()))

	var mu sync.Mutex
	got := map[string]int{}
	handler := func(id string) TickHandler {
		return func(market.Tick) {
			mu.Lock()
			got[id]++
			mu.Unlock()
		}
	}

	require.NoError(t, s.Subscribe("EUR_USD", "op-1", handler("op-1")))
	require.NoError(t, s.Subscribe("EUR_USD", "op-2", handler("op-2")))
	assert.Equal(t, 1, v.subCalls["EUR_USD"])

	v.emit("EUR_USD", 1.1)
	mu.Lock()
	assert.Equal(t, map[string]int{"op-1": 1, "op-2": 1}, got)
	mu.Unlock()

	require.NoError(t, s.Unsubscribe("EUR_USD", "op-1"))
	assert.Equal(t, 0, v.unsubCalls["EUR_USD"])
	v.emit("EUR_USD", 1.2)
	mu.Lock()
	assert.Equal(t, 1, got["op-1"])
	assert.Equal(t, 2, got["op-2"])
	mu.Unlock()

	require.NoError(t, s.Unsubscribe("EUR_USD", "op-2"))
	assert.Equal(t, 1, v.unsubCalls["EUR_USD"])
	assert.Empty(t, v.liveAssets())

	// Unknown subscriber is a no-op.
	require.NoError(t, s.Unsubscribe("EUR_USD", "op-2"))
	assert.Equal(t, 1, v.unsubCalls["EUR_USD"])
}

func TestSessionSubscribeBeforeConnect(t *testing.T) {
	v := newFakeVenue()
	s := NewSession(v, fastConfig(), nil)
	require.NoError(t, s.Subscribe("GBP_USD", "op-1", func(market.Tick) {}))
	assert.Empty(t, v.liveAssets())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, []string{"GBP_USD"}, v.liveAssets())
}

func TestSessionRestoresSubscriptionsAfterReconnect(t *testing.T) {
	v := newFakeVenue()
	s := NewSession(v, fastConfig(), nil)
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Subscribe("EUR_USD", "op-1", func(market.Tick) {}))
	require.NoError(t, s.Subscribe("EUR_USD", "op-2", func(market.Tick) {}))
	require.NoError(t, s.Subscribe("USD_JPY", "op-3", func(market.Tick) {}))

	for i := 0; i < 4; i++ {
		v.mu.Lock()
		v.failNext = 2 // below the ceiling of 3
		v.mu.Unlock()

		v.drop()
		require.Eventually(t, func() bool { return s.State() == StateAuthenticated }, 2*time.Second, time.Millisecond)
		assert.ElementsMatch(t, []string{"EUR_USD", "USD_JPY"}, v.liveAssets())
	}
	assert.Equal(t, map[string][]string{"EUR_USD": {"op-1", "op-2"}, "USD_JPY": {"op-3"}}, s.Subscriptions())
}

func TestSessionGoesOfflineAfterMaxAttempts(t *testing.T) {
	v := newFakeVenue()
	var offline sync.WaitGroup
	offline.Add(1)
	var offlineCalls int
	var mu sync.Mutex
	cfg := fastConfig()
	cfg.OnOffline = func(string, error) {
		mu.Lock()
		offlineCalls++
		mu.Unlock()
		offline.Done()
	}
	s := NewSession(v, cfg, nil)
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Subscribe("EUR_USD", "op-1", func(market.Tick) {}))

	v.mu.Lock()
	v.failAlways = true
	v.mu.Unlock()
	v.drop()

	offline.Wait()
	assert.Equal(t, StateOffline, s.State())
	assert.Equal(t, 1+3, v.dialCount())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1+3, v.dialCount(), "offline session must not keep dialing")
	s.Reconnect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1+3, v.dialCount())

	_, err := s.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "o1", Quantity: 1}, nil)
	assert.ErrorIs(t, err, ErrOffline)

	// Operator reset.
	v.mu.Lock()
	v.failAlways = false
	v.mu.Unlock()
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, []string{"EUR_USD"}, v.liveAssets())
	mu.Lock()
	assert.Equal(t, 1, offlineCalls)
	mu.Unlock()
}

func TestSessionPlaceOrder(t *testing.T) {
	v := newFakeVenue()
	s := NewSession(v, fastConfig(), nil)

	_, err := s.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "o1", Quantity: 1}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	id, err := s.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "o1", Quantity: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "B-o1", id)

	id, err = s.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "o2", Quantity: 0}, nil)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, id)
}

func TestSessionPlaceOrderWaitsForReconnect(t *testing.T) {
	v := newFakeVenue()
	cfg := fastConfig()
	cfg.BaseDelay = 20 * time.Millisecond
	s := NewSession(v, cfg, nil)
	require.NoError(t, s.Connect(context.Background()))

	v.drop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := s.PlaceOrder(ctx, OrderRequest{ClientOrderID: "o1", Quantity: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "B-o1", id)
	assert.Equal(t, StateAuthenticated, s.State())
}
