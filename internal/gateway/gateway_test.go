package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/broker/brokertest"
	"github.com/marcosuma/trading-bot-sub000/pkg/config"
)

func TestDefaultFactory(t *testing.T) {
	a, err := DefaultFactory(&config.Config{BrokerType: config.BrokerPaper, PaperFeed: "mock"}, broker.SessionConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "PAPER", a.Name())
	assert.Equal(t, broker.StateDisconnected, a.State())

	_, err = DefaultFactory(&config.Config{BrokerType: config.BrokerOANDA}, broker.SessionConfig{}, nil)
	assert.ErrorIs(t, err, config.ErrMissingCredentials)

	a, err = DefaultFactory(&config.Config{BrokerType: config.BrokerOANDA, OANDAAPIKey: "k", OANDAAccountID: "acc"}, broker.SessionConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "OANDA", a.Name())

	_, err = DefaultFactory(&config.Config{BrokerType: "IB"}, broker.SessionConfig{}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedBroker)

	_, err = DefaultFactory(&config.Config{BrokerType: config.BrokerPaper, PaperFeed: "ftx"}, broker.SessionConfig{}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedBroker)
}

func TestSupervisorRegistry(t *testing.T) {
	s := NewSupervisor(Config{}, nil)
	_, err := s.Default()
	assert.ErrorIs(t, err, ErrAdapterNotFound)

	a := brokertest.New("A")
	require.NoError(t, s.Add(a))
	require.NoError(t, s.Add(brokertest.New("B")))
	assert.ErrorIs(t, s.Add(brokertest.New("A")), ErrDuplicateAdapter)

	def, err := s.Default()
	require.NoError(t, err)
	assert.Same(t, a, def)

	_, err = s.Get("C")
	assert.ErrorIs(t, err, ErrAdapterNotFound)

	require.NoError(t, s.ConnectAll(context.Background()))
	for _, st := range s.Status() {
		assert.Equal(t, broker.StateAuthenticated, st.State)
	}
}

type slowAdapter struct {
	*brokertest.Adapter
	release chan struct{}
}

func (a *slowAdapter) Disconnect(ctx context.Context) error {
	<-a.release
	return nil
}

func TestShutdownBoundsEachAdapter(t *testing.T) {
	s := NewSupervisor(Config{ShutdownTimeout: 50 * time.Millisecond}, nil)
	fast := brokertest.New("FAST")
	slow := &slowAdapter{Adapter: brokertest.New("SLOW"), release: make(chan struct{})}
	defer close(slow.release)
	require.NoError(t, s.Add(fast))
	require.NoError(t, s.Add(slow))
	require.NoError(t, s.ConnectAll(context.Background()))

	start := time.Now()
	err := s.Shutdown(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, broker.StateDisconnected, fast.State())
}

type flakyAdapter struct {
	*brokertest.Adapter
}

func (a *flakyAdapter) AccountInfo(context.Context) (broker.AccountInfo, error) {
	return broker.AccountInfo{}, errors.New("timeout")
}

func TestHealthCheckForcesReconnect(t *testing.T) {
	s := NewSupervisor(Config{FailureThreshold: 2}, nil)
	a := &flakyAdapter{Adapter: brokertest.New("FLAKY")}
	require.NoError(t, s.Add(a))
	require.NoError(t, a.Connect(context.Background()))

	s.healthCheckAll(context.Background())
	assert.Equal(t, 0, a.Reconnects)
	s.healthCheckAll(context.Background())
	assert.Equal(t, 1, a.Reconnects)
	assert.Equal(t, 0, s.Status()[0].Failures)
}
