package gateway

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/broker/oanda"
	"github.com/marcosuma/trading-bot-sub000/internal/broker/paper"
	"github.com/marcosuma/trading-bot-sub000/pkg/config"
)

// ErrUnsupportedBroker is returned for an unknown BROKER_TYPE.
var ErrUnsupportedBroker = errors.New("unsupported broker type")

// Factory creates an adapter for the configured broker.
type Factory func(cfg *config.Config, session broker.SessionConfig, log *zap.Logger) (broker.Adapter, error)

// DefaultFactory creates adapters based on cfg.BrokerType.
func DefaultFactory(cfg *config.Config, session broker.SessionConfig, log *zap.Logger) (broker.Adapter, error) {
	switch cfg.BrokerType {
	case config.BrokerOANDA:
		if cfg.OANDAAPIKey == "" || cfg.OANDAAccountID == "" {
			return nil, fmt.Errorf("oanda: %w", config.ErrMissingCredentials)
		}
		return oanda.New(oanda.Config{
			APIKey:            cfg.OANDAAPIKey,
			AccountID:         cfg.OANDAAccountID,
			Environment:       cfg.OANDAEnvironment,
			RequestsPerSecond: cfg.OANDARequestsPerSecond,
		}, session, log)

	case config.BrokerPaper:
		var feed paper.Feed
		switch cfg.PaperFeed {
		case "binance":
			feed = paper.NewBinanceFeed(cfg.BinanceWSURL, cfg.BinanceRESTURL)
		case "mock", "":
			feed = &paper.RandomWalk{}
		default:
			return nil, fmt.Errorf("%w: paper feed %q", ErrUnsupportedBroker, cfg.PaperFeed)
		}
		return paper.New(paper.Config{
			InitialBalance: cfg.PaperInitialBalance,
			FeeRate:        cfg.PaperFeeRate,
			Latency:        cfg.PaperLatency,
		}, feed, session, log), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBroker, cfg.BrokerType)
	}
}

// SessionConfig derives the reconnection settings from cfg.
func SessionConfig(cfg *config.Config) broker.SessionConfig {
	return broker.SessionConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		BaseDelay:   cfg.ReconnectBaseDelay,
	}
}
