package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/api"
	"github.com/marcosuma/trading-bot-sub000/internal/balance"
	"github.com/marcosuma/trading-bot-sub000/internal/engine"
	"github.com/marcosuma/trading-bot-sub000/internal/events"
	"github.com/marcosuma/trading-bot-sub000/internal/gateway"
	"github.com/marcosuma/trading-bot-sub000/internal/indicators"
	"github.com/marcosuma/trading-bot-sub000/internal/journal"
	"github.com/marcosuma/trading-bot-sub000/internal/market"
	"github.com/marcosuma/trading-bot-sub000/internal/monitor"
	"github.com/marcosuma/trading-bot-sub000/internal/order"
	"github.com/marcosuma/trading-bot-sub000/internal/persistence"
	"github.com/marcosuma/trading-bot-sub000/internal/reconciliation"
	"github.com/marcosuma/trading-bot-sub000/internal/strategy"
	"github.com/marcosuma/trading-bot-sub000/internal/trace"
	"github.com/marcosuma/trading-bot-sub000/pkg/config"
)

const (
	reconcileInterval   = 5 * time.Minute
	accountSyncInterval = time.Minute
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log.Info("starting trading core",
		zap.String("version", buildVersion),
		zap.String("broker", cfg.BrokerType),
		zap.String("db_path", cfg.DBPath))

	if err := trace.Init(cfg.TracingEnabled, buildVersion); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	j, err := journal.New(ctx, database, log)
	if err != nil {
		return fmt.Errorf("init journal: %w", err)
	}

	// Events, metrics and alerts
	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	alerts := monitor.NewAlertManager(200, bus, log, monitor.LogSink{Log: log})
	mon := &monitor.Monitor{Bus: bus, Alerts: alerts, Metrics: metrics, Log: log}
	mon.Start(ctx)

	// Broker
	adapter, err := gateway.DefaultFactory(cfg, gateway.SessionConfig(cfg), log)
	if err != nil {
		return fmt.Errorf("create broker adapter: %w", err)
	}
	supervisor := gateway.NewSupervisor(gateway.Config{
		ShutdownTimeout: cfg.ShutdownAdapterTimeout,
	}, log)
	if err := supervisor.Add(adapter); err != nil {
		return err
	}
	if err := supervisor.ConnectAll(ctx); err != nil {
		// The session keeps retrying in the background; operations wait for it.
		log.Error("broker connect failed", zap.Error(err))
	}
	supervisor.Start(ctx)

	// Data and orders
	bars := persistence.NewBarWriter(database, 200, time.Second, log)
	defer bars.Close()
	data := market.NewDataManager(bars, indicators.NewCalculator(indicators.DefaultConfig()), metrics, log)
	orders := order.NewManager(database, adapter, j, bus, log)
	orders.SetMetrics(metrics)
	orders.SetSubmitTimeout(cfg.OrderSubmitTimeout)

	reconciler := reconciliation.NewService(adapter, database, j, log)
	reconciler.Start(ctx, reconcileInterval)

	account := balance.NewManager(adapter, bus, accountSyncInterval, log)
	account.Start(ctx)

	// Strategies
	registry := strategy.DefaultRegistry()
	if cfg.StrategyWorkerAddr != "" {
		conn, err := strategy.DialWorker(cfg.StrategyWorkerAddr)
		if err != nil {
			return err
		}
		defer conn.Close()
		registry.Register("remote", strategy.RemoteConstructor(conn, 0))
		log.Info("remote strategies enabled", zap.String("worker", cfg.StrategyWorkerAddr))
	}
	store, err := config.NewStrategyStore(cfg.StrategiesFile, log)
	if err != nil {
		return fmt.Errorf("load strategies file: %w", err)
	}
	defer store.Close()
	if err := store.Watch(); err != nil {
		log.Warn("strategies file not watched", zap.String("path", cfg.StrategiesFile), zap.Error(err))
	}

	eng, err := engine.New(engine.Config{
		DB:                  database,
		Journal:             j,
		Data:                data,
		Orders:              orders,
		Adapter:             adapter,
		Supervisor:          supervisor,
		Reconciler:          reconciler,
		Account:             account,
		Strategies:          registry,
		Params:              store.Merge,
		Bus:                 bus,
		Alerts:              alerts,
		Metrics:             metrics,
		Defaults:            cfg.Defaults,
		Log:                 log,
		StaleThreshold:      cfg.StaleThreshold,
		HealthCheckInterval: cfg.HealthCheckInterval,
		JournalRetention:    time.Duration(cfg.JournalRetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	summary, err := eng.RecoverFromJournal(ctx)
	if err != nil {
		return fmt.Errorf("recover operations: %w", err)
	}
	log.Info("recovery complete",
		zap.Int("recovered", len(summary.Recovered)),
		zap.Int("failed", len(summary.Failed)))
	eng.Start(ctx)

	// API
	server := api.NewServer(eng, bus, api.Config{
		AuthEnabled: cfg.APIAuthEnabled,
		JWTSecret:   cfg.JWTSecret,
		APIKey:      cfg.APIKey,
		RateLimit:   cfg.APIRateLimit,
	}, log)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(":" + cfg.Port) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		log.Error("api server stopped", zap.Error(err))
	}

	sctx, cancel := shutdownContext()
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	if err := eng.Shutdown(sctx); err != nil {
		log.Warn("engine shutdown", zap.Error(err))
	}
	if err := trace.Shutdown(sctx); err != nil {
		log.Warn("trace shutdown", zap.Error(err))
	}
	return err
}
