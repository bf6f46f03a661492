package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/marcosuma/trading-bot-sub000/internal/journal"
	"github.com/marcosuma/trading-bot-sub000/internal/strategy"
	"github.com/marcosuma/trading-bot-sub000/pkg/config"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
	"github.com/marcosuma/trading-bot-sub000/pkg/logger"
)

// buildVersion is set with -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

var rootCmd = &cobra.Command{
	Use:   "trading-core",
	Short: "Live multi-operation trading runtime",
	Long: `trading-core runs strategy operations against a live or paper broker.

Commands:
  serve            start the engine and the HTTP control surface (default)
  migrate          apply database migrations and exit
  journal          print journal entries of an operation
  strategy-worker  serve the built-in strategies over gRPC`,
	SilenceUsage: true,
	RunE:         runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trading engine and HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print journal entries",
	Long: `Print journal entries as JSON lines, oldest first.

Examples:
  trading-core journal --operation 6f1c... --limit 20
  trading-core journal --since 2024-01-15T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: runJournal,
}

var workerCmd = &cobra.Command{
	Use:   "strategy-worker",
	Short: "Serve built-in strategies to remote operations over gRPC",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

var (
	journalOperation string
	journalLimit     int
	journalSince     string
	workerAddr       string
)

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, journalCmd, workerCmd)

	journalCmd.Flags().StringVar(&journalOperation, "operation", "", "operation id (empty for all)")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 50, "maximum entries")
	journalCmd.Flags().StringVar(&journalSince, "since", "", "RFC3339 lower bound")

	workerCmd.Flags().StringVar(&workerAddr, "addr", ":50051", "listen address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and builds the root logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func openDatabase(cfg *config.Config) (*db.Database, error) {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return database, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	missing, err := db.VerifySchema(database)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema incomplete, missing tables: %s", strings.Join(missing, ", "))
	}
	log.Info("migrations applied", zap.String("db_path", cfg.DBPath))
	return nil
}

func runJournal(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var since time.Time
	if journalSince != "" {
		if since, err = time.Parse(time.RFC3339, journalSince); err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	j, err := journal.New(ctx, database, log)
	if err != nil {
		return err
	}
	entries, err := j.GetEntries(ctx, journalOperation, since, journalLimit)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func runWorker(cmd *cobra.Command, _ []string) error {
	_, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	lis, err := net.Listen("tcp", workerAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", workerAddr, err)
	}
	reg := strategy.DefaultRegistry()
	srv := grpc.NewServer()
	strategy.RegisterWorker(srv, strategy.ServeStrategies(reg))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	log.Info("strategy worker listening",
		zap.String("addr", lis.Addr().String()),
		zap.Strings("strategies", reg.Names()))
	return srv.Serve(lis)
}

// shutdownContext bounds the graceful shutdown of the serve command.
func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
