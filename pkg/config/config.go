package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingCredentials is returned when the selected broker has no credentials configured.
var ErrMissingCredentials = errors.New("missing broker credentials")

const (
	BrokerPaper = "PAPER"
	BrokerOANDA = "OANDA"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port   string
	DBPath string

	// Broker selection
	BrokerType string

	// OANDA
	OANDAAPIKey            string
	OANDAAccountID         string
	OANDAEnvironment       string // PRACTICE or LIVE
	OANDARequestsPerSecond float64

	// Paper venue
	PaperFeed           string // mock or binance
	PaperInitialBalance float64
	PaperFeeRate        float64 // decimal (e.g. 0.00002 = 0.2 bps)
	PaperLatency        time.Duration
	BinanceWSURL        string
	BinanceRESTURL      string

	// Operation defaults
	Defaults RiskDefaults

	// Connection supervision
	ReconnectMaxAttempts   int
	ReconnectBaseDelay     time.Duration
	StaleThreshold         time.Duration
	HealthCheckInterval    time.Duration
	ShutdownAdapterTimeout time.Duration
	// OrderSubmitTimeout bounds one order submission, including any wait
	// for a reconnecting broker session.
	OrderSubmitTimeout time.Duration

	// Journal
	JournalRetentionDays int

	// Logging / tracing
	LogLevel       string
	LogFormat      string
	TracingEnabled bool

	// API
	JWTSecret      string
	APIKey         string
	APIAuthEnabled bool
	APIRateLimit   float64

	// Strategies
	StrategiesFile     string
	StrategyWorkerAddr string
}

// RiskDefaults seed new operations when the request leaves a field empty.
type RiskDefaults struct {
	StopLossType         string
	StopLossValue        float64
	TakeProfitType       string
	TakeProfitValue      float64
	CrashRecoveryMode    string
	EmergencyStopLossPct float64
	DataRetentionBars    int
	RiskPerTrade         float64
	InitialCapital       float64
	OrderType            string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8000"),
		DBPath:                 getEnv("DB_PATH", "./data/trading.db"),
		BrokerType:             strings.ToUpper(getEnv("BROKER_TYPE", BrokerPaper)),
		OANDAAPIKey:            os.Getenv("OANDA_API_KEY"),
		OANDAAccountID:         os.Getenv("OANDA_ACCOUNT_ID"),
		OANDAEnvironment:       strings.ToUpper(getEnv("OANDA_ENVIRONMENT", "PRACTICE")),
		OANDARequestsPerSecond: getEnvFloat("OANDA_REQUESTS_PER_SECOND", 50),
		PaperFeed:              strings.ToLower(getEnv("PAPER_FEED", "mock")),
		PaperInitialBalance:    getEnvFloat("PAPER_INITIAL_BALANCE", 10000.0),
		PaperFeeRate:           getEnvFloat("PAPER_FEE_RATE", 0),
		PaperLatency:           time.Duration(getEnvInt("PAPER_LATENCY_MS", 50)) * time.Millisecond,
		BinanceWSURL:           getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443/ws"),
		BinanceRESTURL:         getEnv("BINANCE_REST_URL", "https://api.binance.com"),
		Defaults: RiskDefaults{
			StopLossType:         strings.ToUpper(getEnv("DEFAULT_STOP_LOSS_TYPE", "ATR")),
			StopLossValue:        getEnvFloat("DEFAULT_STOP_LOSS_VALUE", 1.5),
			TakeProfitType:       strings.ToUpper(getEnv("DEFAULT_TAKE_PROFIT_TYPE", "RISK_REWARD")),
			TakeProfitValue:      getEnvFloat("DEFAULT_TAKE_PROFIT_VALUE", 2.0),
			CrashRecoveryMode:    strings.ToUpper(getEnv("DEFAULT_CRASH_RECOVERY_MODE", "CLOSE_ALL")),
			EmergencyStopLossPct: getEnvFloat("DEFAULT_EMERGENCY_STOP_LOSS_PCT", 0.05),
			DataRetentionBars:    getEnvInt("DEFAULT_DATA_RETENTION_BARS", 1000),
			RiskPerTrade:         getEnvFloat("DEFAULT_RISK_PER_TRADE", 0.01),
			InitialCapital:       getEnvFloat("DEFAULT_INITIAL_CAPITAL", 10000.0),
			OrderType:            strings.ToUpper(getEnv("DEFAULT_ORDER_TYPE", "MARKET")),
		},
		ReconnectMaxAttempts:   getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectBaseDelay:     getEnvDuration("RECONNECT_BASE_DELAY", 5*time.Second),
		StaleThreshold:         getEnvDuration("STALE_THRESHOLD", 120*time.Second),
		HealthCheckInterval:    getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		ShutdownAdapterTimeout: getEnvDuration("SHUTDOWN_ADAPTER_TIMEOUT", 10*time.Second),
		OrderSubmitTimeout:     getEnvDuration("ORDER_SUBMIT_TIMEOUT", 15*time.Second),
		JournalRetentionDays:   getEnvInt("JOURNAL_RETENTION_DAYS", 90),
		LogLevel:               strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(getEnv("LOG_FORMAT", "json")),
		TracingEnabled:         getEnv("TRACING_ENABLED", "false") == "true",
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
		APIKey:                 os.Getenv("API_KEY"),
		APIAuthEnabled:         getEnv("API_AUTH_ENABLED", "false") == "true",
		APIRateLimit:           getEnvFloat("API_RATE_LIMIT", 20),
		StrategiesFile:         getEnv("STRATEGIES_FILE", "./strategies.yaml"),
		StrategyWorkerAddr:     getEnv("STRATEGY_WORKER_ADDR", ""),
	}
	return cfg, nil
}

// Validate fails fast on configuration the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.BrokerType {
	case BrokerPaper:
		if c.PaperFeed != "mock" && c.PaperFeed != "binance" {
			return fmt.Errorf("unsupported PAPER_FEED %q (want mock|binance)", c.PaperFeed)
		}
	case BrokerOANDA:
		if c.OANDAAPIKey == "" || c.OANDAAccountID == "" {
			return fmt.Errorf("OANDA_API_KEY and OANDA_ACCOUNT_ID are required: %w", ErrMissingCredentials)
		}
		if c.OANDAEnvironment != "PRACTICE" && c.OANDAEnvironment != "LIVE" {
			return fmt.Errorf("unsupported OANDA_ENVIRONMENT %q (want PRACTICE|LIVE)", c.OANDAEnvironment)
		}
	default:
		return fmt.Errorf("unsupported BROKER_TYPE %q", c.BrokerType)
	}

	switch c.Defaults.StopLossType {
	case "ATR", "PERCENTAGE", "FIXED":
	default:
		return fmt.Errorf("unsupported DEFAULT_STOP_LOSS_TYPE %q", c.Defaults.StopLossType)
	}
	switch c.Defaults.TakeProfitType {
	case "ATR", "PERCENTAGE", "FIXED", "RISK_REWARD":
	default:
		return fmt.Errorf("unsupported DEFAULT_TAKE_PROFIT_TYPE %q", c.Defaults.TakeProfitType)
	}
	switch c.Defaults.CrashRecoveryMode {
	case "CLOSE_ALL", "RESUME", "EMERGENCY_EXIT":
	default:
		return fmt.Errorf("unsupported DEFAULT_CRASH_RECOVERY_MODE %q", c.Defaults.CrashRecoveryMode)
	}
	if c.Defaults.DataRetentionBars <= 0 {
		return errors.New("DEFAULT_DATA_RETENTION_BARS must be > 0")
	}
	if c.ReconnectMaxAttempts <= 0 {
		return errors.New("RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if c.APIAuthEnabled && c.APIKey == "" {
		return errors.New("API_KEY is required when API_AUTH_ENABLED=true")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
