package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port        string
	LogLevel    string
	LogEncoding string

	// Binance USDT-M futures
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool
	RecvWindowMs     int64

	// Symbols the core is allowed to trade.
	Symbols               []string
	SymbolRefreshInterval time.Duration

	// Persistence
	DBPath string

	// Shared cache. When RedisAddr is empty the core falls back to the
	// in-process store; pending orders and risk counters then do not
	// survive a restart, so this is only acceptable for dry runs.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Risk gate
	MaxDailyLossUSD      float64
	MaxConsecutiveLosses int
	LossCooldown         time.Duration
	SymbolCooldown       time.Duration
	MaxOpenPositions     int
	MaxSameDirection     int

	// Signal queue
	DispatchInterval time.Duration
	QueueEntryTTL    time.Duration
	MaxPriceDriftPct float64

	// Order executor
	MakerOffsetPct   float64
	ProtectAttempts  int
	WidenStepPct     float64
	PendingOrderTTL  time.Duration
	ExecutionEnabled bool

	// Position monitor
	MonitorInterval time.Duration
	// Local SL/TP price checks race against exchange-side conditional
	// orders; see internal/monitor. Off unless explicitly enabled.
	LocalExitChecks bool

	// Reconciliation watchdog
	WatchdogEnabled      bool
	WatchdogInterval     time.Duration
	WatchdogMissedCycles int

	// Per-strategy overrides
	StrategyConfigPath string

	// API auth
	JWTSecret   string
	OperatorKey string
	TokenExpiry time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "console"),

		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		BinanceTestnet:   getEnv("BINANCE_TESTNET", "false") == "true",
		RecvWindowMs:     int64(getEnvInt("BINANCE_RECV_WINDOW_MS", 5000)),

		Symbols:               splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		SymbolRefreshInterval: getEnvDuration("SYMBOL_REFRESH_INTERVAL", time.Hour),

		DBPath: getEnv("DB_PATH", "./data/perp-core.db"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MaxDailyLossUSD:      getEnvFloat("MAX_DAILY_LOSS_USD", 100),
		MaxConsecutiveLosses: getEnvInt("MAX_CONSECUTIVE_LOSSES", 3),
		LossCooldown:         getEnvDuration("LOSS_COOLDOWN", 2*time.Hour),
		SymbolCooldown:       getEnvDuration("SYMBOL_COOLDOWN", time.Hour),
		MaxOpenPositions:     getEnvInt("MAX_OPEN_POSITIONS", 5),
		MaxSameDirection:     getEnvInt("MAX_SAME_DIRECTION", 3),

		DispatchInterval: getEnvDuration("DISPATCH_INTERVAL", 2*time.Minute),
		QueueEntryTTL:    getEnvDuration("QUEUE_ENTRY_TTL", 5*time.Minute),
		MaxPriceDriftPct: getEnvFloat("MAX_PRICE_DRIFT_PCT", 0.01),

		MakerOffsetPct:   getEnvFloat("MAKER_OFFSET_PCT", 0.0005),
		ProtectAttempts:  getEnvInt("PROTECT_ATTEMPTS", 3),
		WidenStepPct:     getEnvFloat("WIDEN_STEP_PCT", 0.003),
		PendingOrderTTL:  getEnvDuration("PENDING_ORDER_TTL", time.Hour),
		ExecutionEnabled: getEnv("EXECUTION_ENABLED", "true") == "true",

		MonitorInterval: getEnvDuration("MONITOR_INTERVAL", 10*time.Second),
		LocalExitChecks: getEnv("LOCAL_EXIT_CHECKS", "false") == "true",

		WatchdogEnabled:      getEnv("WATCHDOG_ENABLED", "false") == "true",
		WatchdogInterval:     getEnvDuration("WATCHDOG_INTERVAL", 5*time.Minute),
		WatchdogMissedCycles: getEnvInt("WATCHDOG_MISSED_CYCLES", 3),

		StrategyConfigPath: getEnv("STRATEGY_CONFIG_PATH", "./configs/strategies.yaml"),

		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		OperatorKey: os.Getenv("OPERATOR_KEY"),
		TokenExpiry: getEnvDuration("TOKEN_EXPIRES", 24*time.Hour),
	}, nil
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

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
