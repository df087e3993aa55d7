package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the strategy engine.
type Config struct {
	Port     string
	GRPCPort string

	// Binance Futures (USDT)
	BinanceTestnet    bool
	BinanceUSDTKey    string
	BinanceUSDTSecret string

	// Execution
	DryRun               bool
	DryRunInitialBalance float64
	DryRunFeeRate        float64 // decimal (e.g. 0.0004 = 4 bps)

	// Database
	DBPath string

	// Scheduler / coordinator
	Workers           int
	GatewayTimeout    time.Duration
	ReconcileInterval time.Duration
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	WarmupCandles     int

	// Strategy seeds (YAML)
	StrategiesFile string

	// Admin auth
	JWTSecret         string
	AdminUser         string
	AdminPasswordHash string

	// Notifications
	TelegramToken  string
	TelegramChatID int64

	// Logging
	LogLevel  string
	LogFormat string // "json" (default) or "console"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/engine.db")
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		GRPCPort:             getEnv("GRPC_PORT", "9090"),
		BinanceTestnet:       getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceUSDTKey:       os.Getenv("BINANCE_USDT_KEY"),
		BinanceUSDTSecret:    os.Getenv("BINANCE_USDT_SECRET"),
		DryRun:               getEnv("DRY_RUN", "true") == "true",
		DryRunInitialBalance: getEnvFloat("DRY_RUN_INITIAL_BALANCE", 10000.0),
		DryRunFeeRate:        getEnvFloat("DRY_RUN_FEE_RATE", 0.0004),
		DBPath:               dbPath,
		Workers:              getEnvInt("WORKERS", 4),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		RetryMaxAttempts:     getEnvInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseDelay:       getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:        getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
		WarmupCandles:        getEnvInt("WARMUP_CANDLES", 300),
		StrategiesFile:       getEnv("STRATEGIES_FILE", "strategies.yaml"),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		AdminUser:            getEnv("ADMIN_USER", "admin"),
		AdminPasswordHash:    os.Getenv("ADMIN_PASSWORD_HASH"),
		TelegramToken:        os.Getenv("TELEGRAM_TOKEN"),
		TelegramChatID:       getEnvInt64("TELEGRAM_CHAT_ID", 0),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}, nil
}

// Venue names the execution venue for status output.
func (c *Config) Venue() string {
	if c.DryRun {
		return "paper"
	}
	if c.BinanceTestnet {
		return "binance-usdtfut-testnet"
	}
	return "binance-usdtfut"
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

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings ("5s") or bare seconds ("5").
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
