package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
// All environment variables are read here and nowhere else.
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Paths
	DataPath   string // bar-store root (sqlite file lives here)
	ResultPath string // backtest result artifacts

	// Database (optional; when URL is empty the sqlite store is used)
	Database DatabaseConfig

	// Redis (optional bar cache + rate limiting)
	Redis RedisConfig

	// EastMoney market data endpoints
	EastMoney EastMoneyConfig

	// Backtest runtime knobs
	Backtest BacktestConfig

	// Reproducibility seed, recorded in result artifacts
	RandomSeed int64

	// Logging
	LogLevel  string
	LogFormat string

	// Monitoring
	MetricsEnabled bool
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	URL string

	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// EastMoneyConfig holds the public market-data endpoints.
type EastMoneyConfig struct {
	KlineBaseURL  string
	QuoteBaseURL  string
	RatePerSecond int
}

// BacktestConfig holds per-run runtime limits.
type BacktestConfig struct {
	BarFetchTimeout  time.Duration // per-call deadline for bar fetches
	FetchRetryBudget int           // recoverable fetch failures per run
}

// Load reads configuration from environment variables.
// Only this function calls os.Getenv().
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Port: getEnv("PORT", "8086"),
		Env:  getEnv("ENV", "development"),

		DataPath:   getEnv("DATA_PATH", "./data"),
		ResultPath: getEnv("RESULT_PATH", "./results"),

		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		EastMoney: EastMoneyConfig{
			KlineBaseURL:  getEnv("EASTMONEY_KLINE_URL", "https://push2his.eastmoney.com"),
			QuoteBaseURL:  getEnv("EASTMONEY_QUOTE_URL", "https://quote.eastmoney.com"),
			RatePerSecond: getEnvAsInt("EASTMONEY_RATE_PER_SEC", 10),
		},

		Backtest: BacktestConfig{
			BarFetchTimeout:  getEnvAsDuration("BAR_FETCH_TIMEOUT", "10s"),
			FetchRetryBudget: getEnvAsInt("BAR_FETCH_RETRY_BUDGET", 20),
		},

		RandomSeed: getEnvAsInt64("RANDOM_SEED", 42),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set.
func (c *Config) validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	if c.DataPath == "" {
		return fmt.Errorf("DATA_PATH must not be empty")
	}
	if c.ResultPath == "" {
		return fmt.Errorf("RESULT_PATH must not be empty")
	}

	if c.Backtest.FetchRetryBudget < 0 {
		return fmt.Errorf("BAR_FETCH_RETRY_BUDGET must be >= 0")
	}

	return nil
}

// loadEnvFile tries to load .env from multiple locations.
func loadEnvFile() {
	paths := []string{
		".env",
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}
