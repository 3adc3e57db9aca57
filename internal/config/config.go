package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/retry"
)

// Exchanges the bot can route orders to
var supportedExchanges = map[string]bool{
	"xt":      true,
	"bitunix": true,
	"lbank":   true,
	"paper":   true,
}

// Config holds all configuration for the bot
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64 // operator chat for notifications and commands

	// Channels & ingestion
	ChannelsFile string
	MediaDir     string
	Backfill     int
	QueueSize    int

	// Database
	DatabasePath   string
	SQLBusyRetries int
	SQLBusySleep   time.Duration

	// Extraction
	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string
	OpenAITimeout time.Duration
	ExtractRetry  retry.Policy

	// Execution
	Exchange             string
	OrderQuote           string
	OrderNotional        decimal.Decimal
	MinNotional          decimal.Decimal
	BalanceFraction      decimal.Decimal
	MaxPriceDeviationPct decimal.Decimal
	AutoExecution        bool
	OrderType            string // market, or limit at the signal's entry price
	MarginMode           string
	PendingStaleAfter    time.Duration
	ExchangeRetry        retry.Policy
	ExchangeRateLimit    float64 // requests per second per adapter
	BreakerFailures      int     // consecutive venue outages before placement pauses; 0 disables
	BreakerCooldown      time.Duration
	PaperBalance         decimal.Decimal

	// Exchange credentials
	XTAPIKey  string
	XTSecret  string
	XTBaseURL string

	BitunixAPIKey   string
	BitunixSecret   string
	BitunixBaseURL  string
	BitunixWSURL    string
	BitunixLanguage string

	LBankAPIKey   string
	LBankSecret   string
	LBankPassword string
	LBankBaseURL  string

	// Operator surface
	AdminAddr string

	// Logging
	Debug         bool
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Channels
		ChannelsFile: getEnv("CHANNELS_FILE", "./configs/channels.json"),
		MediaDir:     getEnv("MEDIA_DIR", "./output/media"),
		Backfill:     getEnvInt("BACKFILL", 3),
		QueueSize:    getEnvInt("QUEUE_SIZE", 256),

		// Database
		DatabasePath:   getEnv("DATABASE_PATH", "data/signalbot.db"),
		SQLBusyRetries: getEnvInt("SQL_BUSY_RETRIES", 10),
		SQLBusySleep:   getEnvSeconds("SQL_BUSY_SLEEP", 200*time.Millisecond),

		// Extraction
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAITimeout: getEnvSeconds("OPENAI_TIMEOUT_SECS", 30*time.Second),
		ExtractRetry: retry.Policy{
			Attempts: getEnvInt("EXTRACT_MAX_ATTEMPTS", 3),
			Base:     getEnvDuration("EXTRACT_BACKOFF_BASE", time.Second),
			Max:      getEnvDuration("EXTRACT_BACKOFF_MAX", 300*time.Second),
			Jitter:   time.Second,
		},

		// Execution
		Exchange:             strings.ToLower(getEnv("EXCHANGE", "bitunix")),
		OrderQuote:           strings.ToUpper(getEnv("ORDER_QUOTE", "USDT")),
		OrderNotional:        getEnvDecimal("ORDER_NOTIONAL", decimal.NewFromInt(10)),
		MinNotional:          getEnvDecimal("MIN_NOTIONAL", decimal.NewFromInt(10)),
		BalanceFraction:      getEnvDecimal("BALANCE_FRACTION", decimal.NewFromFloat(0.90)),
		MaxPriceDeviationPct: getEnvDecimal("MAX_PRICE_DEVIATION_PCT", decimal.NewFromFloat(0.02)),
		AutoExecution:        getEnvBool("ENABLE_AUTO_EXECUTION", true),
		OrderType:            strings.ToLower(getEnv("ORDER_TYPE", "market")),
		MarginMode:           strings.ToUpper(getEnv("MARGIN_MODE", "ISOLATION")),
		PendingStaleAfter:    getEnvDuration("PENDING_STALE_AFTER", 2*time.Minute),
		ExchangeRetry: retry.Policy{
			Attempts: getEnvInt("EXCHANGE_MAX_ATTEMPTS", 3),
			Base:     getEnvDuration("EXCHANGE_BACKOFF_BASE", time.Second),
			Max:      getEnvDuration("EXCHANGE_BACKOFF_MAX", 30*time.Second),
			Jitter:   250 * time.Millisecond,
		},
		ExchangeRateLimit: getEnvFloat("EXCHANGE_RATE_LIMIT", 5),
		BreakerFailures:   getEnvInt("EXCHANGE_BREAKER_FAILURES", 5),
		BreakerCooldown:   getEnvDuration("EXCHANGE_BREAKER_COOLDOWN", 2*time.Minute),
		PaperBalance:      getEnvDecimal("PAPER_BALANCE", decimal.NewFromInt(1000)),

		// Credentials
		XTAPIKey:  os.Getenv("XT_API_KEY"),
		XTSecret:  os.Getenv("XT_SECRET"),
		XTBaseURL: getEnv("XT_BASE_URL", "https://fapi.xt.com"),

		BitunixAPIKey:   os.Getenv("BITUNIX_API_KEY"),
		BitunixSecret:   os.Getenv("BITUNIX_SECRET"),
		BitunixBaseURL:  getEnv("BITUNIX_BASE_URL", "https://fapi.bitunix.com"),
		BitunixWSURL:    os.Getenv("BITUNIX_WS_URL"),
		BitunixLanguage: getEnv("BITUNIX_LANGUAGE", "en-US"),

		LBankAPIKey:   os.Getenv("LBANK_API_KEY"),
		LBankSecret:   os.Getenv("LBANK_SECRET"),
		LBankPassword: os.Getenv("LBANK_PASSWORD"),
		LBankBaseURL:  getEnv("LBANK_BASE_URL", "https://lbkperp.lbank.com"),

		AdminAddr: os.Getenv("ADMIN_ADDR"),

		Debug:         getEnvBool("DEBUG", false),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		LogFile:       os.Getenv("LOG_FILE"),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 10),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !supportedExchanges[c.Exchange] {
		return fmt.Errorf("unsupported EXCHANGE %q", c.Exchange)
	}
	if c.OrderQuote == "" {
		return fmt.Errorf("ORDER_QUOTE is required")
	}
	if !c.OrderNotional.IsPositive() {
		return fmt.Errorf("ORDER_NOTIONAL must be positive, got %s", c.OrderNotional)
	}
	if c.MinNotional.IsNegative() {
		return fmt.Errorf("MIN_NOTIONAL must not be negative, got %s", c.MinNotional)
	}
	if !c.BalanceFraction.IsPositive() || c.BalanceFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("BALANCE_FRACTION must be in (0, 1], got %s", c.BalanceFraction)
	}
	if c.MaxPriceDeviationPct.IsNegative() {
		return fmt.Errorf("MAX_PRICE_DEVIATION_PCT must not be negative, got %s", c.MaxPriceDeviationPct)
	}
	if c.OrderType != "market" && c.OrderType != "limit" {
		return fmt.Errorf("ORDER_TYPE must be market or limit, got %q", c.OrderType)
	}
	if c.Backfill < 0 {
		return fmt.Errorf("BACKFILL must not be negative, got %d", c.Backfill)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1, got %d", c.QueueSize)
	}
	if c.SQLBusyRetries < 0 {
		return fmt.Errorf("SQL_BUSY_RETRIES must not be negative, got %d", c.SQLBusyRetries)
	}
	if c.ExtractRetry.Attempts < 1 || c.ExchangeRetry.Attempts < 1 {
		return fmt.Errorf("EXTRACT_MAX_ATTEMPTS and EXCHANGE_MAX_ATTEMPTS must be at least 1")
	}
	if c.ExchangeRateLimit <= 0 {
		return fmt.Errorf("EXCHANGE_RATE_LIMIT must be positive, got %v", c.ExchangeRateLimit)
	}
	if c.AutoExecution {
		key, secret := c.ExchangeCredentials()
		if c.Exchange != "paper" && (key == "" || secret == "") {
			return fmt.Errorf("%s credentials are required when ENABLE_AUTO_EXECUTION is on", strings.ToUpper(c.Exchange))
		}
	}
	return nil
}

// ExchangeCredentials returns the API key and secret of the configured exchange
func (c *Config) ExchangeCredentials() (string, string) {
	switch c.Exchange {
	case "xt":
		return c.XTAPIKey, c.XTSecret
	case "bitunix":
		return c.BitunixAPIKey, c.BitunixSecret
	case "lbank":
		return c.LBankAPIKey, c.LBankSecret
	}
	return "", ""
}

// RequireBot checks the settings the long-running bot needs beyond Load's checks
func (c *Config) RequireBot() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	return c.RequireExtraction()
}

// RequireExtraction checks the settings needed to call the language model
func (c *Config) RequireExtraction() error {
	if c.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := strings.ToLower(os.Getenv(key)); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvSeconds accepts a bare number of seconds ("0.2", "30") or a Go duration ("200ms")
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
