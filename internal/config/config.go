package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/risk"
)

// Config holds all configuration for the engine
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Mode
	Assets   []string
	Strategy string
	DryRun   bool
	Debug    bool

	// Polymarket API
	GammaURL string
	CLOBURL  string
	WSURL    string

	// CLOB Credentials
	CLOBApiKey     string
	CLOBApiSecret  string
	CLOBPassphrase string

	// Wallet
	WalletPrivateKey string
	FunderAddress    string // Address that holds funds (may differ from signing key)
	SignatureType    int    // 0=EOA, 1=Magic/Email, 2=Proxy
	RPCURLs          []string

	// Capital & sizing
	StartingCapital decimal.Decimal
	EntryContracts  decimal.Decimal

	// Safety guard
	MaxOrderUSD            decimal.Decimal
	MaxOrdersPerMinute     int
	MaxInvestmentPerMarket decimal.Decimal
	MaxConsecutiveLosses   int
	MaxDailyLossUSD        decimal.Decimal

	// Exit rules
	DefaultStopLoss risk.StopLoss
	StopLosses      map[string]risk.StopLoss // asset -> override
	FlipStopPrice   decimal.Decimal

	// State machine
	TradingWindow    time.Duration
	MaxPriceAge      time.Duration
	FastPathInterval time.Duration
	Workers          int
	QueueSize        int

	// Execution
	MaxSweepLossUSD decimal.Decimal
	ChunkSize       decimal.Decimal

	// Settlement
	SweepInterval time.Duration
	ResolveGrace  time.Duration

	// Persistence
	DatabaseURL string
	LogDir      string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Mode
		Assets:   getEnvList("TRADING_ASSETS", []string{"btc", "eth", "sol", "xrp"}),
		Strategy: getEnv("STRATEGY_NAME", "sniper"),
		DryRun:   getEnvBool("DRY_RUN", true),
		Debug:    getEnvBool("DEBUG", false),

		// Polymarket API
		GammaURL: getEnv("POLYMARKET_API_URL", "https://gamma-api.polymarket.com"),
		CLOBURL:  getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		WSURL:    getEnv("POLYMARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),

		// CLOB Credentials
		CLOBApiKey:     os.Getenv("CLOB_API_KEY"),
		CLOBApiSecret:  os.Getenv("CLOB_API_SECRET"),
		CLOBPassphrase: os.Getenv("CLOB_PASSPHRASE"),

		// Wallet
		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		FunderAddress:    os.Getenv("FUNDER_ADDRESS"),
		SignatureType:    getEnvInt("SIGNATURE_TYPE", 0),
		RPCURLs:          getEnvList("POLYGON_RPC_URLS", []string{"https://polygon-rpc.com"}),

		// Capital & sizing
		StartingCapital: getEnvDecimal("STARTING_CAPITAL", decimal.NewFromInt(100)),
		EntryContracts:  getEnvDecimal("ENTRY_CONTRACTS", decimal.NewFromInt(5)),

		// Safety guard
		MaxOrderUSD:            getEnvDecimal("MAX_ORDER_USD", decimal.NewFromInt(50)),
		MaxOrdersPerMinute:     getEnvInt("MAX_ORDERS_PER_MINUTE", 30),
		MaxInvestmentPerMarket: getEnvDecimal("MAX_INVESTMENT_PER_MARKET", decimal.NewFromInt(100)),
		MaxConsecutiveLosses:   getEnvInt("MAX_CONSECUTIVE_LOSSES", 5),
		MaxDailyLossUSD:        getEnvDecimal("MAX_DAILY_LOSS_USD", decimal.Zero),

		// Exit rules
		FlipStopPrice: getEnvDecimal("FLIP_STOP_PRICE", decimal.NewFromFloat(0.30)),
		StopLosses:    make(map[string]risk.StopLoss),

		// State machine
		TradingWindow:    getEnvDuration("TRADING_WINDOW", 60*time.Second),
		MaxPriceAge:      getEnvDuration("MAX_PRICE_AGE", 2*time.Second),
		FastPathInterval: getEnvDuration("FAST_PATH_INTERVAL", 200*time.Millisecond),
		Workers:          getEnvInt("WORKERS", 4),
		QueueSize:        getEnvInt("QUEUE_SIZE", 256),

		// Execution
		MaxSweepLossUSD: getEnvDecimal("MAX_SWEEP_LOSS_USD", decimal.Zero),
		ChunkSize:       getEnvDecimal("SELL_CHUNK_SIZE", decimal.NewFromInt(40)),

		// Settlement
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", 60*time.Second),
		ResolveGrace:  getEnvDuration("RESOLVE_GRACE", 2*time.Minute),

		// Persistence
		LogDir: getEnv("LOG_DIR", "logs"),
	}
	cfg.DatabaseURL = getEnv("DATABASE_URL", filepath.Join("data", "polyexec.db"))

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Stop-loss: STOP_LOSS is the default, STOP_LOSS_{ASSET} overrides
	sl, err := risk.ParseStopLoss(getEnv("STOP_LOSS", "fixed:10"))
	if err != nil {
		return nil, fmt.Errorf("invalid STOP_LOSS: %w", err)
	}
	cfg.DefaultStopLoss = sl
	for _, asset := range cfg.Assets {
		key := "STOP_LOSS_" + strings.ToUpper(asset)
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		sl, err := risk.ParseStopLoss(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		cfg.StopLosses[asset] = sl
	}

	// Validate required fields
	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("TRADING_ASSETS is empty")
	}
	if !cfg.DryRun && cfg.WalletPrivateKey == "" {
		return nil, fmt.Errorf("WALLET_PRIVATE_KEY is required for live trading")
	}

	return cfg, nil
}

// StrategyLogDir is where the trade log for this strategy lives
func (c *Config) StrategyLogDir() string {
	return filepath.Join(c.LogDir, c.Strategy)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
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

// getEnvList splits a comma-separated value, lowercased and trimmed
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
