package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	TelegramToken     string
	DatabaseURL       string
	AdminTelegramID   int64
	RPCURL            string // Alchemy (or compatible) JSON-RPC endpoint
	CollectionAddress string // shared wallet that receives all fees
	LogLevel          string
	Environment       string
	HTTPPort          string

	// Fee parameters. The USD target is converted via the spot price and
	// the result is clamped to the [floor, ceiling] USD band.
	USDTarget         decimal.Decimal
	USDFloor          decimal.Decimal
	USDCeiling        decimal.Decimal
	FallbackETHAmount decimal.Decimal // used when the price oracle is down

	CycleDuration  time.Duration
	PollInterval   time.Duration
	RemindInterval time.Duration
	BanDelay       time.Duration // pause between removal calls (rate limits)
	PollLookback   uint64        // blocks scanned behind head on the first poll
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Attempt to load .env file. Errors are ignored if the file doesn't exist.
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.TelegramToken = os.Getenv("BOT_TOKEN")
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN is not set")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	adminIDStr := os.Getenv("ADMIN_TELEGRAM_ID")
	if adminIDStr == "" {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is not set")
	}
	cfg.AdminTelegramID, err = strconv.ParseInt(adminIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_TELEGRAM_ID: %w", err)
	}

	cfg.RPCURL = os.Getenv("RPC_URL")
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC_URL is not set")
	}

	cfg.CollectionAddress = os.Getenv("COLLECTION_ADDRESS")
	if cfg.CollectionAddress == "" {
		return nil, fmt.Errorf("COLLECTION_ADDRESS is not set")
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info" // Default log level
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development" // Default environment
	}

	cfg.HTTPPort = os.Getenv("PORT")
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = "3000"
	}

	if cfg.USDTarget, err = decimalEnv("USD_TARGET", "0.50"); err != nil {
		return nil, err
	}
	if cfg.USDFloor, err = decimalEnv("USD_FLOOR", "0.40"); err != nil {
		return nil, err
	}
	if cfg.USDCeiling, err = decimalEnv("USD_CEILING", "0.90"); err != nil {
		return nil, err
	}
	if cfg.FallbackETHAmount, err = decimalEnv("FALLBACK_ETH_AMOUNT", "0.0003"); err != nil {
		return nil, err
	}

	if cfg.CycleDuration, err = durationEnv("CYCLE_DURATION", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = durationEnv("POLL_INTERVAL", 12*time.Second); err != nil {
		return nil, err
	}
	if cfg.RemindInterval, err = durationEnv("REMIND_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.BanDelay, err = durationEnv("BAN_DELAY", 2*time.Second); err != nil {
		return nil, err
	}

	lookbackStr := os.Getenv("POLL_LOOKBACK_BLOCKS")
	if lookbackStr == "" {
		cfg.PollLookback = 10
	} else {
		cfg.PollLookback, err = strconv.ParseUint(lookbackStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_LOOKBACK_BLOCKS: %w", err)
		}
	}

	return cfg, nil
}

func decimalEnv(name, fallback string) (decimal.Decimal, error) {
	raw := os.Getenv(name)
	if raw == "" {
		raw = fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
