package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DbURL        string
	KafkaBroker  string
	KafkaTopic   string
	APIPort      int
	RpcURL       string
	ProcessorURL string
	ProcessorKey string
	CexURL       string
	CexKey       string
	DexURL       string

	// Platform wallet the transfer executor sends from.
	HotWalletAddress string
	HotWalletKey     string

	// EVM chain parameters.
	ChainID               int64
	DepositLookbackBlocks uint64

	// Esplora-compatible Bitcoin API base URL.
	BtcAPIURL string

	// Deposit addresses per crypto payment method, injected here instead of
	// living as process-wide globals.
	DepositAddresses map[string]string

	// Minimum confirmation depth per payment method; threshold is
	// configuration, not code.
	MinConfirmations map[string]uint64

	// Pricing.
	PlatformFeeBps  int64
	MaxSlippageBps  int64
	QuoteTTL        time.Duration
	QuoteRetryLimit int

	// Watcher.
	AmountToleranceBps int64
	PollInterval       time.Duration
	MaxPollInterval    time.Duration
	ConfirmTimeout     time.Duration

	// Transfer finality.
	TransferFinalityDepth uint64

	// Venue access.
	VenueRatePerSec float64
	VenueBurst      int
	RetryLimit      int
	RetryBackoff    time.Duration

	// Compensation after a failed acquisition: "refund" or "requote".
	CompensationPolicy string

	// Refund policy: "auto" executes refunds, "manual" parks settlements in
	// REFUND_PENDING for an operator.
	RefundMode string
}

// NewConfig loads configuration from environment variables
func NewConfig() *Config {
	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	return &Config{
		DbURL:        getEnvOrFatal("DB_URL"),
		KafkaBroker:  getEnvOrFatal("KAFKA_BROKER"),
		KafkaTopic:   getEnvOrFatal("KAFKA_TOPIC"),
		APIPort:      getEnvInt("API_PORT", 8080),
		RpcURL:       getEnvOrFatal("RPC_URL"),
		ProcessorURL: getEnvOrFatal("PROCESSOR_URL"),
		ProcessorKey: os.Getenv("PROCESSOR_API_KEY"),
		CexURL:       getEnvOrFatal("CEX_URL"),
		CexKey:       os.Getenv("CEX_API_KEY"),
		DexURL:       getEnvOrFatal("DEX_URL"),

		HotWalletAddress: getEnvOrFatal("HOT_WALLET_ADDRESS"),
		HotWalletKey:     getEnvOrFatal("HOT_WALLET_KEY"),

		ChainID:               getEnvInt64("CHAIN_ID", 1),
		DepositLookbackBlocks: getEnvUint64("DEPOSIT_LOOKBACK_BLOCKS", 5000),

		BtcAPIURL: getEnvString("BTC_API_URL", "https://blockstream.info/api"),

		DepositAddresses: map[string]string{
			"BITCOIN":  os.Getenv("DEPOSIT_ADDRESS_BITCOIN"),
			"ETHEREUM": os.Getenv("DEPOSIT_ADDRESS_ETHEREUM"),
			"USDT":     os.Getenv("DEPOSIT_ADDRESS_USDT"),
		},

		MinConfirmations: map[string]uint64{
			"BITCOIN":  getEnvUint64("MIN_CONFIRMATIONS_BITCOIN", 3),
			"ETHEREUM": getEnvUint64("MIN_CONFIRMATIONS_ETHEREUM", 1),
			"USDT":     getEnvUint64("MIN_CONFIRMATIONS_USDT", 1),
		},

		PlatformFeeBps:  getEnvInt64("PLATFORM_FEE_BPS", 100),
		MaxSlippageBps:  getEnvInt64("MAX_SLIPPAGE_BPS", 50),
		QuoteTTL:        getEnvDuration("QUOTE_TTL", 60*time.Second),
		QuoteRetryLimit: getEnvInt("QUOTE_RETRY_LIMIT", 3),

		AmountToleranceBps: getEnvInt64("AMOUNT_TOLERANCE_BPS", 100),
		PollInterval:       getEnvDuration("POLL_INTERVAL", 5*time.Second),
		MaxPollInterval:    getEnvDuration("MAX_POLL_INTERVAL", 60*time.Second),
		ConfirmTimeout:     getEnvDuration("CONFIRM_TIMEOUT", 30*time.Minute),

		TransferFinalityDepth: getEnvUint64("TRANSFER_FINALITY_DEPTH", 1),

		VenueRatePerSec: getEnvFloat("VENUE_RATE_PER_SEC", 5),
		VenueBurst:      getEnvInt("VENUE_BURST", 10),
		RetryLimit:      getEnvInt("RETRY_LIMIT", 5),
		RetryBackoff:    getEnvDuration("RETRY_BACKOFF", 2*time.Second),

		CompensationPolicy: getEnvString("COMPENSATION_POLICY", "refund"),

		RefundMode: getEnvString("REFUND_MODE", "auto"),
	}
}

func getEnvOrFatal(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	log.Fatalf("Warning: environment variable %s not set", key)

	return ""
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
