// Package config loads service configuration from environment variables.
// envconfig maps variables onto the struct fields; an optional .env file is
// read first so local runs need no exported shell state.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds ALL application settings.
type Config struct {
	// --- Database ---
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"evuser"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" default:"ev_backend"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`
	AppTimezone string `envconfig:"APP_TIMEZONE" default:"Asia/Kolkata"`

	// --- HTTP ---
	HTTPAddr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	HTTPReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	HTTPWriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	HTTPShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"20s"`
	// Argon2id hash of the key ops tooling sends in X-API-Key (ledgerctl hash-key)
	OpsAPIKeyHash string `envconfig:"OPS_API_KEY_HASH" required:"true"`

	// --- Rate Limiting ---
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"60"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// --- Telegram notifications ---
	// Empty token switches notifications to log-only mode.
	TelegramBotToken  string `envconfig:"TELEGRAM_BOT_TOKEN"`
	OpsChatID         int64  `envconfig:"TELEGRAM_OPS_CHAT_ID"`
	NotifyMaxInflight int    `envconfig:"NOTIFY_MAX_INFLIGHT" default:"16"`

	// --- RazorpayX ---
	RazorpayXBaseURL        string        `envconfig:"RAZORPAYX_BASE_URL" default:"https://api.razorpay.com"`
	RazorpayXKeyID          string        `envconfig:"RAZORPAYX_KEY_ID" required:"true"`
	RazorpayXKeySecret      string        `envconfig:"RAZORPAYX_KEY_SECRET" required:"true"`
	RazorpayXAccountNumber  string        `envconfig:"RAZORPAYX_ACCOUNT_NUMBER" required:"true"`
	RazorpayXWebhookSecret  string        `envconfig:"RAZORPAYX_WEBHOOK_SECRET" required:"true"`
	RazorpayXConnectTimeout time.Duration `envconfig:"RAZORPAYX_CONNECT_TIMEOUT" default:"5s"`
	RazorpayXTimeout        time.Duration `envconfig:"RAZORPAYX_TIMEOUT" default:"30s"`

	// --- Task queue ---
	TaskWorkers      int           `envconfig:"TASK_WORKERS" default:"4"`
	TaskPollInterval time.Duration `envconfig:"TASK_POLL_INTERVAL" default:"1s"`
	TaskMaxAttempts  int           `envconfig:"TASK_MAX_ATTEMPTS" default:"8"`
	TaskLease        time.Duration `envconfig:"TASK_LEASE" default:"2m"`
	TaskBackoffBase  time.Duration `envconfig:"TASK_BACKOFF_BASE" default:"5s"`
	TaskBackoffMax   time.Duration `envconfig:"TASK_BACKOFF_MAX" default:"30m"`

	// --- Scheduler ---
	StalePayoutAfter time.Duration `envconfig:"STALE_PAYOUT_AFTER" default:"30m"`

	// --- Settings cache ---
	SettingsCacheTTL time.Duration `envconfig:"SETTINGS_CACHE_TTL" default:"1m"`

	// --- Commission defaults (seed the platform_settings row on first start) ---
	SeedTDSThresholdPairs            int    `envconfig:"SEED_TDS_THRESHOLD_PAIRS" default:"5"`
	SeedCommissionTDSPercent         string `envconfig:"SEED_COMMISSION_TDS_PERCENT" default:"20"`
	SeedExtraDeductionPercent        string `envconfig:"SEED_EXTRA_DEDUCTION_PERCENT" default:"20"`
	SeedPairAmountPolicy             string `envconfig:"SEED_PAIR_AMOUNT_POLICY" default:"fixed"`
	SeedPairUnitAmount               string `envconfig:"SEED_PAIR_UNIT_AMOUNT" default:"10000"`
	SeedPairCommissionPercent        string `envconfig:"SEED_PAIR_COMMISSION_PERCENT" default:"20"`
	SeedDailyPairLimit               int    `envconfig:"SEED_DAILY_PAIR_LIMIT" default:"10"`
	SeedActivationDirectCount        int    `envconfig:"SEED_ACTIVATION_DIRECT_COUNT" default:"3"`
	SeedDirectUserCommission         string `envconfig:"SEED_DIRECT_USER_COMMISSION" default:"1000"`
	SeedMaxEarningsBeforeActiveBuyer int    `envconfig:"SEED_MAX_EARNINGS_BEFORE_ACTIVE_BUYER" default:"5"`
	SeedBlockNonActiveBuyer          bool   `envconfig:"SEED_BLOCK_NON_ACTIVE_BUYER" default:"true"`
	SeedEarningEMIPercent            string `envconfig:"SEED_EARNING_EMI_PERCENT" default:"0"`
	SeedMaxAncestorDepth             int    `envconfig:"SEED_MAX_ANCESTOR_DEPTH" default:"0"`
	SeedPayoutTDSPercent             string `envconfig:"SEED_PAYOUT_TDS_PERCENT" default:"5"`
	SeedPayoutTDSCeiling             string `envconfig:"SEED_PAYOUT_TDS_CEILING" default:"10000"`
	SeedActiveBuyerThreshold         string `envconfig:"SEED_ACTIVE_BUYER_THRESHOLD" default:"5000"`
	SeedBookingTimeoutMinutes        int    `envconfig:"SEED_BOOKING_TIMEOUT_MINUTES" default:"1440"`
}

// DatabaseDSN returns the PostgreSQL connection string.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword), c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// NotificationsEnabled reports whether a Telegram token was configured.
func (c *Config) NotificationsEnabled() bool {
	return strings.TrimSpace(c.TelegramBotToken) != ""
}

// IsProduction switches logging to JSON.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func (c *Config) Validate() error {
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid DB_MIN_CONNS/DB_MAX_CONNS")
	}
	if c.TaskWorkers <= 0 {
		return fmt.Errorf("TASK_WORKERS must be > 0")
	}
	if c.TaskMaxAttempts <= 0 {
		return fmt.Errorf("TASK_MAX_ATTEMPTS must be > 0")
	}
	if c.TaskBackoffBase <= 0 || c.TaskBackoffMax < c.TaskBackoffBase {
		return fmt.Errorf("invalid TASK_BACKOFF_BASE/TASK_BACKOFF_MAX")
	}
	if c.RazorpayXTimeout <= 0 || c.RazorpayXConnectTimeout <= 0 {
		return fmt.Errorf("RazorpayX timeouts must be > 0")
	}
	if c.NotifyMaxInflight <= 0 {
		return fmt.Errorf("NOTIFY_MAX_INFLIGHT must be > 0")
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	for name, raw := range map[string]string{
		"SEED_COMMISSION_TDS_PERCENT":  c.SeedCommissionTDSPercent,
		"SEED_EXTRA_DEDUCTION_PERCENT": c.SeedExtraDeductionPercent,
		"SEED_PAIR_UNIT_AMOUNT":        c.SeedPairUnitAmount,
		"SEED_PAIR_COMMISSION_PERCENT": c.SeedPairCommissionPercent,
		"SEED_DIRECT_USER_COMMISSION":  c.SeedDirectUserCommission,
		"SEED_EARNING_EMI_PERCENT":     c.SeedEarningEMIPercent,
		"SEED_PAYOUT_TDS_PERCENT":      c.SeedPayoutTDSPercent,
		"SEED_PAYOUT_TDS_CEILING":      c.SeedPayoutTDSCeiling,
		"SEED_ACTIVE_BUYER_THRESHOLD":  c.SeedActiveBuyerThreshold,
	} {
		if _, err := decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("%s is not a decimal: %w", name, err)
		}
	}
	return nil
}

// Load reads .env (if present) and the environment into Config.
func Load() (*Config, error) {
	// A missing .env is normal in containers.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
