// Package config loads the supervisor's runtime configuration from the
// environment, following the same flat env-var-with-defaults convention used
// throughout this codebase's services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aristath/order-supervisor/internal/broker"
)

// Config holds every knob the supervisor recognizes.
type Config struct {
	Port int
	DevMode bool
	LogLevel string

	UserIDs []string

	// TradableSymbols is the process-wide instrument master, loaded once at
	// startup and held immutable for the day. Empty means no instrument list
	// was configured, and the "symbol known" gate fails open.
	TradableSymbols []string

	DatabasePath       string
	HistoryCacheDBPath string

	MonitorIntervalSeconds    int
	PlaceVerifyDelaySeconds   int
	MaxPortfolioSize          int
	CapitalPerTrade           float64
	MaxStalenessSecondsOpen   int
	MaxStalenessSecondsClosed int
	NotifyPerMinute           int
	NotifyPerHour             int
	StopGracePeriodSeconds    int
	RunOnceDeadlineSeconds    int
	BrokerCallTimeoutSeconds  int

	MarketTimezone string
	MarketOpen     string
	MarketClose    string
	HolidayCalendar string

	BuyCooldownSeconds     int
	MinHoldSeconds         int
	MaxPositionVolumeRatio float64

	AuditExportPath string
	AuditS3Bucket   string

	BrokerBaseURL string
}

// Load reads a .env file if present (ignored if absent) and then builds a
// Config from the environment, applying defaults for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnvAsInt("PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		UserIDs:         splitCSV(getEnv("USER_IDS", "default")),
		TradableSymbols: splitCSV(getEnv("TRADABLE_SYMBOLS", "")),

		DatabasePath:       getEnv("DATABASE_PATH", "./data/supervisor.db"),
		HistoryCacheDBPath: getEnv("HISTORY_CACHE_DB_PATH", "./data/history_cache.db"),

		MonitorIntervalSeconds:    getEnvAsInt("MONITOR_INTERVAL_SECONDS", 60),
		PlaceVerifyDelaySeconds:   clampInt(getEnvAsInt("PLACE_VERIFY_DELAY_SECONDS", 15), 10, 30),
		MaxPortfolioSize:          getEnvAsInt("MAX_PORTFOLIO_SIZE", 6),
		CapitalPerTrade:           getEnvAsFloat("CAPITAL_PER_TRADE", 10000),
		MaxStalenessSecondsOpen:   getEnvAsInt("MAX_STALENESS_SECONDS", 30),
		MaxStalenessSecondsClosed: getEnvAsInt("MAX_STALENESS_SECONDS_CLOSED", 300),
		NotifyPerMinute:           getEnvAsInt("NOTIFY_PER_MINUTE", 10),
		NotifyPerHour:             getEnvAsInt("NOTIFY_PER_HOUR", 100),
		StopGracePeriodSeconds:    getEnvAsInt("STOP_GRACE_PERIOD_SECONDS", 30),
		RunOnceDeadlineSeconds:    getEnvAsInt("RUN_ONCE_DEADLINE_SECONDS", 300),
		BrokerCallTimeoutSeconds:  getEnvAsInt("BROKER_CALL_TIMEOUT_SECONDS", 15),

		MarketTimezone:  getEnv("MARKET_TIMEZONE", "Asia/Kolkata"),
		MarketOpen:      getEnv("MARKET_OPEN", "09:15"),
		MarketClose:     getEnv("MARKET_CLOSE", "15:30"),
		HolidayCalendar: getEnv("HOLIDAY_CALENDAR", ""),

		BuyCooldownSeconds:     getEnvAsInt("BUY_COOLDOWN_SECONDS", 300),
		MinHoldSeconds:         getEnvAsInt("MIN_HOLD_SECONDS", 60),
		MaxPositionVolumeRatio: getEnvAsFloat("MAX_POSITION_VOLUME_RATIO", 0.01),

		AuditExportPath: getEnv("AUDIT_EXPORT_PATH", "./data/audit"),
		AuditS3Bucket:   getEnv("AUDIT_S3_BUCKET", ""),

		BrokerBaseURL: getEnv("BROKER_BASE_URL", "http://localhost:9000"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate performs the minimal sanity checks required for the supervisor to
// start; it is deliberately soft on anything that has a workable default.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: DATABASE_PATH must not be empty")
	}
	if c.MaxPortfolioSize <= 0 {
		return fmt.Errorf("config: MAX_PORTFOLIO_SIZE must be positive")
	}
	if _, err := time.LoadLocation(c.MarketTimezone); err != nil {
		return fmt.Errorf("config: invalid MARKET_TIMEZONE %q: %w", c.MarketTimezone, err)
	}
	return nil
}

// CredentialsFor resolves userID's broker API key/secret, falling back to
// the process-wide BROKER_API_KEY/BROKER_API_SECRET pair when no
// user-specific override is set.
func (c *Config) CredentialsFor(userID string) broker.Credentials {
	suffix := strings.ToUpper(strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, userID))
	return broker.Credentials{
		APIKey:    getEnv("BROKER_API_KEY_"+suffix, getEnv("BROKER_API_KEY", "")),
		APISecret: getEnv("BROKER_API_SECRET_"+suffix, getEnv("BROKER_API_SECRET", "")),
	}
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
