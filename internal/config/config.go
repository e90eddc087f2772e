package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP API
	HTTPPort int

	// Database
	DBPath string

	// Upstream marketplace
	MarketBaseURL  string
	MarketLoginURL string
	CookieDomain   string

	// Seed credentials used when no set has been captured yet,
	// format: "name=value;name2=value2"
	SeedCookies string

	// Scheduler
	RefreshInterval time.Duration
	ProbeRecipient  string

	// Purchases
	DuplicateWindow time.Duration

	// Settlement wallet
	SettlementSeed       string
	SettlementFeeReserve int64 // nanoTON kept back for network fees

	// Operational alerts (optional)
	BotToken    string
	AlertChatID int64
}

func Load() *Config {
	return &Config{
		// HTTP API
		HTTPPort: getEnvInt("HTTP_PORT", 8080),

		// Database
		DBPath: getEnv("DB_PATH", "./shop.db"),

		// Marketplace
		MarketBaseURL:  strings.TrimSuffix(getEnv("MARKET_BASE_URL", "https://fragment.com/api"), "/"),
		MarketLoginURL: getEnv("MARKET_LOGIN_URL", "https://fragment.com/"),
		CookieDomain:   getEnv("MARKET_COOKIE_DOMAIN", "fragment.com"),
		SeedCookies:    getEnv("MARKET_SEED_COOKIES", ""),

		// Scheduler
		RefreshInterval: getEnvDuration("CREDENTIAL_REFRESH_INTERVAL", 5*time.Minute),
		ProbeRecipient:  getEnv("CREDENTIAL_PROBE_RECIPIENT", "durov"),

		// Purchases
		DuplicateWindow: getEnvDuration("DUPLICATE_WINDOW", 5*time.Minute),

		// Settlement
		SettlementSeed:       getEnv("SETTLEMENT_WALLET_SEED", ""),
		SettlementFeeReserve: getEnvInt64("SETTLEMENT_FEE_RESERVE_NANO", 100_000_000), // 0.1 TON

		// Alerts
		BotToken:    getEnv("BOT_TOKEN", ""),
		AlertChatID: getEnvInt64("ALERT_CHAT_ID", 0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
