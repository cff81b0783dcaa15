package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"invoicehub/backend/internal/logger"
	"invoicehub/backend/internal/quickbooks"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	SchemeCacheTTLSeconds int
	AuthSecret            string
	TokenSealKey          string
	AutoSync              bool
	QuickBooks            quickbooks.Config
	Log                   logger.LogConfig
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	ttl, err := strconv.Atoi(getEnv("SCHEME_CACHE_TTL_SECONDS", "60"))
	if err != nil || ttl < 1 {
		ttl = 60
	}
	qboTimeout, err := strconv.Atoi(getEnv("QBO_HTTP_TIMEOUT_SECONDS", "30"))
	if err != nil || qboTimeout < 1 {
		qboTimeout = 30
	}
	autoSync, err := strconv.ParseBool(getEnv("AUTO_SYNC", "false"))
	if err != nil {
		autoSync = false
	}

	authSecret := strings.TrimSpace(os.Getenv("AUTH_SECRET"))
	defaults := quickbooks.DefaultAccountMapping()
	logDefaults := logger.DefaultConfig()

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		SchemeCacheTTLSeconds: ttl,
		AuthSecret:            authSecret,
		TokenSealKey:          getEnv("TOKEN_SEAL_KEY", authSecret),
		AutoSync:              autoSync,
		QuickBooks: quickbooks.Config{
			ClientID:     strings.TrimSpace(os.Getenv("QBO_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(os.Getenv("QBO_CLIENT_SECRET")),
			RedirectURL:  getEnv("QBO_REDIRECT_URL", "http://127.0.0.1:8080/api/v1/quickbooks/callback"),
			AuthURL:      getEnv("QBO_AUTH_URL", quickbooks.DefaultAuthURL),
			TokenURL:     getEnv("QBO_TOKEN_URL", quickbooks.DefaultTokenURL),
			BaseURL:      getEnv("QBO_BASE_URL", quickbooks.DefaultBaseURL),
			HTTPTimeout:  time.Duration(qboTimeout) * time.Second,
			Accounts: quickbooks.AccountMapping{
				AccountsReceivable: getEnv("QBO_ACCOUNT_RECEIVABLE", defaults.AccountsReceivable),
				AccountsPayable:    getEnv("QBO_ACCOUNT_PAYABLE", defaults.AccountsPayable),
				SalesIncome:        getEnv("QBO_ACCOUNT_SALES", defaults.SalesIncome),
				FreightIncome:      getEnv("QBO_ACCOUNT_FREIGHT", defaults.FreightIncome),
				DiscountGiven:      getEnv("QBO_ACCOUNT_DISCOUNT", defaults.DiscountGiven),
				CostOfGoodsSold:    getEnv("QBO_ACCOUNT_COGS", defaults.CostOfGoodsSold),
			},
		},
		Log: logger.LogConfig{
			Level:  getEnv("LOG_LEVEL", logDefaults.Level),
			Format: getEnv("LOG_FORMAT", logDefaults.Format),
			Output: getEnv("LOG_OUTPUT", logDefaults.Output),
		},
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// LedgerEnabled reports whether QuickBooks client credentials are present.
func (c Config) LedgerEnabled() bool {
	return c.QuickBooks.ClientID != "" && c.QuickBooks.ClientSecret != ""
}

func (c Config) SchemeCacheTTL() time.Duration {
	return time.Duration(c.SchemeCacheTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
