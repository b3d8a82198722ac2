// Package config loads engine tunables from the environment and an optional
// .env file.
package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds the engine tunables. All values have working defaults so a
// bare environment still produces a usable engine.
type Config struct {
	LogLevel string

	// Settlement matcher defaults; a PaymentExpectation may override each.
	MatchTimeout     time.Duration
	PollInterval     time.Duration
	PropagationDelay time.Duration
	LedgerPageSize   int

	// Installment agreement defaults.
	AgreementExpiry time.Duration
}

// Load reads configuration from env vars (and .env when present).
func Load() *Config {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MATCH_TIMEOUT", "60s")
	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("PROPAGATION_DELAY", "2s")
	v.SetDefault("LEDGER_PAGE_SIZE", 20)
	v.SetDefault("AGREEMENT_EXPIRY", "30m")

	if err := v.ReadInConfig(); err != nil {
		log.Printf("No config file found: %v", err)
	}

	return &Config{
		LogLevel:         v.GetString("LOG_LEVEL"),
		MatchTimeout:     v.GetDuration("MATCH_TIMEOUT"),
		PollInterval:     v.GetDuration("POLL_INTERVAL"),
		PropagationDelay: v.GetDuration("PROPAGATION_DELAY"),
		LedgerPageSize:   v.GetInt("LEDGER_PAGE_SIZE"),
		AgreementExpiry:  v.GetDuration("AGREEMENT_EXPIRY"),
	}
}
