// Package config содержит логику чтения конфигурации платёжного сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/paymart-system/internal/validation"
)

// Config содержит параметры конфигурации платёжного сервиса.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	RatesSystemAddress  string        `env:"RATES_SYSTEM_ADDRESS"`
	WebhookSecret       string        `env:"WEBHOOK_SECRET"`
	OperatorSecret      string        `env:"OPERATOR_SECRET"`
	HoldDays            int           `env:"HOLD_DAYS" envDefault:"30"`
	HoldSweepInterval   time.Duration `env:"HOLD_SWEEP_INTERVAL" envDefault:"1h"`
	RateRefreshInterval time.Duration `env:"RATE_REFRESH_INTERVAL" envDefault:"24h"`
	WebhookTimeout      time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	PayoutCurrency      string        `env:"PAYOUT_CURRENCY" envDefault:"USD"`
	PreferredCurrencies []string      `env:"PREFERRED_CURRENCIES" envDefault:"USD,EUR,GBP"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRatesAddress := cfg.RatesSystemAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RatesSystemAddress, "r", "", "exchange rate source address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRatesAddress != "" {
		cfg.RatesSystemAddress = envRatesAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.HoldDays <= 0 {
		return fmt.Errorf("hold days must be positive, got %d", c.HoldDays)
	}
	if c.HoldSweepInterval <= 0 {
		return fmt.Errorf("hold sweep interval must be positive, got %s", c.HoldSweepInterval)
	}
	if c.RateRefreshInterval <= 0 {
		return fmt.Errorf("rate refresh interval must be positive, got %s", c.RateRefreshInterval)
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive, got %s", c.WebhookTimeout)
	}
	if !validation.IsValidCurrencyCode(c.PayoutCurrency) {
		return fmt.Errorf("invalid payout currency: %q", c.PayoutCurrency)
	}
	for _, code := range c.PreferredCurrencies {
		if !validation.IsValidCurrencyCode(code) {
			return fmt.Errorf("invalid preferred currency: %q", code)
		}
	}
	return nil
}
