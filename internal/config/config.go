package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type WebhookConfig struct {
	// Shared secret every inbound signal must carry.
	Secret string `mapstructure:"secret"`
}

type ExchangeConfig struct {
	// Default Binance credentials used when no stored credential is selected.
	ApiKey    string `mapstructure:"api_key"`
	ApiSecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`

	RecvWindowMs   int     `mapstructure:"recv_window_ms"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxAttempts    int     `mapstructure:"max_attempts"`
	BackoffBaseMs  int     `mapstructure:"backoff_base_ms"`
	BackoffMaxMs   int     `mapstructure:"backoff_max_ms"`
	RateQPS        float64 `mapstructure:"rate_qps"`
	RateBurst      int     `mapstructure:"rate_burst"`
}

type VaultConfig struct {
	// Hex-encoded 32-byte master key. Losing it makes every stored
	// credential permanently unrecoverable.
	MasterKey string `mapstructure:"master_key"`
}

type IdempotencyConfig struct {
	RetentionHours int `mapstructure:"retention_hours"`
}

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func (c ExchangeConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c IdempotencyConfig) Retention() time.Duration {
	if c.RetentionHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.RetentionHours) * time.Hour
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. TRADEGATE_WEBHOOK_SECRET, TRADEGATE_EXCHANGE_API_KEY
	viper.SetEnvPrefix("tradegate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("exchange.base_url", "https://api.binance.com")
	viper.SetDefault("exchange.recv_window_ms", 5000)
	viper.SetDefault("exchange.timeout_seconds", 10)
	viper.SetDefault("exchange.max_attempts", 3)
	viper.SetDefault("exchange.backoff_base_ms", 250)
	viper.SetDefault("exchange.backoff_max_ms", 5000)
	viper.SetDefault("exchange.rate_qps", 10)
	viper.SetDefault("exchange.rate_burst", 20)
	viper.SetDefault("idempotency.retention_hours", 24)
	viper.SetDefault("database.cleanup_interval_minutes", 60)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
