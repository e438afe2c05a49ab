// Package config loads engine configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete engine configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Economy  EconomyConfig  `mapstructure:"economy"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration. An empty URL
// selects the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig holds the optional read-through cache configuration.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LimitsConfig holds position limit configuration, in shares.
type LimitsConfig struct {
	MaxPerMarket float64 `mapstructure:"max_per_market"`
	MaxTotal     float64 `mapstructure:"max_total"`
}

// EconomyConfig holds tunable house amounts, in currency units.
type EconomyConfig struct {
	InitialMarketLiquidity float64 `mapstructure:"initial_market_liquidity"`
	LiquidityVolumeBonus   float64 `mapstructure:"liquidity_volume_bonus"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from path and environment variables. An empty
// path skips the file and uses defaults plus environment overrides, with
// the prefix PM (e.g. PM_SERVER_ADDR, PM_DATABASE_URL).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("database.url", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")

	v.SetDefault("limits.max_per_market", 1000)
	v.SetDefault("limits.max_total", 5000)

	v.SetDefault("economy.initial_market_liquidity", 1000)
	v.SetDefault("economy.liquidity_volume_bonus", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}

	if c.Redis.URL != "" && c.Redis.CacheTTL <= 0 {
		return fmt.Errorf("redis.cache_ttl must be positive when redis is enabled")
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		return fmt.Errorf("redis.url requires database.url (the cache wraps PostgreSQL)")
	}

	if c.Limits.MaxPerMarket <= 0 {
		return fmt.Errorf("limits.max_per_market must be positive")
	}
	if c.Limits.MaxTotal < c.Limits.MaxPerMarket {
		return fmt.Errorf("limits.max_total must be at least limits.max_per_market")
	}

	if c.Economy.InitialMarketLiquidity <= 0 {
		return fmt.Errorf("economy.initial_market_liquidity must be positive")
	}
	if c.Economy.LiquidityVolumeBonus < 0 {
		return fmt.Errorf("economy.liquidity_volume_bonus must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
