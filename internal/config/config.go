// Package config loads relay runtime configuration from environment
// variables and an optional config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the wormhole relay.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains network level settings for the HTTP listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// RelayConfig controls channel lifecycle, storage, and the welcome payload.
type RelayConfig struct {
	DBPath           string        `mapstructure:"db_path"`
	ExpirationWindow time.Duration `mapstructure:"expiration_window"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	WelcomeMOTD      string        `mapstructure:"welcome_motd"`
	WelcomeVersion   string        `mapstructure:"welcome_version"`
	MaxAllocateTries int           `mapstructure:"max_allocate_tries"`
}

// MetricsConfig controls the Prometheus/diagnostics endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 0) // SSE streams must not be write-timed-out
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("relay.db_path", "wormhole-relay.db")
	v.SetDefault("relay.expiration_window", 3*24*time.Hour)
	v.SetDefault("relay.sweep_interval", 2*time.Hour)
	v.SetDefault("relay.subscriber_buffer", 16)
	v.SetDefault("relay.welcome_motd", "")
	v.SetDefault("relay.welcome_version", "1.0")
	v.SetDefault("relay.max_allocate_tries", 1000)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("wormhole-relay")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("WORMHOLE")
	v.AutomaticEnv()

	// Attempt to read config file (optional)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Relay.SubscriberBuffer <= 0 {
		cfg.Relay.SubscriberBuffer = 16
	}
	if cfg.Relay.MaxAllocateTries <= 0 {
		cfg.Relay.MaxAllocateTries = 1000
	}

	return cfg, nil
}
