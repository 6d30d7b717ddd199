// Package config loads the service configuration from defaults, an optional
// klear.yaml file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Expiry   ExpiryConfig   `mapstructure:"expiry"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Env             string        `mapstructure:"env"` // development, production
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AuthPerMinute   float64       `mapstructure:"auth_per_minute"`
	OrdersPerMinute float64       `mapstructure:"orders_per_minute"`
}

// DatabaseConfig selects the store driver.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

// TradingConfig holds order lifecycle policy knobs.
type TradingConfig struct {
	ApprovalThresholdMW float64 `mapstructure:"approval_threshold_mw"` // 0 disables manual sign-off
}

// ExpiryConfig holds the background expiry sweep settings.
type ExpiryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.jwt_secret", "klear-secret-key")
	v.SetDefault("server.token_ttl", 24*time.Hour)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.auth_per_minute", 10.0)
	v.SetDefault("server.orders_per_minute", 100.0)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "klear.db?_busy_timeout=10000&_txlock=immediate&_journal_mode=WAL")

	v.SetDefault("trading.approval_threshold_mw", 0.0)

	v.SetDefault("expiry.enabled", true)
	v.SetDefault("expiry.interval", time.Minute)
	v.SetDefault("expiry.workers", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)
}

// Load reads configuration. configFile may be empty, in which case klear.yaml is looked up in
// the working directory and ignored when missing.
func Load(configFile string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KLEAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Plain PORT, ENV and DEBUG still apply
	_ = v.BindEnv("server.port", "PORT", "KLEAR_SERVER_PORT")
	_ = v.BindEnv("server.env", "ENV", "KLEAR_SERVER_ENV")
	_ = v.BindEnv("database.dsn", "DATABASE_URL", "KLEAR_DATABASE_DSN")
	_ = v.BindEnv("debug", "DEBUG")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("klear")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if v.GetBool("debug") {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.IsProduction() && c.Server.JWTSecret == "klear-secret-key" {
		return errors.New("jwt secret must be set in production")
	}
	if c.Trading.ApprovalThresholdMW < 0 {
		return errors.New("approval threshold must not be negative")
	}
	if c.Expiry.Interval <= 0 {
		return errors.New("expiry interval must be positive")
	}
	if c.Expiry.Workers < 1 {
		c.Expiry.Workers = 1
	}
	return nil
}
