// Package config loads relq's runtime configuration (target dialect,
// connection DSN, logging, pool sizing) via viper, with
// go-playground/validator enforcing required fields and allowed value
// sets in one pass after unmarshal.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is relq's top-level runtime configuration.
type Config struct {
	// Dialect selects the target SQL dialect: postgres, mysql, sqlite, mssql.
	Dialect string `mapstructure:"dialect" validate:"required,oneof=postgres mysql sqlite mssql"`

	// DSN is the driver-specific connection string.
	DSN string `mapstructure:"dsn" validate:"required"`

	// MaxOpenConns caps concurrent connections the dbadapter pool opens.
	MaxOpenConns int `mapstructure:"max_open_conns" validate:"gte=0"`

	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int `mapstructure:"max_idle_conns" validate:"gte=0"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig configures the zap logger internal/logging builds.
type LoggingConfig struct {
	// Level must be one of debug, info, warn, error.
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format is "json" (always structured) or "console" (human-readable,
	// for local development).
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// Load reads configuration from path (if non-empty) plus RELQ_-prefixed
// environment variables, applies defaults, unmarshals into a Config, and
// validates it.
func Load(path string) (*Config, error) {
	v := newViperWithDefaults()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return &cfg, nil
}

func newViperWithDefaults() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("RELQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("dialect", "postgres")
	v.SetDefault("dsn", "")
	v.SetDefault("max_open_conns", 10)
	v.SetDefault("max_idle_conns", 2)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	return v
}
