// Package config loads shapesync settings from a YAML file and SHAPESYNC_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/shapesync/internal/notify"
)

type Config struct {
	Shape      ShapeConfig      `mapstructure:"shape"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Server     ServerConfig     `mapstructure:"server"`
	Notify     notify.Config    `mapstructure:"notify"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ShapeConfig struct {
	// Name identifies the shape in logs, checkpoints and notifications.
	// Defaults to the table name.
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Table   string            `mapstructure:"table"`
	Where   string            `mapstructure:"where"`
	Columns []string          `mapstructure:"columns"`
	Replica string            `mapstructure:"replica"`
	Params  map[string]string `mapstructure:"params"`
	Headers map[string]string `mapstructure:"headers"`
	Offset  string            `mapstructure:"offset"`
	Handle  string            `mapstructure:"handle"`
}

type SyncConfig struct {
	Subscribe     bool           `mapstructure:"subscribe"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	RatePerSecond int            `mapstructure:"rate_per_second"`
	Compression   bool           `mapstructure:"compression"`
	Backoff       BackoffConfig  `mapstructure:"backoff"`
	Prefetch      PrefetchConfig `mapstructure:"prefetch"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       bool          `mapstructure:"jitter"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type PrefetchConfig struct {
	// MaxChunks of -1 disables prefetching.
	MaxChunks int `mapstructure:"max_chunks"`
}

type CheckpointConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

// ShapeFlags maps command-line flag names to the shape keys they override.
var ShapeFlags = map[string]string{
	"url":   "shape.url",
	"table": "shape.table",
	"where": "shape.where",
	"name":  "shape.name",
}

func Load(configPath string) (*Config, error) {
	return LoadWithFlags(configPath, nil)
}

// LoadWithFlags is Load with the ShapeFlags present in flags taking
// precedence over the file and environment when set.
func LoadWithFlags(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("shape.name", "")
	v.SetDefault("shape.url", "")
	v.SetDefault("shape.table", "")
	v.SetDefault("shape.where", "")
	v.SetDefault("shape.replica", "")
	v.SetDefault("shape.offset", "")
	v.SetDefault("shape.handle", "")
	v.SetDefault("sync.subscribe", true)
	v.SetDefault("sync.timeout", 60*time.Second)
	v.SetDefault("sync.rate_per_second", 0)
	v.SetDefault("sync.compression", true)
	v.SetDefault("sync.backoff.initial_delay", 100*time.Millisecond)
	v.SetDefault("sync.backoff.max_delay", 10*time.Second)
	v.SetDefault("sync.backoff.multiplier", 1.3)
	v.SetDefault("sync.backoff.jitter", false)
	v.SetDefault("sync.backoff.max_retries", 0)
	v.SetDefault("sync.prefetch.max_chunks", 2)
	v.SetDefault("checkpoint.enabled", false)
	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.path", "checkpoints")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.topic", "")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "package")
	v.SetDefault("notify.token", "")
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("SHAPESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Secrets are commonly supplied only through the environment
	_ = v.BindEnv("notify.token", "SHAPESYNC_NOTIFY_TOKEN", "NTFY_TOKEN")

	if flags != nil {
		for name, key := range ShapeFlags {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("shapesync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Shape.Name == "" {
		cfg.Shape.Name = cfg.Shape.Table
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
