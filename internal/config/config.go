package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"tradesim/internal/engine"
	"tradesim/internal/ledger"
)

const envPrefix = "TRADESIM"

type Config struct {
	Ledger ledger.Config `mapstructure:"ledger"`
	Engine EngineConfig  `mapstructure:"engine"`
	Quotes QuotesConfig  `mapstructure:"quotes"`
	Tape   TapeConfig    `mapstructure:"tape"`
	Log    LogConfig     `mapstructure:"log"`
}

type EngineConfig struct {
	AutoSettle bool   `mapstructure:"auto_settle"`
	Seed       uint64 `mapstructure:"seed"`  // 0 seeds from the clock
	Depth      int    `mapstructure:"depth"` // Rows shown per side
}

type QuotesConfig struct {
	BasePrice float64       `mapstructure:"base_price"`
	Count     int           `mapstructure:"count"`
	Interval  time.Duration `mapstructure:"interval"`
	MaxOffset float64       `mapstructure:"max_offset"`
	Place     bool          `mapstructure:"place"` // Persist refreshed quotes as orders
}

type TapeConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.driver", ledger.DriverSQLite)
	v.SetDefault("ledger.path", "trading.db")
	v.SetDefault("engine.auto_settle", false)
	v.SetDefault("engine.seed", 0)
	v.SetDefault("engine.depth", 5)
	v.SetDefault("quotes.base_price", 100.0)
	v.SetDefault("quotes.count", 5)
	v.SetDefault("quotes.interval", 2*time.Second)
	v.SetDefault("quotes.max_offset", engine.DefaultQuoteBounds.MaxOffset)
	v.SetDefault("quotes.place", false)
	v.SetDefault("tape.brokers", []string{})
	v.SetDefault("tape.topic", "tradesim.trades")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
}

// Load reads the config file at path, or ./tradesim.yaml when path is empty.
// A missing default file is not an error. TRADESIM_* variables override both,
// e.g. TRADESIM_LEDGER_DRIVER=pebble.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tradesim")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Ledger.Path == "" {
		return errors.New("config: ledger.path is required")
	}
	if c.Quotes.BasePrice <= 0 {
		return fmt.Errorf("config: quotes.base_price must be positive, got %v", c.Quotes.BasePrice)
	}
	if !(c.Quotes.MaxOffset >= 0 && c.Quotes.MaxOffset <= engine.MaxQuoteOffset) {
		return fmt.Errorf("config: quotes.max_offset must be within [0, %v], got %v", engine.MaxQuoteOffset, c.Quotes.MaxOffset)
	}
	if c.Quotes.Interval <= 0 {
		return fmt.Errorf("config: quotes.interval must be positive, got %v", c.Quotes.Interval)
	}
	return nil
}

// EngineOptions translates the engine and quote sections into engine options.
func (c *Config) EngineOptions() []engine.Option {
	bounds := engine.DefaultQuoteBounds
	bounds.MaxOffset = c.Quotes.MaxOffset

	opts := []engine.Option{engine.WithQuoteBounds(bounds)}
	if c.Engine.AutoSettle {
		opts = append(opts, engine.WithAutoSettle())
	}
	if c.Engine.Seed != 0 {
		opts = append(opts, engine.WithSeed(c.Engine.Seed))
	}
	return opts
}

// Apply installs the global zerolog level and writer.
func (c LogConfig) Apply() error {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	if c.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	return nil
}
