package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the effective command line configuration.
type Config struct {
	Search SearchConfig `yaml:"search" mapstructure:"search"`
	Output OutputConfig `yaml:"output" mapstructure:"output"`
}

type SearchConfig struct {
	Prefix         string `yaml:"prefix" mapstructure:"prefix"`
	Prefixes       string `yaml:"prefixes" mapstructure:"prefixes"`
	MinLength      int    `yaml:"min_length" mapstructure:"min_length"`
	MaxLength      int    `yaml:"max_length" mapstructure:"max_length"`
	Workers        int    `yaml:"workers" mapstructure:"workers"` // 0 = one per logical core
	KeySize        int    `yaml:"key_size" mapstructure:"key_size"`
	Implementation string `yaml:"implementation" mapstructure:"implementation"`
	StopAfter      uint64 `yaml:"stop_after" mapstructure:"stop_after"`
	Affinity       bool   `yaml:"affinity" mapstructure:"affinity"`
}

type OutputConfig struct {
	Directory     string        `yaml:"directory" mapstructure:"directory"`
	LogLevel      string        `yaml:"log_level" mapstructure:"log_level"`
	StatsInterval time.Duration `yaml:"stats_interval" mapstructure:"stats_interval"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"prefixes":       "search.prefixes",
	"min-length":     "search.min_length",
	"max-length":     "search.max_length",
	"workers":        "search.workers",
	"key-size":       "search.key_size",
	"impl":           "search.implementation",
	"stop-after":     "search.stop_after",
	"affinity":       "search.affinity",
	"output":         "output.directory",
	"log-level":      "output.log_level",
	"stats-interval": "output.stats_interval",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("search.prefix", "")
	v.SetDefault("search.prefixes", "")
	v.SetDefault("search.min_length", 4)
	v.SetDefault("search.max_length", 16)
	v.SetDefault("search.workers", 0)
	v.SetDefault("search.key_size", 1024)
	v.SetDefault("search.implementation", "")
	v.SetDefault("search.stop_after", 0)
	v.SetDefault("search.affinity", false)

	v.SetDefault("output.directory", "")
	v.SetDefault("output.log_level", "info")
	v.SetDefault("output.stats_interval", "10s")
}

// newViper returns a viper instance with defaults, environment binding and
// the given flags bound.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LEEK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return v, nil
}

// loadConfig reads the optional config file and unmarshals the merged
// settings. An explicit path must exist; the implicit leek.yaml may not.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("leek")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Output.StatsInterval <= 0 {
		return nil, fmt.Errorf("stats_interval must be positive, got %v", cfg.Output.StatsInterval)
	}
	return &cfg, nil
}

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(lvl)
	return logger, nil
}
