package seeder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds seeder settings.
type Config struct {
	Defaults DefaultsConfig `mapstructure:"defaults" yaml:"defaults"`
	Signing  SigningConfig  `mapstructure:"signing" yaml:"signing"`
}

type DefaultsConfig struct {
	URL      string        `mapstructure:"url" yaml:"url"`
	Orders   int           `mapstructure:"orders" yaml:"orders"`
	Sessions int           `mapstructure:"sessions" yaml:"sessions"`
	Span     time.Duration `mapstructure:"span" yaml:"span"`
	Seed     int64         `mapstructure:"seed" yaml:"seed"`
	Rate     float64       `mapstructure:"rate" yaml:"rate"`
	Workers  int           `mapstructure:"workers" yaml:"workers"`
	Channels []string      `mapstructure:"channels" yaml:"channels"`
}

type SigningConfig struct {
	SharedSecret   string            `mapstructure:"shared_secret" yaml:"shared_secret"`
	ChannelSecrets map[string]string `mapstructure:"channel_secrets" yaml:"channel_secrets"`
	Derive         bool              `mapstructure:"derive" yaml:"derive"`
	Unsigned       []string          `mapstructure:"unsigned" yaml:"unsigned"`
}

// LoadConfig loads configuration with cascade: flags > ./seeder.yaml > ~/.tsync/seeder.yaml > defaults.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("seeder")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SEEDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("defaults.url", "http://localhost:8095")
	v.SetDefault("defaults.orders", 100)
	v.SetDefault("defaults.sessions", 200)
	v.SetDefault("defaults.span", 7*24*time.Hour)
	v.SetDefault("defaults.seed", 0)
	v.SetDefault("defaults.rate", 0)
	v.SetDefault("defaults.workers", 4)
	v.SetDefault("defaults.channels", []string{})
	v.SetDefault("signing.derive", false)
	v.SetDefault("signing.unsigned", []string{"user-activity"})
}

// Validate checks counts and channel names.
func (c *Config) Validate() error {
	var errs []error
	if c.Defaults.Orders < 0 || c.Defaults.Sessions < 0 {
		errs = append(errs, errors.New("orders and sessions must not be negative"))
	}
	if c.Defaults.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.Defaults.Rate < 0 {
		errs = append(errs, errors.New("rate must not be negative"))
	}
	for _, ch := range c.Defaults.Channels {
		if !knownChannel(ch) {
			errs = append(errs, fmt.Errorf("unknown channel %q", ch))
		}
	}
	return errors.Join(errs...)
}

// SigningRules converts the signing section for a Runner.
func (c *Config) SigningRules() Signing {
	return Signing{
		Shared:   c.Signing.SharedSecret,
		Channels: c.Signing.ChannelSecrets,
		Derive:   c.Signing.Derive,
		Unsigned: c.Signing.Unsigned,
	}
}

func knownChannel(name string) bool {
	for _, c := range Channels {
		if c == name {
			return true
		}
	}
	return false
}
