package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Preview provider names.
const (
	ProviderEndpoint  = "endpoint"
	ProviderOpenGraph = "opengraph"
	ProviderRod       = "rod"
)

// Config holds all configuration for the application.
// Values are read by viper from a config file or environment variables.
type Config struct {
	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	BadgerDBPath     string `mapstructure:"BADGERDB_PATH"`

	BlueskyService string `mapstructure:"BLUESKY_SERVICE"`
	BlueskyAppURL  string `mapstructure:"BLUESKY_APP_URL"`

	PreviewProvider        string        `mapstructure:"PREVIEW_PROVIDER"`
	PreviewEndpoint        string        `mapstructure:"PREVIEW_ENDPOINT"`
	PreviewDebounce        time.Duration `mapstructure:"PREVIEW_DEBOUNCE"`
	PreviewTimeout         time.Duration `mapstructure:"PREVIEW_TIMEOUT"`
	PreviewRateLimit       float64       `mapstructure:"PREVIEW_RATE_LIMIT"`
	PreviewRefetchOnSubmit bool          `mapstructure:"PREVIEW_REFETCH_ON_SUBMIT"`

	ComposerIdleTimeout time.Duration `mapstructure:"COMPOSER_IDLE_TIMEOUT"`

	LogLevel    string `mapstructure:"LOG_LEVEL"`
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
}

// setDefaults registers every key so that environment variables are picked
// up by Unmarshal even without a config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("TELEGRAM_BOT_TOKEN", "")
	v.SetDefault("BADGERDB_PATH", "./badger_data")
	v.SetDefault("BLUESKY_SERVICE", "https://bsky.social")
	v.SetDefault("BLUESKY_APP_URL", "https://bsky.app")
	v.SetDefault("PREVIEW_PROVIDER", ProviderEndpoint)
	v.SetDefault("PREVIEW_ENDPOINT", "https://cardyb.bsky.app/v1/extract")
	v.SetDefault("PREVIEW_DEBOUNCE", time.Second)
	v.SetDefault("PREVIEW_TIMEOUT", 5*time.Second)
	v.SetDefault("PREVIEW_RATE_LIMIT", 2.0)
	v.SetDefault("PREVIEW_REFETCH_ON_SUBMIT", true)
	v.SetDefault("COMPOSER_IDLE_TIMEOUT", 30*time.Minute)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("METRICS_ADDR", "")
}

// LoadConfig reads configuration from path/config.yaml and the environment.
// Environment variables win over the file.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		// A missing file is fine when everything comes from the environment.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err = config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks values that every command depends on.
func (c Config) Validate() error {
	switch c.PreviewProvider {
	case ProviderEndpoint, ProviderOpenGraph, ProviderRod:
	default:
		return fmt.Errorf("unknown PREVIEW_PROVIDER %q", c.PreviewProvider)
	}
	if c.PreviewDebounce < 0 {
		return fmt.Errorf("PREVIEW_DEBOUNCE must not be negative")
	}
	if c.PreviewTimeout <= 0 {
		return fmt.Errorf("PREVIEW_TIMEOUT must be positive")
	}
	if c.ComposerIdleTimeout <= 0 {
		return fmt.Errorf("COMPOSER_IDLE_TIMEOUT must be positive")
	}
	if c.BadgerDBPath == "" {
		return fmt.Errorf("BADGERDB_PATH is not set")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}

// RequireTelegram checks the settings only the bot needs.
func (c Config) RequireTelegram() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is not set")
	}
	return nil
}
