// Package config loads client configuration from TOML.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the caller-facing timing and auth surface of the client.
type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Timing  TimingConfig  `toml:"timing"`
}

type GatewayConfig struct {
	URL       string `toml:"url"`
	APISecret string `toml:"api_secret"`
	Token     string `toml:"token"`
}

type TimingConfig struct {
	RequestTimeout     duration `toml:"request_timeout"`
	KeepaliveInterval  duration `toml:"keepalive_interval"`
	MaxPollBackoff     duration `toml:"max_poll_backoff"`
	MaxConnectAttempts int      `toml:"max_connect_attempts"`
}

// duration parses "30s"-style TOML strings.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Timing: TimingConfig{
			RequestTimeout:     duration{15 * time.Second},
			KeepaliveInterval:  duration{30 * time.Second},
			MaxPollBackoff:     duration{10 * time.Second},
			MaxConnectAttempts: 3,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	url := strings.TrimSpace(cfg.Gateway.URL)
	if url == "" {
		return fmt.Errorf("gateway url is required")
	}
	for _, scheme := range []string{"ws://", "wss://", "http://", "https://"} {
		if strings.HasPrefix(url, scheme) {
			return validateTiming(cfg.Timing)
		}
	}
	return fmt.Errorf("gateway url %q has an unsupported scheme", url)
}

func validateTiming(t TimingConfig) error {
	if t.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if t.KeepaliveInterval.Duration <= 0 {
		return fmt.Errorf("keepalive_interval must be positive")
	}
	if t.MaxConnectAttempts < 0 {
		return fmt.Errorf("max_connect_attempts must not be negative")
	}
	return nil
}
