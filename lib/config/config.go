// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Network names the Bitcoin network a sync group belongs to. Devices
// on different networks never share a state file.
type Network string

const (
	Bitcoin Network = "bitcoin"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// Config is the complete nostrsync configuration.
type Config struct {
	Network   Network `yaml:"network"`
	LogLevel  string  `yaml:"log_level"`
	LogFormat string  `yaml:"log_format"`

	// StateFile is where the device snapshot is written on exit and
	// read on start. Empty disables persistence.
	StateFile string `yaml:"state_file"`

	// StateKeyFile is an age identity file used to seal StateFile.
	// When empty the CLI prompts for a passphrase instead.
	StateKeyFile string `yaml:"state_key_file"`

	UseCompression bool `yaml:"use_compression"`

	// Quorum is the number of connected relays the pool aims for.
	Quorum int `yaml:"quorum"`

	UseTimer         bool          `yaml:"use_timer"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// SubscriptionSkew is subtracted from the last shutdown time when
	// resubscribing. Gift wraps carry randomized timestamps up to two
	// days in the past.
	SubscriptionSkew time.Duration `yaml:"subscription_skew"`

	ProcessedLogSize    int `yaml:"processed_log_size"`
	UntrustedBufferSize int `yaml:"untrusted_buffer_size"`

	// TrustRequestFreshness bounds how old a trust request may be
	// before it is ignored.
	TrustRequestFreshness time.Duration `yaml:"trust_request_freshness"`

	// MetricsAddress, when set, serves Prometheus metrics at /metrics.
	MetricsAddress string `yaml:"metrics_address"`

	Relays RelaysConfig `yaml:"relays"`
}

// RelaysConfig controls where relay URLs come from.
type RelaysConfig struct {
	// SeedFile is a JSONC array of relay URLs used when discovery
	// fails. Empty selects the built-in seed list.
	SeedFile string `yaml:"seed_file"`

	// Preferred relays are placed first in every discovered list.
	Preferred []string `yaml:"preferred"`

	// DiscoveryURLs return JSON arrays of relay URLs.
	DiscoveryURLs []string `yaml:"discovery_urls"`

	// MaxAge is how long a relay list stays fresh. Zero means never
	// stale.
	MaxAge time.Duration `yaml:"max_age"`
}

// Default returns the configuration used before any file or
// environment override is applied.
func Default() *Config {
	return &Config{
		Network:               Bitcoin,
		LogLevel:              "info",
		LogFormat:             "text",
		Quorum:                8,
		UseTimer:              true,
		RetryInterval:         10 * time.Second,
		HandshakeTimeout:      time.Second,
		SubscriptionSkew:      48 * time.Hour,
		ProcessedLogSize:      10000,
		UntrustedBufferSize:   10000,
		TrustRequestFreshness: 2 * time.Hour,
		Relays: RelaysConfig{
			Preferred: []string{
				"wss://relay1.nostrchat.io",
				"wss://relay.minibits.cash",
				"wss://us.nostr.wine",
				"wss://nostr.koning-degraaf.nl",
				"wss://nostr.mom",
			},
			DiscoveryURLs: []string{
				"https://api.nostr.watch/v1/nip/17",
				"https://api.nostr.watch/v1/nip/4",
			},
			MaxAge: 30 * 24 * time.Hour,
		},
	}
}

// Load resolves the configuration. path may be empty, in which case
// NOSTRSYNC_CONFIG is consulted; when both are empty only defaults and
// environment overrides apply.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	if path == "" {
		path = os.Getenv("NOSTRSYNC_CONFIG")
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnvironment(); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironment() error {
	if value := os.Getenv("NOSTRSYNC_NETWORK"); value != "" {
		c.Network = Network(value)
	}
	if value := os.Getenv("NOSTRSYNC_USE_COMPRESSION"); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: NOSTRSYNC_USE_COMPRESSION: %w", err)
		}
		c.UseCompression = parsed
	}
	if value := os.Getenv("NOSTRSYNC_QUORUM"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("config: NOSTRSYNC_QUORUM: %w", err)
		}
		c.Quorum = parsed
	}
	if value := os.Getenv("NOSTRSYNC_SUBSCRIPTION_SKEW"); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("config: NOSTRSYNC_SUBSCRIPTION_SKEW: %w", err)
		}
		c.SubscriptionSkew = parsed
	}
	return nil
}

func (c *Config) expandVariables() {
	c.StateFile = expandVars(c.StateFile)
	c.StateKeyFile = expandVars(c.StateKeyFile)
	c.Relays.SeedFile = expandVars(c.Relays.SeedFile)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Network {
	case Bitcoin, Testnet, Signet, Regtest:
	default:
		errs = append(errs, fmt.Errorf("network must be one of bitcoin, testnet, signet, regtest; got %q", c.Network))
	}
	if c.Quorum <= 0 {
		errs = append(errs, fmt.Errorf("quorum must be positive, got %d", c.Quorum))
	}
	if c.UseTimer && c.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("retry_interval must be positive when use_timer is set"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("handshake_timeout must be positive"))
	}
	if c.SubscriptionSkew < 0 {
		errs = append(errs, fmt.Errorf("subscription_skew must not be negative"))
	}
	if c.ProcessedLogSize <= 0 {
		errs = append(errs, fmt.Errorf("processed_log_size must be positive"))
	}
	if c.UntrustedBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("untrusted_buffer_size must be positive"))
	}
	if c.Relays.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("relays.max_age must not be negative"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.StateKeyFile != "" && c.StateFile == "" {
		errs = append(errs, fmt.Errorf("state_key_file requires state_file"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// LoadRelayFile reads a JSONC array of relay URLs.
func LoadRelayFile(path string) ([]string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("config: reading relay file: %w", err)
	}
	return ParseRelayList(data)
}

// ParseRelayList parses a JSON array of relay URLs. Comments and
// trailing commas are allowed.
func ParseRelayList(data []byte) ([]string, error) {
	var relays []string
	if err := json.Unmarshal(jsonc.ToJSON(data), &relays); err != nil {
		return nil, fmt.Errorf("config: parsing relay list: %w", err)
	}
	return relays, nil
}
