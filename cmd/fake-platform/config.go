// ABOUTME: Configuration loading for the fake platform simulator
// ABOUTME: Loads TOML config with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Behavior BehaviorConfig `toml:"behavior"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type GatewayConfig struct {
	// URL is the loom-gateway base URL receipts and inbound messages are
	// posted to.
	URL string `toml:"url"`
	// Platform names the webhook route, e.g. "whatsapp".
	Platform string `toml:"platform"`
	// WebhookSecret signs emitted webhook payloads. Must match the
	// provisioned channel's webhook secret.
	WebhookSecret string `toml:"webhook_secret"`
}

type BehaviorConfig struct {
	// Token is the bearer token sends must carry. Empty accepts anything.
	Token string `toml:"token"`
	// DeliverAfter delays the delivered receipt after each accepted send.
	// Zero disables receipts.
	DeliverAfter time.Duration `toml:"-"`
	// ReadAfter delays the read receipt. Zero disables it.
	ReadAfter time.Duration `toml:"-"`
	// FailFirst makes the first N sends fail with a retriable platform
	// error (Graph code 2).
	FailFirst int `toml:"fail_first"`
	// Reject makes every send fail permanently (Graph code 131026).
	Reject bool `toml:"reject"`
	// Hang stalls every send for the given duration before answering,
	// long enough values exercise the caller's per-message deadline.
	Hang time.Duration `toml:"-"`

	DeliverAfterRaw string `toml:"deliver_after"`
	ReadAfterRaw    string `toml:"read_after"`
	HangRaw         string `toml:"hang"`
}

func defaultConfig() *Config {
	return &Config{
		Server:  ServerConfig{Addr: "localhost:9090"},
		Gateway: GatewayConfig{URL: "http://localhost:8080", Platform: "whatsapp"},
		Behavior: BehaviorConfig{
			DeliverAfter: 500 * time.Millisecond,
			ReadAfter:    3 * time.Second,
		},
	}
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	cfg := defaultConfig()
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func (c *Config) parseDurations() error {
	if c.Behavior.DeliverAfterRaw != "" {
		d, err := time.ParseDuration(c.Behavior.DeliverAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing behavior.deliver_after: %w", err)
		}
		c.Behavior.DeliverAfter = d
	}
	if c.Behavior.ReadAfterRaw != "" {
		d, err := time.ParseDuration(c.Behavior.ReadAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing behavior.read_after: %w", err)
		}
		c.Behavior.ReadAfter = d
	}
	if c.Behavior.HangRaw != "" {
		d, err := time.ParseDuration(c.Behavior.HangRaw)
		if err != nil {
			return fmt.Errorf("parsing behavior.hang: %w", err)
		}
		c.Behavior.Hang = d
	}
	return nil
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}
	if c.Gateway.Platform == "" {
		return fmt.Errorf("gateway.platform is required")
	}
	return nil
}
