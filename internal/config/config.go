// ABOUTME: Configuration loading and parsing for loom-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loom-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	DocStore DocStoreConfig `yaml:"docstore"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Router   RouterConfig   `yaml:"router"`
	Files    FilesConfig    `yaml:"files"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// BaseURL is the external URL callers reach the gateway at. Used to
	// build statusUrl and upload URLs. Defaults to http://<http_addr>.
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig holds the relational store configuration (users,
// identities, audit log, channel configs).
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`
	// Path is the sqlite database file (sqlite driver only).
	Path string `yaml:"path"`
	// DSN is the postgres connection string (postgres driver only).
	DSN string `yaml:"dsn"`
}

// DocStoreConfig holds the document store configuration (messages,
// conversations, files).
type DocStoreConfig struct {
	// Driver is "mongo" or "memory". Memory is for dev mode and tests.
	Driver   string `yaml:"driver"`
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// KafkaConfig holds the event log configuration. Driver "memory" swaps in
// the in-process log for dev mode.
type KafkaConfig struct {
	Driver        string   `yaml:"driver"`
	Brokers       []string `yaml:"brokers"`
	ChatTopic     string   `yaml:"chat_topic"`
	StatusTopic   string   `yaml:"status_topic"`
	DLQTopic      string   `yaml:"dlq_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
	Partitions    int      `yaml:"partitions"`
}

// RedisConfig holds the idempotency cache backend. When Addr is empty the
// gateway falls back to the in-memory cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DedupeConfig tunes the idempotency cache.
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-"`
	MaxEntries int           `yaml:"max_entries"`

	TTLRaw string `yaml:"ttl"`
}

// RouterConfig tunes the dispatch pipeline.
type RouterConfig struct {
	Workers       int           `yaml:"workers"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryBase     time.Duration `yaml:"-"`
	RetryCap      time.Duration `yaml:"-"`
	MessageBudget time.Duration `yaml:"-"`

	RetryBaseRaw     string `yaml:"retry_base"`
	RetryCapRaw      string `yaml:"retry_cap"`
	MessageBudgetRaw string `yaml:"message_budget"`
}

// FilesConfig holds file attachment settings.
type FilesConfig struct {
	// Dir is where uploaded blobs land (stand-in for the object store).
	Dir string `yaml:"dir"`
	// UploadTokenSecret signs the short-lived upload tokens embedded in
	// upload URLs.
	UploadTokenSecret string        `yaml:"upload_token_secret"`
	UploadTokenTTL    time.Duration `yaml:"-"`
	RetentionTTL      time.Duration `yaml:"-"`
	MaxRefsPerMessage int           `yaml:"max_refs_per_message"`

	UploadTokenTTLRaw string `yaml:"upload_token_ttl"`
	RetentionTTLRaw   string `yaml:"retention_ttl"`
}

// SecurityConfig holds key material.
type SecurityConfig struct {
	// CredentialKey seals platform credentials at rest. 32 bytes,
	// base64 or raw; usually injected via ${LOOM_CREDENTIAL_KEY}.
	CredentialKey string `yaml:"credential_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default tunables. The retry shape (1s base, factor 2, 30s cap, 3
// attempts) is part of the delivery contract; config can tighten it for
// tests but the defaults are the documented behavior.
const (
	DefaultChatTopic     = "chat-events"
	DefaultStatusTopic   = "status-updates"
	DefaultDLQTopic      = "chat-events-dlq"
	DefaultConsumerGroup = "loom-router"
	DefaultPartitions    = 10

	DefaultMaxAttempts   = 3
	DefaultRetryBase     = 1 * time.Second
	DefaultRetryCap      = 30 * time.Second
	DefaultMessageBudget = 2 * time.Minute

	DefaultDedupeTTL        = 48 * time.Hour
	DefaultDedupeMaxEntries = 1_000_000

	DefaultUploadTokenTTL = 1 * time.Hour
	DefaultFileRetention  = 7 * 24 * time.Hour
	DefaultMaxFileRefs    = 10
)

// Default returns a complete configuration suitable for single-process dev
// mode: sqlite relational store, in-memory document store and event log,
// in-memory dedupe.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "localhost:8080", BaseURL: "http://localhost:8080"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "loom.db"},
		DocStore: DocStoreConfig{Driver: "memory", Database: "loom"},
		Kafka: KafkaConfig{
			Driver:        "memory",
			ChatTopic:     DefaultChatTopic,
			StatusTopic:   DefaultStatusTopic,
			DLQTopic:      DefaultDLQTopic,
			ConsumerGroup: DefaultConsumerGroup,
			Partitions:    DefaultPartitions,
		},
		Dedupe: DedupeConfig{TTL: DefaultDedupeTTL, MaxEntries: DefaultDedupeMaxEntries},
		Router: RouterConfig{
			Workers:       2,
			MaxAttempts:   DefaultMaxAttempts,
			RetryBase:     DefaultRetryBase,
			RetryCap:      DefaultRetryCap,
			MessageBudget: DefaultMessageBudget,
		},
		Files: FilesConfig{
			Dir:               "files",
			UploadTokenSecret: "dev-upload-secret",
			UploadTokenTTL:    DefaultUploadTokenTTL,
			RetentionTTL:      DefaultFileRetention,
			MaxRefsPerMessage: DefaultMaxFileRefs,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset optional fields with their documented defaults.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Database.Driver == "" {
		c.Database.Driver = d.Database.Driver
	}
	if c.DocStore.Driver == "" {
		c.DocStore.Driver = d.DocStore.Driver
	}
	if c.DocStore.Database == "" {
		c.DocStore.Database = d.DocStore.Database
	}
	if c.Kafka.Driver == "" {
		if len(c.Kafka.Brokers) > 0 {
			c.Kafka.Driver = "kafka"
		} else {
			c.Kafka.Driver = d.Kafka.Driver
		}
	}
	if c.Kafka.ChatTopic == "" {
		c.Kafka.ChatTopic = d.Kafka.ChatTopic
	}
	if c.Kafka.StatusTopic == "" {
		c.Kafka.StatusTopic = d.Kafka.StatusTopic
	}
	if c.Kafka.DLQTopic == "" {
		c.Kafka.DLQTopic = d.Kafka.DLQTopic
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = d.Kafka.ConsumerGroup
	}
	if c.Kafka.Partitions <= 0 {
		c.Kafka.Partitions = d.Kafka.Partitions
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = d.Dedupe.TTL
	}
	if c.Dedupe.MaxEntries <= 0 {
		c.Dedupe.MaxEntries = d.Dedupe.MaxEntries
	}
	if c.Router.Workers <= 0 {
		c.Router.Workers = d.Router.Workers
	}
	if c.Router.MaxAttempts <= 0 {
		c.Router.MaxAttempts = d.Router.MaxAttempts
	}
	if c.Router.RetryBase == 0 {
		c.Router.RetryBase = d.Router.RetryBase
	}
	if c.Router.RetryCap == 0 {
		c.Router.RetryCap = d.Router.RetryCap
	}
	if c.Router.MessageBudget == 0 {
		c.Router.MessageBudget = d.Router.MessageBudget
	}
	if c.Files.Dir == "" {
		c.Files.Dir = d.Files.Dir
	}
	if c.Files.UploadTokenTTL == 0 {
		c.Files.UploadTokenTTL = d.Files.UploadTokenTTL
	}
	if c.Files.RetentionTTL == 0 {
		c.Files.RetentionTTL = d.Files.RetentionTTL
	}
	if c.Files.MaxRefsPerMessage <= 0 {
		c.Files.MaxRefsPerMessage = d.Files.MaxRefsPerMessage
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Server.BaseURL == "" && c.Server.HTTPAddr != "" {
		c.Server.BaseURL = "http://" + c.Server.HTTPAddr
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	switch c.DocStore.Driver {
	case "memory":
	case "mongo":
		if c.DocStore.URI == "" {
			return fmt.Errorf("docstore.uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("docstore.driver must be mongo or memory, got %q", c.DocStore.Driver)
	}

	switch c.Kafka.Driver {
	case "memory":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required for the kafka driver")
		}
	default:
		return fmt.Errorf("kafka.driver must be kafka or memory, got %q", c.Kafka.Driver)
	}

	if c.Dedupe.TTL < 24*time.Hour {
		return fmt.Errorf("dedupe.ttl must cover the longest retry window (>= 24h), got %s", c.Dedupe.TTL)
	}

	if c.Files.UploadTokenSecret == "" {
		return fmt.Errorf("files.upload_token_secret is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL, "dedupe.ttl"},
		{cfg.Router.RetryBaseRaw, &cfg.Router.RetryBase, "router.retry_base"},
		{cfg.Router.RetryCapRaw, &cfg.Router.RetryCap, "router.retry_cap"},
		{cfg.Router.MessageBudgetRaw, &cfg.Router.MessageBudget, "router.message_budget"},
		{cfg.Files.UploadTokenTTLRaw, &cfg.Files.UploadTokenTTL, "files.upload_token_ttl"},
		{cfg.Files.RetentionTTLRaw, &cfg.Files.RetentionTTL, "files.retention_ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
