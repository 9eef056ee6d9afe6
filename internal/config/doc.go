// Package config handles configuration loading for loom-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; Default() returns a
// complete single-process dev configuration (sqlite, in-memory document store,
// in-memory event log).
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  dsn: "${LOOM_DATABASE_DSN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	dedupe:
//	  ttl: "48h"
//	router:
//	  retry_base: "1s"
//	  retry_cap: "30s"
//	  message_budget: "2m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  base_url: "https://gateway.example.com"  # defaults to http://<http_addr>
//
// Relational store (users, identities, channel configs, audit log):
//
//	database:
//	  driver: "sqlite"              # sqlite or postgres
//	  path: "/var/lib/loom/loom.db" # sqlite only
//	  dsn: "${LOOM_DATABASE_DSN}"   # postgres only
//
// Document store (messages, conversations, files):
//
//	docstore:
//	  driver: "mongo"               # mongo or memory
//	  uri: "mongodb://localhost:27017"
//	  database: "loom"
//
// Event log:
//
//	kafka:
//	  brokers: ["localhost:9092"]   # empty brokers selects the memory driver
//	  chat_topic: "chat-events"
//	  status_topic: "status-updates"
//	  dlq_topic: "chat-events-dlq"
//	  consumer_group: "loom-router"
//	  partitions: 10
//
// Idempotency cache:
//
//	redis:
//	  addr: "localhost:6379"        # empty addr selects the in-memory cache
//	dedupe:
//	  ttl: "48h"                    # must be >= 24h
//	  max_entries: 1000000          # in-memory cache only
//
// Dispatch pipeline:
//
//	router:
//	  workers: 4
//	  max_attempts: 3
//	  retry_base: "1s"
//	  retry_cap: "30s"
//	  message_budget: "2m"
//
// File attachments:
//
//	files:
//	  dir: "/var/lib/loom/files"
//	  upload_token_secret: "${LOOM_UPLOAD_SECRET}"
//	  upload_token_ttl: "1h"
//	  retention_ttl: "168h"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Required listener address and upload token secret
//   - Driver names and their required connection settings
//   - Dedupe TTL floor (the cache must outlive the longest retry window)
//   - Duration format validity
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/loom/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
