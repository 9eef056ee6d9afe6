// ABOUTME: Entry point for the loom-gateway unified messaging server
// ABOUTME: Hosts the HTTP API, dispatch pipeline, and first-run setup commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/config"
	"github.com/2389/loom-gateway/internal/eventlog"
	"github.com/2389/loom-gateway/internal/gateway"
	"github.com/2389/loom-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                                         _
| | ___   ___  _ __ ___        __ _  __ _| |_ _____      ____ _ _   _
| |/ _ \ / _ \| '_ ' _ \ _____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | (_) | (_) | | | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_|\___/ \___/|_| |_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                               |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: LOOM_CONFIG env var > XDG_CONFIG_HOME/loom/gateway.yaml > ~/.config/loom/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("LOOM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "loom", "gateway.yaml")
}

// getDataPath returns the path to the loom data directory.
// Priority: XDG_DATA_HOME/loom > ~/.local/share/loom
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "loom")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: loom-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve [--dev]          Start the gateway server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  bootstrap --name NAME  Create config and the first agent user")
		fmt.Println("  health                 Check gateway liveness")
		fmt.Println("  ready                  Check gateway readiness (backing stores)")
		fmt.Println("  version                Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(ctx)
	case "bootstrap":
		err = runBootstrap(ctx)
	case "health":
		err = runHealth(ctx)
	case "ready":
		err = runReady(ctx)
	case "version":
		fmt.Printf("loom-gateway %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	dev := false
	for _, arg := range os.Args[2:] {
		switch arg {
		case "--dev", "-d":
			dev = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration. Dev mode skips the config file entirely and runs
	// on sqlite plus in-memory backends under the data directory.
	var (
		cfg        *config.Config
		configPath string
		err        error
	)
	if dev {
		configPath = "(dev defaults)"
		cfg = config.Default()
		dataPath := getDataPath()
		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		cfg.Database.Path = filepath.Join(dataPath, "loom.db")
		cfg.Files.Dir = filepath.Join(dataPath, "files")
	} else {
		configPath = getConfigPath()
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}

	// Setup logger. Components pick the logger up from the slog default, so
	// it must be installed before the gateway is constructed.
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Identity:  %s\n", identitySummary(cfg))
	green.Print("    ▶ ")
	fmt.Printf("Messages:  %s\n", docstoreSummary(cfg))
	green.Print("    ▶ ")
	fmt.Printf("Event log: %s\n", eventlogSummary(cfg))
	green.Print("    ▶ ")
	fmt.Printf("Dedupe:    %s\n", dedupeSummary(cfg))
	if dev {
		green.Print("    ▶ ")
		fmt.Printf("Dev echo:  %s (replies after 2s)\n", chat.PlatformWhatsApp)
	}

	fmt.Println()

	logger.Info("starting loom-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"base_url", cfg.Server.BaseURL,
	)

	// Create and run gateway
	gw, err := gateway.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	// Dev mode embeds an echo platform so the dispatch loop and webhook
	// re-entry path run without provisioning a real channel.
	if dev {
		gw.InstallEchoPlatform(chat.PlatformWhatsApp, 2*time.Second)
	}

	return gw.Run(ctx)
}

func identitySummary(cfg *config.Config) string {
	if cfg.Database.Driver == "postgres" {
		return "postgres"
	}
	return fmt.Sprintf("sqlite (%s)", cfg.Database.Path)
}

func docstoreSummary(cfg *config.Config) string {
	if cfg.DocStore.Driver == "mongo" {
		return fmt.Sprintf("mongo (%s)", cfg.DocStore.Database)
	}
	return "in-memory"
}

func eventlogSummary(cfg *config.Config) string {
	if cfg.Kafka.Driver == "kafka" {
		return fmt.Sprintf("kafka (%s)", strings.Join(cfg.Kafka.Brokers, ", "))
	}
	return "in-memory"
}

func dedupeSummary(cfg *config.Config) string {
	if cfg.Redis.Addr != "" {
		return fmt.Sprintf("redis (%s)", cfg.Redis.Addr)
	}
	return "in-memory"
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to liveness endpoint with context
	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runReady(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to readiness endpoint with context
	url := fmt.Sprintf("http://%s/readyz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("ready check failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: %s", strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// runBootstrap performs first-time setup of the gateway:
// 1. Creates config file with random secrets (if not exists)
// 2. Creates the identity database and the first agent user
//
// This is a one-command setup: loom-gateway bootstrap --name "Support Desk"
func runBootstrap(ctx context.Context) error {
	// Parse args with explicit error handling
	// Supports both "--name value" and "--name=value" formats
	var displayName string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			displayName = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			displayName = strings.TrimPrefix(arg, "--name=")
		case strings.HasPrefix(arg, "-n="):
			displayName = strings.TrimPrefix(arg, "-n=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if displayName == "" {
		return fmt.Errorf("--name flag is required")
	}

	// Validate display name
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return fmt.Errorf("display name cannot be empty or whitespace only")
	}
	if len(displayName) > 100 {
		return fmt.Errorf("display name exceeds maximum length of 100 characters")
	}

	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "loom.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	// Check if config exists, create if not
	var cfg *config.Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		uploadSecret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating upload token secret: %w", err)
		}
		credentialKey, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating credential key: %w", err)
		}

		// Create config directory
		configDir := filepath.Dir(configPath)
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		// Create data directory
		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		// Write config file. Secrets live in it, so keep it private.
		configContent := fmt.Sprintf(`# loom-gateway configuration
# Generated by loom-gateway bootstrap

server:
  http_addr: "localhost:8080"

database:
  driver: "sqlite"
  path: "%s"

docstore:
  driver: "memory"

kafka:
  driver: "memory"

files:
  dir: "%s"
  upload_token_secret: "%s"

security:
  credential_key: "%s"

logging:
  level: "info"
  format: "text"
`, dbPath, filepath.Join(dataPath, "files"), uploadSecret, credentialKey)

		if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}

		green.Printf("  ✓ Created config: %s\n", configPath)

		// Load the config we just created
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		// Config exists, load it
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	if cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("bootstrap supports the sqlite driver; create the first agent through the API instead")
	}

	// Open the store directly
	s, err := store.NewSQLiteStore(cfg.Database.Path, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	// Check if any users already exist
	existing, err := s.ListUsers(ctx, 1)
	if err != nil {
		return fmt.Errorf("checking users: %w", err)
	}

	if len(existing) > 0 {
		return fmt.Errorf("bootstrap already complete: users exist")
	}

	// Create the first agent user
	user := &chat.User{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Role:        chat.RoleAgent,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	green.Printf("  ✓ Created agent user: %s\n", displayName)

	// Print results
	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Agent User")
	cyan.Println("  ----------")
	fmt.Printf("  ID:           %s\n", user.ID)
	fmt.Printf("  Display Name: %s\n", displayName)
	fmt.Printf("  Role:         %s\n", user.Role)
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    loom-gateway serve     # start the gateway")
	fmt.Printf("    loom-admin channels set WHATSAPP --agent %s ...\n", user.ID)
	fmt.Println()

	return nil
}

// randomSecret returns 32 random bytes as base64 for config secrets.
func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit(ctx context.Context) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("loom-gateway configuration setup")
	fmt.Println("================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "loom.db")
	defaultFilesDir := filepath.Join(defaultDataPath, "files")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	baseURL := prompt(reader, "External base URL", "http://"+httpAddr)

	// Identity database
	fmt.Println("\n--- Identity Database ---")
	dbDriver := prompt(reader, "Driver (sqlite/postgres)", "sqlite")
	var dbPath, dbDSN string
	if dbDriver == "postgres" {
		dbDSN = prompt(reader, "Postgres DSN", "postgres://loom@localhost:5432/loom")
	} else {
		dbDriver = "sqlite"
		dbPath = prompt(reader, "SQLite database path", defaultDbPath)
	}

	// Document store
	fmt.Println("\n--- Document Store ---")
	docDriver := prompt(reader, "Driver (mongo/memory)", "memory")
	var mongoURI, mongoDB string
	if docDriver == "mongo" {
		mongoURI = prompt(reader, "MongoDB URI", "mongodb://localhost:27017")
		mongoDB = prompt(reader, "MongoDB database", "loom")
	} else {
		docDriver = "memory"
	}

	// Event log
	fmt.Println("\n--- Event Log ---")
	brokersRaw := prompt(reader, "Kafka brokers, comma separated (empty for in-memory)", "")
	var brokers []string
	for _, b := range strings.Split(brokersRaw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	// Dedupe cache
	fmt.Println("\n--- Dedupe Cache ---")
	redisAddr := prompt(reader, "Redis address (empty for in-memory)", "")

	// Files
	fmt.Println("\n--- File Storage ---")
	filesDir := prompt(reader, "Attachment directory", defaultFilesDir)

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generated secrets
	uploadSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating upload token secret: %w", err)
	}
	credentialKey, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating credential key: %w", err)
	}

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# loom-gateway configuration\n")
	cfg.WriteString("# Generated by loom-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", baseURL))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: \"%s\"\n", dbDriver))
	if dbDriver == "postgres" {
		cfg.WriteString(fmt.Sprintf("  dsn: \"%s\"\n", dbDSN))
	} else {
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	}
	cfg.WriteString("\n")

	cfg.WriteString("docstore:\n")
	cfg.WriteString(fmt.Sprintf("  driver: \"%s\"\n", docDriver))
	if docDriver == "mongo" {
		cfg.WriteString(fmt.Sprintf("  uri: \"%s\"\n", mongoURI))
		cfg.WriteString(fmt.Sprintf("  database: \"%s\"\n", mongoDB))
	}
	cfg.WriteString("\n")

	cfg.WriteString("kafka:\n")
	if len(brokers) > 0 {
		cfg.WriteString("  driver: \"kafka\"\n")
		cfg.WriteString("  brokers:\n")
		for _, b := range brokers {
			cfg.WriteString(fmt.Sprintf("    - \"%s\"\n", b))
		}
	} else {
		cfg.WriteString("  driver: \"memory\"\n")
	}
	cfg.WriteString("\n")

	if redisAddr != "" {
		cfg.WriteString("redis:\n")
		cfg.WriteString(fmt.Sprintf("  addr: \"%s\"\n", redisAddr))
		cfg.WriteString("\n")
	}

	cfg.WriteString("files:\n")
	cfg.WriteString(fmt.Sprintf("  dir: \"%s\"\n", filesDir))
	cfg.WriteString(fmt.Sprintf("  upload_token_secret: \"%s\"\n", uploadSecret))
	cfg.WriteString("\n")

	cfg.WriteString("security:\n")
	cfg.WriteString(fmt.Sprintf("  credential_key: \"%s\"\n", credentialKey))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file. It carries generated secrets, so 0600.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directories exist
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}
	if err := os.MkdirAll(filesDir, 0755); err != nil {
		return fmt.Errorf("creating files directory: %w", err)
	}

	green := color.New(color.FgGreen)
	fmt.Println()
	green.Printf("  ✓ Config written: %s\n", outputFile)

	// Opening the store runs the schema migrations, so the first serve
	// starts clean.
	if dbDriver == "postgres" {
		pg, err := store.NewPostgresStore(ctx, dbDSN, nil)
		if err != nil {
			return fmt.Errorf("bootstrapping postgres schema: %w", err)
		}
		if err := pg.Close(); err != nil {
			return fmt.Errorf("closing postgres store: %w", err)
		}
	} else {
		s, err := store.NewSQLiteStore(dbPath, nil)
		if err != nil {
			return fmt.Errorf("bootstrapping sqlite schema: %w", err)
		}
		if err := s.Close(); err != nil {
			return fmt.Errorf("closing sqlite store: %w", err)
		}
	}
	green.Printf("  ✓ Relational schema ready (%s)\n", dbDriver)

	// Topic creation is best-effort: the cluster may not be reachable from
	// this machine, and the writers do not create topics on their own.
	if len(brokers) > 0 {
		topicCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := eventlog.EnsureTopics(topicCtx, eventlog.KafkaConfig{Brokers: brokers})
		cancel()
		if err != nil {
			color.Yellow("  ! Topics not created (create them on the cluster): %v\n", err)
		} else {
			green.Println("  ✓ Kafka topics ready")
		}
	}

	fmt.Println("\nTo start the server:")
	fmt.Printf("  loom-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
