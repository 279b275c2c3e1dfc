// ABOUTME: Entry point for screen-gateway control server
// ABOUTME: Manages screen-agents, browser extensions, and the command API

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/screencontrol/gateway/internal/auth"
	"github.com/screencontrol/gateway/internal/client"
	"github.com/screencontrol/gateway/internal/config"
	"github.com/screencontrol/gateway/internal/gateway"
	"github.com/screencontrol/gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 ___  ___ _ __ ___  ___ _ __         ___ ___  _ __ | |_ _ __ ___ | |
/ __|/ __| '__/ _ \/ _ \ '_ \ _____ / __/ _ \| '_ \| __| '__/ _ \| |
\__ \ (__| | |  __/  __/ | | |_____| (_| (_) | | | | |_| | | (_) | |
|___/\___|_|  \___|\___|_| |_|      \___\___/|_| |_|\__|_|  \___/|_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: SCREEN_CONFIG env var > XDG_CONFIG_HOME/screencontrol/gateway.yaml > ~/.config/screencontrol/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SCREEN_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "screencontrol", "gateway.yaml")
}

// getDataPath returns the path to the screencontrol data directory.
// Priority: XDG_DATA_HOME/screencontrol > ~/.local/share/screencontrol
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "screencontrol")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: screen-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  bootstrap --name NAME  Create config, mint the first agent token")
		fmt.Println("  tokens                 List minted agent tokens")
		fmt.Println("  revoke --id ID         Revoke an agent token")
		fmt.Println("  health                 Check gateway health")
		fmt.Println("  agents                 Show connected agents")
		fmt.Println("  browsers               Show connected browser extensions")
		fmt.Println("  audit                  Show recent command outcomes")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx)
	case "tokens":
		err = runTokens(ctx)
	case "revoke":
		err = runRevoke(ctx)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "browsers":
		err = runBrowsers(ctx)
	case "audit":
		err = runAudit(ctx)
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
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)

	fmt.Println()

	logger.Info("starting screen-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
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

// apiClient builds a Client against the configured gateway address.
// SCREEN_API_TOKEN carries the JWT when the API requires one.
func apiClient() (*client.Client, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return client.New(addr, client.WithToken(os.Getenv("SCREEN_API_TOKEN"))), nil
}

func runHealth(ctx context.Context) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	c, err := apiClient()
	if err != nil {
		return err
	}

	agents, err := c.Agents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("No agents connected.")
		return nil
	}

	for _, a := range agents {
		fmt.Printf("%-20s %-8s %s/%s  connected %s\n",
			a.Name, a.State, a.OS, a.Arch,
			a.ConnectedAt.Format(time.RFC3339))
	}
	return nil
}

func runBrowsers(ctx context.Context) error {
	c, err := apiClient()
	if err != nil {
		return err
	}

	browsers, err := c.Browsers(ctx)
	if err != nil {
		return fmt.Errorf("listing browsers: %w", err)
	}
	if len(browsers) == 0 {
		fmt.Println("No browser extensions connected.")
		return nil
	}

	for _, b := range browsers {
		marker := " "
		if b.Default {
			marker = "*"
		}
		fmt.Printf("%s %-10s %-8s connected %s\n", marker, b.Browser, b.State, b.ConnectedAt)
	}
	return nil
}

func runAudit(ctx context.Context) error {
	c, err := apiClient()
	if err != nil {
		return err
	}

	events, err := c.Audit(ctx, 50)
	if err != nil {
		return fmt.Errorf("listing audit events: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("No commands routed yet.")
		return nil
	}

	for _, e := range events {
		line := fmt.Sprintf("%s  %-12s %-10s %dms", e.Timestamp, e.Action, e.Outcome, e.DurationMS)
		if e.Error != "" {
			line += "  " + e.Error
		}
		fmt.Println(line)
	}
	return nil
}

// parseNameFlag extracts a --name/-n value from args.
// Supports both "--name value" and "--name=value" formats.
func parseNameFlag(args []string) (string, error) {
	var name string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return "", fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case strings.HasPrefix(arg, "-n="):
			name = strings.TrimPrefix(arg, "-n=")
		case strings.HasPrefix(arg, "-"):
			return "", fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	return name, nil
}

// runBootstrap performs first-time setup of the gateway:
// 1. Creates config file with random JWT secret (if not exists)
// 2. Creates database and mints the first agent token
// 3. Generates a client JWT for the API
//
// This is a one-command setup: screen-gateway bootstrap --name "office-mac"
func runBootstrap(ctx context.Context) error {
	tokenName, err := parseNameFlag(os.Args[2:])
	if err != nil {
		return err
	}
	if tokenName == "" {
		return fmt.Errorf("--name flag is required")
	}
	tokenName = strings.TrimSpace(tokenName)
	if tokenName == "" {
		return fmt.Errorf("token name cannot be empty or whitespace only")
	}
	if len(tokenName) > 100 {
		return fmt.Errorf("token name exceeds maximum length of 100 characters")
	}

	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "gateway.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	// Check if config exists, create if not
	var cfg *config.Config
	var jwtSecret string

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Generate random JWT secret
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)

		// Create config directory
		configDir := filepath.Dir(configPath)
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		// Create data directory
		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		// Write config file
		configContent := fmt.Sprintf(`# screen-gateway configuration
# Generated by screen-gateway bootstrap

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"

agents:
  heartbeat_interval: "30s"

commands:
  timeout: "30s"
  frame_timeout: "10s"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)

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

		// Check JWT secret is configured
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("jwt_secret not configured in %s (required for bootstrap)", configPath)
		}
		jwtSecret = cfg.Auth.JWTSecret

		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	// Open the store directly
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	// Mint the agent token. The plaintext is shown exactly once.
	plaintext, tok, err := s.CreateAgentToken(ctx, tokenName)
	if err != nil {
		return fmt.Errorf("minting agent token: %w", err)
	}

	green.Printf("  ✓ Minted agent token: %s\n", tokenName)

	// Generate a client JWT for the HTTP API
	verifier, err := auth.NewJWTVerifier([]byte(jwtSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	// Default TTL: 30 days
	tokenTTL := 30 * 24 * time.Hour
	expiresAt := time.Now().Add(tokenTTL).UTC()

	apiToken, err := verifier.Generate("bootstrap", tokenTTL)
	if err != nil {
		return fmt.Errorf("generating API token: %w", err)
	}

	// Save the API token to a file for CLI tools to read
	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(apiToken), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green.Printf("  ✓ Saved API token: %s\n", tokenPath)

	// Print results
	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Agent Token")
	cyan.Println("  -----------")
	fmt.Printf("  ID:    %s\n", tok.ID)
	fmt.Printf("  Name:  %s\n", tok.Name)
	fmt.Printf("  Token: %s\n", plaintext)
	fmt.Println()
	yellow.Println("  Store this token now; it is not shown again.")
	fmt.Println()
	fmt.Printf("  API token: %s (expires %s)\n", tokenPath, expiresAt.Format("Jan 02, 2006"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    screen-gateway serve   # start the gateway")
	fmt.Println("    screen-agent serve     # start an agent with the minted token")
	fmt.Println()

	return nil
}

// runTokens lists minted agent tokens.
func runTokens(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	tokens, err := s.ListAgentTokens(ctx)
	if err != nil {
		return fmt.Errorf("listing tokens: %w", err)
	}

	if len(tokens) == 0 {
		fmt.Println("no agent tokens minted")
		return nil
	}

	for _, t := range tokens {
		status := "active"
		if t.RevokedAt != nil {
			status = "revoked " + t.RevokedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-20s %s  (created %s)\n", t.ID, t.Name, status, t.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// runRevoke revokes an agent token by id.
func runRevoke(ctx context.Context) error {
	var id string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--id":
			if i+1 >= len(args) {
				return fmt.Errorf("--id requires a value")
			}
			id = args[i+1]
			i++
		case strings.HasPrefix(arg, "--id="):
			id = strings.TrimPrefix(arg, "--id=")
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if id == "" {
		return fmt.Errorf("--id flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	if err := s.RevokeAgentToken(ctx, id); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	fmt.Printf("revoked %s\n", id)
	fmt.Println("revocation applies at the next registration; live connections are unaffected")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("screen-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

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

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Command timing
	fmt.Println("\n--- Command Configuration ---")
	cmdTimeout := prompt(reader, "Command timeout", "30s")
	frameTimeout := prompt(reader, "Per-frame timeout", "10s")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# screen-gateway configuration\n")
	cfg.WriteString("# Generated by screen-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  heartbeat_interval: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("commands:\n")
	cfg.WriteString(fmt.Sprintf("  timeout: \"%s\"\n", cmdTimeout))
	cfg.WriteString(fmt.Sprintf("  frame_timeout: \"%s\"\n", frameTimeout))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  screen-gateway serve\n")

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
