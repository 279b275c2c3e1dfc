// ABOUTME: Entry point for screen-agent, the per-machine command relay
// ABOUTME: Runs the extension bridge and keeps the gateway uplink alive

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/screencontrol/gateway/internal/bridge"
	"github.com/screencontrol/gateway/internal/browser"
	"github.com/screencontrol/gateway/internal/config"
	"github.com/screencontrol/gateway/internal/router"
	"github.com/screencontrol/gateway/internal/uplink"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 ___  ___ _ __ ___  ___ _ __         __ _  __ _  ___ _ __ | |_
/ __|/ __| '__/ _ \/ _ \ '_ \ _____ / _' |/ _' |/ _ \ '_ \| __|
\__ \ (__| | |  __/  __/ | | |_____| (_| | (_| |  __/ | | | |_
|___/\___|_|  \___|\___|_| |_|      \__,_|\__, |\___|_| |_|\__|
                                          |___/
`

// getConfigPath returns the path to the agent config file.
// Priority: SCREEN_AGENT_CONFIG env var > XDG_CONFIG_HOME/screencontrol/agent.toml > ~/.config/screencontrol/agent.toml
func getConfigPath() string {
	if envPath := os.Getenv("SCREEN_AGENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "screencontrol", "agent.toml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: screen-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the agent")
		fmt.Println("  init     Create a new config file")
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

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Bridge:  %s\n", cfg.Bridge.Addr)
	if cfg.Gateway.URL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Gateway: %s\n", cfg.Gateway.URL)
	} else {
		gray.Println("    ▶ standalone mode (no gateway configured)")
	}
	fmt.Println()

	logger.Info("starting screen-agent",
		"config", configPath,
		"bridge_addr", cfg.Bridge.Addr,
		"gateway_url", cfg.Gateway.URL,
	)

	browsers := browser.NewRegistry(logger.With("component", "browser-registry"))
	if cfg.Bridge.DefaultBrowser != "" {
		t, err := browser.ParseType(cfg.Bridge.DefaultBrowser)
		if err != nil {
			return fmt.Errorf("bridge.default_browser: %w", err)
		}
		if err := browsers.SetDefault(t); err != nil {
			return err
		}
	}

	// The agent routes forwarded commands against its local browsers
	// only; there is no downstream agent hop and no audit store here.
	rt := router.New(nil, browsers, nil, nil, router.Config{}, logger.With("component", "router"))

	bridgeSrv := bridge.NewServer(cfg.Bridge.Addr, browsers, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- bridgeSrv.Run(runCtx)
	}()

	if cfg.Gateway.URL != "" {
		up := uplink.New(uplink.Config{
			URL:            cfg.Gateway.URL,
			Token:          cfg.Gateway.Token,
			Name:           agentName(cfg),
			ReconnectDelay: cfg.Gateway.ReconnectDelay,
		}, rt, logger)
		go func() {
			errCh <- up.Run(runCtx)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
		cancel()
		<-errCh
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}

// agentName falls back to the hostname when no name is configured.
func agentName(cfg *config.AgentConfig) string {
	if cfg.Gateway.Name != "" {
		return cfg.Gateway.Name
	}
	host, err := os.Hostname()
	if err != nil {
		return "screen-agent"
	}
	return host
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	content := `# screen-agent configuration
# Generated by screen-agent init

[gateway]
# Hub endpoint and the token minted by 'screen-gateway bootstrap'.
# Leave url empty to run standalone.
url = ""
token = "${SCREEN_AGENT_TOKEN}"
name = ""
reconnect_delay = "5s"

[bridge]
addr = "localhost:8765"
default_browser = ""

[logging]
level = "info"
format = "text"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Config written to %s\n", configPath)
	fmt.Println("\nTo start the agent:")
	fmt.Println("  screen-agent serve")
	return nil
}

func setupLogger(cfg config.AgentLoggingConfig) *slog.Logger {
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

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

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

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

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
