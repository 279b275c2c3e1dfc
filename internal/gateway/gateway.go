// ABOUTME: Gateway orchestrator that coordinates the HTTP and WebSocket surfaces
// ABOUTME: Manages agent and browser registries, store, router, and lifecycle

package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"log/slog"

	"github.com/screencontrol/gateway/internal/agent"
	"github.com/screencontrol/gateway/internal/auth"
	"github.com/screencontrol/gateway/internal/browser"
	"github.com/screencontrol/gateway/internal/config"
	"github.com/screencontrol/gateway/internal/dedupe"
	"github.com/screencontrol/gateway/internal/metrics"
	"github.com/screencontrol/gateway/internal/router"
	"github.com/screencontrol/gateway/internal/store"
)

// Gateway orchestrates the screen-gateway server components.
// It owns the agent registry, the optional local browser registry,
// the command router, and the HTTP server carrying both the JSON API
// and the WebSocket endpoints.
type Gateway struct {
	config   *config.Config
	store    *store.SQLiteStore
	agents   *agent.Registry
	browsers *browser.Registry
	router   *router.Router
	metrics  *metrics.Metrics

	httpServer *http.Server
	logger     *slog.Logger

	// dedupe rejects replayed client-supplied command ids
	dedupe *dedupe.Cache
}

// initStore creates the store from config, honoring SCREEN_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SCREEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildTokenValidator decides the agent token policy from config and
// minted state. Open registration keeps the validator store-less, so
// any well-formed token is accepted.
func buildTokenValidator(ctx context.Context, cfg *config.Config, s *store.SQLiteStore, logger *slog.Logger) (*auth.AgentTokenValidator, error) {
	if cfg.Auth.OpenRegistration {
		logger.Warn("open registration enabled - any well-formed agent token is accepted")
		return auth.NewAgentTokenValidator(nil), nil
	}

	hasTokens, err := s.HasActiveTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking agent tokens: %w", err)
	}
	if !hasTokens {
		logger.Warn("no agent tokens minted - falling back to format-only validation (run 'screen-gateway bootstrap' to mint one)")
		return auth.NewAgentTokenValidator(nil), nil
	}
	return auth.NewAgentTokenValidator(s), nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	validator, err := buildTokenValidator(context.Background(), cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	agents := agent.NewRegistry(validator, cfg.Agents.HeartbeatInterval, cfg.Agents.PingTimeout, logger.With("component", "agent-registry"))
	browsers := browser.NewRegistry(logger.With("component", "browser-registry"))

	m := metrics.New(
		func() float64 { return float64(agents.Count()) },
		func() float64 { return float64(len(browsers.List())) },
	)

	rt := router.New(agents, browsers, s, m, router.Config{
		CommandTimeout: cfg.Commands.Timeout,
		FrameTimeout:   cfg.Commands.FrameTimeout,
	}, logger.With("component", "router"))

	gw := &Gateway{
		config:   cfg,
		store:    s,
		agents:   agents,
		browsers: browsers,
		router:   rt,
		metrics:  m,
		logger:   logger.With("component", "gateway"),
		dedupe:   dedupe.New(5*time.Minute, 100_000), // TTL 5min, max 100k entries
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// WebSocket endpoints authenticate inside the registration handshake
	mux.HandleFunc("/ws/agent", gw.handleAgentSocket)
	mux.HandleFunc("/ws/browser", gw.handleBrowserSocket)

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, m.Handler())
	}

	if err := gw.registerAPIRoutes(mux); err != nil {
		_ = s.Close()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerAPIRoutes registers API routes with or without auth middleware.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) error {
	routes := map[string]http.HandlerFunc{
		"/api/command":          g.handleCommand,
		"/api/agents":           g.handleListAgents,
		"/api/browsers":         g.handleBrowsers,
		"/api/browsers/default": g.handleSetDefaultBrowser,
		"/api/audit":            g.handleAudit,
	}

	if g.config.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		middleware := auth.HTTPAuthMiddleware(verifier)
		for path, handler := range routes {
			mux.Handle(path, middleware(handler))
		}
		g.logger.Info("HTTP auth middleware enabled")
		return nil
	}

	for path, handler := range routes {
		mux.HandleFunc(path, handler)
	}
	g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	return nil
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go g.agents.RunHeartbeat(hbCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	if g.dedupe != nil {
		g.dedupe.Close()
	}

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one agent or browser is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.agents.Count()
	browsers := len(g.browsers.List())
	if agents == 0 && browsers == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents or browsers connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents, %d browsers)", agents, browsers)
}
