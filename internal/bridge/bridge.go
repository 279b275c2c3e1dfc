// ABOUTME: Local WebSocket server the browser extensions connect to on the agent host.
// ABOUTME: Registers extension sockets into the agent's browser registry.

package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/screencontrol/gateway/internal/browser"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Extensions connect from a browser origin, not from our host.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts extension connections on a local port and feeds them
// into the browser registry. One Server per agent process.
type Server struct {
	addr     string
	browsers *browser.Registry
	logger   *slog.Logger

	httpServer *http.Server
}

// NewServer creates a bridge server listening on addr.
func NewServer(addr string, browsers *browser.Registry, logger *slog.Logger) *Server {
	s := &Server{
		addr:     addr,
		browsers: browsers,
		logger:   logger.With("component", "bridge"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves extension connections until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on bridge address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge listening for extensions", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("bridge server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("bridge shutdown: %w", err)
	}
	return serveErr
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("extension websocket upgrade failed", "error", err)
		return
	}
	browser.Attach(s.browsers, ws, s.logger)
}
