// ABOUTME: WebSocket client that keeps an agent registered with the hub.
// ABOUTME: Reconnects forever; forwarded commands are routed locally and answered.

package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/screencontrol/gateway/internal/protocol"
	"github.com/screencontrol/gateway/internal/router"
	"github.com/screencontrol/gateway/internal/wsutil"
)

// Config describes the hub connection.
type Config struct {
	// URL is the hub's agent endpoint, e.g. ws://hub:8080/ws/agent.
	URL   string
	Token string
	Name  string

	ReconnectDelay time.Duration
}

// Client maintains the agent's uplink session. Commands forwarded by
// the hub are executed against the local router and answered on the
// same socket.
type Client struct {
	cfg    Config
	router *router.Router
	logger *slog.Logger
}

// New creates an uplink client. The router handles forwarded commands
// against the agent's local browser registry.
func New(cfg Config, rt *router.Router, logger *slog.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		router: rt,
		logger: logger.With("component", "uplink"),
	}
}

// Run keeps a session alive until the context is canceled. Every
// session failure is retried after the reconnect delay; auth failures
// are logged loudly but still retried, since tokens can be minted
// while the agent waits.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("gateway session ended",
			"error", err,
			"retry_in", c.cfg.ReconnectDelay,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// session runs one connect-register-serve cycle.
func (c *Client) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	sock := wsutil.NewSocket(ws)
	defer sock.Close()

	// Unblock the read loop when the context dies.
	stop := context.AfterFunc(ctx, func() { _ = sock.Close() })
	defer stop()

	agentID, err := c.register(sock)
	if err != nil {
		return err
	}
	c.logger.Info("=== REGISTERED WITH GATEWAY ===",
		"agent_id", agentID,
		"name", c.cfg.Name,
		"url", c.cfg.URL,
	)

	for {
		env, err := sock.ReadEnvelope()
		if err != nil {
			return fmt.Errorf("reading from gateway: %w", err)
		}

		switch env.Type {
		case protocol.TypePing:
			if err := sock.WriteEnvelope(&protocol.Envelope{ID: env.ID, Type: protocol.TypePong}); err != nil {
				return fmt.Errorf("answering ping: %w", err)
			}
		case protocol.TypeRequest:
			go c.handleRequest(ctx, sock, env)
		default:
			c.logger.Warn("unexpected envelope from gateway", "type", env.Type, "id", env.ID)
		}
	}
}

// register performs the handshake and returns the hub-assigned id.
func (c *Client) register(sock *wsutil.Socket) (string, error) {
	reg := &protocol.Envelope{
		ID:    uuid.New().String(),
		Type:  protocol.TypeRegister,
		Agent: c.cfg.Name,
		Token: c.cfg.Token,
		OS:    runtime.GOOS,
		Arch:  runtime.GOARCH,
	}
	if err := sock.WriteEnvelope(reg); err != nil {
		return "", fmt.Errorf("sending register: %w", err)
	}

	ack, err := sock.ReadEnvelope()
	if err != nil {
		return "", fmt.Errorf("awaiting registration ack: %w", err)
	}
	switch ack.Type {
	case protocol.TypeRegistered:
		return ack.Agent, nil
	case protocol.TypeError:
		return "", fmt.Errorf("registration refused: %s", ack.Error)
	default:
		return "", errors.New("unexpected envelope during registration")
	}
}

// handleRequest executes one forwarded command and answers it. The
// whole command travels under payload["command"]; routing failures
// still produce a response envelope, never silence.
func (c *Client) handleRequest(ctx context.Context, sock *wsutil.Socket, env *protocol.Envelope) {
	resp := c.execute(ctx, env)

	result, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("encoding command response", "id", env.ID, "error", err)
		return
	}
	if err := sock.WriteEnvelope(&protocol.Envelope{
		ID:     env.ID,
		Type:   protocol.TypeResponse,
		Result: result,
	}); err != nil {
		c.logger.Warn("writing command response", "id", env.ID, "error", err)
	}
}

func (c *Client) execute(ctx context.Context, env *protocol.Envelope) *protocol.AggregateResponse {
	raw, ok := env.Payload["command"]
	if !ok {
		return &protocol.AggregateResponse{
			Success: false,
			Error:   protocol.NewError(protocol.CodeInternal, "forwarded request missing command payload"),
		}
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return &protocol.AggregateResponse{
			Success: false,
			Error:   protocol.Errorf(protocol.CodeInternal, "re-encoding forwarded command: %v", err),
		}
	}

	var cmd protocol.Command
	if err := json.Unmarshal(encoded, &cmd); err != nil {
		return &protocol.AggregateResponse{
			Success: false,
			Error:   protocol.Errorf(protocol.CodeInternal, "decoding forwarded command: %v", err),
		}
	}

	return c.router.Route(ctx, &cmd)
}
