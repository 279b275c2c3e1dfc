// ABOUTME: A single live browser-extension connection and its correlator.
// ABOUTME: One persistent socket per browser family; the registry owns its state.

package browser

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/screencontrol/gateway/internal/correlator"
	"github.com/screencontrol/gateway/internal/protocol"
)

// Type identifies a browser family. Each family holds at most one
// live extension connection.
type Type string

const (
	Firefox Type = "firefox"
	Chrome  Type = "chrome"
	Edge    Type = "edge"
	Safari  Type = "safari"
)

// ErrUnknownBrowser indicates a browser name outside the known families.
var ErrUnknownBrowser = errors.New("unknown browser type")

// ParseType validates a browser family name from the wire.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case Firefox, Chrome, Edge, Safari:
		return Type(s), nil
	}
	return "", ErrUnknownBrowser
}

// Transport is the write side of an extension socket.
type Transport interface {
	correlator.Transport
	Close() error
}

// Conn is one connected browser extension. The registry is the only
// writer of its state.
type Conn struct {
	Type        Type
	Name        string
	ConnectedAt time.Time

	transport Transport
	corr      *correlator.Correlator
	logger    *slog.Logger

	mu    sync.Mutex
	state protocol.ConnState
}

// NewConn wraps an extension socket that completed its registration
// handshake. Extension registration is implicit: announcing the
// browser family is enough, no token is involved.
func NewConn(t Type, name string, transport Transport, logger *slog.Logger) *Conn {
	return &Conn{
		Type:        t,
		Name:        name,
		ConnectedAt: time.Now(),
		transport:   transport,
		corr:        correlator.New(logger),
		logger:      logger,
		state:       protocol.StateLive,
	}
}

// State reports the connection's liveness.
func (c *Conn) State() protocol.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send issues one correlated request to the extension.
func (c *Conn) Send(ctx context.Context, action protocol.Action, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if c.State() != protocol.StateLive {
		return nil, protocol.Errorf(protocol.CodeNoConnection, "browser %s is %s", c.Type, c.State())
	}
	return c.corr.Send(ctx, c.transport, action, payload, timeout)
}

// HandleEnvelope routes one inbound envelope from the read loop.
// Responses resolve their pending request; pings are answered in
// place. Neither path blocks the read loop.
func (c *Conn) HandleEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResponse:
		if env.Error != "" {
			c.corr.Resolve(env.ID, nil, protocol.WireError(env.Error))
			return
		}
		c.corr.Resolve(env.ID, env.Result, nil)

	case protocol.TypeError:
		c.corr.Resolve(env.ID, nil, protocol.WireError(env.Error))

	case protocol.TypePing:
		if err := c.transport.WriteEnvelope(&protocol.Envelope{ID: env.ID, Type: protocol.TypePong}); err != nil {
			c.logger.Warn("failed to answer extension ping", "browser", c.Type, "error", err)
		}

	default:
		c.logger.Warn("unexpected envelope from extension",
			"browser", c.Type,
			"type", env.Type,
			"id", env.ID,
		)
	}
}

// Fail moves the connection to Closed, rejects every pending request
// with err and closes the transport. Idempotent.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	if c.state == protocol.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = protocol.StateClosed
	c.mu.Unlock()

	c.corr.FailAll(err)
	_ = c.transport.Close()
}

// PendingCount reports in-flight requests, for diagnostics and tests.
func (c *Conn) PendingCount() int {
	return c.corr.PendingCount()
}
