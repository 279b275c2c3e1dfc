// ABOUTME: Represents a single connected screen-agent and its correlated requests.
// ABOUTME: The registry is the only writer of liveness state.

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/screencontrol/gateway/internal/correlator"
	"github.com/screencontrol/gateway/internal/protocol"
)

// Transport is the write side of an agent socket.
type Transport interface {
	correlator.Transport
	Close() error
}

// Connection represents a connected agent with its WebSocket.
type Connection struct {
	ID        string
	Name      string
	OS        string
	OSVersion string
	Arch      string

	ConnectedAt time.Time

	transport Transport
	corr      *correlator.Correlator
	logger    *slog.Logger

	mu            sync.Mutex
	state         protocol.ConnState
	lastHeartbeat time.Time
	missedPings   int
}

// NewConnection wraps an agent socket whose registration handshake
// (token check included) already succeeded.
func NewConnection(id string, env *protocol.Envelope, transport Transport, logger *slog.Logger) *Connection {
	now := time.Now()
	return &Connection{
		ID:            id,
		Name:          env.Agent,
		OS:            env.OS,
		OSVersion:     env.OSVersion,
		Arch:          env.Arch,
		ConnectedAt:   now,
		transport:     transport,
		corr:          correlator.New(logger),
		logger:        logger,
		state:         protocol.StateLive,
		lastHeartbeat: now,
	}
}

// State reports the connection's liveness.
func (c *Connection) State() protocol.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastHeartbeatAt reports when the agent last answered a ping.
func (c *Connection) LastHeartbeatAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Send issues a correlated request. New dispatches are refused once
// the connection degrades, but requests already in flight keep their
// chance to resolve or time out normally.
func (c *Connection) Send(ctx context.Context, action protocol.Action, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if c.State() != protocol.StateLive {
		return nil, protocol.Errorf(protocol.CodeAgentUnavailable, "agent %s is %s", c.Name, c.State())
	}
	return c.corr.Send(ctx, c.transport, action, payload, timeout)
}

// HandleEnvelope routes one inbound envelope from the read loop
// without blocking it. Pongs resolve the heartbeat's pending id just
// like any other response.
func (c *Connection) HandleEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResponse:
		if env.Error != "" {
			c.corr.Resolve(env.ID, nil, protocol.WireError(env.Error))
			return
		}
		c.corr.Resolve(env.ID, env.Result, nil)

	case protocol.TypePong:
		c.corr.Resolve(env.ID, nil, nil)

	case protocol.TypeError:
		c.corr.Resolve(env.ID, nil, protocol.WireError(env.Error))

	default:
		c.logger.Warn("unexpected envelope from agent",
			"agent_id", c.ID,
			"type", env.Type,
			"id", env.ID,
		)
	}
}

// ping sends one correlated heartbeat and records the outcome.
// Returns the number of consecutive misses after this attempt.
func (c *Connection) ping(ctx context.Context, timeout time.Duration) int {
	err := c.corr.Ping(ctx, c.transport, timeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.missedPings++
		return c.missedPings
	}
	c.missedPings = 0
	c.lastHeartbeat = time.Now()
	if c.state == protocol.StateStale {
		c.state = protocol.StateLive
	}
	return 0
}

// markStale demotes the connection. In-flight requests are untouched.
func (c *Connection) markStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == protocol.StateLive {
		c.state = protocol.StateStale
	}
}

// Fail moves the connection to Closed, rejects all pending requests
// with err and closes the transport. Idempotent.
func (c *Connection) Fail(err error) {
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
func (c *Connection) PendingCount() int {
	return c.corr.PendingCount()
}
