// ABOUTME: Manages connected screen-agents, handles registration, and routes commands.
// ABOUTME: Token validation happens once, at registration; dispatches trust Live state.

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/screencontrol/gateway/internal/protocol"
)

// TokenValidator checks an agent token at registration time. It is a
// pure predicate over format plus revocation; no further validation
// happens on an already-live connection.
type TokenValidator interface {
	Validate(ctx context.Context, token string) error
}

// Summary is a read-only snapshot of one agent for discovery APIs.
type Summary struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	OS              string             `json:"os,omitempty"`
	OSVersion       string             `json:"osVersion,omitempty"`
	Arch            string             `json:"arch,omitempty"`
	State           protocol.ConnState `json:"state"`
	ConnectedAt     time.Time          `json:"connectedAt"`
	LastHeartbeatAt time.Time          `json:"lastHeartbeatAt"`
}

// Registry coordinates all connected agents on the control-plane hub.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Connection

	validator TokenValidator
	logger    *slog.Logger

	heartbeatInterval time.Duration
	pingTimeout       time.Duration
}

// NewRegistry creates a Registry. A nil validator accepts any token
// that passes the format check, mirroring the open-registration mode.
// A non-positive pingTimeout falls back to the heartbeat interval.
func NewRegistry(validator TokenValidator, heartbeatInterval, pingTimeout time.Duration, logger *slog.Logger) *Registry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	if pingTimeout <= 0 {
		pingTimeout = heartbeatInterval
	}
	return &Registry{
		agents:            make(map[string]*Connection),
		validator:         validator,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		pingTimeout:       pingTimeout,
	}
}

// Register validates the token carried by a registration envelope and,
// on success, issues an opaque agent id and tracks the connection.
// Auth failures are fatal to that connection and never leak past this
// boundary as generic errors.
func (r *Registry) Register(ctx context.Context, env *protocol.Envelope, transport Transport) (*Connection, error) {
	if r.validator != nil {
		if err := r.validator.Validate(ctx, env.Token); err != nil {
			r.logger.Warn("agent registration refused", "agent", env.Agent, "error", err)
			return nil, protocol.Errorf(protocol.CodeAuth, "invalid agent token: %v", err)
		}
	}

	conn := NewConnection(uuid.New().String(), env, transport, r.logger)

	r.mu.Lock()
	r.agents[conn.ID] = conn
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"name", conn.Name,
		"os", conn.OS,
		"arch", conn.Arch,
		"total_agents", total,
	)
	return conn, nil
}

// Unregister removes an agent, rejecting its pending requests with
// CodeConnectionLost.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	conn, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	total := len(r.agents)
	r.mu.Unlock()

	if !ok {
		return
	}
	conn.Fail(protocol.Errorf(protocol.CodeConnectionLost, "agent %s disconnected", conn.Name))
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", agentID,
		"name", conn.Name,
		"total_agents", total,
	)
}

// Get retrieves an agent by its opaque id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.agents[id]
	return conn, ok
}

// GetByName retrieves an agent by its human name. Names are not
// guaranteed unique; the first match wins.
func (r *Registry) GetByName(name string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.agents {
		if conn.Name == name {
			return conn, true
		}
	}
	return nil, false
}

// Dispatch routes one correlated command to an agent addressed by id
// or by name and waits for the result under timeout.
func (r *Registry) Dispatch(ctx context.Context, ref string, action protocol.Action, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	conn, ok := r.Get(ref)
	if !ok {
		conn, ok = r.GetByName(ref)
	}
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNoConnection, "no agent %q connected", ref)
	}
	return conn.Send(ctx, action, payload, timeout)
}

// List returns snapshots of all tracked agents, sorted by name.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.agents))
	for _, conn := range r.agents {
		out = append(out, Summary{
			ID:              conn.ID,
			Name:            conn.Name,
			OS:              conn.OS,
			OSVersion:       conn.OSVersion,
			Arch:            conn.Arch,
			State:           conn.State(),
			ConnectedAt:     conn.ConnectedAt,
			LastHeartbeatAt: conn.LastHeartbeatAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count reports the number of tracked agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
