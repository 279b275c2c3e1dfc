// ABOUTME: Tracks live extension connections, one per browser family.
// ABOUTME: Resolves the target browser for a command; never guesses on ambiguity.

package browser

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/screencontrol/gateway/internal/protocol"
)

// Summary is a read-only snapshot of one connection for discovery APIs.
type Summary struct {
	Type        Type               `json:"browser"`
	Name        string             `json:"name,omitempty"`
	State       protocol.ConnState `json:"state"`
	ConnectedAt time.Time          `json:"connectedAt"`
}

// Registry owns the map of live extension connections. It is the only
// writer; callers get a single Conn handle or an immutable snapshot.
type Registry struct {
	mu          sync.RWMutex
	conns       map[Type]*Conn
	defaultType Type
	logger      *slog.Logger
}

// NewRegistry creates an empty browser registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[Type]*Conn),
		logger: logger,
	}
}

// Register adds a connection for its browser family. Re-registration
// replaces the prior connection: its pending requests are rejected
// with CodeConnectionReplaced, never silently dropped.
func (r *Registry) Register(conn *Conn) {
	r.mu.Lock()
	old := r.conns[conn.Type]
	r.conns[conn.Type] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if old != nil {
		old.Fail(protocol.Errorf(protocol.CodeConnectionReplaced, "browser %s reconnected", conn.Type))
	}

	r.logger.Info("=== BROWSER CONNECTED ===",
		"browser", conn.Type,
		"name", conn.Name,
		"replaced", old != nil,
		"total_browsers", total,
	)
}

// Unregister removes conn if it is still the live connection for its
// family, rejecting its pending requests with CodeConnectionLost. A
// connection that was already replaced is left alone.
func (r *Registry) Unregister(conn *Conn) {
	r.mu.Lock()
	current, ok := r.conns[conn.Type]
	if ok && current == conn {
		delete(r.conns, conn.Type)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if ok && current == conn {
		conn.Fail(protocol.Errorf(protocol.CodeConnectionLost, "browser %s disconnected", conn.Type))
		r.logger.Info("=== BROWSER DISCONNECTED ===",
			"browser", conn.Type,
			"total_browsers", total,
		)
	}
}

// Get returns the live connection for a browser family.
func (r *Registry) Get(t Type) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[t]
	return conn, ok
}

// SetDefault records the administrative default browser. The browser
// need not be connected yet; the default is checked at resolution.
func (r *Registry) SetDefault(t Type) error {
	if _, err := ParseType(string(t)); err != nil {
		return fmt.Errorf("setting default browser: %w", err)
	}
	r.mu.Lock()
	r.defaultType = t
	r.mu.Unlock()
	r.logger.Info("default browser set", "browser", t)
	return nil
}

// Default returns the administrative default, if any.
func (r *Registry) Default() (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultType, r.defaultType != ""
}

// Resolve picks the connection a command should use. An explicit
// target wins; otherwise a sole connected browser is used; otherwise
// the administrative default. With multiple candidates and no default
// the command fails with CodeAmbiguousTarget naming them — guessing is
// worse than asking.
func (r *Registry) Resolve(target string) (*Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if target != "" {
		t, err := ParseType(target)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeNoConnection, "unknown browser %q", target)
		}
		conn, ok := r.conns[t]
		if !ok {
			return nil, protocol.Errorf(protocol.CodeNoConnection, "browser %s is not connected", t)
		}
		return conn, nil
	}

	switch len(r.conns) {
	case 0:
		return nil, protocol.NewError(protocol.CodeNoConnection, "no browser connected")
	case 1:
		for _, conn := range r.conns {
			return conn, nil
		}
	}

	if r.defaultType != "" {
		if conn, ok := r.conns[r.defaultType]; ok {
			return conn, nil
		}
	}

	return nil, protocol.Errorf(protocol.CodeAmbiguousTarget,
		"multiple browsers connected (%s) and no default set", strings.Join(r.connectedNamesLocked(), ", "))
}

// List returns snapshots of all live connections, sorted by family.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, Summary{
			Type:        conn.Type,
			Name:        conn.Name,
			State:       conn.State(),
			ConnectedAt: conn.ConnectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// connectedNamesLocked lists connected families in stable order.
// Must be called with mu held.
func (r *Registry) connectedNamesLocked() []string {
	names := make([]string, 0, len(r.conns))
	for t := range r.conns {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}
