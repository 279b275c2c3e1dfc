// ABOUTME: Periodic correlated ping/pong keepalive for agent connections.
// ABOUTME: Two missed beats demote Live to Stale; two more close the connection.

package agent

import (
	"context"
	"time"

	"github.com/screencontrol/gateway/internal/protocol"
)

// Consecutive missed heartbeats before a Live connection goes Stale,
// and before a Stale one is closed outright.
const (
	missesUntilStale  = 2
	missesUntilClosed = 4
)

// RunHeartbeat pings every tracked agent once per interval until ctx
// ends. Each ping is a fresh correlated id; a pong must land before
// the next interval elapses. Demotion is proactive so new dispatches
// fail fast instead of discovering the break mid-flight.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pingAll(ctx)
		}
	}
}

// pingAll fires one heartbeat per tracked connection concurrently.
// A slow agent only delays its own verdict.
func (r *Registry) pingAll(ctx context.Context) {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.agents))
	for _, conn := range r.agents {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		go r.pingOne(ctx, conn)
	}
}

func (r *Registry) pingOne(ctx context.Context, conn *Connection) {
	if conn.State() == protocol.StateClosed {
		return
	}

	misses := conn.ping(ctx, r.pingTimeout)
	switch {
	case misses == 0:
		return

	case misses >= missesUntilClosed:
		r.logger.Warn("agent heartbeat gave up, closing connection",
			"agent_id", conn.ID,
			"name", conn.Name,
			"missed", misses,
		)
		r.Unregister(conn.ID)

	case misses >= missesUntilStale:
		r.logger.Warn("agent heartbeat missed, demoting to stale",
			"agent_id", conn.ID,
			"name", conn.Name,
			"missed", misses,
		)
		conn.markStale()
	}
}
