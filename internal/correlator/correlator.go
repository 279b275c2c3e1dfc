// ABOUTME: Request/response correlation used identically at every hop.
// ABOUTME: Each pending id resolves exactly once: response, timeout, or disconnect.

package correlator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/screencontrol/gateway/internal/protocol"
)

// Transport writes envelopes to a connection. The write side must be
// safe for concurrent use; the read loop delivers responses back via
// Resolve.
type Transport interface {
	WriteEnvelope(env *protocol.Envelope) error
}

// outcome is the single terminal event for a pending request.
type outcome struct {
	result json.RawMessage
	err    error
}

// pending is a stored completion handle. done is buffered so the
// resolving side never blocks on a caller that already gave up.
type pending struct {
	id       string
	issuedAt time.Time
	done     chan outcome
}

// Correlator matches outbound requests to their eventual responses.
// One instance per connection; the connection's registry calls FailAll
// when the transport closes so no pending id can leak.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
	logger  *slog.Logger
}

// New creates a Correlator.
func New(logger *slog.Logger) *Correlator {
	return &Correlator{
		pending: make(map[string]*pending),
		logger:  logger,
	}
}

// Send issues a correlated request on the transport and blocks the
// caller (never the transport's read loop) until the first terminal
// event: a matching response, the timeout, connection failure, or the
// caller's context ending. Exactly one map entry is removed per id no
// matter which event fires first.
func (c *Correlator) Send(ctx context.Context, t Transport, action protocol.Action, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.New().String()
	p := &pending{
		id:       id,
		issuedAt: time.Now(),
		done:     make(chan outcome, 1),
	}

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	env := &protocol.Envelope{
		ID:      id,
		Type:    protocol.TypeRequest,
		Action:  action,
		Payload: payload,
	}
	if err := t.WriteEnvelope(env); err != nil {
		c.take(id)
		return nil, protocol.Errorf(protocol.CodeConnectionLost, "writing request: %v", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.result, out.err

	case <-timer.C:
		if c.take(id) == nil {
			// Lost the race: a response landed between the timer
			// firing and the map removal. Its outcome is buffered.
			out := <-p.done
			return out.result, out.err
		}
		return nil, protocol.Errorf(protocol.CodeTimeout, "%s timed out after %s", action, timeout)

	case <-ctx.Done():
		if c.take(id) == nil {
			out := <-p.done
			return out.result, out.err
		}
		return nil, protocol.Errorf(protocol.CodeCancelled, "%s cancelled: %v", action, ctx.Err())
	}
}

// Ping issues a correlated heartbeat on the transport and waits for
// the matching pong, which the read loop delivers via Resolve.
func (c *Correlator) Ping(ctx context.Context, t Transport, timeout time.Duration) error {
	id := uuid.New().String()
	p := &pending{id: id, issuedAt: time.Now(), done: make(chan outcome, 1)}

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	if err := t.WriteEnvelope(&protocol.Envelope{ID: id, Type: protocol.TypePing}); err != nil {
		c.take(id)
		return protocol.Errorf(protocol.CodeConnectionLost, "writing ping: %v", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.err
	case <-timer.C:
		if c.take(id) == nil {
			out := <-p.done
			return out.err
		}
		return protocol.Errorf(protocol.CodeTimeout, "ping timed out after %s", timeout)
	case <-ctx.Done():
		if c.take(id) == nil {
			out := <-p.done
			return out.err
		}
		return protocol.Errorf(protocol.CodeCancelled, "ping cancelled: %v", ctx.Err())
	}
}

// Resolve completes the pending request for id. Returns false when the
// id is unknown, which covers late responses after a timeout or
// cancellation; those are dropped, never double-resolved.
func (c *Correlator) Resolve(id string, result json.RawMessage, err error) bool {
	p := c.take(id)
	if p == nil {
		c.logger.Warn("dropping response for unknown request", "request_id", id)
		return false
	}
	p.done <- outcome{result: result, err: err}
	return true
}

// Cancel rejects the pending request for id with CodeCancelled. A
// reply arriving later is discarded as unmatched.
func (c *Correlator) Cancel(id string) {
	p := c.take(id)
	if p == nil {
		return
	}
	p.done <- outcome{err: protocol.NewError(protocol.CodeCancelled, "request cancelled")}
}

// FailAll rejects every pending request with err. Called when the
// owning connection closes or is replaced.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	taken := make([]*pending, 0, len(c.pending))
	for id, p := range c.pending {
		taken = append(taken, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, p := range taken {
		p.done <- outcome{err: err}
	}
}

// PendingCount reports how many requests are awaiting resolution.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes and returns the pending entry for id, or nil if it was
// already consumed. This is the single point of map removal.
func (c *Correlator) take(id string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}
