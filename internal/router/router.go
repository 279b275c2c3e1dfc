// ABOUTME: Orchestrates a command to its live connection: agent, browser, frames.
// ABOUTME: Every hop re-wraps the call in its own correlator; slow hops never block siblings.

package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/screencontrol/gateway/internal/browser"
	"github.com/screencontrol/gateway/internal/frames"
	"github.com/screencontrol/gateway/internal/metrics"
	"github.com/screencontrol/gateway/internal/protocol"
	"github.com/screencontrol/gateway/internal/store"
)

// AgentDispatcher forwards a command to a remote agent. Nil on the
// agent process itself, which only routes locally.
type AgentDispatcher interface {
	Dispatch(ctx context.Context, ref string, action protocol.Action, payload map[string]any, timeout time.Duration) (json.RawMessage, error)
}

// AuditSink records terminal command outcomes. Best effort; a failing
// sink never fails the command.
type AuditSink interface {
	AppendAudit(ctx context.Context, e *store.AuditEntry) error
}

// Config holds the router's timeout policy.
type Config struct {
	// CommandTimeout bounds a whole command, including the agent hop.
	CommandTimeout time.Duration
	// FrameTimeout bounds each per-frame sub-request during fan-out.
	FrameTimeout time.Duration
}

// DefaultConfig mirrors the reference deployment.
func DefaultConfig() Config {
	return Config{
		CommandTimeout: 30 * time.Second,
		FrameTimeout:   10 * time.Second,
	}
}

// Router accepts an inbound command, resolves which live connection
// should receive it, and returns the eventual aggregate or a typed
// failure. The same Router runs on the hub (with an agent registry)
// and inside each agent (browsers only).
type Router struct {
	agents   AgentDispatcher
	browsers *browser.Registry
	fanout   *frames.Fanout
	audit    AuditSink
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger
}

// New creates a Router. agents, audit and m may be nil.
func New(agents AgentDispatcher, browsers *browser.Registry, audit AuditSink, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Router {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultConfig().CommandTimeout
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = DefaultConfig().FrameTimeout
	}
	return &Router{
		agents:   agents,
		browsers: browsers,
		fanout:   frames.NewFanout(logger),
		audit:    audit,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
	}
}

// Route resolves and executes one command, always producing a terminal
// aggregate within the configured timeout. Decision order: explicit
// agent target, then browser resolution, then fail-fast tab lookup,
// then frame fan-out.
func (r *Router) Route(ctx context.Context, cmd *protocol.Command) *protocol.AggregateResponse {
	start := time.Now()
	resp := r.route(ctx, cmd)
	elapsed := time.Since(start)

	r.record(ctx, cmd, resp, elapsed)
	return resp
}

func (r *Router) route(ctx context.Context, cmd *protocol.Command) *protocol.AggregateResponse {
	if err := cmd.Validate(); err != nil {
		return failure(err)
	}

	if cmd.TargetAgent != "" {
		return r.routeToAgent(ctx, cmd)
	}

	conn, err := r.browsers.Resolve(cmd.TargetBrowser)
	if err != nil {
		return failure(err)
	}

	// The closed action set is matched exhaustively here; a new action
	// must pick a branch before it can ship.
	switch cmd.Action {
	case protocol.ActionGetTabs, protocol.ActionScreenshot:
		return r.background(ctx, conn, cmd)

	case protocol.ActionGetFrames:
		tab, err := r.resolveTab(ctx, conn, cmd)
		if err != nil {
			return failure(err)
		}
		payload := withTab(cmd.Payload, tab.ID)
		raw, err := conn.Send(ctx, cmd.Action, payload, r.cfg.CommandTimeout)
		if err != nil {
			return failure(err)
		}
		return &protocol.AggregateResponse{Success: true, Result: raw}

	case protocol.ActionClick, protocol.ActionFill, protocol.ActionNavigate,
		protocol.ActionInspect, protocol.ActionGetText,
		protocol.ActionGetPageInfo, protocol.ActionExecute:
		tab, err := r.resolveTab(ctx, conn, cmd)
		if err != nil {
			return failure(err)
		}
		return r.fanout.Dispatch(ctx, conn, tab.ID, cmd.Action, cmd.Payload, r.cfg.FrameTimeout)
	}

	return failure(protocol.Errorf(protocol.CodeUnknownAction, "unhandled action %q", cmd.Action))
}

// routeToAgent forwards the whole command to a remote agent as the
// payload of a fresh hop. The hub keeps the parent mapping implicitly:
// the caller blocks on this hop's correlated id.
func (r *Router) routeToAgent(ctx context.Context, cmd *protocol.Command) *protocol.AggregateResponse {
	if r.agents == nil {
		return failure(protocol.NewError(protocol.CodeNoConnection, "no agent registry on this node"))
	}

	forwarded := *cmd
	forwarded.TargetAgent = ""
	encoded, err := json.Marshal(&forwarded)
	if err != nil {
		return failure(protocol.Errorf(protocol.CodeInternal, "encoding forwarded command: %v", err))
	}

	raw, err := r.agents.Dispatch(ctx, cmd.TargetAgent, cmd.Action,
		map[string]any{"command": json.RawMessage(encoded)}, r.cfg.CommandTimeout)
	if err != nil {
		return failure(err)
	}

	var agg protocol.AggregateResponse
	if err := json.Unmarshal(raw, &agg); err != nil {
		return failure(protocol.Errorf(protocol.CodeInternal, "decoding agent response: %v", err))
	}
	return &agg
}

// background answers actions served by the extension's background
// context directly, with no frame fan-out. A targeted request still
// resolves its tab first, so a stale id or non-matching pattern fails
// fast with TabNotFound instead of acting on the wrong tab.
func (r *Router) background(ctx context.Context, conn *browser.Conn, cmd *protocol.Command) *protocol.AggregateResponse {
	payload := cmd.Payload
	if cmd.TargetTabID != nil || cmd.TargetURLPattern != "" {
		tab, err := r.resolveTab(ctx, conn, cmd)
		if err != nil {
			return failure(err)
		}
		payload = withTab(payload, tab.ID)
	}
	raw, err := conn.Send(ctx, cmd.Action, payload, r.cfg.CommandTimeout)
	if err != nil {
		return failure(err)
	}
	return &protocol.AggregateResponse{Success: true, Result: raw}
}

// resolveTab fails fast with TabNotFound instead of forwarding a
// doomed request.
func (r *Router) resolveTab(ctx context.Context, conn *browser.Conn, cmd *protocol.Command) (protocol.Tab, error) {
	return browser.FindTab(ctx, conn, cmd.TargetTabID, cmd.TargetURLPattern, r.cfg.CommandTimeout)
}

// record writes the terminal outcome to the audit sink and metrics.
func (r *Router) record(ctx context.Context, cmd *protocol.Command, resp *protocol.AggregateResponse, elapsed time.Duration) {
	outcome := "resolved"
	errMsg := ""
	if !resp.Success {
		outcome = "rejected"
		if resp.Error != nil {
			errMsg = resp.Error.Error()
			if resp.Error.Code == protocol.CodeTimeout {
				outcome = "timed_out"
			}
		}
	}

	r.metrics.Observe(string(cmd.Action), outcome, elapsed.Seconds())

	if r.audit == nil {
		return
	}
	entry := &store.AuditEntry{
		CommandID:     cmd.ID,
		Action:        string(cmd.Action),
		TargetAgent:   cmd.TargetAgent,
		TargetBrowser: cmd.TargetBrowser,
		TabID:         cmd.TargetTabID,
		Outcome:       outcome,
		Error:         errMsg,
		Duration:      elapsed,
	}
	if err := r.audit.AppendAudit(ctx, entry); err != nil {
		r.logger.Warn("audit append failed", "command_id", cmd.ID, "error", err)
	}
}

// withTab copies payload and pins the tab id.
func withTab(payload map[string]any, tabID int) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["tabId"] = tabID
	return out
}

// failure wraps a typed error into the aggregate shape.
func failure(err error) *protocol.AggregateResponse {
	if pe, ok := err.(*protocol.Error); ok {
		return &protocol.AggregateResponse{Success: false, Error: pe}
	}
	return &protocol.AggregateResponse{
		Success: false,
		Error:   protocol.NewError(protocol.CodeInternal, err.Error()),
	}
}
