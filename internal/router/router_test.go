// ABOUTME: Tests for command routing: target resolution, fan-out, forwarding, audit.
// ABOUTME: Exercises the same Router shape the hub and the agent both run.

package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screencontrol/gateway/internal/browser"
	"github.com/screencontrol/gateway/internal/protocol"
	"github.com/screencontrol/gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// routerExt scripts a full extension: tab list, frame list, per-frame
// answers, and background answers. deaf swallows every request.
type routerExt struct {
	mu          sync.Mutex
	conn        *browser.Conn
	tabs        []protocol.Tab
	frames      []protocol.Frame
	frameAnswer func(frameID int) (json.RawMessage, string)
	background  func(action protocol.Action, payload map[string]any) (json.RawMessage, string)
	deaf        bool
	requests    []*protocol.Envelope
}

func (e *routerExt) WriteEnvelope(env *protocol.Envelope) error {
	e.mu.Lock()
	e.requests = append(e.requests, env)
	conn, deaf := e.conn, e.deaf
	e.mu.Unlock()
	if deaf || conn == nil {
		return nil
	}

	go func() {
		reply := &protocol.Envelope{ID: env.ID, Type: protocol.TypeResponse}
		switch env.Type {
		case protocol.TypePing:
			reply.Type = protocol.TypePong
		case protocol.TypeRequest:
			switch env.Action {
			case protocol.ActionGetTabs:
				reply.Result, _ = json.Marshal(e.tabs)
			case protocol.ActionGetFrames:
				reply.Result, _ = json.Marshal(e.frames)
			case protocol.ActionScreenshot:
				reply.Result, reply.Error = e.background(env.Action, env.Payload)
			default:
				frameID, _ := env.Payload["frameId"].(int)
				reply.Result, reply.Error = e.frameAnswer(frameID)
			}
		}
		conn.HandleEnvelope(reply)
	}()
	return nil
}

func (e *routerExt) Close() error { return nil }

func (e *routerExt) requestActions() []protocol.Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.Action, 0, len(e.requests))
	for _, env := range e.requests {
		if env.Type == protocol.TypeRequest {
			out = append(out, env.Action)
		}
	}
	return out
}

func attachExt(t *testing.T, reg *browser.Registry, family browser.Type, ext *routerExt) *browser.Conn {
	t.Helper()
	conn := browser.NewConn(family, string(family)+"-ext", ext, testLogger())
	ext.mu.Lock()
	ext.conn = conn
	ext.mu.Unlock()
	reg.Register(conn)
	return conn
}

func singleTab() []protocol.Tab {
	return []protocol.Tab{{ID: 7, URL: "https://app.example.com", Title: "App", Active: true}}
}

// fakeDispatcher records the forwarded hop and answers with a canned
// aggregate.
type fakeDispatcher struct {
	ref     string
	payload map[string]any
	resp    *protocol.AggregateResponse
	err     error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, ref string, action protocol.Action, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	d.ref = ref
	d.payload = payload
	if d.err != nil {
		return nil, d.err
	}
	return json.Marshal(d.resp)
}

// memorySink captures audit entries in memory.
type memorySink struct {
	mu      sync.Mutex
	entries []*store.AuditEntry
}

func (s *memorySink) AppendAudit(ctx context.Context, e *store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memorySink) last() *store.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil
	}
	return s.entries[len(s.entries)-1]
}

func newTestRouter(browsers *browser.Registry, agents AgentDispatcher, audit AuditSink) *Router {
	cfg := Config{CommandTimeout: 2 * time.Second, FrameTimeout: time.Second}
	return New(agents, browsers, audit, nil, cfg, testLogger())
}

func TestRoute_UnknownAction(t *testing.T) {
	rt := newTestRouter(browser.NewRegistry(testLogger()), nil, nil)

	resp := rt.Route(context.Background(), &protocol.Command{ID: "c1", Action: "teleport"})
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeUnknownAction, resp.Error.Code)
}

func TestRoute_NoBrowsers(t *testing.T) {
	rt := newTestRouter(browser.NewRegistry(testLogger()), nil, nil)

	resp := rt.Route(context.Background(), &protocol.Command{ID: "c1", Action: protocol.ActionGetTabs})
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeNoConnection, resp.Error.Code)
}

func TestRoute_AmbiguousBrowsers(t *testing.T) {
	browsers := browser.NewRegistry(testLogger())
	attachExt(t, browsers, browser.Firefox, &routerExt{tabs: singleTab()})
	attachExt(t, browsers, browser.Chrome, &routerExt{tabs: singleTab()})

	rt := newTestRouter(browsers, nil, nil)
	resp := rt.Route(context.Background(), &protocol.Command{ID: "c1", Action: protocol.ActionGetTabs})
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeAmbiguousTarget, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "firefox")
	assert.Contains(t, resp.Error.Message, "chrome")
}

func TestRoute_DefaultBrowserBreaksTie(t *testing.T) {
	browsers := browser.NewRegistry(testLogger())
	firefox := &routerExt{tabs: singleTab()}
	chrome := &routerExt{tabs: singleTab()}
	attachExt(t, browsers, browser.Firefox, firefox)
	attachExt(t, browsers, browser.Chrome, chrome)
	require.NoError(t, browsers.SetDefault(browser.Chrome))

	rt := newTestRouter(browsers, nil, nil)
	resp := rt.Route(context.Background(), &protocol.Command{ID: "c1", Action: protocol.ActionGetTabs})
	require.True(t, resp.Success)
	assert.NotEmpty(t, chrome.requestActions())
	assert.Empty(t, firefox.requestActions())
}

func TestRoute_BackgroundAction(t *testing.T) {
	browsers := browser.NewRegistry(testLogger())
	ext := &routerExt{
		tabs: singleTab(),
		background: func(action protocol.Action, payload map[string]any) (json.RawMessage, string) {
			return json.RawMessage(`{"data":"iVBORw0KGgo="}`), ""
		},
	}
	attachExt(t, browsers, browser.Firefox, ext)

	rt := newTestRouter(browsers, nil, nil)
	tab := 7
	resp := rt.Route(context.Background(), &protocol.Command{
		ID:          "c1",
		Action:      protocol.ActionScreenshot,
		TargetTabID: &tab,
	})
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"data":"iVBORw0KGgo="}`, string(resp.Result))

	// The targeted tab is resolved before the screenshot goes out.
	actions := ext.requestActions()
	require.Equal(t, []protocol.Action{protocol.ActionGetTabs, protocol.ActionScreenshot}, actions)
	ext.mu.Lock()
	assert.Equal(t, 7, ext.requests[len(ext.requests)-1].Payload["tabId"])
	ext.mu.Unlock()
}

func TestRoute_Screenshot_UntargetedSkipsTabLookup(t *testing.T) {
	browsers := browser.NewRegistry(testLogger())
	ext := &routerExt{
		tabs: singleTab(),
		background: func(action protocol.Action, payload map[string]any) (json.RawMessage, string) {
			return json.RawMessage(`{"data":"iVBORw0KGgo="}`), ""
		},
	}
	attachExt(t, browsers, browser.Firefox, ext)

	rt := newTestRouter(browsers, nil, nil)
	resp := rt.Route(context.Background(), &protocol.Command{ID: "c1", Action: protocol.ActionScreenshot})
	require.True(t, resp.Success)
	assert.Equal(t, []protocol.Action{protocol.ActionScreenshot}, ext.requestActions())
}

func TestRoute_Screenshot_StaleTabIDFailsFast(t *testing.T) {
	browsers := browser.NewRegistry(testLogger())
	ext := &routerExt{tabs: singleTab()}
	attachExt(t, browsers, browser.Firefox, ext)

	rt := newTestRouter(browsers, nil, nil)
	tab := 999
	resp := rt.Route(context.Background(), &protocol.Command{
		ID:          "c1",
		Action:      protocol.ActionScreenshot,
		TargetTabID: &tab,
	})
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeTabNotFound, resp.Error.Code)
	assert.Equal(t, []protocol.Action{protocol.ActionGetTabs}, ext.requestActions())
}

func TestRoute_Screenshot_NonMatchingPatternFailsFast(t *testing.T) {
	browsers := browser.NewRegistry(testLogger())
	ext := &routerExt{tabs: singleTab()}
	attachExt(t, browsers, browser.Firefox, ext)

	rt := newTestRouter(browsers, nil, nil)
	resp := rt.Route(context.Background(), &protocol.Command{
		ID:               "c1",
		Action:           protocol.ActionScreenshot,
		TargetURLPattern: "no-such-site.example",
	})
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeTabNotFound, resp.Error.Code)
	assert.Equal(t, []protocol.Action{protocol.ActionGetTabs}, ext.requestActions())
}

func TestRoute_TabNotFound_FailsFast(t *testing.T) {
	browsers := browser.NewRegistry(testLogger())
	ext := &routerExt{tabs: singleTab()}
	attachExt(t, browsers, browser.Firefox, ext)

	rt := newTestRouter(browsers, nil, nil)
	tab := 42
	resp := rt.Route(context.Background(), &protocol.Command{
		ID:          "c1",
		Action:      protocol.ActionClick,
		TargetTabID: &tab,
	})
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeTabNotFound, resp.Error.Code)

	// Only the tab lookup crossed the wire; no frame traffic for a
	// doomed command.
	assert.Equal(t, []protocol.Action{protocol.ActionGetTabs}, ext.requestActions())
}

func TestRoute_FanoutReducesToFirstOK(t *testing.T) {
	browsers := browser.NewRegistry(testLogger())
	ext := &routerExt{
		tabs: singleTab(),
		frames: []protocol.Frame{
			{FrameID: 0, URL: "https://app.example.com"},
			{FrameID: 3, ParentID: 0, URL: "https://widget.example.com"},
		},
		frameAnswer: func(frameID int) (json.RawMessage, string) {
			if frameID == 0 {
				return json.RawMessage(`{"clicked":true}`), ""
			}
			return nil, "csp_restricted: Receiving end does not exist"
		},
	}
	attachExt(t, browsers, browser.Firefox, ext)

	rt := newTestRouter(browsers, nil, nil)
	resp := rt.Route(context.Background(), &protocol.Command{
		ID:               "c1",
		Action:           protocol.ActionClick,
		TargetURLPattern: "app.example.com",
	})
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"clicked":true}`, string(resp.Result))
	require.Len(t, resp.Frames, 2)
	assert.Equal(t, protocol.FrameOK, resp.Frames[0].Outcome)
	assert.Equal(t, protocol.FrameCSPRestricted, resp.Frames[1].Outcome)
}

func TestRoute_GetFrames_PassesThrough(t *testing.T) {
	browsers := browser.NewRegistry(testLogger())
	ext := &routerExt{
		tabs: singleTab(),
		frames: []protocol.Frame{
			{FrameID: 0, URL: "https://app.example.com"},
		},
	}
	attachExt(t, browsers, browser.Firefox, ext)

	rt := newTestRouter(browsers, nil, nil)
	resp := rt.Route(context.Background(), &protocol.Command{ID: "c1", Action: protocol.ActionGetFrames})
	require.True(t, resp.Success)

	var got []protocol.Frame
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].FrameID)
}

func TestRoute_ForwardsToAgent(t *testing.T) {
	dispatcher := &fakeDispatcher{
		resp: &protocol.AggregateResponse{Success: true, Result: json.RawMessage(`{"ok":1}`)},
	}
	rt := newTestRouter(browser.NewRegistry(testLogger()), dispatcher, nil)

	resp := rt.Route(context.Background(), &protocol.Command{
		ID:          "c1",
		Action:      protocol.ActionClick,
		TargetAgent: "laptop",
		Payload:     map[string]any{"selector": "#go"},
	})
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"ok":1}`, string(resp.Result))
	assert.Equal(t, "laptop", dispatcher.ref)

	// The forwarded command rides in the payload with the agent target
	// cleared, so the agent routes against its local browsers.
	raw, ok := dispatcher.payload["command"].(json.RawMessage)
	require.True(t, ok)
	var forwarded protocol.Command
	require.NoError(t, json.Unmarshal(raw, &forwarded))
	assert.Empty(t, forwarded.TargetAgent)
	assert.Equal(t, protocol.ActionClick, forwarded.Action)
	assert.Equal(t, "#go", forwarded.Payload["selector"])
}

func TestRoute_AgentTargetWithoutRegistry(t *testing.T) {
	rt := newTestRouter(browser.NewRegistry(testLogger()), nil, nil)

	resp := rt.Route(context.Background(), &protocol.Command{
		ID:          "c1",
		Action:      protocol.ActionClick,
		TargetAgent: "laptop",
	})
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeNoConnection, resp.Error.Code)
}

func TestRoute_AgentDispatchError(t *testing.T) {
	dispatcher := &fakeDispatcher{err: protocol.NewError(protocol.CodeAgentUnavailable, "agent laptop is stale")}
	rt := newTestRouter(browser.NewRegistry(testLogger()), dispatcher, nil)

	resp := rt.Route(context.Background(), &protocol.Command{
		ID:          "c1",
		Action:      protocol.ActionClick,
		TargetAgent: "laptop",
	})
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeAgentUnavailable, resp.Error.Code)
}

func TestRoute_AuditOutcomes(t *testing.T) {
	sink := &memorySink{}
	browsers := browser.NewRegistry(testLogger())
	ext := &routerExt{tabs: singleTab()}
	attachExt(t, browsers, browser.Firefox, ext)
	rt := newTestRouter(browsers, nil, sink)

	resp := rt.Route(context.Background(), &protocol.Command{ID: "c1", Action: protocol.ActionGetFrames})
	require.True(t, resp.Success)
	entry := sink.last()
	require.NotNil(t, entry)
	assert.Equal(t, "c1", entry.CommandID)
	assert.Equal(t, "getFrames", entry.Action)
	assert.Equal(t, "resolved", entry.Outcome)
	assert.Empty(t, entry.Error)

	tab := 42
	resp = rt.Route(context.Background(), &protocol.Command{ID: "c2", Action: protocol.ActionClick, TargetTabID: &tab})
	require.False(t, resp.Success)
	entry = sink.last()
	require.NotNil(t, entry)
	assert.Equal(t, "rejected", entry.Outcome)
	assert.Contains(t, entry.Error, "tab_not_found")
}

func TestRoute_AuditTimedOut(t *testing.T) {
	sink := &memorySink{}
	browsers := browser.NewRegistry(testLogger())
	attachExt(t, browsers, browser.Firefox, &routerExt{deaf: true})

	rt := New(nil, browsers, sink, nil,
		Config{CommandTimeout: 30 * time.Millisecond, FrameTimeout: 30 * time.Millisecond}, testLogger())

	resp := rt.Route(context.Background(), &protocol.Command{ID: "c1", Action: protocol.ActionClick})
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeTimeout, resp.Error.Code)

	entry := sink.last()
	require.NotNil(t, entry)
	assert.Equal(t, "timed_out", entry.Outcome)
	assert.GreaterOrEqual(t, entry.Duration, 30*time.Millisecond)
}
