// ABOUTME: HTTP API handlers for command submission and connection discovery.
// ABOUTME: Provides POST /api/command plus agent, browser, and audit listings.

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/screencontrol/gateway/internal/browser"
	"github.com/screencontrol/gateway/internal/protocol"
)

// CommandRequest is the JSON request body for POST /api/command.
type CommandRequest struct {
	ID         string         `json:"id,omitempty"`
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Browser    string         `json:"browser,omitempty"`
	TabID      *int           `json:"tabId,omitempty"`
	URLPattern string         `json:"urlPattern,omitempty"`
}

// BrowserInfoResponse is the JSON response element for GET /api/browsers.
type BrowserInfoResponse struct {
	Browser     string `json:"browser"`
	Name        string `json:"name,omitempty"`
	State       string `json:"state"`
	Default     bool   `json:"default"`
	ConnectedAt string `json:"connectedAt"`
}

// SetDefaultBrowserRequest is the JSON request body for POST /api/browsers/default.
type SetDefaultBrowserRequest struct {
	Browser string `json:"browser"`
}

// AuditEventResponse is the JSON response element for GET /api/audit.
type AuditEventResponse struct {
	Timestamp  string `json:"timestamp"`
	CommandID  string `json:"commandId"`
	Action     string `json:"action"`
	Agent      string `json:"agent,omitempty"`
	Browser    string `json:"browser,omitempty"`
	TabID      *int   `json:"tabId,omitempty"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// handleCommand handles POST /api/command requests.
// The body is parsed into a Command, checked against the dedupe cache,
// and handed to the router. The response is always an AggregateResponse;
// routing failures surface there, not as HTTP errors.
func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	cmd, err := parseCommandRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	} else if g.dedupe.CheckAndMark(cmd.ID) {
		g.sendJSONError(w, http.StatusConflict, "duplicate command id")
		return
	}

	resp := g.router.Route(r.Context(), cmd)

	w.Header().Set("Content-Type", "application/json")
	if !resp.Success {
		w.WriteHeader(statusForError(resp.Error))
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// statusForError maps terminal routing errors onto HTTP status codes.
// The body still carries the full AggregateResponse either way.
func statusForError(e *protocol.Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case protocol.CodeNoConnection, protocol.CodeAgentUnavailable:
		return http.StatusServiceUnavailable
	case protocol.CodeAmbiguousTarget, protocol.CodeUnknownAction:
		return http.StatusBadRequest
	case protocol.CodeTabNotFound:
		return http.StatusNotFound
	case protocol.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// parseCommandRequest parses and validates a CommandRequest from the given reader.
func parseCommandRequest(r io.Reader) (*protocol.Command, error) {
	var req CommandRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.Action == "" {
		return nil, errors.New("action is required")
	}

	action, err := protocol.ParseAction(req.Action)
	if err != nil {
		return nil, err
	}

	return &protocol.Command{
		ID:               req.ID,
		Action:           action,
		Payload:          req.Payload,
		TargetAgent:      req.Agent,
		TargetBrowser:    req.Browser,
		TargetTabID:      req.TabID,
		TargetURLPattern: req.URLPattern,
	}, nil
}

// handleListAgents handles GET /api/agents requests.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.agents.List())
}

// handleBrowsers handles GET /api/browsers requests.
func (g *Gateway) handleBrowsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	defaultType, hasDefault := g.browsers.Default()

	list := g.browsers.List()
	response := make([]BrowserInfoResponse, 0, len(list))
	for _, b := range list {
		response = append(response, BrowserInfoResponse{
			Browser:     string(b.Type),
			Name:        b.Name,
			State:       string(b.State),
			Default:     hasDefault && b.Type == defaultType,
			ConnectedAt: b.ConnectedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleSetDefaultBrowser handles POST /api/browsers/default requests.
func (g *Gateway) handleSetDefaultBrowser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SetDefaultBrowserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	t, err := browser.ParseType(req.Browser)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.browsers.SetDefault(t); err != nil {
		g.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleAudit handles GET /api/audit requests, optionally limited by ?limit=N.
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Parse optional limit parameter (default 50, max 1000)
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > 1000 {
			limit = 1000
		}
	}

	entries, err := g.store.RecentAudit(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list audit events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]AuditEventResponse, len(entries))
	for i, e := range entries {
		response[i] = AuditEventResponse{
			Timestamp:  e.Timestamp.Format(time.RFC3339),
			CommandID:  e.CommandID,
			Action:     e.Action,
			Agent:      e.TargetAgent,
			Browser:    e.TargetBrowser,
			TabID:      e.TabID,
			Outcome:    e.Outcome,
			Error:      e.Error,
			DurationMS: e.Duration.Milliseconds(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
