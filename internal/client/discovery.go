// ABOUTME: Discovery and audit reads: agents, browsers, default browser, audit log.
// ABOUTME: Response shapes mirror the gateway's JSON API.

package client

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// AgentInfo is one connected agent as reported by GET /api/agents.
type AgentInfo struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	OS              string    `json:"os,omitempty"`
	OSVersion       string    `json:"osVersion,omitempty"`
	Arch            string    `json:"arch,omitempty"`
	State           string    `json:"state"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// BrowserInfo is one connected extension as reported by GET /api/browsers.
type BrowserInfo struct {
	Browser     string `json:"browser"`
	Name        string `json:"name,omitempty"`
	State       string `json:"state"`
	Default     bool   `json:"default"`
	ConnectedAt string `json:"connectedAt"`
}

// AuditEvent is one routed command's terminal outcome from GET /api/audit.
type AuditEvent struct {
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

// Agents lists the agents currently connected to the gateway.
func (c *Client) Agents(ctx context.Context) ([]AgentInfo, error) {
	var out []AgentInfo
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Browsers lists the extensions currently connected to the gateway.
func (c *Client) Browsers(ctx context.Context) ([]BrowserInfo, error) {
	var out []BrowserInfo
	if err := c.do(ctx, http.MethodGet, "/api/browsers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetDefaultBrowser sets the administrative default used to break
// ties when several extensions are connected.
func (c *Client) SetDefaultBrowser(ctx context.Context, browser string) error {
	body := map[string]string{"browser": browser}
	return c.do(ctx, http.MethodPost, "/api/browsers/default", body, nil)
}

// Audit returns the newest audit entries, most recent first.
func (c *Client) Audit(ctx context.Context, limit int) ([]AuditEvent, error) {
	path := "/api/audit"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var out []AuditEvent
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
