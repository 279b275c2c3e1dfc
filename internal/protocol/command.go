// ABOUTME: Command, response and per-frame result types for the routing core.
// ABOUTME: An aggregate response is a reduction over the frame results of a tab.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Command is one inbound automation request. The id is unique per hop;
// each forwarding layer mints its own id and keeps the parent mapping.
type Command struct {
	ID               string         `json:"id"`
	Action           Action         `json:"action"`
	Payload          map[string]any `json:"payload,omitempty"`
	TargetAgent      string         `json:"targetAgent,omitempty"`
	TargetBrowser    string         `json:"targetBrowser,omitempty"`
	TargetTabID      *int           `json:"targetTabId,omitempty"`
	TargetURLPattern string         `json:"targetUrlPattern,omitempty"`
}

// Validate checks the command against the closed action set.
func (c *Command) Validate() error {
	if _, err := ParseAction(string(c.Action)); err != nil {
		return err
	}
	return nil
}

// FrameOutcome classifies how a single frame answered a fanned-out command.
type FrameOutcome string

const (
	FrameOK            FrameOutcome = "ok"
	FrameFailed        FrameOutcome = "failed"
	FrameCSPRestricted FrameOutcome = "csp_restricted"
)

// FrameResult is one frame's terminal answer.
type FrameResult struct {
	FrameID int             `json:"frameId"`
	URL     string          `json:"url,omitempty"`
	Outcome FrameOutcome    `json:"outcome"`
	Value   json.RawMessage `json:"value,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// AggregateResponse is the single response a caller receives for a
// command, reduced from the per-frame results of its target tab.
type AggregateResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"-"`
	Frames  []FrameResult   `json:"frames,omitempty"`
}

// MarshalJSON flattens the typed error into wire fields.
func (r *AggregateResponse) MarshalJSON() ([]byte, error) {
	type wire struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   string          `json:"error,omitempty"`
		Code    Code            `json:"code,omitempty"`
		Frames  []FrameResult   `json:"frames,omitempty"`
	}
	w := wire{Success: r.Success, Result: r.Result, Frames: r.Frames}
	if r.Error != nil {
		w.Error = r.Error.Message
		w.Code = r.Error.Code
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores the typed error from wire fields.
func (r *AggregateResponse) UnmarshalJSON(data []byte) error {
	type wire struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   string          `json:"error,omitempty"`
		Code    Code            `json:"code,omitempty"`
		Frames  []FrameResult   `json:"frames,omitempty"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decoding aggregate response: %w", err)
	}
	r.Success = w.Success
	r.Result = w.Result
	r.Frames = w.Frames
	r.Error = nil
	if w.Error != "" {
		code := w.Code
		if code == "" {
			code = CodeInternal
		}
		r.Error = &Error{Code: code, Message: w.Error}
	}
	return nil
}

// Tab describes one open browser tab as reported by an extension.
type Tab struct {
	ID     int    `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Active bool   `json:"active,omitempty"`
}

// Frame describes one frame of a tab. The root document has FrameID 0.
type Frame struct {
	FrameID  int    `json:"frameId"`
	ParentID int    `json:"parentFrameId"`
	URL      string `json:"url,omitempty"`
}
