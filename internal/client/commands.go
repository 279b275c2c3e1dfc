// ABOUTME: Command submission against POST /api/command.
// ABOUTME: Routing failures come back inside the aggregate, not as HTTP errors.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/screencontrol/gateway/internal/protocol"
)

// CommandRequest is the body for POST /api/command. An empty ID lets
// the gateway mint one; a client-supplied ID is deduplicated server
// side, so retries of the same submission are safe.
type CommandRequest struct {
	ID         string         `json:"id,omitempty"`
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Browser    string         `json:"browser,omitempty"`
	TabID      *int           `json:"tabId,omitempty"`
	URLPattern string         `json:"urlPattern,omitempty"`
}

// SubmitCommand routes one command through the gateway and returns its
// aggregate outcome. The gateway reports routing failures inside the
// aggregate with a non-2xx status; both arrive here as a parsed
// response, so callers check resp.Success rather than err for them.
func (c *Client) SubmitCommand(ctx context.Context, cmd CommandRequest) (*protocol.AggregateResponse, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/command", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var agg protocol.AggregateResponse
	if err := json.Unmarshal(body, &agg); err == nil && (agg.Success || agg.Error != nil) {
		return &agg, nil
	}

	// Not an aggregate: a parse rejection, auth failure, or duplicate.
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var msg struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &msg) == nil {
		apiErr.Message = msg.Error
	}
	return nil, apiErr
}
