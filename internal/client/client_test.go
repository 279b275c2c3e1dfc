// ABOUTME: Tests for the gateway HTTP API client against httptest servers.
// ABOUTME: Covers bearer auth, aggregate decoding, and API error surfacing.

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_SendsBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := New(server.URL, WithToken("jwt-token"))
	_, err := c.Agents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer jwt-token", gotAuth)
}

func TestClient_BareHostGetsScheme(t *testing.T) {
	c := New("localhost:8766")
	assert.Equal(t, "http://localhost:8766", c.baseURL)
}

func TestClient_SubmitCommand_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/command", r.URL.Path)
		var req CommandRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "click", req.Action)
		_, _ = w.Write([]byte(`{"success":true,"result":{"clicked":true}}`))
	}))
	defer server.Close()

	c := New(server.URL)
	resp, err := c.SubmitCommand(context.Background(), CommandRequest{Action: "click"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"clicked":true}`, string(resp.Result))
}

func TestClient_SubmitCommand_RoutingFailureIsAggregate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"success":false,"code":"no_connection","error":"no browser extension connected"}`))
	}))
	defer server.Close()

	c := New(server.URL)
	resp, err := c.SubmitCommand(context.Background(), CommandRequest{Action: "click"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, "no_connection", string(resp.Error.Code))
}

func TestClient_SubmitCommand_DuplicateIsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"duplicate command id"}`))
	}))
	defer server.Close()

	c := New(server.URL)
	_, err := c.SubmitCommand(context.Background(), CommandRequest{ID: "c1", Action: "click"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "duplicate")
}

func TestClient_Audit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[{"commandId":"c1","action":"click","outcome":"resolved","durationMs":42}]`))
	}))
	defer server.Close()

	c := New(server.URL)
	events, err := c.Audit(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "c1", events[0].CommandID)
	assert.Equal(t, int64(42), events[0].DurationMS)
}

func TestClient_SetDefaultBrowser_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no chrome extension connected"}`))
	}))
	defer server.Close()

	c := New(server.URL)
	err := c.SetDefaultBrowser(context.Background(), "chrome")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClient_HealthAndReady(t *testing.T) {
	healthy := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(healthy)
	}))
	defer server.Close()

	c := New(server.URL)
	assert.NoError(t, c.Health(context.Background()))

	healthy = http.StatusServiceUnavailable
	assert.Error(t, c.Ready(context.Background()))
}
