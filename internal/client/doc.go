// ABOUTME: Package doc for the gateway HTTP API client.
// ABOUTME: Typed wrapper used by the CLI and external tooling.

// Package client is a Go client for the gateway's HTTP API.
//
// Routing failures are part of a command's normal result: SubmitCommand
// returns a parsed AggregateResponse for them, and callers check
// Success. Only transport problems, parse rejections, auth failures,
// and duplicate submissions surface as errors, the latter three as
// *APIError with the server's status and message.
package client
