// ABOUTME: Package gateway wires the hub's HTTP API, WebSocket endpoints, and registries.
// ABOUTME: One Gateway per process; construction is side-effect free until Run.

// Package gateway assembles the control-plane hub: the HTTP command
// API, the WebSocket endpoints agents and extensions attach to, and
// the registries and router behind them.
package gateway
