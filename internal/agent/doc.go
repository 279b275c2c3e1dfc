// ABOUTME: Package agent tracks screen-agent connections on the control-plane hub.
// ABOUTME: Registration validates a token once; heartbeats drive Live/Stale/Closed.

// Package agent manages the hub side of agent connections.
//
// Each agent maintains one persistent WebSocket to the hub. On
// registration the agent presents an opaque token which is validated
// exactly once (format plus revocation); the hub then issues an agent
// id and tracks the connection in a Registry. Commands are dispatched
// through a per-connection correlator so responses can arrive in any
// order, and a heartbeat loop demotes unresponsive connections before
// an in-flight command has to discover the break.
package agent
