// ABOUTME: Package doc for the wire protocol shared by every hop.
// ABOUTME: Envelopes, actions, errors, and command/response shapes.

// Package protocol defines the JSON wire protocol spoken between the
// control hub, screen-agents, and browser extensions.
//
// Every hop exchanges the same envelope shape: a correlation id, a
// type, and type-dependent fields. Each forwarding layer mints a fresh
// id for its own hop and keeps the parent mapping; ids never cross a
// hop boundary.
//
// The action set is closed. Unknown actions are rejected at the first
// hop with CodeUnknownAction rather than forwarded and failed deeper
// in the chain.
//
// Errors cross the wire as "code: message" strings; WireError
// re-classifies them on receipt so a typed code survives any number of
// hops. Strings with an unknown prefix classify as CodeInternal.
package protocol
