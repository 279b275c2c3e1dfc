// ABOUTME: Package doc for command routing.
// ABOUTME: The same Router runs on the hub and inside each agent.

// Package router turns one inbound command into one terminal
// aggregate response.
//
// Resolution order: an explicit agent target forwards the whole
// command to that agent; otherwise the browser registry picks a
// connection, the tab is resolved fail-fast, and content actions fan
// out across the tab's frames. Background actions (getTabs,
// screenshot) skip the fan-out and go straight to the extension's
// background context.
//
// The hub constructs a Router with an agent registry, audit sink, and
// metrics; the agent process constructs the same type with all three
// nil and routes against its local browsers only.
package router
