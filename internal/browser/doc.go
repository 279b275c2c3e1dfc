// ABOUTME: Package doc for browser extension connections.
// ABOUTME: One live connection per family; selection, tabs, replacement.

// Package browser tracks connected extensions and selects the target
// for a command.
//
// The registry keeps at most one live connection per browser family
// (firefox, chrome, edge, safari). A second registration for the same
// family replaces the first: the old socket is failed with
// connection_replaced and its pending requests are rejected.
//
// Target selection resolves in order: an explicit target, the sole
// connected browser, the administrative default, and otherwise an
// ambiguous_target error naming the candidates. The default may be set
// before its browser ever connects.
package browser
