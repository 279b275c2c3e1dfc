// ABOUTME: Package doc for request/response correlation.
// ABOUTME: One pending entry per in-flight id; exactly one terminal event.

// Package correlator matches asynchronous responses to the requests
// that caused them.
//
// Each Send stores a pending entry keyed by a fresh UUID, writes the
// request, and blocks on a buffered channel. The entry is removed at
// exactly one point no matter which terminal event fires first: a
// matching response, the timeout, connection failure, cancellation, or
// the caller's context ending. The buffer means the resolving side
// never blocks on a caller that already gave up, and a caller that
// loses the removal race still receives the buffered outcome.
//
// Responses arriving for unknown ids are logged and dropped; they
// belong to requests that already completed another way.
package correlator
