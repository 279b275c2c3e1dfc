// ABOUTME: Connection liveness states shared by the agent and browser registries.

package protocol

// ConnState is the liveness of a registered connection. The owning
// registry is the only writer.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateLive       ConnState = "live"
	StateStale      ConnState = "stale"
	StateClosed     ConnState = "closed"
)
