// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most relay store operations
	DefaultTimeout = 30 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong on the
	// relay bridge connection
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single frame write on the relay bridge
	WebSocketWriteTimeout = 10 * time.Second
)

// Call negotiation constants
const (
	// SignalSettleDelay is how long the caller waits after signaling setup
	// before creating the initial offer, giving the signal subscription time
	// to attach on both ends
	SignalSettleDelay = 100 * time.Millisecond

	// MaxReconnectionAttempts bounds ICE-restart attempts per transport session
	MaxReconnectionAttempts = 3

	// DisconnectedGracePeriod is how long a transport session stays in
	// "disconnected" before a reconnection is attempted; the state is often
	// transient and recovers on its own
	DisconnectedGracePeriod = 3 * time.Second

	// ConnectionLossGracePeriod is how long the orchestrator waits after a
	// closed/failed transport report before ending the call
	ConnectionLossGracePeriod = 2 * time.Second
)

// Push notification constants
const (
	// PushTokenExpiry is how long a registered device token set lives in
	// Redis without a refresh
	PushTokenExpiry = 30 * 24 * time.Hour
)

// Relay token constants
const (
	// RelayTokenLifetime is the validity window of the JWT presented to the
	// websocket relay bridge
	RelayTokenLifetime = 15 * time.Minute
)

// UnmuteRecheckDelays is the default schedule of composed-stream re-checks
// after a remote track first arrives, catching tracks that go live slightly
// late due to network-path completion timing.
var UnmuteRecheckDelays = []time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}
