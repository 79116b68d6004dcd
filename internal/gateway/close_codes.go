package gateway

import "errors"

// Custom WebSocket close codes used by the gateway. Standard codes (1000, 1001, 1011) are defined by RFC 6455; the
// 4000 range is reserved for application use.
const (
	// CloseInvalidToken is sent when authentication fails or times out.
	CloseInvalidToken = 4001

	// CloseIdleTimeout is sent when a connection produces no real traffic for three heartbeat intervals. Bare pings
	// keep the TCP path warm but do not count as real traffic.
	CloseIdleTimeout = 4002
)

// Sentinel errors for gateway failure modes.
var (
	ErrNotAuthenticated = errors.New("connection is not authenticated")
	ErrNotSubscribed    = errors.New("not subscribed to this room")
	ErrSFUNotConfigured = errors.New("sfu provider is not configured")
)
