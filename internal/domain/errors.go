package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrAuthFailed indicates a missing or invalid bearer token. Fatal to the
	// connection or request; never retried automatically.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrProtocolViolation means a malformed frame or out-of-order handshake
	// was observed. Fatal to the whole session.
	ErrProtocolViolation = errors.New("relay protocol violation")

	// ErrBackpressure is returned when a queue or flow-control window is
	// exhausted. Surfaced to the caller, never silently dropped.
	ErrBackpressure = errors.New("backpressure: capacity exhausted")

	// ErrSessionClosed means the tunnel session ended before or during the
	// operation. Transient from the caller's perspective; drives reconnect.
	ErrSessionClosed = errors.New("tunnel session closed")

	// ErrNoSession means no tunnel session is currently established.
	ErrNoSession = errors.New("no established tunnel session")

	// ErrUserNotFound means the requested VPN user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrNodeNotFound means the requested remote node is not configured.
	ErrNodeNotFound = errors.New("remote node not found")

	// ErrRateLimitExceeded is returned when a token exceeds the allowed
	// control API request rate.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrSyncFailed marks a reconciliation operation that exhausted its
	// retry budget. Recorded per username; does not halt other users.
	ErrSyncFailed = errors.New("sync operation failed permanently")
)

// NodeError wraps an underlying error with remote node context.
type NodeError struct {
	NodeID string
	Op     string
	Err    error
}

func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}
