package controlapi

import "time"

// UserPayload is the wire form of a user record pushed to the exit node.
type UserPayload struct {
	Username   string     `json:"username"`
	Secret     string     `json:"secret,omitempty"`
	QuotaBytes int64      `json:"quota_bytes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	MaxDevices int        `json:"max_devices"`
	Enabled    bool       `json:"enabled"`
	Version    int64      `json:"version"`
}

// UpsertResponse reports whether an upsert changed anything on the node.
type UpsertResponse struct {
	Applied bool  `json:"applied"`
	Version int64 `json:"version"`
}

// UserRef names a user for delete and disconnect operations.
type UserRef struct {
	Username string `json:"username"`
}

// UserSummary is the mirror-side view of a user. Secrets never leave the
// node, not even hashed.
type UserSummary struct {
	Username   string     `json:"username"`
	QuotaBytes int64      `json:"quota_bytes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	MaxDevices int        `json:"max_devices"`
	Enabled    bool       `json:"enabled"`
	Version    int64      `json:"version"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TrafficSample is one user's live session byte counters as reported by
// the VPN daemon. Counters are per connection and reset when the user
// reconnects; the entry node accumulates deltas.
type TrafficSample struct {
	Username string `json:"username"`
	RxBytes  int64  `json:"rx_bytes"`
	TxBytes  int64  `json:"tx_bytes"`
}

type errorResponse struct {
	Error string `json:"error"`
}
