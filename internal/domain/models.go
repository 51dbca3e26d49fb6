// Package domain defines the core data types shared across the ocbridge
// entry and exit node components, stores, and relay protocol layers.
package domain

import "time"

// Node health states as tracked by the entry node's health prober.
const (
	HealthUnknown = "unknown"
	HealthUp      = "up"
	HealthDown    = "down"
)

// Pending sync operation kinds for a [SyncRecord].
const (
	SyncOpNone   = "none"
	SyncOpCreate = "create"
	SyncOpUpdate = "update"
	SyncOpDelete = "delete"
)

// VPNUser is a VPN account record. The entry node's store is authoritative;
// the exit node only ever holds a mirror updated through the control API.
type VPNUser struct {
	Username   string
	Secret     string
	QuotaBytes int64
	UsedBytes  int64
	ExpiresAt  *time.Time
	MaxDevices int
	Enabled    bool
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// QuotaExceeded reports whether the user has consumed its traffic quota.
// A zero quota means unlimited.
func (u VPNUser) QuotaExceeded() bool {
	return u.QuotaBytes > 0 && u.UsedBytes >= u.QuotaBytes
}

// Expired reports whether the account expiry has passed at the given time.
func (u VPNUser) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && now.After(*u.ExpiresAt)
}

// EffectiveEnabled folds quota and expiry enforcement into the enabled flag.
// This is the value the sync coordinator pushes to the exit node.
func (u VPNUser) EffectiveEnabled(now time.Time) bool {
	return u.Enabled && !u.QuotaExceeded() && !u.Expired(now)
}

// MirrorUser is the exit node's copy of a user record. The secret is kept
// only as a bcrypt hash; the mirror can verify idempotent upserts but never
// reproduce the plaintext.
type MirrorUser struct {
	Username   string
	SecretHash string
	QuotaBytes int64
	ExpiresAt  *time.Time
	MaxDevices int
	Enabled    bool
	Version    int64
	UpdatedAt  time.Time
}

// RemoteNode describes one configured exit node as seen from the entry node.
type RemoteNode struct {
	ID          string
	Host        string
	RelayPort   int
	APIPort     int
	Token       string
	HealthState string
	LastSeenAt  *time.Time
	CreatedAt   time.Time
}

// TunnelSession is one authenticated multiplexed relay connection.
type TunnelSession struct {
	ID            string
	EstablishedAt time.Time
	StreamCount   int
	LastHeartbeat time.Time
}

// Stream is one logical forwarded connection within a [TunnelSession].
type Stream struct {
	ID       uint32
	OpenedAt time.Time
	BytesIn  int64
	BytesOut int64
}

// SyncRecord tracks per-user convergence between the entry node's
// authoritative store and an exit node's mirror.
type SyncRecord struct {
	Username      string
	LocalVersion  int64
	RemoteVersion int64
	PendingOp     string
	Attempts      int
	LastError     string
	Failed        bool
	LastSyncedAt  *time.Time
}

// InSync reports whether the mirror is known to match the local record.
func (r SyncRecord) InSync() bool {
	return r.PendingOp == SyncOpNone && r.RemoteVersion == r.LocalVersion
}

// NodeStatus is the exit node's health snapshot returned by GetStatus.
type NodeStatus struct {
	DaemonAlive       bool  `json:"daemon_alive"`
	ActiveConnections int   `json:"active_connections"`
	TunnelSessions    int   `json:"tunnel_sessions"`
	TunnelStreams     int   `json:"tunnel_streams"`
	UptimeSeconds     int64 `json:"uptime_seconds"`
}
