package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ocbridge/ocbridge/internal/netutil"
)

// EntryConfig configures the entry-node process: relay client, local user
// listener, sync coordinator, and health prober.
type EntryConfig struct {
	ListenLocal      string
	DBPath           string
	LogLevel         string
	SessionsPerNode  int
	AcceptQueueDepth int

	DialTimeout        time.Duration
	AuthTimeout        time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
	HardTimeout        time.Duration

	ReconcileInterval time.Duration
	SyncWorkers       int
	SyncRetryCeiling  int
	TrafficInterval   time.Duration
	ProbeInterval     time.Duration
	ProbeDownAfter    int
	RequestTimeout    time.Duration

	AllowInsecureTLS bool
	PprofAddr        string
}

// ExitConfig configures the exit-node process: relay server and control API.
type ExitConfig struct {
	ListenRelay string
	ListenAPI   string
	DBPath      string
	LogLevel    string

	TokenHash string
	TokenFile string

	VPNAddr     string
	TLSCertFile string
	TLSKeyFile  string

	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
	JanitorInterval    time.Duration
	AuthTimeout        time.Duration
	DialVPNTimeout     time.Duration

	StreamWindowBytes int
	PaddingQuantum    int

	GuardThreshold int
	GuardWindow    time.Duration
	GuardCooldown  time.Duration

	OcpasswdPath string
	OcctlPath    string
	PasswdFile   string

	PprofAddr string
}

const (
	defaultEntryListenLocal  = ":443"
	defaultEntryDBPath       = "./ocbridge-entry.db"
	defaultExitRelayListen   = ":8443"
	defaultExitAPIListen     = ":6443"
	defaultExitDBPath        = "./ocbridge-exit.db"
	defaultVPNAddr           = "127.0.0.1:4443"
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatMisses   = 3
	defaultHardTimeout       = 90 * time.Second
	defaultJanitorInterval   = 10 * time.Second
	defaultAuthTimeout       = 10 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultReconcileInterval = 30 * time.Second
	defaultTrafficInterval   = 60 * time.Second
	defaultProbeInterval     = 20 * time.Second
	defaultProbeDownAfter    = 3
	defaultRequestTimeout    = 10 * time.Second
	defaultSyncWorkers       = 4
	defaultSyncRetryCeiling  = 5
	defaultStreamWindow      = 256 * 1024
	defaultGuardThreshold    = 5
	defaultGuardWindow       = time.Minute
	defaultGuardCooldown     = 5 * time.Minute
	defaultOcpasswdPath      = "/usr/bin/ocpasswd"
	defaultOcctlPath         = "/usr/bin/occtl"
	defaultPasswdFile        = "/etc/ocserv/ocpasswd"
)

// ParseEntryFlags parses entry-node flags with OCBRIDGE_* env fallbacks.
func ParseEntryFlags(args []string) (EntryConfig, error) {
	cfg := EntryConfig{
		ListenLocal:        envOrDefault("OCBRIDGE_LISTEN_LOCAL", defaultEntryListenLocal),
		DBPath:             envOrDefault("OCBRIDGE_DB_PATH", defaultEntryDBPath),
		LogLevel:           envOrDefault("OCBRIDGE_LOG_LEVEL", "info"),
		SessionsPerNode:    envIntOrDefault("OCBRIDGE_SESSIONS_PER_NODE", 1),
		AcceptQueueDepth:   envIntOrDefault("OCBRIDGE_ACCEPT_QUEUE", 128),
		DialTimeout:        defaultDialTimeout,
		AuthTimeout:        defaultAuthTimeout,
		HeartbeatInterval:  defaultHeartbeatInterval,
		HeartbeatMissLimit: defaultHeartbeatMisses,
		HardTimeout:        defaultHardTimeout,
		ReconcileInterval:  defaultReconcileInterval,
		TrafficInterval:    defaultTrafficInterval,
		SyncWorkers:        defaultSyncWorkers,
		SyncRetryCeiling:   defaultSyncRetryCeiling,
		ProbeInterval:      defaultProbeInterval,
		ProbeDownAfter:     defaultProbeDownAfter,
		RequestTimeout:     defaultRequestTimeout,
		PprofAddr:          envOrDefault("OCBRIDGE_PPROF_ADDR", ""),
	}

	fs := flag.NewFlagSet("entry", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenLocal, "listen", cfg.ListenLocal, "Local listen address for end-user VPN connections")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (authoritative user store)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.IntVar(&cfg.SessionsPerNode, "sessions", cfg.SessionsPerNode, "Concurrent tunnel sessions per exit node")
	fs.IntVar(&cfg.AcceptQueueDepth, "accept-queue", cfg.AcceptQueueDepth, "Pending local connection queue depth")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "User sync reconcile interval")
	fs.DurationVar(&cfg.TrafficInterval, "traffic-interval", cfg.TrafficInterval, "Traffic accounting poll interval")
	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "Exit node health probe interval")
	fs.BoolVar(&cfg.AllowInsecureTLS, "insecure-tls", envBoolOrDefault("OCBRIDGE_INSECURE_TLS", false), "Skip TLS verification for self-signed exit node certificates")
	fs.StringVar(&cfg.PprofAddr, "pprof-addr", cfg.PprofAddr, "Optional pprof listen address")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if strings.TrimSpace(cfg.ListenLocal) == "" {
		return cfg, errors.New("missing --listen or OCBRIDGE_LISTEN_LOCAL")
	}
	if cfg.SessionsPerNode <= 0 {
		return cfg, errors.New("sessions per node must be > 0")
	}
	if cfg.AcceptQueueDepth <= 0 {
		return cfg, errors.New("accept queue depth must be > 0")
	}
	if cfg.ReconcileInterval <= 0 {
		return cfg, errors.New("reconcile interval must be > 0")
	}
	if cfg.TrafficInterval <= 0 {
		return cfg, errors.New("traffic interval must be > 0")
	}
	if cfg.ProbeInterval <= 0 {
		return cfg, errors.New("probe interval must be > 0")
	}
	if cfg.ProbeDownAfter <= 0 {
		return cfg, errors.New("probe failure threshold must be > 0")
	}
	if cfg.HeartbeatMissLimit <= 0 {
		return cfg, errors.New("heartbeat miss limit must be > 0")
	}
	return cfg, nil
}

// ParseExitFlags parses exit-node flags with OCBRIDGE_* env fallbacks.
func ParseExitFlags(args []string) (ExitConfig, error) {
	cfg := ExitConfig{
		ListenRelay:        envOrDefault("OCBRIDGE_LISTEN_RELAY", defaultExitRelayListen),
		ListenAPI:          envOrDefault("OCBRIDGE_LISTEN_API", defaultExitAPIListen),
		DBPath:             envOrDefault("OCBRIDGE_DB_PATH", defaultExitDBPath),
		LogLevel:           envOrDefault("OCBRIDGE_LOG_LEVEL", "info"),
		TokenHash:          envOrDefault("OCBRIDGE_TOKEN_HASH", ""),
		TokenFile:          envOrDefault("OCBRIDGE_TOKEN_FILE", ""),
		VPNAddr:            envOrDefault("OCBRIDGE_VPN_ADDR", defaultVPNAddr),
		TLSCertFile:        envOrDefault("OCBRIDGE_TLS_CERT_FILE", ""),
		TLSKeyFile:         envOrDefault("OCBRIDGE_TLS_KEY_FILE", ""),
		HeartbeatInterval:  defaultHeartbeatInterval,
		HeartbeatMissLimit: defaultHeartbeatMisses,
		JanitorInterval:    defaultJanitorInterval,
		AuthTimeout:        defaultAuthTimeout,
		DialVPNTimeout:     defaultDialTimeout,
		StreamWindowBytes:  envIntOrDefault("OCBRIDGE_STREAM_WINDOW", defaultStreamWindow),
		PaddingQuantum:     envIntOrDefault("OCBRIDGE_PADDING_QUANTUM", 0),
		GuardThreshold:     defaultGuardThreshold,
		GuardWindow:        defaultGuardWindow,
		GuardCooldown:      defaultGuardCooldown,
		OcpasswdPath:       envOrDefault("OCBRIDGE_OCPASSWD", defaultOcpasswdPath),
		OcctlPath:          envOrDefault("OCBRIDGE_OCCTL", defaultOcctlPath),
		PasswdFile:         envOrDefault("OCBRIDGE_PASSWD_FILE", defaultPasswdFile),
		PprofAddr:          envOrDefault("OCBRIDGE_PPROF_ADDR", ""),
	}

	fs := flag.NewFlagSet("exit", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenRelay, "relay-listen", cfg.ListenRelay, "Relay (tunnel) listen address")
	fs.StringVar(&cfg.ListenAPI, "api-listen", cfg.ListenAPI, "Control API listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (mirror user store)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.TokenHash, "token-hash", cfg.TokenHash, "SHA-256 hex hash of the node bearer token")
	fs.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "File containing the plaintext node bearer token")
	fs.StringVar(&cfg.VPNAddr, "vpn-addr", cfg.VPNAddr, "Local VPN daemon listener address")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "TLS certificate PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "TLS key PEM file")
	fs.IntVar(&cfg.PaddingQuantum, "padding-quantum", cfg.PaddingQuantum, "Pad relay frames to multiples of this size (0 disables)")
	fs.StringVar(&cfg.PprofAddr, "pprof-addr", cfg.PprofAddr, "Optional pprof listen address")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.TokenHash = strings.ToLower(strings.TrimSpace(cfg.TokenHash))
	if cfg.TokenHash == "" && strings.TrimSpace(cfg.TokenFile) == "" {
		return cfg, errors.New("missing node token: set --token-hash, --token-file, OCBRIDGE_TOKEN_HASH or OCBRIDGE_TOKEN_FILE")
	}
	if strings.TrimSpace(cfg.VPNAddr) == "" {
		return cfg, errors.New("missing --vpn-addr or OCBRIDGE_VPN_ADDR")
	}
	if cfg.StreamWindowBytes <= 0 {
		return cfg, errors.New("stream window must be > 0")
	}
	if cfg.PaddingQuantum < 0 {
		return cfg, errors.New("padding quantum must be >= 0")
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatMissLimit <= 0 {
		return cfg, errors.New("heartbeat interval and miss limit must be > 0")
	}
	if cfg.GuardThreshold <= 0 || cfg.GuardWindow <= 0 || cfg.GuardCooldown <= 0 {
		return cfg, errors.New("guard threshold, window and cooldown must be > 0")
	}
	return cfg, nil
}

// NormalizeNodeHost canonicalizes an exit node host for storage and lookup.
func NormalizeNodeHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "wss://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	return netutil.NormalizeHost(v)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
