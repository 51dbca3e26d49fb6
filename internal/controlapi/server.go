// Package controlapi implements the exit node's user management API and
// the matching HTTP client used by the entry node's sync coordinator.
// Every mutation is idempotent: replaying a request converges on the same
// node state.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ocbridge/ocbridge/internal/auth"
	"github.com/ocbridge/ocbridge/internal/domain"
	"github.com/ocbridge/ocbridge/internal/netutil"
	"github.com/ocbridge/ocbridge/internal/ocserv"
)

// MirrorStore is the persistence surface the API needs. Satisfied by
// *sqlite.Store.
type MirrorStore interface {
	UpsertMirrorUser(ctx context.Context, m domain.MirrorUser) error
	GetMirrorUser(ctx context.Context, username string) (domain.MirrorUser, error)
	ListMirrorUsers(ctx context.Context) ([]domain.MirrorUser, error)
	DeleteMirrorUser(ctx context.Context, username string) error
}

// TunnelStats reports live relay counters for the status endpoint.
type TunnelStats func() (sessions, streams int)

// Server is the control API HTTP server state.
type Server struct {
	log       *slog.Logger
	store     MirrorStore
	daemon    ocserv.Daemon
	tokenHash string
	limiter   *rateLimiter
	stats     TunnelStats
	startedAt time.Time
}

// New builds a control API server. tokenHash is the SHA-256 hex digest of
// the node bearer token; stats may be nil when no relay server is running.
func New(logger *slog.Logger, store MirrorStore, daemon ocserv.Daemon, tokenHash string, stats TunnelStats) *Server {
	if stats == nil {
		stats = func() (int, int) { return 0, 0 }
	}
	return &Server{
		log:       logger,
		store:     store,
		daemon:    daemon,
		tokenHash: strings.ToLower(tokenHash),
		limiter:   newRateLimiter(),
		stats:     stats,
		startedAt: time.Now(),
	}
}

// Handler returns the API routes. /healthz is unauthenticated; everything
// else requires the node bearer token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("POST /v1/users/upsert", s.authenticated(s.handleUpsert))
	mux.Handle("POST /v1/users/delete", s.authenticated(s.handleDelete))
	mux.Handle("POST /v1/users/disconnect", s.authenticated(s.handleDisconnect))
	mux.Handle("GET /v1/users", s.authenticated(s.handleListUsers))
	mux.Handle("GET /v1/users/traffic", s.authenticated(s.handleTraffic))
	mux.Handle("GET /v1/status", s.authenticated(s.handleStatus))
	return mux
}

func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := netutil.RemoteIP(r.RemoteAddr)
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !s.limiter.allow(limitKey(token, ip)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if !ok || !auth.ConstantTimeHashEquals(auth.HashToken(token), s.tokenHash) {
			s.log.Warn("api authentication failed", "ip", ip, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		next(w, r)
	})
}

// limitKey buckets requests by the presented token digest, so one caller's
// budget follows its token across addresses. Tokenless requests fall back
// to the source address and cannot drain an authenticated caller's bucket.
func limitKey(token, ip string) string {
	if token != "" {
		return "t:" + auth.HashToken(token)
	}
	return "ip:" + ip
}

// CleanupTick ages out idle rate-limit buckets; wire it to a janitor.
func (s *Server) CleanupTick() {
	s.limiter.cleanup()
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req UserPayload
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Version < 1 {
		writeError(w, http.StatusBadRequest, "username and version are required")
		return
	}
	if req.Secret == "" {
		writeError(w, http.StatusBadRequest, "secret is required")
		return
	}

	ctx := r.Context()
	existing, err := s.store.GetMirrorUser(ctx, req.Username)
	switch {
	case err == nil:
		if s.upsertIsNoop(existing, req) {
			writeJSON(w, http.StatusOK, UpsertResponse{Applied: false, Version: existing.Version})
			return
		}
	case errors.Is(err, domain.ErrUserNotFound):
		// First sight of this user; fall through to apply.
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Disabled users keep their credentials but are locked out, matching
	// the entry node's intent to preserve the account.
	if err := s.daemon.ApplyUser(ctx, req.Username, req.Secret, !req.Enabled); err != nil {
		s.log.Error("daemon apply failed", "user", req.Username, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !req.Enabled {
		if err := s.daemon.Disconnect(ctx, req.Username); err != nil {
			s.log.Warn("disconnect after disable failed", "user", req.Username, "error", err)
		}
	}

	hash, err := auth.HashSecret(req.Secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	err = s.store.UpsertMirrorUser(ctx, domain.MirrorUser{
		Username:   req.Username,
		SecretHash: hash,
		QuotaBytes: req.QuotaBytes,
		ExpiresAt:  req.ExpiresAt,
		MaxDevices: req.MaxDevices,
		Enabled:    req.Enabled,
		Version:    req.Version,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info("user upserted", "user", req.Username, "version", req.Version, "enabled", req.Enabled)
	writeJSON(w, http.StatusOK, UpsertResponse{Applied: true, Version: req.Version})
}

// upsertIsNoop reports whether the mirror already reflects the request.
// The secret is checked against the stored bcrypt hash so a replay with the
// same content never touches the daemon.
func (s *Server) upsertIsNoop(existing domain.MirrorUser, req UserPayload) bool {
	if existing.Version != req.Version ||
		existing.QuotaBytes != req.QuotaBytes ||
		existing.MaxDevices != req.MaxDevices ||
		existing.Enabled != req.Enabled {
		return false
	}
	if (existing.ExpiresAt == nil) != (req.ExpiresAt == nil) {
		return false
	}
	if existing.ExpiresAt != nil && !existing.ExpiresAt.Equal(*req.ExpiresAt) {
		return false
	}
	return auth.VerifySecretHash(existing.SecretHash, req.Secret)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req UserRef
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	ctx := r.Context()
	if err := s.daemon.RemoveUser(ctx, req.Username); err != nil {
		s.log.Error("daemon remove failed", "user", req.Username, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := s.daemon.Disconnect(ctx, req.Username); err != nil {
		s.log.Warn("disconnect after delete failed", "user", req.Username, "error", err)
	}
	if err := s.store.DeleteMirrorUser(ctx, req.Username); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("user deleted", "user", req.Username)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req UserRef
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if err := s.daemon.Disconnect(r.Context(), req.Username); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListMirrorUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]UserSummary, 0, len(users))
	for _, m := range users {
		out = append(out, UserSummary{
			Username:   m.Username,
			QuotaBytes: m.QuotaBytes,
			ExpiresAt:  m.ExpiresAt,
			MaxDevices: m.MaxDevices,
			Enabled:    m.Enabled,
			Version:    m.Version,
			UpdatedAt:  m.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	totals, err := s.daemon.Traffic(r.Context())
	if err != nil {
		s.log.Warn("daemon traffic query failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	out := make([]TrafficSample, 0, len(totals))
	for _, u := range totals {
		out = append(out, TrafficSample{
			Username: u.Username,
			RxBytes:  u.RxBytes,
			TxBytes:  u.TxBytes,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	alive, active := s.daemon.Status(r.Context())
	sessions, streams := s.stats()
	writeJSON(w, http.StatusOK, domain.NodeStatus{
		DaemonAlive:       alive,
		ActiveConnections: active,
		TunnelSessions:    sessions,
		TunnelStreams:     streams,
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
