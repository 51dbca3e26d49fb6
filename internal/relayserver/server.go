// Package relayserver implements the exit-node side of the tunnel: it
// authenticates entry nodes, upgrades their connections to multiplexed
// relay sessions, and bridges each opened stream to the local VPN daemon.
package relayserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocbridge/ocbridge/internal/auth"
	"github.com/ocbridge/ocbridge/internal/config"
	"github.com/ocbridge/ocbridge/internal/domain"
	"github.com/ocbridge/ocbridge/internal/netutil"
	"github.com/ocbridge/ocbridge/internal/relaymux"
)

// ConnectPath is the relay upgrade endpoint served on the relay listener.
const ConnectPath = "/v1/relay/connect"

// Server accepts tunnel connections from entry nodes and owns the resulting
// sessions.
type Server struct {
	cfg       config.ExitConfig
	log       *slog.Logger
	tokenHash string
	upgrader  websocket.Upgrader
	guard     *ipGuard
	startedAt time.Time

	mu       sync.Mutex
	sessions map[string]*relaymux.Session
	nextID   atomic.Uint64
}

// New builds a relay server, resolving the node token digest from the
// configuration.
func New(cfg config.ExitConfig, logger *slog.Logger) (*Server, error) {
	tokenHash, err := auth.LoadTokenHash(cfg.TokenHash, cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("resolve node token: %w", err)
	}
	return &Server{
		cfg:       cfg,
		log:       logger,
		tokenHash: tokenHash,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Entry nodes are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		guard:     newIPGuard(cfg.GuardThreshold, cfg.GuardWindow, cfg.GuardCooldown),
		startedAt: time.Now(),
		sessions:  make(map[string]*relaymux.Session),
	}, nil
}

// Handler returns the HTTP handler for the relay listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ConnectPath, s.handleConnect)
	return mux
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ip := netutil.RemoteIP(r.RemoteAddr)
	now := time.Now()

	if !s.guard.allowed(ip, now) {
		s.log.Warn("relay connect refused, source in cooldown", "ip", ip)
		http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
		return
	}

	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok || !auth.ConstantTimeHashEquals(auth.HashToken(token), s.tokenHash) {
		s.guard.recordFailure(ip, now)
		s.log.Warn("relay authentication failed", "ip", ip)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}
	s.guard.recordSuccess(ip)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("relay upgrade failed", "ip", ip, "error", err)
		return
	}

	id := fmt.Sprintf("sess-%d", s.nextID.Add(1))
	sess := relaymux.NewSession(conn, relaymux.Config{
		Logger:             s.log,
		ID:                 id,
		Accept:             s.dialVPN,
		WindowBytes:        s.cfg.StreamWindowBytes,
		PaddingQuantum:     s.cfg.PaddingQuantum,
		HeartbeatInterval:  s.cfg.HeartbeatInterval,
		HeartbeatMissLimit: s.cfg.HeartbeatMissLimit,
		HardTimeout:        s.cfg.HeartbeatInterval * time.Duration(s.cfg.HeartbeatMissLimit+1),
	})

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.log.Info("relay session established", "session", id, "ip", ip)

	go func() {
		<-sess.Done()
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		if err := sess.Err(); err != nil {
			s.log.Warn("relay session ended", "session", id, "error", err)
		} else {
			s.log.Info("relay session ended", "session", id)
		}
	}()
}

// dialVPN bridges a newly opened stream to the local VPN daemon listener.
func (s *Server) dialVPN(ctx context.Context, streamID uint32) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialVPNTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", s.cfg.VPNAddr)
	if err != nil {
		return nil, fmt.Errorf("vpn daemon unreachable: %w", err)
	}
	return conn, nil
}

// Janitor periodically reaps sessions whose peer has gone silent and ages
// out stale auth-guard entries. Blocks until ctx is cancelled.
func (s *Server) Janitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	maxSilence := s.cfg.HeartbeatInterval * time.Duration(s.cfg.HeartbeatMissLimit)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			stale := make([]*relaymux.Session, 0)
			for _, sess := range s.sessions {
				if now.Sub(sess.LastSeen()) > maxSilence {
					stale = append(stale, sess)
				}
			}
			s.mu.Unlock()
			for _, sess := range stale {
				s.log.Warn("reaping silent relay session", "session", sess.ID())
				sess.Close()
			}
			s.guard.sweep(now)
		}
	}
}

// Stats returns the current session and stream counts.
func (s *Server) Stats() (sessions, streams int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sessions++
		streams += sess.StreamCount()
	}
	return sessions, streams
}

// Sessions returns snapshots of all live sessions.
func (s *Server) Sessions() []domain.TunnelSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TunnelSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// StartedAt reports when this server started, for uptime reporting.
func (s *Server) StartedAt() time.Time { return s.startedAt }

// Shutdown announces goaway on every session and tears them down.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*relaymux.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Goaway()
		sess.Close()
	}
}
