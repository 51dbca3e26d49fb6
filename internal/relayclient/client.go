// Package relayclient implements the entry-node side of the tunnel: it
// dials the exit node's relay endpoint, keeps the configured number of
// sessions alive with jittered reconnect backoff, and forwards accepted
// end-user connections through the multiplexer.
package relayclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocbridge/ocbridge/internal/config"
	"github.com/ocbridge/ocbridge/internal/domain"
	"github.com/ocbridge/ocbridge/internal/relaymux"
	"github.com/ocbridge/ocbridge/internal/relayserver"
)

const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = time.Minute

	// sessionWaitPoll is how often a queued connection re-checks for an
	// established session.
	sessionWaitPoll = 100 * time.Millisecond
)

// Client maintains tunnel sessions to one exit node and forwards local
// connections across them.
type Client struct {
	cfg  config.EntryConfig
	node domain.RemoteNode
	log  *slog.Logger
	fsm  *fsm

	// relayURL defaults to wss://host:relayPort/v1/relay/connect.
	relayURL string

	mu       sync.Mutex
	sessions []*relaymux.Session
	rr       int

	accept chan net.Conn
}

// New builds a relay client for the given exit node.
func New(cfg config.EntryConfig, node domain.RemoteNode, logger *slog.Logger) *Client {
	logger = logger.With("node", node.Host)
	return &Client{
		cfg:      cfg,
		node:     node,
		log:      logger,
		fsm:      newFSM(logger),
		relayURL: fmt.Sprintf("wss://%s:%d%s", node.Host, node.RelayPort, relayserver.ConnectPath),
		accept:   make(chan net.Conn, cfg.AcceptQueueDepth),
	}
}

// State returns the current connection lifecycle state.
func (c *Client) State() State { return c.fsm.state() }

// SessionCount returns the number of live tunnel sessions.
func (c *Client) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// StreamCount returns the number of open streams across all sessions.
func (c *Client) StreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sessions {
		n += s.StreamCount()
	}
	return n
}

// Sessions returns snapshots of all live sessions.
func (c *Client) Sessions() []domain.TunnelSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TunnelSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// HandleConn queues an accepted local connection for forwarding. Returns
// [domain.ErrBackpressure] when the queue is full; the caller keeps
// ownership of the connection in that case.
func (c *Client) HandleConn(conn net.Conn) error {
	select {
	case c.accept <- conn:
		return nil
	default:
		return domain.ErrBackpressure
	}
}

// Run maintains the configured number of tunnel sessions and dispatches
// queued connections until ctx is cancelled. A definitive authentication
// rejection aborts the run; everything else is retried with backoff.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.dispatch(ctx)

	errCh := make(chan error, c.cfg.SessionsPerNode)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.SessionsPerNode; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			errCh <- c.maintain(ctx, slot)
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// maintain keeps one session slot connected, reconnecting with jittered
// exponential backoff.
func (c *Client) maintain(ctx context.Context, slot int) error {
	backoff := reconnectInitialDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.fsm.to(StateConnecting)
		c.fsm.to(StateAuthenticating)
		sess, err := c.connect(ctx, slot)
		if err != nil {
			if errors.Is(err, domain.ErrAuthFailed) {
				// A bad token will not fix itself; give up loudly.
				c.log.Error("relay authentication rejected", "slot", slot)
				return err
			}
			c.noteNoSessionState()
			c.log.Warn("relay connect failed", "slot", slot, "err", err, "retry_in", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = reconnectInitialDelay

		c.addSession(sess)
		c.fsm.to(StateEstablished)
		c.log.Info("relay session established", "slot", slot, "session", sess.ID())

		select {
		case <-ctx.Done():
			c.removeSession(sess)
			sess.Goaway()
			sess.Close()
			c.noteNoSessionState()
			return nil
		case <-sess.Done():
			c.removeSession(sess)
			if err := sess.Err(); err != nil {
				c.log.Warn("relay session lost", "slot", slot, "err", err)
			} else {
				c.log.Info("relay session closed", "slot", slot)
			}
			if c.SessionCount() > 0 {
				c.fsm.to(StateDegraded)
			} else {
				c.noteNoSessionState()
			}
		}
	}
}

func (c *Client) noteNoSessionState() {
	if c.SessionCount() == 0 {
		c.fsm.to(StateDisconnected)
	}
}

func (c *Client) connect(ctx context.Context, slot int) (*relaymux.Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	if c.cfg.AllowInsecureTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+c.node.Token)

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout+c.cfg.AuthTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dctx, c.relayURL, hdr)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, domain.ErrAuthFailed
		}
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: relay endpoint cooling down", domain.ErrRateLimitExceeded)
		}
		return nil, err
	}

	return relaymux.NewSession(conn, relaymux.Config{
		Logger:             c.log,
		ID:                 fmt.Sprintf("%s-slot%d", c.node.Host, slot),
		Initiator:          true,
		HeartbeatInterval:  c.cfg.HeartbeatInterval,
		HeartbeatMissLimit: c.cfg.HeartbeatMissLimit,
		HardTimeout:        c.cfg.HardTimeout,
		OnDegraded:         c.sessionDegraded,
		OnRecovered:        c.sessionRecovered,
	}), nil
}

// sessionDegraded moves the FSM to Degraded when a session's peer stops
// acking heartbeats; the session itself stays up until its hard timeout.
func (c *Client) sessionDegraded() {
	c.fsm.to(StateDegraded)
}

// sessionRecovered returns to Established after a late heartbeat ack.
func (c *Client) sessionRecovered() {
	c.fsm.to(StateEstablished)
}

// dispatch forwards queued local connections over established sessions.
func (c *Client) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.drainQueue()
			return
		case conn := <-c.accept:
			go c.forward(ctx, conn)
		}
	}
}

func (c *Client) forward(ctx context.Context, conn net.Conn) {
	if err := c.forwardConn(ctx, conn); err != nil {
		c.log.Warn("connection dropped", "remote", conn.RemoteAddr(), "err", err)
		_ = conn.Close()
	}
}

func (c *Client) forwardConn(ctx context.Context, conn net.Conn) error {
	sess := c.waitForSession(ctx)
	if sess == nil {
		return domain.ErrNoSession
	}

	openCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	return sess.OpenStream(openCtx, conn)
}

// waitForSession picks the next session round-robin, waiting up to the dial
// timeout for one to establish.
func (c *Client) waitForSession(ctx context.Context) *relaymux.Session {
	deadline := time.Now().Add(c.cfg.DialTimeout)
	for {
		c.mu.Lock()
		if len(c.sessions) > 0 {
			c.rr = (c.rr + 1) % len(c.sessions)
			sess := c.sessions[c.rr]
			c.mu.Unlock()
			return sess
		}
		c.mu.Unlock()

		if ctx.Err() != nil || time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sessionWaitPoll):
		}
	}
}

func (c *Client) drainQueue() {
	for {
		select {
		case conn := <-c.accept:
			_ = conn.Close()
		default:
			return
		}
	}
}

func (c *Client) addSession(sess *relaymux.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, sess)
}

func (c *Client) removeSession(sess *relaymux.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.sessions {
		if s == sess {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			return
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		current = reconnectInitialDelay
	}
	next := current * 2
	if next > reconnectMaxDelay {
		next = reconnectMaxDelay
	}
	// Jitter avoids thundering-herd reconnects after an exit node restart.
	jitter := 1.0 + (rand.Float64()-0.5)*0.5 // range [0.75, 1.25]
	return time.Duration(float64(next) * jitter)
}
