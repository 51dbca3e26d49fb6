package relayclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ocbridge/ocbridge/internal/auth"
	"github.com/ocbridge/ocbridge/internal/config"
	"github.com/ocbridge/ocbridge/internal/domain"
	"github.com/ocbridge/ocbridge/internal/relayserver"
)

const testToken = "entry-node-token"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entryConfig() config.EntryConfig {
	return config.EntryConfig{
		SessionsPerNode:    1,
		AcceptQueueDepth:   4,
		DialTimeout:        2 * time.Second,
		AuthTimeout:        2 * time.Second,
		HeartbeatInterval:  time.Minute,
		HeartbeatMissLimit: 3,
	}
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func startExitNode(t *testing.T, vpnAddr string) *httptest.Server {
	t.Helper()
	srv, err := relayserver.New(config.ExitConfig{
		TokenHash:          auth.HashToken(testToken),
		VPNAddr:            vpnAddr,
		HeartbeatInterval:  time.Minute,
		HeartbeatMissLimit: 3,
		JanitorInterval:    time.Second,
		DialVPNTimeout:     2 * time.Second,
		StreamWindowBytes:  64 * 1024,
		GuardThreshold:     5,
		GuardWindow:        time.Minute,
		GuardCooldown:      time.Minute,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Shutdown)
	return ts
}

func newTestClient(t *testing.T, ts *httptest.Server, token string) *Client {
	t.Helper()
	c := New(entryConfig(), domain.RemoteNode{
		Host: "exit.test", RelayPort: 8443, Token: token,
	}, testLogger())
	c.relayURL = "ws" + strings.TrimPrefix(ts.URL, "http") + relayserver.ConnectPath
	return c
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, stuck at %s", want, c.State())
}

func TestRunEstablishesAndForwards(t *testing.T) {
	vpnAddr := startEcho(t)
	ts := startExitNode(t, vpnAddr)
	c := newTestClient(t, ts, testToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	waitForState(t, c, StateEstablished)
	if c.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", c.SessionCount())
	}

	p1, p2 := net.Pipe()
	defer p1.Close()
	if err := c.HandleConn(p2); err != nil {
		t.Fatalf("handle conn: %v", err)
	}

	msg := []byte("user vpn traffic")
	if _, err := p1.Write(msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	_ = p1.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(p1, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo mismatch: %q", got)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func TestRunAbortsOnAuthRejection(t *testing.T) {
	ts := startExitNode(t, "127.0.0.1:1")
	c := newTestClient(t, ts, "wrong-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	if !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestHandleConnBackpressure(t *testing.T) {
	c := New(config.EntryConfig{
		SessionsPerNode:  1,
		AcceptQueueDepth: 2,
		DialTimeout:      time.Second,
	}, domain.RemoteNode{Host: "exit.test"}, testLogger())

	// Without a running dispatcher the queue fills at its configured depth.
	var pipes []net.Conn
	for i := 0; i < 2; i++ {
		p1, p2 := net.Pipe()
		pipes = append(pipes, p1)
		if err := c.HandleConn(p2); err != nil {
			t.Fatalf("conn %d unexpectedly rejected: %v", i, err)
		}
	}
	defer func() {
		for _, p := range pipes {
			_ = p.Close()
		}
	}()

	_, p2 := net.Pipe()
	if err := c.HandleConn(p2); !errors.Is(err, domain.ErrBackpressure) {
		t.Fatalf("expected backpressure, got %v", err)
	}
}

func TestClientReconnectsAfterSessionLoss(t *testing.T) {
	vpnAddr := startEcho(t)
	ts := startExitNode(t, vpnAddr)
	c := newTestClient(t, ts, testToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitForState(t, c, StateEstablished)

	// Kill the live session out from under the client; it must dial back.
	c.mu.Lock()
	sess := c.sessions[0]
	c.mu.Unlock()
	sess.Close()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateEstablished && c.SessionCount() == 1 {
			c.mu.Lock()
			recovered := c.sessions[0] != sess
			c.mu.Unlock()
			if recovered {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("client never re-established after session loss")
}

func TestHeartbeatEventsDriveDegradedState(t *testing.T) {
	c := New(entryConfig(), domain.RemoteNode{Host: "exit.test"}, testLogger())
	c.fsm.to(StateConnecting)
	c.fsm.to(StateAuthenticating)
	c.fsm.to(StateEstablished)

	c.sessionDegraded()
	if got := c.State(); got != StateDegraded {
		t.Fatalf("missed heartbeats must degrade, got %s", got)
	}
	c.sessionRecovered()
	if got := c.State(); got != StateEstablished {
		t.Fatalf("late ack must re-establish, got %s", got)
	}

	// A degrade report with no established session must not corrupt the FSM.
	c.fsm.to(StateDisconnected)
	c.sessionDegraded()
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("degrade while disconnected must be refused, got %s", got)
	}
}

func TestForwardConnWithoutSession(t *testing.T) {
	cfg := entryConfig()
	cfg.DialTimeout = 200 * time.Millisecond
	c := New(cfg, domain.RemoteNode{Host: "exit.test"}, testLogger())

	p1, p2 := net.Pipe()
	defer p1.Close()
	defer p2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.forwardConn(ctx, p2); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestNextBackoffBounds(t *testing.T) {
	cur := reconnectInitialDelay
	for i := 0; i < 20; i++ {
		next := nextBackoff(cur)
		if next > time.Duration(float64(reconnectMaxDelay)*1.25) {
			t.Fatalf("backoff exceeded jittered cap: %s", next)
		}
		if next <= 0 {
			t.Fatalf("non-positive backoff: %s", next)
		}
		cur = next
	}
	if got := nextBackoff(0); got < reconnectInitialDelay {
		t.Fatalf("zero input must restart from the initial delay, got %s", got)
	}
}
