// Package relaymux implements the multiplexed tunnel session shared by the
// entry and exit nodes. One Session owns one WebSocket connection and
// carries many logical streams, each bridged to a local net.Conn, with
// per-stream flow-control windows and session keepalives.
package relaymux

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocbridge/ocbridge/internal/domain"
	"github.com/ocbridge/ocbridge/internal/relayproto"
)

const (
	highQueueCap = 32
	lowQueueCap  = 256

	// Inbound chunks held per stream before the peer is declared in
	// violation of its window.
	maxInboundChunks = 4096

	localReadBufSize = 32 * 1024
)

// Config configures one tunnel session.
type Config struct {
	Logger *slog.Logger

	// ID identifies the session in logs and status reports.
	ID string

	// Initiator marks the side that allocates stream IDs and opens
	// streams. Exactly one side of a session is the initiator.
	Initiator bool

	// Accept is invoked when the peer opens a stream; it returns the local
	// connection to bridge. Nil on the initiator side, where an inbound
	// open is a protocol violation.
	Accept func(ctx context.Context, streamID uint32) (net.Conn, error)

	WindowBytes    int
	WriteTimeout   time.Duration
	PaddingQuantum int

	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
	HardTimeout        time.Duration

	// OnDegraded fires when the peer has missed HeartbeatMissLimit
	// consecutive heartbeats but HardTimeout has not yet expired.
	// OnRecovered fires when a late ack arrives while degraded. Both are
	// optional and only meaningful when HardTimeout > 0; with a zero
	// HardTimeout the miss limit closes the session outright.
	OnDegraded  func()
	OnRecovered func()
}

// pendingOpen tracks a locally initiated stream open awaiting the peer's
// ack. The local conn lives here so the ack dispatch can register the
// stream before the read loop sees any data frames for it.
type pendingOpen struct {
	local net.Conn
	done  chan error
}

// Session is one authenticated multiplexed tunnel connection.
type Session struct {
	cfg  Config
	log  *slog.Logger
	conn *websocket.Conn
	pump *relayproto.WritePump

	mu        sync.Mutex
	streams   map[uint32]*Stream
	pending   map[uint32]*pendingOpen
	nextID    uint32
	goingAway bool

	establishedAt time.Time
	lastSeen      atomic.Int64
	missedBeats   atomic.Int32
	degraded      atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	closeErr error
}

// NewSession wraps an upgraded WebSocket connection and starts the session
// read and keepalive loops.
func NewSession(conn *websocket.Conn, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WindowBytes <= 0 {
		cfg.WindowBytes = 256 * 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:           cfg,
		log:           cfg.Logger.With("session", cfg.ID),
		conn:          conn,
		streams:       make(map[uint32]*Stream),
		pending:       make(map[uint32]*pendingOpen),
		establishedAt: time.Now(),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	s.pump = relayproto.NewWritePump(conn, cfg.WriteTimeout, cfg.PaddingQuantum, highQueueCap, lowQueueCap)
	s.touch()

	go s.readLoop()
	if cfg.HeartbeatInterval > 0 {
		go s.heartbeatLoop()
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// Done is closed when the session has fully terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session closed. Nil for an orderly shutdown.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.closeErr
}

// StreamCount returns the number of currently open streams.
func (s *Session) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// LastSeen returns the time of the last frame received from the peer.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Snapshot returns the session state for status reporting.
func (s *Session) Snapshot() domain.TunnelSession {
	return domain.TunnelSession{
		ID:            s.cfg.ID,
		EstablishedAt: s.establishedAt,
		StreamCount:   s.StreamCount(),
		LastHeartbeat: s.LastSeen(),
	}
}

// Streams returns per-stream state for status reporting.
func (s *Session) Streams() []domain.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, domain.Stream{
			ID:       st.id,
			OpenedAt: st.openedAt,
			BytesIn:  st.bytesIn.Load(),
			BytesOut: st.bytesOut.Load(),
		})
	}
	return out
}

// OpenStream opens a new logical stream bridged to local. It blocks until
// the peer acknowledges the open or ctx expires; on success the bridge runs
// in the background until either side closes.
func (s *Session) OpenStream(ctx context.Context, local net.Conn) error {
	if !s.cfg.Initiator {
		return fmt.Errorf("%w: only the initiating side opens streams", domain.ErrProtocolViolation)
	}

	s.mu.Lock()
	if s.goingAway {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.nextID++
	id := s.nextID
	p := &pendingOpen{local: local, done: make(chan error, 1)}
	s.pending[id] = p
	s.mu.Unlock()

	// abort withdraws the pending open. When the ack dispatch already
	// claimed it the stream is running; its buffered result wins.
	abort := func() (raced bool, err error) {
		s.mu.Lock()
		_, still := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if !still {
			return true, <-p.done
		}
		return false, nil
	}

	if err := s.pump.WriteControl(relayproto.Frame{Op: relayproto.OpOpen, StreamID: id}); err != nil {
		abort()
		return err
	}

	select {
	case <-ctx.Done():
		if raced, err := abort(); raced {
			return err
		}
		_ = s.pump.WriteControl(relayproto.Frame{Op: relayproto.OpClose, StreamID: id})
		return ctx.Err()
	case <-s.done:
		if raced, err := abort(); raced {
			return err
		}
		return domain.ErrSessionClosed
	case err := <-p.done:
		return err
	}
}

// Goaway announces an orderly shutdown to the peer. No new streams are
// accepted; the session closes once the last stream drains.
func (s *Session) Goaway() {
	s.mu.Lock()
	s.goingAway = true
	empty := len(s.streams) == 0
	s.mu.Unlock()

	_ = s.pump.WriteControl(relayproto.Frame{Op: relayproto.OpGoaway})
	if empty {
		s.closeWith(nil)
	}
}

// Close tears down the session and every stream immediately.
func (s *Session) Close() {
	s.closeWith(nil)
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) readLoop() {
	for {
		if s.cfg.HardTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HardTimeout))
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.closeWith(fmt.Errorf("%w: %v", domain.ErrSessionClosed, err))
			return
		}
		f, err := relayproto.Decode(raw)
		if err != nil {
			s.log.Warn("malformed frame, closing session", "error", err)
			s.closeWith(err)
			return
		}
		s.touch()
		if err := s.dispatch(f); err != nil {
			s.log.Warn("session fault", "op", relayproto.OpName(f.Op), "error", err)
			s.closeWith(err)
			return
		}
	}
}

func (s *Session) dispatch(f relayproto.Frame) error {
	switch f.Op {
	case relayproto.OpOpen:
		if s.cfg.Accept == nil || f.StreamID == 0 {
			return fmt.Errorf("%w: unexpected stream open", domain.ErrProtocolViolation)
		}
		s.mu.Lock()
		refusing := s.goingAway
		_, dup := s.streams[f.StreamID]
		s.mu.Unlock()
		if dup {
			return fmt.Errorf("%w: duplicate stream %d", domain.ErrProtocolViolation, f.StreamID)
		}
		if refusing {
			return s.pump.WriteControl(relayproto.Frame{
				Op: relayproto.OpOpenAck, StreamID: f.StreamID, Payload: []byte("session draining"),
			})
		}
		go s.acceptStream(f.StreamID)
		return nil

	case relayproto.OpOpenAck:
		if !s.cfg.Initiator {
			return fmt.Errorf("%w: unexpected open ack", domain.ErrProtocolViolation)
		}
		s.mu.Lock()
		p := s.pending[f.StreamID]
		delete(s.pending, f.StreamID)
		s.mu.Unlock()
		if p == nil {
			// The opener gave up before the ack arrived.
			return nil
		}
		if len(f.Payload) != 0 {
			p.done <- fmt.Errorf("remote stream open failed: %s", f.Payload)
			return nil
		}
		// Register here, inside the read loop, so a data frame sent right
		// behind the ack always finds the stream.
		s.registerStream(f.StreamID, p.local)
		s.runStream(f.StreamID)
		p.done <- nil
		return nil

	case relayproto.OpData:
		if len(f.Payload) == 0 {
			return nil
		}
		s.mu.Lock()
		st := s.streams[f.StreamID]
		s.mu.Unlock()
		if st == nil {
			// Races with a local close are normal; drop silently.
			return nil
		}
		if !st.enqueue(f.Payload) {
			return fmt.Errorf("%w: stream %d exceeded its receive window", domain.ErrProtocolViolation, f.StreamID)
		}
		return nil

	case relayproto.OpWindowUpdate:
		n, err := relayproto.ParseWindowUpdate(f.Payload)
		if err != nil {
			return err
		}
		s.mu.Lock()
		st := s.streams[f.StreamID]
		s.mu.Unlock()
		if st != nil {
			st.addWindow(int(n))
		}
		return nil

	case relayproto.OpClose:
		s.closeStream(f.StreamID, false, "")
		return nil

	case relayproto.OpHeartbeat:
		return s.pump.WriteControl(relayproto.Frame{Op: relayproto.OpHeartbeatAck})

	case relayproto.OpHeartbeatAck:
		s.missedBeats.Store(0)
		if s.degraded.CompareAndSwap(true, false) && s.cfg.OnRecovered != nil {
			s.cfg.OnRecovered()
		}
		return nil

	case relayproto.OpGoaway:
		s.mu.Lock()
		s.goingAway = true
		empty := len(s.streams) == 0
		s.mu.Unlock()
		if empty {
			s.closeWith(nil)
		}
		return nil
	}
	return fmt.Errorf("%w: unhandled opcode %s", domain.ErrProtocolViolation, relayproto.OpName(f.Op))
}

func (s *Session) acceptStream(id uint32) {
	local, err := s.cfg.Accept(s.ctx, id)
	if err != nil {
		s.log.Warn("stream open refused", "stream", id, "error", err)
		_ = s.pump.WriteControl(relayproto.Frame{
			Op: relayproto.OpOpenAck, StreamID: id, Payload: []byte(err.Error()),
		})
		return
	}

	// Register before acking so data arriving right after the ack always
	// finds the stream.
	s.registerStream(id, local)
	if err := s.pump.WriteControl(relayproto.Frame{Op: relayproto.OpOpenAck, StreamID: id}); err != nil {
		s.closeStream(id, false, "")
		return
	}
	s.runStream(id)
}

func (s *Session) registerStream(id uint32, local net.Conn) {
	st := newStream(id, local, s)
	s.mu.Lock()
	s.streams[id] = st
	s.mu.Unlock()
}

func (s *Session) runStream(id uint32) {
	s.mu.Lock()
	st := s.streams[id]
	s.mu.Unlock()
	if st == nil {
		return
	}
	go st.readLocal()
	go st.deliver()
}

// closeStream removes a stream and tears down its bridge. When notify is
// set, the peer is told via an OpClose frame.
func (s *Session) closeStream(id uint32, notify bool, reason string) {
	s.mu.Lock()
	st := s.streams[id]
	delete(s.streams, id)
	drained := s.goingAway && len(s.streams) == 0
	s.mu.Unlock()

	if st != nil {
		st.shutdown()
		if notify {
			_ = s.pump.WriteControl(relayproto.Frame{
				Op: relayproto.OpClose, StreamID: id, Payload: []byte(reason),
			})
		}
	}
	if drained {
		s.closeWith(nil)
	}
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	limit := int32(s.cfg.HeartbeatMissLimit)
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if missed := s.missedBeats.Add(1); limit > 0 && missed > limit {
				// With a hard timeout the session limps along degraded and
				// the read deadline decides its fate; without one the miss
				// limit is fatal.
				if s.cfg.HardTimeout <= 0 {
					s.log.Warn("peer missed heartbeats, closing session", "missed", missed-1)
					s.closeWith(domain.ErrSessionClosed)
					return
				}
				if s.degraded.CompareAndSwap(false, true) {
					s.log.Warn("peer missing heartbeats, session degraded", "missed", missed-1)
					if s.cfg.OnDegraded != nil {
						s.cfg.OnDegraded()
					}
				}
			}
			if err := s.pump.WriteControl(relayproto.Frame{Op: relayproto.OpHeartbeat}); err != nil {
				s.closeWith(err)
				return
			}
		}
	}
}

func (s *Session) closeWith(err error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		s.cancel()
		_ = s.conn.Close()

		s.mu.Lock()
		streams := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.streams = make(map[uint32]*Stream)
		s.mu.Unlock()
		for _, st := range streams {
			st.shutdown()
		}

		close(s.done)
		go s.pump.Close()
	})
}
