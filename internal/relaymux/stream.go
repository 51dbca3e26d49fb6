package relaymux

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocbridge/ocbridge/internal/domain"
	"github.com/ocbridge/ocbridge/internal/relayproto"
)

// Stream bridges one local connection over the tunnel. Data flowing toward
// the peer is limited by a byte window the peer replenishes with window
// update frames; data arriving from the peer is queued and acknowledged
// back after it has been written to the local connection.
type Stream struct {
	id       uint32
	sess     *Session
	local    net.Conn
	openedAt time.Time

	qmu     sync.Mutex
	qcond   *sync.Cond
	chunks  [][]byte
	qbytes  int
	qclosed bool

	wmu     sync.Mutex
	wcond   *sync.Cond
	window  int
	wclosed bool

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	shutdownOnce sync.Once
}

func newStream(id uint32, local net.Conn, sess *Session) *Stream {
	st := &Stream{
		id:       id,
		sess:     sess,
		local:    local,
		openedAt: time.Now(),
		window:   sess.cfg.WindowBytes,
	}
	st.qcond = sync.NewCond(&st.qmu)
	st.wcond = sync.NewCond(&st.wmu)
	return st
}

// readLocal pumps local connection bytes to the peer, honoring the send
// window. Local EOF or error closes the stream and notifies the peer.
func (st *Stream) readLocal() {
	buf := make([]byte, localReadBufSize)
	for {
		n, err := st.local.Read(buf)
		if n > 0 {
			if werr := st.writeRemote(buf[:n]); werr != nil {
				st.sess.closeStream(st.id, false, "")
				return
			}
			st.bytesOut.Add(int64(n))
		}
		if err != nil {
			st.sess.closeStream(st.id, true, "")
			return
		}
	}
}

func (st *Stream) writeRemote(b []byte) error {
	for len(b) > 0 {
		n := st.acquireWindow(len(b))
		if n == 0 {
			return domain.ErrSessionClosed
		}
		err := st.sess.pump.WriteData(relayproto.Frame{
			Op:       relayproto.OpData,
			StreamID: st.id,
			Payload:  b[:n],
		})
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// acquireWindow blocks until send window is available and claims up to want
// bytes, capped at one frame. Returns 0 once the stream is shut down.
func (st *Stream) acquireWindow(want int) int {
	st.wmu.Lock()
	defer st.wmu.Unlock()
	for st.window == 0 && !st.wclosed {
		st.wcond.Wait()
	}
	if st.wclosed {
		return 0
	}
	n := want
	if n > st.window {
		n = st.window
	}
	if n > relayproto.MaxPayload {
		n = relayproto.MaxPayload
	}
	st.window -= n
	return n
}

func (st *Stream) addWindow(n int) {
	if n <= 0 {
		return
	}
	st.wmu.Lock()
	st.window += n
	st.wmu.Unlock()
	st.wcond.Broadcast()
}

// enqueue queues an inbound chunk for delivery. Returns false when the peer
// has overrun its window allowance.
func (st *Stream) enqueue(chunk []byte) bool {
	st.qmu.Lock()
	if st.qclosed {
		st.qmu.Unlock()
		return true
	}
	if len(st.chunks) >= maxInboundChunks || st.qbytes+len(chunk) > st.sess.cfg.WindowBytes+relayproto.MaxPayload {
		st.qmu.Unlock()
		return false
	}
	st.chunks = append(st.chunks, chunk)
	st.qbytes += len(chunk)
	st.qmu.Unlock()
	st.qcond.Broadcast()
	return true
}

func (st *Stream) pop() ([]byte, bool) {
	st.qmu.Lock()
	defer st.qmu.Unlock()
	for len(st.chunks) == 0 && !st.qclosed {
		st.qcond.Wait()
	}
	if len(st.chunks) == 0 {
		return nil, false
	}
	chunk := st.chunks[0]
	st.chunks = st.chunks[1:]
	st.qbytes -= len(chunk)
	return chunk, true
}

// deliver writes queued inbound chunks to the local connection in order and
// grants the peer fresh window for every chunk consumed.
func (st *Stream) deliver() {
	for {
		chunk, ok := st.pop()
		if !ok {
			return
		}
		if _, err := st.local.Write(chunk); err != nil {
			st.sess.closeStream(st.id, true, "local write failed")
			return
		}
		st.bytesIn.Add(int64(len(chunk)))
		_ = st.sess.pump.WriteControl(relayproto.Frame{
			Op:       relayproto.OpWindowUpdate,
			StreamID: st.id,
			Payload:  relayproto.WindowUpdatePayload(uint32(len(chunk))),
		})
	}
}

func (st *Stream) shutdown() {
	st.shutdownOnce.Do(func() {
		_ = st.local.Close()

		st.qmu.Lock()
		st.qclosed = true
		st.qmu.Unlock()
		st.qcond.Broadcast()

		st.wmu.Lock()
		st.wclosed = true
		st.wmu.Unlock()
		st.wcond.Broadcast()
	})
}
