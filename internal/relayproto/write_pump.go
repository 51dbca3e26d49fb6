package relayproto

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocbridge/ocbridge/internal/domain"
)

const (
	defaultControlEnqueueTimeout = 2 * time.Second
	defaultDataEnqueueTimeout    = 500 * time.Millisecond
)

type writeRequest struct {
	frame Frame
	done  chan error
}

// WritePump serializes WebSocket writes for one tunnel session while
// prioritizing control frames (heartbeats, opens, closes, window updates)
// ahead of bulk data frames. A congested stream can therefore never starve
// the session keepalive.
type WritePump struct {
	writeFn     func(Frame) error
	closeFn     func()
	high        chan writeRequest
	low         chan writeRequest
	stop        chan struct{}
	done        chan struct{}
	closed      atomic.Bool
	stopOnce    sync.Once
	highTimeout time.Duration
	lowTimeout  time.Duration
}

// NewWritePump starts a pump writing encoded frames to conn. Each frame is
// one WebSocket binary message; quantum configures padding (see [Encode]).
func NewWritePump(conn *websocket.Conn, writeTimeout time.Duration, quantum, highCap, lowCap int) *WritePump {
	return newWritePumpWithWriter(func(f Frame) error {
		if conn == nil {
			return domain.ErrSessionClosed
		}
		raw, err := Encode(f, quantum)
		if err != nil {
			return err
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = conn.Close()
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
		if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	}, func() {
		if conn != nil {
			_ = conn.Close()
		}
	}, highCap, lowCap, defaultControlEnqueueTimeout, defaultDataEnqueueTimeout)
}

func newWritePumpWithWriter(
	writeFn func(Frame) error,
	closeFn func(),
	highCap, lowCap int,
	highTimeout, lowTimeout time.Duration,
) *WritePump {
	if highCap <= 0 {
		highCap = 1
	}
	if lowCap <= 0 {
		lowCap = 1
	}
	if highTimeout <= 0 {
		highTimeout = defaultControlEnqueueTimeout
	}
	if lowTimeout <= 0 {
		lowTimeout = defaultDataEnqueueTimeout
	}
	p := &WritePump{
		writeFn:     writeFn,
		closeFn:     closeFn,
		high:        make(chan writeRequest, highCap),
		low:         make(chan writeRequest, lowCap),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		highTimeout: highTimeout,
		lowTimeout:  lowTimeout,
	}
	go p.run()
	return p
}

// WriteControl enqueues a control frame on the high-priority channel.
func (p *WritePump) WriteControl(f Frame) error {
	return p.enqueue(writeRequest{frame: f, done: make(chan error, 1)}, true)
}

// WriteData enqueues a data frame on the low-priority channel. Returns
// [domain.ErrBackpressure] when the peer cannot keep up.
func (p *WritePump) WriteData(f Frame) error {
	return p.enqueue(writeRequest{frame: f, done: make(chan error, 1)}, false)
}

// Close stops the pump and waits for the writer goroutine to exit.
func (p *WritePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

func (p *WritePump) enqueue(req writeRequest, high bool) error {
	if p.closed.Load() {
		return domain.ErrSessionClosed
	}

	target := p.low
	wait := p.lowTimeout
	if high {
		target = p.high
		wait = p.highTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-p.stop:
		return domain.ErrSessionClosed
	case target <- req:
	case <-timer.C:
		p.triggerBackpressure()
		return domain.ErrBackpressure
	}

	return <-req.done
}

func (p *WritePump) run() {
	defer close(p.done)

	for {
		req, ok := p.next()
		if !ok {
			p.failPending(domain.ErrSessionClosed)
			return
		}
		err := p.write(req.frame)
		req.done <- err
		if err != nil {
			p.closed.Store(true)
			p.signalStop()
			p.failPending(err)
			return
		}
		if p.closed.Load() {
			p.signalStop()
			p.failPending(domain.ErrSessionClosed)
			return
		}
	}
}

func (p *WritePump) next() (writeRequest, bool) {
	select {
	case req := <-p.high:
		return req, true
	default:
	}

	select {
	case <-p.stop:
		return writeRequest{}, false
	case req := <-p.high:
		return req, true
	case req := <-p.low:
		return req, true
	}
}

func (p *WritePump) write(f Frame) error {
	if p.writeFn == nil {
		return io.ErrClosedPipe
	}
	return p.writeFn(f)
}

func (p *WritePump) failPending(err error) {
	for {
		select {
		case req := <-p.high:
			req.done <- err
		case req := <-p.low:
			req.done <- err
		default:
			return
		}
	}
}

func (p *WritePump) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

func (p *WritePump) triggerBackpressure() {
	if p.closed.Swap(true) {
		return
	}
	if p.closeFn != nil {
		p.closeFn()
	}
	p.signalStop()
}
