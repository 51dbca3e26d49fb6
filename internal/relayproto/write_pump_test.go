package relayproto

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ocbridge/ocbridge/internal/domain"
)

func TestWritePumpPrefersControlFrames(t *testing.T) {
	var mu sync.Mutex
	var order []byte
	release := make(chan struct{})
	first := true

	pump := newWritePumpWithWriter(func(f Frame) error {
		if first {
			first = false
			<-release
		}
		mu.Lock()
		order = append(order, f.Op)
		mu.Unlock()
		return nil
	}, nil, 4, 4, time.Second, time.Second)
	defer pump.Close()

	var wg sync.WaitGroup
	// The first data write occupies the writer; queue more data behind it,
	// then a heartbeat. The heartbeat must be written before the queued data.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = pump.WriteData(Frame{Op: OpData, StreamID: 1})
	}()
	time.Sleep(50 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = pump.WriteData(Frame{Op: OpData, StreamID: 2})
	}()
	time.Sleep(50 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = pump.WriteControl(Frame{Op: OpHeartbeat})
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(order))
	}
	if order[1] != OpHeartbeat {
		t.Fatalf("expected heartbeat to jump the data queue, order=%v", order)
	}
}

func TestWritePumpBackpressureOnFullDataQueue(t *testing.T) {
	block := make(chan struct{})
	pump := newWritePumpWithWriter(func(f Frame) error {
		<-block
		return nil
	}, nil, 1, 1, time.Second, 30*time.Millisecond)
	defer func() {
		close(block)
		pump.Close()
	}()

	go func() { _ = pump.WriteData(Frame{Op: OpData, StreamID: 1}) }()
	time.Sleep(20 * time.Millisecond)
	go func() { _ = pump.WriteData(Frame{Op: OpData, StreamID: 2}) }()
	time.Sleep(20 * time.Millisecond)

	err := pump.WriteData(Frame{Op: OpData, StreamID: 3})
	if !errors.Is(err, domain.ErrBackpressure) && !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected backpressure or closed, got %v", err)
	}
}

func TestWritePumpFailsPendingOnWriteError(t *testing.T) {
	boom := errors.New("boom")
	pump := newWritePumpWithWriter(func(f Frame) error {
		return boom
	}, nil, 2, 2, time.Second, time.Second)
	defer pump.Close()

	if err := pump.WriteData(Frame{Op: OpData, StreamID: 1}); !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
	if err := pump.WriteControl(Frame{Op: OpHeartbeat}); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected closed pump, got %v", err)
	}
}

func TestWritePumpCloseRejectsNewWrites(t *testing.T) {
	pump := newWritePumpWithWriter(func(f Frame) error { return nil }, nil, 1, 1, time.Second, time.Second)
	pump.Close()
	if err := pump.WriteControl(Frame{Op: OpHeartbeat}); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
