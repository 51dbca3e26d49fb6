package relayclient

import (
	"io"
	"log/slog"
	"testing"
)

func newTestFSM() *fsm {
	return newFSM(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFSMHappyPath(t *testing.T) {
	f := newTestFSM()
	for _, target := range []State{StateConnecting, StateAuthenticating, StateEstablished} {
		if !f.to(target) {
			t.Fatalf("transition %s -> %s refused", f.state(), target)
		}
	}
	if f.state() != StateEstablished {
		t.Fatalf("unexpected state %s", f.state())
	}
}

func TestFSMDegradedRecovery(t *testing.T) {
	f := newTestFSM()
	f.to(StateConnecting)
	f.to(StateAuthenticating)
	f.to(StateEstablished)

	if !f.to(StateDegraded) {
		t.Fatal("established must be able to degrade")
	}
	if !f.to(StateEstablished) {
		t.Fatal("degraded must be able to recover")
	}
	if !f.to(StateDisconnected) {
		t.Fatal("any state must be able to disconnect")
	}
}

func TestFSMRefusesIllegalEdges(t *testing.T) {
	f := newTestFSM()
	if f.to(StateEstablished) {
		t.Fatal("disconnected cannot jump straight to established")
	}
	f.to(StateConnecting)
	f.to(StateAuthenticating)
	f.to(StateEstablished)
	// A stale connecting goroutine must not drag an established client back.
	if f.to(StateConnecting) {
		t.Fatal("established -> connecting must be refused")
	}
	if f.state() != StateEstablished {
		t.Fatalf("state corrupted to %s", f.state())
	}
}

func TestFSMSelfTransitionIsNoop(t *testing.T) {
	f := newTestFSM()
	if !f.to(StateDisconnected) {
		t.Fatal("self transition must succeed")
	}
}
