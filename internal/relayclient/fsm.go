package relayclient

import (
	"log/slog"
	"sync"
)

// State is the relay client's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateEstablished
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

// legalTransitions enumerates the allowed state machine edges. Any state
// may fall back to disconnected.
var legalTransitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateDisconnected},
	StateAuthenticating: {StateEstablished, StateDisconnected},
	StateEstablished:    {StateDegraded, StateDisconnected},
	StateDegraded:       {StateEstablished, StateDisconnected},
}

// fsm tracks the client connection state and logs every transition.
type fsm struct {
	log *slog.Logger
	mu  sync.Mutex
	cur State
}

func newFSM(log *slog.Logger) *fsm {
	return &fsm{log: log, cur: StateDisconnected}
}

func (f *fsm) state() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

// to moves the machine to the target state. Illegal edges are refused so a
// stale goroutine cannot drag the state backwards.
func (f *fsm) to(target State) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cur == target {
		return true
	}
	for _, allowed := range legalTransitions[f.cur] {
		if allowed == target {
			f.log.Debug("relay state", "from", f.cur.String(), "to", target.String())
			f.cur = target
			return true
		}
	}
	return false
}
