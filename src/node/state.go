package node

import (
	"sync"
	"sync/atomic"
)

// State captures the lifecycle of a session: Stopped, Running, or Shutdown.
// Shutdown is terminal.
type State uint32

const (
	// Stopped is the initial state, before Start.
	Stopped State = iota
	// Running means the listening endpoints are bound and the session
	// accepts connections and API calls.
	Running
	// Shutdown is terminal.
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Running:
		return "Running"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

type state struct {
	state State

	// wgMu interlocks state transitions with goroutine starts so that no
	// goroutine is added to the waitgroup once Shutdown has been set and
	// waitRoutines may be running.
	wgMu sync.Mutex
	wg   sync.WaitGroup
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	b.wgMu.Lock()
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
	b.wgMu.Unlock()
}

// Start a goroutine and add it to waitgroup. Reports false, starting nothing,
// once the state machine has shut down.
func (b *state) goFunc(f func()) bool {
	b.wgMu.Lock()
	if b.getState() == Shutdown {
		b.wgMu.Unlock()
		return false
	}
	b.wg.Add(1)
	b.wgMu.Unlock()

	go func() {
		defer b.wg.Done()
		f()
	}()
	return true
}

func (b *state) waitRoutines() {
	b.wg.Wait()
}
