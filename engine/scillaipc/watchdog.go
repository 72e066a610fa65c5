package scillaipc

import (
	"sync"
	"time"

	"github.com/shardchain/accountengine/engine/engerrors"
)

// State is one position in the interpreter-call state machine described
// in §4.7: IDLE -> RUNNING -> DONE, or RUNNING -> TIMED_OUT -> (after a
// server restart) IDLE again.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDone
	StateTimedOut
)

// Watchdog bounds one interpreter call by a deadline, without the
// condition-variable-plus-dedicated-thread shape of the originating
// implementation: a timer and a pair of typed channels stand in for the
// condvar, and NotifyTimeout lets an external caller force the same
// transition early (used by tests, and by a future explicit cancel
// path) without any thread of its own.
type Watchdog struct {
	mu     sync.Mutex
	state  State
	cancel chan struct{}
}

// NewWatchdog returns a Watchdog in the IDLE state.
func NewWatchdog() *Watchdog {
	return &Watchdog{state: StateIdle, cancel: make(chan struct{})}
}

// State reports the watchdog's current state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watchdog) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

type workResult struct {
	resp *response
	err  error
}

// Run executes work in its own goroutine and blocks until it finishes,
// the timeout elapses, or NotifyTimeout fires — whichever comes first.
// A timeout or an explicit notify both resolve to ErrExecuteCmdTimeout,
// and leave the watchdog in TIMED_OUT until Reset is called.
func (w *Watchdog) Run(timeout time.Duration, work func() (*response, error)) (*response, error) {
	w.setState(StateRunning)

	resultCh := make(chan workResult, 1)
	go func() {
		resp, err := work()
		resultCh <- workResult{resp, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	select {
	case r := <-resultCh:
		w.setState(StateDone)
		return r.resp, r.err
	case <-timer.C:
		w.setState(StateTimedOut)
		return nil, engerrors.ErrExecuteCmdTimeout
	case <-cancel:
		w.setState(StateTimedOut)
		return nil, engerrors.ErrExecuteCmdTimeout
	}
}

// NotifyTimeout unblocks one in-flight Run call early, as if its
// deadline had elapsed.
func (w *Watchdog) NotifyTimeout() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.cancel:
	default:
		close(w.cancel)
	}
}

// Reset transitions a TIMED_OUT watchdog back to IDLE, called once the
// owning client has restarted its connection to the interpreter.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateIdle
	w.cancel = make(chan struct{})
}
