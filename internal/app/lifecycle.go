package app

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
)

// ShutdownTimeout bounds how long Stop waits for session workers.
const ShutdownTimeout = 10 * time.Second

// State is where a client session is in its start/stop cycle.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

var stateNames = [...]string{"Stopped", "Starting", "Running", "Stopping", "Crashed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// next lists the legal successors of each state. A crashed session may be
// started again; a stopped one only from Stopped.
var next = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateCrashed},
	StateRunning:  {StateStopping, StateCrashed},
	StateStopping: {StateStopped, StateCrashed},
	StateCrashed:  {StateStarting},
}

// EventEmitter observes lifecycle transitions.
type EventEmitter interface {
	OnStateChange(previous, current State, reason string)
}

// Lifecycle owns the session state machine, the run context's cancel func
// and the named background workers (flusher, connectivity source).
type Lifecycle struct {
	mu      sync.RWMutex
	state   State
	cancel  context.CancelFunc
	workers map[string]int

	wg      sync.WaitGroup
	logger  ports.Logger
	emitter EventEmitter
}

// NewLifecycle returns a lifecycle in StateStopped. emitter may be nil.
func NewLifecycle(logger ports.Logger, emitter EventEmitter) *Lifecycle {
	return &Lifecycle{
		state:   StateStopped,
		workers: make(map[string]int),
		logger:  logger,
		emitter: emitter,
	}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// TransitionTo moves the session to to. Illegal moves leave the state as
// is and return ErrNotRunning from Stopped/Crashed, ErrAlreadyRunning
// otherwise.
func (l *Lifecycle) TransitionTo(to State, reason string) error {
	l.mu.Lock()
	from := l.state
	if !slices.Contains(next[from], to) {
		l.mu.Unlock()
		if from == StateStopped || from == StateCrashed {
			return domain.ErrNotRunning
		}
		return domain.ErrAlreadyRunning
	}
	l.state = to
	l.mu.Unlock()

	if l.emitter != nil {
		l.emitter.OnStateChange(from, to, reason)
	}
	l.logger.Info("session state changed",
		ports.String("from", from.String()),
		ports.String("to", to.String()),
		ports.String("reason", reason),
	)
	return nil
}

// CanStart reports whether the session is at rest.
func (l *Lifecycle) CanStart() bool {
	s := l.State()
	return s == StateStopped || s == StateCrashed
}

// CanStop reports whether the session has been started and not yet stopped.
func (l *Lifecycle) CanStop() bool {
	s := l.State()
	return s == StateStarting || s == StateRunning
}

// SetCancel records the cancel func of the workers' context.
func (l *Lifecycle) SetCancel(cancel context.CancelFunc) {
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
}

// Cancel cancels the workers' context. Safe to call without SetCancel.
func (l *Lifecycle) Cancel() {
	l.mu.RLock()
	cancel := l.cancel
	l.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Go runs fn on its own goroutine and tracks it under name until it
// returns.
func (l *Lifecycle) Go(name string, fn func()) {
	l.mu.Lock()
	l.workers[name]++
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.done(name)
		fn()
	}()
}

func (l *Lifecycle) done(name string) {
	l.mu.Lock()
	if l.workers[name]--; l.workers[name] <= 0 {
		delete(l.workers, name)
	}
	l.mu.Unlock()
	l.logger.Debug("worker exited", ports.String("worker", name))
}

// Workers returns the names of workers still running, sorted.
func (l *Lifecycle) Workers() []string {
	l.mu.RLock()
	names := make([]string, 0, len(l.workers))
	for name := range l.workers {
		names = append(names, name)
	}
	l.mu.RUnlock()
	slices.Sort(names)
	return names
}

// WaitWithTimeout blocks until every worker has returned. Workers still
// running after timeout are abandoned and ErrShutdownTimeout is returned.
func (l *Lifecycle) WaitWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		l.logger.Warn("workers did not exit in time",
			ports.Duration("timeout", timeout),
			ports.Strings("workers", l.Workers()),
		)
		return domain.ErrShutdownTimeout
	}
}
