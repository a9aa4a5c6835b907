package node

import (
	"log/slog"
	"sync/atomic"

	"github.com/dusen0528/Node-Blue/errors"
)

// Lifecycle is the state-machine helper embedded by every node. It owns the
// node identity, the atomic state word and the last recorded error. The
// state is guarded with atomic operations, never a coarse lock, so Stop can
// run concurrently with a blocking I/O call without deadlocking.
type Lifecycle struct {
	id      string
	state   atomic.Int32
	lastErr atomic.Value // stores error
	logger  *slog.Logger
}

// NewLifecycle creates the lifecycle helper for the node with the given id.
func NewLifecycle(id string, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default().With("node", id)
	}
	lc := &Lifecycle{
		id:     id,
		logger: logger,
	}
	lc.state.Store(int32(StateCreated))
	return lc
}

// ID returns the node identifier.
func (l *Lifecycle) ID() string {
	return l.id
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Logger returns the node's structured logger.
func (l *Lifecycle) Logger() *slog.Logger {
	return l.logger
}

// LastError returns the last error recorded by Fail or HandleError.
func (l *Lifecycle) LastError() error {
	if err, ok := l.lastErr.Load().(error); ok {
		return err
	}
	return nil
}

// ToRunning transitions into Running. Created, Stopped and Failed nodes may
// (re)start; a second Start on a running node reports ErrAlreadyStarted so
// the caller can no-op without corrupting state.
func (l *Lifecycle) ToRunning() error {
	for {
		cur := l.state.Load()
		switch State(cur) {
		case StateRunning, StateStopping:
			return errors.ErrAlreadyStarted
		default:
		}
		if l.state.CompareAndSwap(cur, int32(StateRunning)) {
			l.logger.Info("node running")
			return nil
		}
	}
}

// ToStopping transitions Running into Stopping. Returns false when the node
// was not running, which makes Stop idempotent for callers.
func (l *Lifecycle) ToStopping() bool {
	return l.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
}

// ToStopped forces the Stopped state from any state. Never fails.
func (l *Lifecycle) ToStopped() {
	prev := State(l.state.Swap(int32(StateStopped)))
	if prev != StateStopped {
		l.logger.Info("node stopped", "from", prev.String())
	}
}

// Fail records the error and pins the state at Failed. The node stays inert
// until externally restarted.
func (l *Lifecycle) Fail(err error) {
	if err != nil {
		l.lastErr.Store(err)
	}
	l.state.Store(int32(StateFailed))
	l.logger.Error("node failed", "error", err)
}

// HandleError records the error and transitions to Failed only when it is
// unrecoverable. Recoverable errors are logged and processing continues.
func (l *Lifecycle) HandleError(err error) {
	if err == nil {
		return
	}
	if errors.IsFatal(err) {
		l.Fail(err)
		return
	}
	l.lastErr.Store(err)
	l.logger.Error("node error", "class", errors.Classify(err).String(), "error", err)
}

// Running reports whether the node is in the Running state.
func (l *Lifecycle) Running() bool {
	return l.State() == StateRunning
}
