// Package conn provides the shared connection lifecycle policy used by every
// transport-facing node: bounded-retry connect, atomic connected state, lazy
// reconnect on the next operation after a transport failure, and idempotent
// disconnect.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dusen0528/Node-Blue/errors"
	"github.com/dusen0528/Node-Blue/pkg/retry"
)

// Lifecycle tracks the connect/retry/reconnect/disconnect state of one
// exclusively-owned transport handle. The connected flag is true only while
// the handle is known-good: any transport failure must flip it to false
// (MarkDisconnected) before control returns to the caller.
//
// All operations that touch the handle go through Do or Guard so the writer
// and the reconnect logic are mutually exclusive on the same handle.
type Lifecycle struct {
	name      string
	retryCfg  retry.Config
	logger    *slog.Logger
	connected atomic.Bool
	lastErr   atomic.Value // stores error

	// Single-writer discipline over the transport handle
	opMu sync.Mutex
}

// New creates a connection lifecycle for the named owner. A zero retry
// config means the default policy: three attempts, fixed one-second delay.
func New(name string, cfg retry.Config, logger *slog.Logger) *Lifecycle {
	if cfg.MaxAttempts <= 0 {
		cfg = retry.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default().With("conn", name)
	}
	return &Lifecycle{
		name:     name,
		retryCfg: cfg,
		logger:   logger,
	}
}

// Connected reports whether the transport handle is known-good.
func (l *Lifecycle) Connected() bool {
	return l.connected.Load()
}

// LastError returns the most recent connect or transport error.
func (l *Lifecycle) LastError() error {
	if err, ok := l.lastErr.Load().(error); ok {
		return err
	}
	return nil
}

// MarkDisconnected records a transport failure and flips connected to
// false. The next Do or EnsureConnected reconnects lazily.
func (l *Lifecycle) MarkDisconnected(err error) {
	if err != nil {
		l.lastErr.Store(err)
	}
	if l.connected.CompareAndSwap(true, false) {
		l.logger.Warn("connection marked disconnected", "error", err)
	}
}

// ConnectWithRetry establishes the connection using the bounded retry
// policy. Context cancellation aborts the backoff sleep and propagates; it
// never triggers another attempt. On exhaustion the returned error is fatal
// so the owning node's Start transitions to Failed.
func (l *Lifecycle) ConnectWithRetry(ctx context.Context, dial func() error) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.connectLocked(ctx, dial)
}

// EnsureConnected reconnects lazily: a no-op while connected, otherwise a
// full bounded-retry connect.
func (l *Lifecycle) EnsureConnected(ctx context.Context, dial func() error) error {
	if l.connected.Load() {
		return nil
	}
	return l.ConnectWithRetry(ctx, dial)
}

// Do runs one transport operation under the single-writer lock, lazily
// reconnecting first when the handle is not known-good. An operation
// failure marks the lifecycle disconnected before returning, so the next
// call reconnects.
func (l *Lifecycle) Do(ctx context.Context, dial func() error, op func() error) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if !l.connected.Load() {
		if err := l.connectLocked(ctx, dial); err != nil {
			return err
		}
	}

	if err := op(); err != nil {
		l.lastErr.Store(err)
		l.connected.Store(false)
		return errors.WrapTransient(err, l.name, "Do", "transport operation")
	}
	return nil
}

// Guard runs fn under the single-writer lock without touching the connected
// state. Used by shutdown paths that must not race an in-flight operation.
func (l *Lifecycle) Guard(fn func()) {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	fn()
}

// Disconnect closes the transport handle exactly once. It no-ops when
// already disconnected and never lets a close failure escape: the error is
// logged and the state is forced to disconnected regardless.
func (l *Lifecycle) Disconnect(closeFn func() error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if !l.connected.CompareAndSwap(true, false) {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic during disconnect", "panic", r)
		}
	}()

	if closeFn == nil {
		return
	}
	if err := closeFn(); err != nil {
		l.logger.Error("error closing connection", "error", err)
	}
}

func (l *Lifecycle) connectLocked(ctx context.Context, dial func() error) error {
	if l.connected.Load() {
		return nil
	}

	attempt := 0
	err := retry.Do(ctx, l.retryCfg, func() error {
		attempt++
		if dialErr := dial(); dialErr != nil {
			l.logger.Warn("connect attempt failed",
				"attempt", attempt,
				"limit", l.retryCfg.MaxAttempts,
				"error", dialErr)
			return dialErr
		}
		return nil
	})
	if err != nil {
		l.lastErr.Store(err)
		if ctx.Err() != nil {
			// Cancellation propagates as cancellation, not as exhaustion.
			return errors.WrapTransient(err, l.name, "ConnectWithRetry", "connect")
		}
		return errors.WrapFatal(
			fmt.Errorf("%w after %d attempts: %w", errors.ErrRetriesExhausted, attempt, err),
			l.name, "ConnectWithRetry", "connect")
	}

	l.connected.Store(true)
	l.logger.Info("connected", "attempts", attempt)
	return nil
}
