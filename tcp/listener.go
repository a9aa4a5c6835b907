// Package tcp provides the TCP transport nodes: a newline-framed ingress
// listener (Source) and an egress sender (Sink).
package tcp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dusen0528/Node-Blue/errors"
	"github.com/dusen0528/Node-Blue/message"
	"github.com/dusen0528/Node-Blue/metric"
	"github.com/dusen0528/Node-Blue/node"
	"github.com/dusen0528/Node-Blue/pkg/worker"
)

// DefaultMaxLineBytes bounds a single inbound frame so a misbehaving peer
// cannot grow memory without limit.
const DefaultMaxLineBytes = 64 * 1024

// ListenerConfig holds configuration for the TCP ingress listener
type ListenerConfig struct {
	Bind         string `json:"bind"           yaml:"bind"`
	Port         int    `json:"port"           yaml:"port"`
	MaxClients   int    `json:"max_clients"    yaml:"max_clients"`
	MaxLineBytes int    `json:"max_line_bytes" yaml:"max_line_bytes"`
}

// Validate checks the configuration for errors. Port 0 is allowed for OS
// auto-assignment (used by tests).
func (c *ListenerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("port %d out of range [0,65535]", c.Port),
			"ListenerConfig", "Validate", "port validation")
	}
	if c.MaxClients < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("max_clients must be >= 0"),
			"ListenerConfig", "Validate", "max clients validation")
	}
	return nil
}

// DefaultListenerConfig returns sensible defaults for the listener
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Bind:         "0.0.0.0",
		Port:         7000,
		MaxClients:   16,
		MaxLineBytes: DefaultMaxLineBytes,
	}
}

// listenerMetrics holds Prometheus metrics for the listener node
type listenerMetrics struct {
	linesReceived prometheus.Counter
	readErrors    prometheus.Counter
	connections   prometheus.Counter
}

func newListenerMetrics(registry *metric.Registry, name string) *listenerMetrics {
	if registry == nil {
		return nil
	}

	// The node name is part of the fqName so several listeners can share
	// one registry without colliding.
	metricName := metric.SanitizeName(name)
	m := &listenerMetrics{
		linesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "tcp_listener",
			Name:      metricName + "_lines_received_total",
			Help:      "Complete frames received and emitted downstream",
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "tcp_listener",
			Name:      metricName + "_read_errors_total",
			Help:      "Per-connection read failures",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "tcp_listener",
			Name:      metricName + "_connections_total",
			Help:      "Client connections accepted",
		}),
	}

	_ = registry.RegisterCounter(name, "lines_received", m.linesReceived)
	_ = registry.RegisterCounter(name, "read_errors", m.readErrors)
	_ = registry.RegisterCounter(name, "connections", m.connections)
	return m
}

// Listener is a Source node that accepts TCP clients and emits one message
// per newline-delimited UTF-8 frame. Each connection is read by its own
// worker from a bounded pool; a failing connection is closed in isolation
// without affecting its siblings.
type Listener struct {
	*node.Lifecycle

	cfg  ListenerConfig
	out  *node.OutPort
	pool *worker.Pool[net.Conn]

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	cancel context.CancelFunc

	wg      sync.WaitGroup
	metrics *listenerMetrics
}

// ListenerDeps holds runtime dependencies for the listener node
type ListenerDeps struct {
	Name     string
	Config   ListenerConfig
	Registry *metric.Registry
	Logger   *slog.Logger
}

// Ensure Listener satisfies the Source contract
var _ node.Source = (*Listener)(nil)

// NewListener creates a TCP ingress listener. Configuration is validated
// eagerly; an invalid config never reaches Start.
func NewListener(deps ListenerDeps) (*Listener, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}

	cfg := deps.Config
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	if cfg.MaxClients == 0 {
		cfg.MaxClients = 16
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}

	name := deps.Name
	if name == "" {
		name = fmt.Sprintf("tcp-listener-%d", cfg.Port)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("node", name)
	}

	l := &Listener{
		Lifecycle: node.NewLifecycle(name, logger),
		cfg:       cfg,
		out:       node.NewOutPort(name+"_out", node.WithLogger(logger), node.WithMetrics(deps.Registry)),
		conns:     make(map[net.Conn]struct{}),
		metrics:   newListenerMetrics(deps.Registry, name),
	}
	return l, nil
}

// OutPort returns the listener's outbound port.
func (l *Listener) OutPort() *node.OutPort {
	return l.out
}

// Addr returns the bound listen address, or nil before Start. Useful when
// the configured port is 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Start binds the listening socket and launches the accept loop. A bind
// failure is not retried: it fails the whole node.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.ToRunning(); err != nil {
		if errors.Is(err, errors.ErrAlreadyStarted) {
			return nil
		}
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", l.cfg.Bind, l.cfg.Port))
	if err != nil {
		wrapped := errors.WrapFatal(err, l.ID(), "Start", "bind")
		l.Fail(wrapped)
		return wrapped
	}

	runCtx, cancel := context.WithCancel(ctx)

	pool := worker.NewPool(l.cfg.MaxClients, l.cfg.MaxClients, l.handleConn)
	if err := pool.Start(runCtx); err != nil {
		cancel()
		_ = ln.Close()
		wrapped := errors.WrapFatal(err, l.ID(), "Start", "worker pool start")
		l.Fail(wrapped)
		return wrapped
	}

	l.mu.Lock()
	l.ln = ln
	l.pool = pool
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop()
	}()

	l.Logger().Info("listening", "addr", ln.Addr().String())
	return nil
}

// Stop clears the running flag, closes the listening socket to unblock the
// pending accept, and bounds the wait for in-flight connection workers.
// Idempotent; safe before Start.
func (l *Listener) Stop(timeout time.Duration) error {
	if !l.ToStopping() {
		l.ToStopped()
		return nil
	}
	defer l.ToStopped()

	l.mu.Lock()
	ln := l.ln
	pool := l.pool
	cancel := l.cancel
	conns := make([]net.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.ln = nil
	l.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	// Give in-flight readers a slice of the grace period before cutting
	// their sockets, then bound the pool shutdown with the remainder.
	deadline := time.Now().Add(timeout)
	l.wg.Wait()

	for _, c := range conns {
		_ = c.Close()
	}
	if cancel != nil {
		cancel()
	}

	if pool != nil {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = 100 * time.Millisecond
		}
		if err := pool.Stop(remaining); err != nil {
			l.Logger().Warn("worker pool stop timed out", "error", err)
		}
	}
	return nil
}

// acceptLoop blocks on accept until the listening socket is closed. The
// well-defined "use of closed network connection" error raised by Stop is
// a normal shutdown signal, not a failure.
func (l *Listener) acceptLoop() {
	for {
		l.mu.Lock()
		ln := l.ln
		l.mu.Unlock()
		if ln == nil {
			return
		}

		c, err := ln.Accept()
		if err != nil {
			if !l.Running() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.Logger().Error("accept failed", "error", err)
			continue
		}

		if l.metrics != nil {
			l.metrics.connections.Inc()
		}

		l.mu.Lock()
		l.conns[c] = struct{}{}
		pool := l.pool
		l.mu.Unlock()

		if err := pool.Submit(c); err != nil {
			l.Logger().Warn("connection rejected, worker pool saturated", "remote", c.RemoteAddr())
			l.forget(c)
			_ = c.Close()
		}
	}
}

// handleConn reads newline-delimited frames from one client until the peer
// disconnects or a read fails. Only this connection's socket is closed on
// error; other connections are unaffected.
func (l *Listener) handleConn(ctx context.Context, c net.Conn) error {
	defer func() {
		l.forget(c)
		_ = c.Close()
	}()

	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 4096), l.cfg.MaxLineBytes)

	for scanner.Scan() {
		if !l.Running() {
			return nil
		}

		msg := message.New(scanner.Text())
		if err := l.out.Send(ctx, msg); err != nil {
			l.HandleError(err)
			continue
		}
		if l.metrics != nil {
			l.metrics.linesReceived.Inc()
		}
	}

	if err := scanner.Err(); err != nil && l.Running() {
		if l.metrics != nil {
			l.metrics.readErrors.Inc()
		}
		l.Logger().Warn("connection read failed", "remote", c.RemoteAddr(), "error", err)
	}
	return nil
}

func (l *Listener) forget(c net.Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}
