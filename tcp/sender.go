package tcp

import (
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
	"github.com/dusen0528/Node-Blue/pkg/conn"
	"github.com/dusen0528/Node-Blue/pkg/retry"
)

// Framing selects how the sender frames outbound payloads
type Framing string

const (
	// FramingLine terminates every payload with a newline (default)
	FramingLine Framing = "line"
	// FramingBinary writes the raw payload bytes with no terminator
	FramingBinary Framing = "binary"
)

// SenderConfig holds configuration for the TCP egress sender
type SenderConfig struct {
	Host         string        `json:"host"          yaml:"host"`
	Port         int           `json:"port"          yaml:"port"`
	Framing      Framing       `json:"framing"       yaml:"framing"`
	DialTimeout  time.Duration `json:"dial_timeout"  yaml:"dial_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	Retry        retry.Config  `json:"-"             yaml:"-"`
}

// Validate checks the configuration for errors
func (c *SenderConfig) Validate() error {
	if c.Host == "" {
		return errors.WrapInvalid(
			fmt.Errorf("host must not be empty"),
			"SenderConfig", "Validate", "host validation")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("port %d out of range [1,65535]", c.Port),
			"SenderConfig", "Validate", "port validation")
	}
	switch c.Framing {
	case "", FramingLine, FramingBinary:
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown framing %q", c.Framing),
			"SenderConfig", "Validate", "framing validation")
	}
	return nil
}

// senderMetrics holds Prometheus metrics for the sender node
type senderMetrics struct {
	sent   prometheus.Counter
	failed prometheus.Counter
}

func newSenderMetrics(registry *metric.Registry, name string) *senderMetrics {
	if registry == nil {
		return nil
	}

	metricName := metric.SanitizeName(name)
	m := &senderMetrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "tcp_sender",
			Name:      metricName + "_messages_sent_total",
			Help:      "Payloads written and flushed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "tcp_sender",
			Name:      metricName + "_messages_failed_total",
			Help:      "Deliveries that failed after reconnect attempts",
		}),
	}
	_ = registry.RegisterCounter(name, "messages_sent", m.sent)
	_ = registry.RegisterCounter(name, "messages_failed", m.failed)
	return m
}

// Sender is a Sink node writing each inbound message's payload to one
// outbound TCP connection. The connection is guarded by a conn.Lifecycle:
// write failures mark it disconnected and the next message reconnects
// lazily with bounded retry. Delivery is at most once - a message whose
// write fails is reported, never requeued.
type Sender struct {
	*node.Lifecycle

	cfg  SenderConfig
	in   *node.InPort
	life *conn.Lifecycle

	// socket is touched only inside life.Do/Guard (single-writer rule)
	socket net.Conn

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopMu  sync.Mutex
	metrics *senderMetrics
}

// SenderDeps holds runtime dependencies for the sender node
type SenderDeps struct {
	Name     string
	Config   SenderConfig
	Registry *metric.Registry
	Logger   *slog.Logger
}

var _ node.Sink = (*Sender)(nil)

// NewSender creates a TCP egress sender. Configuration is validated
// eagerly; an invalid config never reaches Start.
func NewSender(deps SenderDeps) (*Sender, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}

	cfg := deps.Config
	if cfg.Framing == "" {
		cfg.Framing = FramingLine
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	name := deps.Name
	if name == "" {
		name = fmt.Sprintf("tcp-sender-%s-%d", cfg.Host, cfg.Port)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("node", name)
	}

	return &Sender{
		Lifecycle: node.NewLifecycle(name, logger),
		cfg:       cfg,
		in:        node.NewInPort(name+"_in", node.DefaultPortCapacity),
		life:      conn.New(name, cfg.Retry, logger),
		metrics:   newSenderMetrics(deps.Registry, name),
	}, nil
}

// InPort returns the sender's inbound port.
func (s *Sender) InPort() *node.InPort {
	return s.in
}

// Connected reports whether the outbound connection is known-good.
func (s *Sender) Connected() bool {
	return s.life.Connected()
}

// Start connects with bounded retry and launches the consumption loop.
// Retry exhaustion transitions the node to Failed.
func (s *Sender) Start(ctx context.Context) error {
	if err := s.ToRunning(); err != nil {
		if errors.Is(err, errors.ErrAlreadyStarted) {
			return nil
		}
		return err
	}

	if err := s.life.ConnectWithRetry(ctx, s.dial); err != nil {
		s.HandleError(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		node.Consume(runCtx, s.in, s.OnMessage, s.Lifecycle)
	}()

	return nil
}

// OnMessage serializes the payload per the message conversion contract and
// writes it, reconnecting lazily first when disconnected. A write failure
// marks the connection bad and surfaces the error; the message is dropped,
// never silently.
func (s *Sender) OnMessage(ctx context.Context, msg *message.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		// Unconvertible payload: drop the message without blocking the
		// producer, keep the node running.
		return errors.WrapInvalid(err, s.ID(), "OnMessage", "payload conversion")
	}
	if s.cfg.Framing == FramingLine {
		data = append(data, '\n')
	}

	err = s.life.Do(ctx, s.dial, func() error {
		_ = s.socket.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		_, writeErr := s.socket.Write(data)
		return writeErr
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.failed.Inc()
		}
		return errors.WrapTransient(err, s.ID(), "OnMessage", "write")
	}

	if s.metrics != nil {
		s.metrics.sent.Inc()
	}
	return nil
}

// Stop closes the socket exactly once; subsequent calls are no-ops.
func (s *Sender) Stop(timeout time.Duration) error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if !s.ToStopping() {
		s.ToStopped()
		return nil
	}
	defer s.ToStopped()

	s.in.Close()
	if s.cancel != nil {
		s.cancel()
	}

	s.life.Disconnect(s.closeSocket)
	// A connection already marked bad by a write failure may still hold an
	// open descriptor; release it under the same single-writer lock.
	s.life.Guard(func() {
		_ = s.closeSocket()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.Logger().Warn("consumer did not exit within grace period")
	}
	return nil
}

// dial replaces the socket, dropping any stale descriptor first. Runs only
// under the lifecycle's single-writer lock.
func (s *Sender) dial() error {
	_ = s.closeSocket()

	c, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port), s.cfg.DialTimeout)
	if err != nil {
		return err
	}
	s.socket = c
	return nil
}

func (s *Sender) closeSocket() error {
	if s.socket == nil {
		return nil
	}
	err := s.socket.Close()
	s.socket = nil
	return err
}
