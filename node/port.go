package node

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dusen0528/Node-Blue/errors"
	"github.com/dusen0528/Node-Blue/message"
	"github.com/dusen0528/Node-Blue/metric"
)

// DefaultPortCapacity is the queue depth used when a port is created with a
// non-positive capacity.
const DefaultPortCapacity = 128

// InPort is a bounded FIFO queue of messages attached to one consuming
// node. Every port in the system is bounded; delivery blocks when the queue
// is saturated (the uniform backpressure policy), with TrySend as the
// non-blocking escape hatch. A message delivered to a port is dequeued
// exactly once.
type InPort struct {
	name   string
	ch     chan *message.Message
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

// NewInPort creates a bounded inbound port.
func NewInPort(name string, capacity int) *InPort {
	if capacity <= 0 {
		capacity = DefaultPortCapacity
	}
	return &InPort{
		name: name,
		ch:   make(chan *message.Message, capacity),
		done: make(chan struct{}),
	}
}

// Name returns the port name.
func (p *InPort) Name() string {
	return p.name
}

// Receive dequeues the next message, blocking until one is available, the
// context is cancelled, or the port is closed and drained.
func (p *InPort) Receive(ctx context.Context) (*message.Message, error) {
	// Drain buffered messages even after close.
	select {
	case m := <-p.ch:
		return m, nil
	default:
	}

	select {
	case m := <-p.ch:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		select {
		case m := <-p.ch:
			return m, nil
		default:
			return nil, errors.ErrPortClosed
		}
	}
}

// ReceiveTimeout dequeues with a timeout. A zero or negative timeout polls
// without blocking.
func (p *InPort) ReceiveTimeout(timeout time.Duration) (*message.Message, error) {
	if timeout <= 0 {
		select {
		case m := <-p.ch:
			return m, nil
		default:
			if p.closed.Load() {
				return nil, errors.ErrPortClosed
			}
			return nil, errors.ErrConnectionTimeout
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.Receive(ctx)
}

// Close marks the port closed. Idempotent. Buffered messages remain
// receivable; new deliveries fail with ErrPortClosed.
func (p *InPort) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
}

// Closed reports whether the port has been closed.
func (p *InPort) Closed() bool {
	return p.closed.Load()
}

// put delivers a message, blocking while the queue is saturated. Delivery
// into a closed port fails with ErrPortClosed rather than hanging.
func (p *InPort) put(ctx context.Context, m *message.Message) error {
	if p.closed.Load() {
		return errors.ErrPortClosed
	}
	select {
	case p.ch <- m:
		return nil
	case <-p.done:
		return errors.ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryPut delivers a message without blocking, failing with ErrPortFull when
// the queue is saturated.
func (p *InPort) tryPut(m *message.Message) error {
	if p.closed.Load() {
		return errors.ErrPortClosed
	}
	select {
	case p.ch <- m:
		return nil
	default:
		return errors.ErrPortFull
	}
}

// OutPort is the emitting endpoint of one producing node. Pipes bind to it;
// Send fans each message out to every bound pipe's destinations. Sending
// with zero bound pipes is a logged no-op, not an error.
type OutPort struct {
	name   string
	logger *slog.Logger

	mu    sync.RWMutex
	pipes []*Pipe

	emitted atomic.Int64
	dropped atomic.Int64

	mEmitted prometheus.Counter
	mDropped prometheus.Counter
}

// OutPortOption configures an outbound port
type OutPortOption func(*OutPort)

// WithLogger sets the port's logger.
func WithLogger(logger *slog.Logger) OutPortOption {
	return func(o *OutPort) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers emitted/dropped counters for the port. A nil
// registry disables metrics.
func WithMetrics(registry *metric.Registry) OutPortOption {
	return func(o *OutPort) {
		if registry == nil {
			return
		}
		metricName := metric.SanitizeName(o.name)
		o.mEmitted = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "port",
			Name:      metricName + "_emitted_total",
			Help:      "Messages emitted through the port",
		})
		o.mDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "port",
			Name:      metricName + "_dropped_total",
			Help:      "Messages dropped because no pipe was bound",
		})
		_ = registry.RegisterCounter("port_"+o.name, "emitted_total", o.mEmitted)
		_ = registry.RegisterCounter("port_"+o.name, "dropped_total", o.mDropped)
	}
}

// NewOutPort creates an outbound port.
func NewOutPort(name string, opts ...OutPortOption) *OutPort {
	o := &OutPort{
		name:   name,
		logger: slog.Default().With("port", name),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name returns the port name.
func (o *OutPort) Name() string {
	return o.name
}

// Send fans the message out to every bound pipe and returns once it is
// queued everywhere (not necessarily processed). With no bound pipe the
// message is dropped and counted; that is a routing design choice, not an
// error.
func (o *OutPort) Send(ctx context.Context, m *message.Message) error {
	o.mu.RLock()
	pipes := o.pipes
	o.mu.RUnlock()

	if len(pipes) == 0 {
		o.dropped.Add(1)
		if o.mDropped != nil {
			o.mDropped.Inc()
		}
		o.logger.Debug("no pipe bound, message dropped", "message", m.ID())
		return nil
	}

	var errs []error
	for _, p := range pipes {
		if err := p.deliver(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), "OutPort", "Send", "fan-out delivery")
	}

	o.emitted.Add(1)
	if o.mEmitted != nil {
		o.mEmitted.Inc()
	}
	return nil
}

// TrySend fans the message out without blocking: a saturated destination
// fails its delivery with ErrPortFull instead of waiting for the consumer.
// Routing semantics otherwise match Send.
func (o *OutPort) TrySend(m *message.Message) error {
	o.mu.RLock()
	pipes := o.pipes
	o.mu.RUnlock()

	if len(pipes) == 0 {
		o.dropped.Add(1)
		if o.mDropped != nil {
			o.mDropped.Inc()
		}
		o.logger.Debug("no pipe bound, message dropped", "message", m.ID())
		return nil
	}

	var errs []error
	for _, p := range pipes {
		if err := p.tryDeliver(m); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), "OutPort", "TrySend", "fan-out delivery")
	}

	o.emitted.Add(1)
	if o.mEmitted != nil {
		o.mEmitted.Inc()
	}
	return nil
}

// Emitted returns the number of messages successfully fanned out.
func (o *OutPort) Emitted() int64 {
	return o.emitted.Load()
}

// Dropped returns the number of messages dropped for lack of a bound pipe.
func (o *OutPort) Dropped() int64 {
	return o.dropped.Load()
}

// bind attaches a pipe. Called by NewPipe.
func (o *OutPort) bind(p *Pipe) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pipes = append(o.pipes, p)
}
