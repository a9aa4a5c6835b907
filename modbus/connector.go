package modbus

import (
	"context"
	"fmt"
	"log/slog"
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

// DefaultDescription tags emitted register values when the configuration
// leaves the description unset.
const DefaultDescription = "default"

// ConnectorConfig holds configuration for the register-polling connector
type ConnectorConfig struct {
	Host         string        `json:"host"          yaml:"host"`
	Port         int           `json:"port"          yaml:"port"`
	SlaveID      int           `json:"slave_id"      yaml:"slave_id"`
	StartAddress int           `json:"start_address" yaml:"start_address"`
	Quantity     int           `json:"quantity"      yaml:"quantity"`
	Description  string        `json:"description"   yaml:"description"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Timeout      time.Duration `json:"timeout"       yaml:"timeout"`
	Retry        retry.Config  `json:"-"             yaml:"-"`
}

// Validate checks the configuration for errors. Every bound is enforced
// here, before any resource is acquired.
func (c *ConnectorConfig) Validate() error {
	if c.Host == "" {
		return errors.WrapInvalid(
			fmt.Errorf("host must not be empty"),
			"ConnectorConfig", "Validate", "host validation")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("port %d out of range [1,65535]", c.Port),
			"ConnectorConfig", "Validate", "port validation")
	}
	if c.SlaveID < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("slave_id must be >= 0, got %d", c.SlaveID),
			"ConnectorConfig", "Validate", "slave id validation")
	}
	if c.StartAddress < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("start_address must be >= 0, got %d", c.StartAddress),
			"ConnectorConfig", "Validate", "start address validation")
	}
	if c.Quantity <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("quantity must be > 0, got %d", c.Quantity),
			"ConnectorConfig", "Validate", "quantity validation")
	}
	return nil
}

// connectorMetrics holds Prometheus metrics for the connector node
type connectorMetrics struct {
	reads           prometheus.Counter
	exceptions      prometheus.Counter
	transportErrors prometheus.Counter
	skipped         prometheus.Counter
}

func newConnectorMetrics(registry *metric.Registry, name string) *connectorMetrics {
	if registry == nil {
		return nil
	}

	metricName := metric.SanitizeName(name)
	m := &connectorMetrics{
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "modbus",
			Name:      metricName + "_reads_total",
			Help:      "Successful register reads emitted downstream",
		}),
		exceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "modbus",
			Name:      metricName + "_exceptions_total",
			Help:      "Protocol-level exception responses",
		}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "modbus",
			Name:      metricName + "_transport_errors_total",
			Help:      "Reads that failed at the transport layer",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "modbus",
			Name:      metricName + "_skipped_total",
			Help:      "Triggers skipped because the connection was down",
		}),
	}
	_ = registry.RegisterCounter(name, "reads", m.reads)
	_ = registry.RegisterCounter(name, "exceptions", m.exceptions)
	_ = registry.RegisterCounter(name, "transport_errors", m.transportErrors)
	_ = registry.RegisterCounter(name, "skipped", m.skipped)
	return m
}

// Connector is a Transform node polling holding registers from one device.
// A read is triggered either by an inbound message or by the internal poll
// ticker; successful reads emit a map of description to register values.
// While the connection is down, triggers are skipped and logged rather than
// reconnected mid-flight.
type Connector struct {
	*node.Lifecycle

	cfg    ConnectorConfig
	in     *node.InPort
	out    *node.OutPort
	client Client
	life   *conn.Lifecycle

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopMu    sync.Mutex
	closeOnce sync.Once
	metrics   *connectorMetrics
}

// ConnectorDeps holds runtime dependencies for the connector node. Client
// may be nil, in which case a Modbus TCP client is built from the config.
type ConnectorDeps struct {
	Name     string
	Config   ConnectorConfig
	Client   Client
	Registry *metric.Registry
	Logger   *slog.Logger
}

var _ node.Transform = (*Connector)(nil)

// NewConnector creates a register-polling connector. Configuration is
// validated eagerly; an invalid config fails construction before any
// resource is acquired.
func NewConnector(deps ConnectorDeps) (*Connector, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}

	cfg := deps.Config
	if cfg.Description == "" {
		cfg.Description = DefaultDescription
	}

	name := deps.Name
	if name == "" {
		name = fmt.Sprintf("modbus-%s-%d", cfg.Host, cfg.Port)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("node", name)
	}

	client := deps.Client
	if client == nil {
		client = NewTCPClient(cfg.Host, cfg.Port, cfg.Timeout)
	}

	return &Connector{
		Lifecycle: node.NewLifecycle(name, logger),
		cfg:       cfg,
		in:        node.NewInPort(name+"_in", node.DefaultPortCapacity),
		out:       node.NewOutPort(name+"_out", node.WithLogger(logger), node.WithMetrics(deps.Registry)),
		client:    client,
		life:      conn.New(name, cfg.Retry, logger),
		metrics:   newConnectorMetrics(deps.Registry, name),
	}, nil
}

// InPort returns the trigger port; any inbound message requests one read.
func (c *Connector) InPort() *node.InPort {
	return c.in
}

// OutPort returns the port emitting register-value messages.
func (c *Connector) OutPort() *node.OutPort {
	return c.out
}

// Connected reports whether the device connection is known-good.
func (c *Connector) Connected() bool {
	return c.life.Connected()
}

// Start connects to the device with bounded retry, then launches the
// trigger consumer and, when a poll interval is configured, the poll loop.
// Retry exhaustion transitions the node to Failed.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.ToRunning(); err != nil {
		if errors.Is(err, errors.ErrAlreadyStarted) {
			return nil
		}
		return err
	}

	if err := c.life.ConnectWithRetry(ctx, c.client.Connect); err != nil {
		c.HandleError(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		node.Consume(runCtx, c.in, c.OnTrigger, c.Lifecycle)
	}()

	if c.cfg.PollInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pollLoop(runCtx)
		}()
	}

	return nil
}

func (c *Connector) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Running() {
				return
			}
			if err := c.OnTrigger(ctx, nil); err != nil {
				c.HandleError(err)
			}
		}
	}
}

// OnTrigger performs one register read. The inbound message, when present,
// acts purely as a trigger; its payload is ignored. Every failure mode is a
// logged, non-fatal outcome: transport errors mark the connection down,
// protocol exceptions and empty responses are reported without emitting.
func (c *Connector) OnTrigger(ctx context.Context, _ *message.Message) error {
	var (
		resp    ReadResponse
		err     error
		skipped bool
	)
	// The read runs under the lifecycle's single-writer lock: the trigger
	// consumer, the poll loop and Stop never touch the handle concurrently.
	c.life.Guard(func() {
		if !c.life.Connected() {
			skipped = true
			return
		}
		resp, err = c.client.Read(ReadRequest{
			SlaveID:      c.cfg.SlaveID,
			StartAddress: c.cfg.StartAddress,
			Quantity:     c.cfg.Quantity,
		})
	})

	if skipped {
		if c.metrics != nil {
			c.metrics.skipped.Inc()
		}
		c.Logger().Warn("skipping register read, connection down")
		return nil
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.transportErrors.Inc()
		}
		c.life.MarkDisconnected(err)
		c.Logger().Error("register read failed", "error", err)
		return nil
	}

	if resp.Exception {
		if c.metrics != nil {
			c.metrics.exceptions.Inc()
		}
		c.Logger().Warn("device returned exception", "detail", resp.ExceptionMessage)
		return nil
	}

	if len(resp.Values) == 0 {
		c.Logger().Warn("device returned no register data")
		return nil
	}

	payload := map[string][]int16{c.cfg.Description: resp.Values}
	if err := c.out.Send(ctx, message.New(payload)); err != nil {
		return errors.Wrap(err, c.ID(), "OnTrigger", "emit")
	}
	if c.metrics != nil {
		c.metrics.reads.Inc()
	}
	return nil
}

// Stop releases the device connection exactly once. Safe to call when
// never started; subsequent calls are no-ops.
func (c *Connector) Stop(timeout time.Duration) error {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	if !c.ToStopping() {
		c.ToStopped()
		return nil
	}
	defer c.ToStopped()

	c.in.Close()
	if c.cancel != nil {
		c.cancel()
	}

	c.life.Disconnect(c.closeClient)
	// A connection already marked bad by a failed read leaves Disconnect a
	// no-op; release the handle under the same single-writer lock.
	c.life.Guard(func() {
		_ = c.closeClient()
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.Logger().Warn("workers did not exit within grace period")
	}
	return nil
}

// closeClient releases the device connection exactly once regardless of how
// many shutdown paths reach it.
func (c *Connector) closeClient() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.client.Close()
	})
	return err
}
