// Package bridge forwards register-value messages to a pub/sub broker as
// timestamped JSON records.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
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

// Record is the wire shape published for every batch of register values.
// Timestamp is milliseconds since the Unix epoch.
type Record struct {
	Topic     string  `json:"topic"`
	Timestamp int64   `json:"timestamp"`
	Values    []int16 `json:"values"`
}

// Config holds configuration for the broker bridge
type Config struct {
	URL   string       `json:"url"   yaml:"url"`
	Topic string       `json:"topic" yaml:"topic"`
	Retry retry.Config `json:"-"     yaml:"-"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Topic == "" {
		return errors.WrapInvalid(
			fmt.Errorf("topic must not be empty"),
			"BridgeConfig", "Validate", "topic validation")
	}
	return nil
}

// bridgeMetrics holds Prometheus metrics for the bridge node
type bridgeMetrics struct {
	published prometheus.Counter
	failed    prometheus.Counter
	dropped   prometheus.Counter
}

func newBridgeMetrics(registry *metric.Registry, name string) *bridgeMetrics {
	if registry == nil {
		return nil
	}

	metricName := metric.SanitizeName(name)
	m := &bridgeMetrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "bridge",
			Name:      metricName + "_records_published_total",
			Help:      "Records accepted by the broker client",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "bridge",
			Name:      metricName + "_records_failed_total",
			Help:      "Publishes that failed after reconnect attempts",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeblue",
			Subsystem: "bridge",
			Name:      metricName + "_messages_dropped_total",
			Help:      "Inbound messages with payloads the bridge cannot convert",
		}),
	}
	_ = registry.RegisterCounter(name, "records_published", m.published)
	_ = registry.RegisterCounter(name, "records_failed", m.failed)
	_ = registry.RegisterCounter(name, "messages_dropped", m.dropped)
	return m
}

// Bridge is a Sink node converting register-value payloads into Records and
// publishing them to the broker. Raw []int16 payloads publish one record on
// the configured topic; map[string][]int16 payloads publish one record per
// description on topic.description. Unsupported payloads are warned about
// and dropped without stopping the node.
type Bridge struct {
	*node.Lifecycle

	cfg  Config
	in   *node.InPort
	life *conn.Lifecycle

	// pub is touched only inside life.Do/Guard (single-writer rule)
	pub     Publisher
	makePub func() (Publisher, error)

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopMu  sync.Mutex
	metrics *bridgeMetrics

	now func() time.Time
}

// Deps holds runtime dependencies for the bridge node. Publisher may be
// nil, in which case a broker connection is dialed from Config.URL.
type Deps struct {
	Name      string
	Config    Config
	Publisher Publisher
	Registry  *metric.Registry
	Logger    *slog.Logger
}

var _ node.Sink = (*Bridge)(nil)

// New creates a broker bridge. Configuration is validated eagerly.
func New(deps Deps) (*Bridge, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if deps.Publisher == nil && deps.Config.URL == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("url must not be empty when no publisher is supplied"),
			"BridgeConfig", "Validate", "url validation")
	}

	name := deps.Name
	if name == "" {
		name = "bridge-" + deps.Config.Topic
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("node", name)
	}

	b := &Bridge{
		Lifecycle: node.NewLifecycle(name, logger),
		cfg:       deps.Config,
		in:        node.NewInPort(name+"_in", node.DefaultPortCapacity),
		life:      conn.New(name, deps.Config.Retry, logger),
		metrics:   newBridgeMetrics(deps.Registry, name),
		now:       time.Now,
	}

	if deps.Publisher != nil {
		pub := deps.Publisher
		b.makePub = func() (Publisher, error) { return pub, nil }
	} else {
		url := deps.Config.URL
		b.makePub = func() (Publisher, error) { return NewNATSPublisher(url, name) }
	}
	return b, nil
}

// InPort returns the bridge's inbound port.
func (b *Bridge) InPort() *node.InPort {
	return b.in
}

// Connected reports whether the broker connection is known-good.
func (b *Bridge) Connected() bool {
	return b.life.Connected()
}

// Start connects to the broker with bounded retry and launches the
// consumption loop. Retry exhaustion transitions the node to Failed.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.ToRunning(); err != nil {
		if errors.Is(err, errors.ErrAlreadyStarted) {
			return nil
		}
		return err
	}

	if err := b.life.ConnectWithRetry(ctx, b.dial); err != nil {
		b.HandleError(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		node.Consume(runCtx, b.in, b.OnMessage, b.Lifecycle)
	}()

	return nil
}

// OnMessage converts one inbound payload into records and publishes them.
// A publish failure marks the connection bad; the records are dropped, not
// requeued.
func (b *Bridge) OnMessage(ctx context.Context, msg *message.Message) error {
	records, ok := b.toRecords(msg.Payload())
	if !ok {
		if b.metrics != nil {
			b.metrics.dropped.Inc()
		}
		b.Logger().Warn("unsupported payload type, dropping message",
			"message_id", msg.ID(), "payload_type", fmt.Sprintf("%T", msg.Payload()))
		return nil
	}

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.WrapInvalid(err, b.ID(), "OnMessage", "record encoding")
		}

		err = b.life.Do(ctx, b.dial, func() error {
			return b.pub.Publish(rec.Topic, data)
		})
		if err != nil {
			if b.metrics != nil {
				b.metrics.failed.Inc()
			}
			return errors.WrapTransient(err, b.ID(), "OnMessage", "publish")
		}
		if b.metrics != nil {
			b.metrics.published.Inc()
		}
	}
	return nil
}

// toRecords maps a payload to its outbound records. Map entries publish in
// sorted description order so repeated inputs produce a stable stream.
func (b *Bridge) toRecords(payload any) ([]Record, bool) {
	ts := b.now().UnixMilli()

	switch v := payload.(type) {
	case []int16:
		return []Record{{Topic: b.cfg.Topic, Timestamp: ts, Values: v}}, true
	case map[string][]int16:
		descriptions := make([]string, 0, len(v))
		for desc := range v {
			descriptions = append(descriptions, desc)
		}
		sort.Strings(descriptions)

		records := make([]Record, 0, len(v))
		for _, desc := range descriptions {
			records = append(records, Record{
				Topic:     b.cfg.Topic + "." + desc,
				Timestamp: ts,
				Values:    v[desc],
			})
		}
		return records, true
	default:
		return nil, false
	}
}

// Stop releases the broker connection exactly once; subsequent calls are
// no-ops. Safe to call when never started.
func (b *Bridge) Stop(timeout time.Duration) error {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()

	if !b.ToStopping() {
		b.ToStopped()
		return nil
	}
	defer b.ToStopped()

	b.in.Close()
	if b.cancel != nil {
		b.cancel()
	}

	b.life.Disconnect(b.closePublisher)
	// A connection already marked bad by a failed publish leaves Disconnect
	// a no-op; release the publisher under the same single-writer lock.
	b.life.Guard(func() {
		_ = b.closePublisher()
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		b.Logger().Warn("consumer did not exit within grace period")
	}
	return nil
}

// closePublisher drops the publisher at most once; the nil check makes it
// safe for both shutdown paths. Runs only under the lifecycle's
// single-writer lock.
func (b *Bridge) closePublisher() error {
	if b.pub != nil {
		b.pub.Close()
		b.pub = nil
	}
	return nil
}

// dial replaces the publisher. Runs only under the lifecycle's
// single-writer lock.
func (b *Bridge) dial() error {
	if b.pub != nil {
		b.pub.Close()
		b.pub = nil
	}
	pub, err := b.makePub()
	if err != nil {
		return err
	}
	b.pub = pub
	return nil
}
