package modbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusen0528/Node-Blue/errors"
	"github.com/dusen0528/Node-Blue/message"
	"github.com/dusen0528/Node-Blue/node"
	"github.com/dusen0528/Node-Blue/pkg/retry"
)

type mockClient struct {
	mu           sync.Mutex
	connectErr   error
	connectCalls int
	readResp     ReadResponse
	readErr      error
	readCalls    int
	lastReq      ReadRequest
	closeCalls   int
	connected    bool
}

func (m *mockClient) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockClient) Read(req ReadRequest) (ReadResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++
	m.lastReq = req
	if m.readErr != nil {
		m.connected = false
		return ReadResponse{}, m.readErr
	}
	return m.readResp, nil
}

func (m *mockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.connected = false
	return nil
}

func (m *mockClient) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockClient) stats() (connects, reads, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls, m.readCalls, m.closeCalls
}

func validConfig() ConnectorConfig {
	return ConnectorConfig{
		Host:         "10.0.0.5",
		Port:         502,
		SlaveID:      1,
		StartAddress: 0,
		Quantity:     3,
		Retry:        retry.Config{MaxAttempts: 2, Delay: 5 * time.Millisecond, Multiplier: 1.0},
	}
}

func newTestConnector(t *testing.T, cfg ConnectorConfig, client *mockClient) (*Connector, *node.OutPort, *node.InPort) {
	t.Helper()

	c, err := NewConnector(ConnectorDeps{Name: "connector-under-test", Config: cfg, Client: client})
	require.NoError(t, err)

	trigger := node.NewOutPort("trigger")
	node.NewPipe(trigger, c.InPort())
	emitted := node.NewInPort("emitted", 64)
	node.NewPipe(c.OutPort(), emitted)

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(2 * time.Second) })
	return c, trigger, emitted
}

func TestConnectorConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ConnectorConfig)
		wantErr bool
	}{
		{"valid", func(*ConnectorConfig) {}, false},
		{"empty host", func(c *ConnectorConfig) { c.Host = "" }, true},
		{"port zero", func(c *ConnectorConfig) { c.Port = 0 }, true},
		{"port too large", func(c *ConnectorConfig) { c.Port = 70000 }, true},
		{"negative slave id", func(c *ConnectorConfig) { c.SlaveID = -1 }, true},
		{"negative start address", func(c *ConnectorConfig) { c.StartAddress = -1 }, true},
		{"zero quantity", func(c *ConnectorConfig) { c.Quantity = 0 }, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := validConfig()
			test.mutate(&cfg)
			err := cfg.Validate()
			if test.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewConnector_InvalidConfigAcquiresNothing(t *testing.T) {
	cfg := validConfig()
	cfg.Quantity = 0
	client := &mockClient{}

	_, err := NewConnector(ConnectorDeps{Config: cfg, Client: client})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	connects, reads, closes := client.stats()
	assert.Zero(t, connects)
	assert.Zero(t, reads)
	assert.Zero(t, closes)
}

func TestConnector_TriggeredReadEmitsTaggedValues(t *testing.T) {
	client := &mockClient{readResp: ReadResponse{Values: []int16{100, 200, 300}}}
	_, trigger, emitted := newTestConnector(t, validConfig(), client)

	require.NoError(t, trigger.Send(context.Background(), message.New("poll now")))

	msg, err := emitted.ReceiveTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string][]int16{DefaultDescription: {100, 200, 300}}, msg.Payload())

	client.mu.Lock()
	req := client.lastReq
	client.mu.Unlock()
	assert.Equal(t, ReadRequest{SlaveID: 1, StartAddress: 0, Quantity: 3}, req)
}

func TestConnector_CustomDescriptionTagsPayload(t *testing.T) {
	cfg := validConfig()
	cfg.Description = "boiler-temps"
	client := &mockClient{readResp: ReadResponse{Values: []int16{7}}}
	_, trigger, emitted := newTestConnector(t, cfg, client)

	require.NoError(t, trigger.Send(context.Background(), message.New(nil)))

	msg, err := emitted.ReceiveTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string][]int16{"boiler-temps": {7}}, msg.Payload())
}

func TestConnector_TransportErrorMarksDisconnectedAndSkipsEmit(t *testing.T) {
	client := &mockClient{readErr: fmt.Errorf("connection reset")}
	c, trigger, emitted := newTestConnector(t, validConfig(), client)

	ctx := context.Background()
	require.NoError(t, trigger.Send(ctx, message.New("poll")))

	assert.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)
	_, err := emitted.ReceiveTimeout(50 * time.Millisecond)
	assert.Error(t, err, "a failed read must not emit")
	assert.Equal(t, node.StateRunning, c.State())

	// While disconnected, further triggers are skipped without touching
	// the client.
	_, readsBefore, _ := client.stats()
	require.NoError(t, trigger.Send(ctx, message.New("poll again")))
	time.Sleep(100 * time.Millisecond)
	_, readsAfter, _ := client.stats()
	assert.Equal(t, readsBefore, readsAfter)
}

func TestConnector_ProtocolExceptionIsNonFatalNoEmit(t *testing.T) {
	client := &mockClient{readResp: ReadResponse{Exception: true, ExceptionMessage: "illegal data address"}}
	c, trigger, emitted := newTestConnector(t, validConfig(), client)

	require.NoError(t, trigger.Send(context.Background(), message.New("poll")))

	_, err := emitted.ReceiveTimeout(100 * time.Millisecond)
	assert.Error(t, err, "an exception response must not emit")
	assert.Equal(t, node.StateRunning, c.State())
	assert.True(t, c.Connected(), "exceptions are protocol outcomes, not transport failures")
}

func TestConnector_EmptyDataIsWarnedNoEmit(t *testing.T) {
	client := &mockClient{readResp: ReadResponse{}}
	c, trigger, emitted := newTestConnector(t, validConfig(), client)

	require.NoError(t, trigger.Send(context.Background(), message.New("poll")))

	_, err := emitted.ReceiveTimeout(100 * time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, node.StateRunning, c.State())
}

func TestConnector_PollTickerTriggersReads(t *testing.T) {
	cfg := validConfig()
	cfg.PollInterval = 20 * time.Millisecond
	client := &mockClient{readResp: ReadResponse{Values: []int16{1, 2, 3}}}
	_, _, emitted := newTestConnector(t, cfg, client)

	for i := 0; i < 2; i++ {
		msg, err := emitted.ReceiveTimeout(2 * time.Second)
		require.NoError(t, err, "poll tick %d must emit", i)
		assert.Equal(t, map[string][]int16{DefaultDescription: {1, 2, 3}}, msg.Payload())
	}
}

func TestConnector_ConnectRetryExhaustionFailsNode(t *testing.T) {
	client := &mockClient{connectErr: fmt.Errorf("no route to host")}
	c, err := NewConnector(ConnectorDeps{Name: "doomed", Config: validConfig(), Client: client})
	require.NoError(t, err)

	err = c.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.True(t, errors.Is(err, errors.ErrRetriesExhausted))
	assert.Equal(t, node.StateFailed, c.State())

	connects, _, _ := client.stats()
	assert.Equal(t, 2, connects, "every configured attempt must be used")
}

// serialCheckClient flags any two reads whose execution windows overlap.
// The sleep widens the window so an unserialized caller pair is caught
// reliably.
type serialCheckClient struct {
	mockClient
	inRead     atomic.Bool
	overlapped atomic.Bool
}

func (s *serialCheckClient) Read(req ReadRequest) (ReadResponse, error) {
	if !s.inRead.CompareAndSwap(false, true) {
		s.overlapped.Store(true)
	}
	time.Sleep(10 * time.Millisecond)
	s.inRead.Store(false)
	return s.mockClient.Read(req)
}

func TestConnector_ReadsAreSerializedAcrossTriggerSources(t *testing.T) {
	cfg := validConfig()
	cfg.PollInterval = 5 * time.Millisecond
	client := &serialCheckClient{}
	client.readResp = ReadResponse{Values: []int16{1}}

	c, err := NewConnector(ConnectorDeps{Name: "serialized", Config: cfg, Client: client})
	require.NoError(t, err)

	trigger := node.NewOutPort("trigger")
	node.NewPipe(trigger, c.InPort())
	emitted := node.NewInPort("emitted", 256)
	node.NewPipe(c.OutPort(), emitted)

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(2 * time.Second) })

	// Race the trigger port against the poll ticker for a stretch.
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		require.NoError(t, trigger.Send(ctx, message.New("poll")))
		time.Sleep(2 * time.Millisecond)
	}

	assert.False(t, client.overlapped.Load(),
		"trigger and poll loop reads must never run concurrently")
	_, reads, _ := client.stats()
	assert.Greater(t, reads, 1)
}

func TestConnector_StopClosesHandleAfterTransportFailure(t *testing.T) {
	client := &mockClient{readErr: fmt.Errorf("connection reset")}
	c, err := NewConnector(ConnectorDeps{Name: "half-open", Config: validConfig(), Client: client})
	require.NoError(t, err)

	trigger := node.NewOutPort("trigger")
	node.NewPipe(trigger, c.InPort())

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, trigger.Send(context.Background(), message.New("poll")))
	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)

	// The failed read flipped the connection state, but the device handle is
	// still held and must be released on stop.
	require.NoError(t, c.Stop(2*time.Second))
	_, _, closes := client.stats()
	assert.Equal(t, 1, closes)

	require.NoError(t, c.Stop(2*time.Second))
	_, _, closes = client.stats()
	assert.Equal(t, 1, closes)
}

func TestConnector_StopReleasesConnectionExactlyOnce(t *testing.T) {
	client := &mockClient{readResp: ReadResponse{Values: []int16{1}}}
	c, err := NewConnector(ConnectorDeps{Name: "stopper", Config: validConfig(), Client: client})
	require.NoError(t, err)

	// Stop before start never panics and never touches the client.
	require.NoError(t, c.Stop(time.Second))
	_, _, closes := client.stats()
	assert.Zero(t, closes)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(2*time.Second))
	require.NoError(t, c.Stop(2*time.Second))

	_, _, closes = client.stats()
	assert.Equal(t, 1, closes)
	assert.Equal(t, node.StateStopped, c.State())
}
