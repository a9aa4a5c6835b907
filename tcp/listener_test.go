package tcp

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusen0528/Node-Blue/errors"
	"github.com/dusen0528/Node-Blue/metric"
	"github.com/dusen0528/Node-Blue/node"
)

func newTestListener(t *testing.T) (*Listener, *node.InPort) {
	t.Helper()

	l, err := NewListener(ListenerDeps{
		Name:   "listener-under-test",
		Config: ListenerConfig{Bind: "127.0.0.1", Port: 0, MaxClients: 4},
	})
	require.NoError(t, err)

	in := node.NewInPort("collector", 64)
	node.NewPipe(l.OutPort(), in)

	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(2 * time.Second) })
	return l, in
}

func collect(t *testing.T, in *node.InPort, n int) []string {
	t.Helper()

	var out []string
	for len(out) < n {
		msg, err := in.ReceiveTimeout(2 * time.Second)
		require.NoError(t, err, "expected %d messages, got %d", n, len(out))
		payload, ok := msg.Payload().(string)
		require.True(t, ok)
		out = append(out, payload)
	}
	return out
}

func TestListenerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ListenerConfig
		wantErr bool
	}{
		{"defaults valid", DefaultListenerConfig(), false},
		{"port zero allowed for auto-assign", ListenerConfig{Port: 0}, false},
		{"negative port", ListenerConfig{Port: -1}, true},
		{"port too large", ListenerConfig{Port: 70000}, true},
		{"negative max clients", ListenerConfig{Port: 7000, MaxClients: -1}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.cfg.Validate()
			if test.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestListener_TwoClients(t *testing.T) {
	l, in := newTestListener(t)
	addr := l.Addr().String()

	clientA, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer clientA.Close()
	clientB, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer clientB.Close()

	_, err = fmt.Fprint(clientA, "hello\n")
	require.NoError(t, err)
	_, err = fmt.Fprint(clientB, "world\n")
	require.NoError(t, err)

	got := collect(t, in, 2)
	assert.ElementsMatch(t, []string{"hello", "world"}, got)
}

func TestListener_PerClientOrderPreserved(t *testing.T) {
	l, in := newTestListener(t)

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = fmt.Fprint(client, "first\nsecond\nthird\n")
	require.NoError(t, err)

	got := collect(t, in, 3)
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestListener_MessagesHaveIDsAndEmptyMetadata(t *testing.T) {
	l, in := newTestListener(t)

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = fmt.Fprint(client, "payload\n")
	require.NoError(t, err)

	msg, err := in.ReceiveTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID())
	assert.Empty(t, msg.Meta())
	assert.Equal(t, "payload", msg.Payload())
}

func TestListener_PeerDisconnectDoesNotAffectOthers(t *testing.T) {
	l, in := newTestListener(t)
	addr := l.Addr().String()

	dying, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	surviving, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer surviving.Close()

	_, err = fmt.Fprint(dying, "last words\n")
	require.NoError(t, err)
	require.NoError(t, dying.Close())

	// The surviving client keeps working after its sibling is gone.
	time.Sleep(50 * time.Millisecond)
	_, err = fmt.Fprint(surviving, "still here\n")
	require.NoError(t, err)

	got := collect(t, in, 2)
	assert.ElementsMatch(t, []string{"last words", "still here"}, got)
	assert.Equal(t, node.StateRunning, l.State())
}

func TestListener_UnroutedEmitIsDropped(t *testing.T) {
	l, err := NewListener(ListenerDeps{
		Name:   "unrouted",
		Config: ListenerConfig{Bind: "127.0.0.1", Port: 0},
	})
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	defer func() { _ = l.Stop(2 * time.Second) }()

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = fmt.Fprint(client, "into the void\n")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return l.OutPort().Dropped() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, node.StateRunning, l.State())
}

func TestListener_BindFailureFailsNode(t *testing.T) {
	first, err := NewListener(ListenerDeps{
		Name:   "first",
		Config: ListenerConfig{Bind: "127.0.0.1", Port: 0},
	})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	defer func() { _ = first.Stop(2 * time.Second) }()

	port := first.Addr().(*net.TCPAddr).Port
	second, err := NewListener(ListenerDeps{
		Name:   "second",
		Config: ListenerConfig{Bind: "127.0.0.1", Port: port},
	})
	require.NoError(t, err)

	err = second.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, node.StateFailed, second.State())
}

func TestListener_StopIsIdempotent(t *testing.T) {
	l, err := NewListener(ListenerDeps{
		Name:   "stopper",
		Config: ListenerConfig{Bind: "127.0.0.1", Port: 0},
	})
	require.NoError(t, err)

	// Stop before start never panics.
	require.NoError(t, l.Stop(time.Second))
	assert.Equal(t, node.StateStopped, l.State())

	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Stop(2*time.Second))
	require.NoError(t, l.Stop(2*time.Second))
	assert.Equal(t, node.StateStopped, l.State())
}

func TestListenerMetrics_TwoNodesShareOneRegistry(t *testing.T) {
	registry := metric.NewRegistry()

	first := newListenerMetrics(registry, "ingress-a")
	second := newListenerMetrics(registry, "ingress-b")
	require.NotNil(t, first)
	require.NotNil(t, second)

	first.linesReceived.Inc()
	second.linesReceived.Inc()
	second.linesReceived.Inc()

	families, err := registry.Prometheus().Gather()
	require.NoError(t, err)

	counts := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			counts[mf.GetName()] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, counts["nodeblue_tcp_listener_ingress_a_lines_received_total"])
	assert.Equal(t, 2.0, counts["nodeblue_tcp_listener_ingress_b_lines_received_total"])
}

func TestListener_StopUnblocksAccept(t *testing.T) {
	l, err := NewListener(ListenerDeps{
		Name:   "blocked-accept",
		Config: ListenerConfig{Bind: "127.0.0.1", Port: 0},
	})
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- l.Stop(2 * time.Second) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung on the blocking accept")
	}
}
