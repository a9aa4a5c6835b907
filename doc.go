// Package nodeblue is a small dataflow runtime: independently running nodes
// exchange immutable messages over directed pipes, and transport-facing
// nodes bridge the flow to the outside world.
//
// # Kernel
//
// The routing kernel lives in the node and message packages:
//
//   - message.Message: immutable id/payload/metadata unit
//   - node.InPort: bounded FIFO queue with blocking backpressure
//   - node.OutPort / node.Pipe: fan-out routing, per-producer FIFO order
//   - node.Lifecycle: atomic Created/Running/Stopping/Stopped/Failed machine
//
// Emitting is synchronous enqueueing on the caller's goroutine; consumption
// happens on whichever goroutine owns the destination port's loop. An
// unrouted send is a counted, logged no-op.
//
// # Transports
//
// Concrete nodes compose the kernel with the shared connection policy in
// pkg/conn (bounded-retry connect, lazy reconnect, exactly-once disconnect):
//
//   - tcp.Listener: newline-framed TCP ingress (Source)
//   - tcp.Sender: TCP egress with line or binary framing (Sink)
//   - modbus.Connector: holding-register polling (Transform)
//   - bridge.Bridge: JSON records to a pub/sub broker (Sink)
//
// cmd/node-blue loads a YAML flow definition, wires the declared nodes and
// pipes, and serves Prometheus metrics while the flow runs.
package nodeblue
