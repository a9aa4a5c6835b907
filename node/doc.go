// Package node provides the message-routing kernel of the dataflow runtime:
// the node lifecycle state machine, the role contracts (Source, Sink,
// Transform), and the port/pipe routing primitives.
//
// # Lifecycle
//
// Every node embeds a Lifecycle, which owns the atomic state word:
//
//	Created -> Running (Start)
//	Running -> Stopped (Stop)
//	Running -> Failed  (unrecoverable error; still reachable from Stop)
//
// Stop is idempotent from every state and never panics. A Failed node stays
// inert until Start is called again; there are no silent auto-restart loops
// beyond the bounded retry inside a single Start.
//
// # Routing
//
// Producers push messages to an OutPort; a Pipe transfers them to one or
// more InPorts, each destination receiving its own delivery. Send returns
// once the message is queued everywhere. Per-pipe single-producer FIFO
// ordering is guaranteed; nothing is guaranteed across producers or pipes.
//
// All ports are bounded queues and Send blocks on saturation - the uniform
// backpressure policy for the whole system. Sending through an OutPort with
// no bound pipe drops the message as a logged, counted no-op.
//
// # Threading
//
// Emit/Send execute on the caller's goroutine and only enqueue. Dequeue and
// processing happen on whichever goroutine owns the destination InPort's
// consumption loop (see Consume). Each transport-facing node owns its own
// worker goroutines; they are never shared across nodes.
package node
