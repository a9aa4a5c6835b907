package node

import (
	"context"
	"time"

	"github.com/dusen0528/Node-Blue/message"
)

// Node is the lifecycle contract every unit of the dataflow graph
// implements. Start is driven from a single control goroutine; Stop is
// idempotent, safe from any state, and safe to call concurrently with an
// in-progress Start or message-handling operation.
type Node interface {
	ID() string
	State() State
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Source emits messages downstream through its outbound port. It has no
// inbound port.
type Source interface {
	Node
	OutPort() *OutPort
}

// Sink consumes messages from its inbound port. It has no outbound port.
type Sink interface {
	Node
	InPort() *InPort
}

// Transform consumes and emits: its handler may emit zero or more messages
// per input.
type Transform interface {
	Node
	InPort() *InPort
	OutPort() *OutPort
}

// Handler processes one inbound message.
type Handler func(ctx context.Context, msg *message.Message) error
