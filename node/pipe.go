package node

import (
	"context"

	"github.com/dusen0528/Node-Blue/errors"
	"github.com/dusen0528/Node-Blue/message"
)

// Pipe is a directed edge binding one outbound port to one or more inbound
// ports. Each destination receives its own delivery of the same message;
// messages are immutable, so no state is shared between deliveries.
//
// Messages sent by the same producing goroutine through the same pipe
// arrive in send order at each destination. No ordering holds across
// different producers or different pipes.
type Pipe struct {
	out   *OutPort
	dests []*InPort
}

// NewPipe binds the outbound port to the destination inbound ports.
func NewPipe(out *OutPort, dests ...*InPort) *Pipe {
	p := &Pipe{
		out:   out,
		dests: dests,
	}
	out.bind(p)
	return p
}

// Destinations returns the pipe's inbound endpoints.
func (p *Pipe) Destinations() []*InPort {
	return p.dests
}

// deliver queues the message at every destination. A closed destination
// fails that delivery with ErrPortClosed; the remaining destinations still
// receive the message.
func (p *Pipe) deliver(ctx context.Context, m *message.Message) error {
	var errs []error
	for _, dest := range p.dests {
		if err := dest.put(ctx, m); err != nil {
			errs = append(errs, errors.Wrap(err, "Pipe", "deliver", dest.Name()))
		}
	}
	return errors.Join(errs...)
}

// tryDeliver is the non-blocking variant: a saturated destination fails
// with ErrPortFull instead of waiting.
func (p *Pipe) tryDeliver(m *message.Message) error {
	var errs []error
	for _, dest := range p.dests {
		if err := dest.tryPut(m); err != nil {
			errs = append(errs, errors.Wrap(err, "Pipe", "tryDeliver", dest.Name()))
		}
	}
	return errors.Join(errs...)
}
