package node

import (
	"context"

	"github.com/dusen0528/Node-Blue/errors"
)

// Consume runs the inbound consumption loop on the caller's goroutine,
// invoking the handler once per dequeued message. It returns when the port
// is closed and drained, the context is cancelled, or the node transitions
// to Failed. Handler errors go through the lifecycle's HandleError, so only
// fatal ones stop the loop.
func Consume(ctx context.Context, in *InPort, handler Handler, lc *Lifecycle) {
	for {
		msg, err := in.Receive(ctx)
		if err != nil {
			if errors.Is(err, errors.ErrPortClosed) || ctx.Err() != nil {
				return
			}
			lc.HandleError(err)
			continue
		}

		if err := handler(ctx, msg); err != nil {
			lc.HandleError(err)
			if lc.State() == StateFailed {
				return
			}
		}
	}
}
