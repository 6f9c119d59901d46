package dispatch

import (
	"context"

	"github.com/pithecene-io/jpoly/types"
)

// Relay returns a processor that forwards every envelope through next and
// settles the inbound continuation with the downstream outcome. A backend
// failure keeps its *types.Cause as it crosses each hop.
func Relay(next *Dispatcher) Processor {
	return ProcessorFunc(func(ctx context.Context, env *types.Envelope, cont *Continuation) {
		next.Send(ctx, env.MessageType, env.Priority, env.Payload...).Then(func(v any, err error) {
			if err != nil {
				cont.Reject(err)
				return
			}
			cont.Resolve(v)
		})
	})
}
