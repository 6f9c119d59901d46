package dispatch

import (
	"context"

	"github.com/pithecene-io/jpoly/types"
)

// Direct invokes a processor in the caller's goroutine. The continuation
// settles inline or from whatever callback the processor schedules.
type Direct struct {
	processor Processor
}

// NewDirect returns a transport that calls p directly.
func NewDirect(p Processor) *Direct {
	return &Direct{processor: p}
}

// Handle runs the processor. A processor panic rejects the continuation.
func (t *Direct) Handle(ctx context.Context, env *types.Envelope, cont *Continuation) error {
	safeProcess(ctx, t.processor, env, cont)
	return nil
}

// Close is a no-op.
func (t *Direct) Close() error {
	return nil
}
