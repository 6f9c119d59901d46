package dispatch

import (
	"sync"

	"github.com/pithecene-io/jpoly/future"
	"github.com/pithecene-io/jpoly/types"
)

// Continuation is the single-fire completion slot for one envelope.
// The first Resolve/Reject/Complete wins; later attempts are reported through
// the duplicate hook and otherwise ignored.
type Continuation struct {
	id  string
	fut *future.Future[any]

	mu       sync.Mutex
	onSettle []func(ok bool)
	onDup    func(id string)
}

// NewContinuation creates an unsettled continuation for the given id.
func NewContinuation(id string) *Continuation {
	return &Continuation{id: id, fut: future.New[any]()}
}

// ID returns the correlation id this continuation answers.
func (c *Continuation) ID() string {
	return c.id
}

// Future returns the caller-facing future.
func (c *Continuation) Future() *future.Future[any] {
	return c.fut
}

// Settled reports whether the continuation has settled.
func (c *Continuation) Settled() bool {
	return c.fut.Settled()
}

// OnSettle registers fn to run once, synchronously, in the goroutine that
// settles the continuation. Registering after settlement is a no-op.
func (c *Continuation) OnSettle(fn func(ok bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSettle = append(c.onSettle, fn)
}

func (c *Continuation) onDuplicate(fn func(id string)) {
	c.mu.Lock()
	c.onDup = fn
	c.mu.Unlock()
}

// Resolve settles the continuation with a value.
func (c *Continuation) Resolve(v any) bool {
	return c.finish(c.fut.Resolve(v), true)
}

// Reject settles the continuation with an error.
func (c *Continuation) Reject(err error) bool {
	return c.finish(c.fut.Reject(err), false)
}

// Complete settles the continuation from a backend Result. A failed result
// rejects with its Cause, which matches types.ErrBackendExecution.
func (c *Continuation) Complete(res types.Result) bool {
	if res.Success {
		return c.Resolve(res.ReturnValue)
	}
	cause := res.Cause
	if cause == nil {
		cause = &types.Cause{Message: "backend reported failure without cause"}
	}
	return c.Reject(cause)
}

func (c *Continuation) finish(won, ok bool) bool {
	c.mu.Lock()
	hooks := c.onSettle
	dup := c.onDup
	if won {
		c.onSettle = nil
	}
	c.mu.Unlock()

	if !won {
		if dup != nil {
			dup(c.id)
		}
		return false
	}
	for _, fn := range hooks {
		fn(ok)
	}
	return true
}
