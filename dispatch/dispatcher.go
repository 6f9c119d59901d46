// Package dispatch implements the host side of command dispatch: correlated
// envelopes, single-fire continuations, and the transports that carry them
// to a backend processor.
//
// Every Send yields a future that settles exactly once. A transport that
// cannot deliver rejects the continuation with types.ErrTransportDelivery;
// a backend that reports failure rejects it with a *types.Cause.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/pithecene-io/jpoly/future"
	"github.com/pithecene-io/jpoly/log"
	"github.com/pithecene-io/jpoly/metrics"
	"github.com/pithecene-io/jpoly/types"
)

// DefaultIDPrefix prefixes correlation ids minted by a Dispatcher.
const DefaultIDPrefix = "msg-"

// ErrDispatcherClosed is the cause attached to sends after Close and to
// continuations still pending when the dispatcher closes.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Transport carries envelopes to a backend and arranges for the matching
// continuation to settle. Handle must not block on the backend's answer.
// A non-nil error means the envelope was not delivered.
type Transport interface {
	Handle(ctx context.Context, env *types.Envelope, cont *Continuation) error
	Close() error
}

// Processor is the backend entry point: it receives an envelope and settles
// its continuation, inline or later. Process must not block waiting on
// further traffic over the same boundary.
type Processor interface {
	Process(ctx context.Context, env *types.Envelope, cont *Continuation)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, env *types.Envelope, cont *Continuation)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, env *types.Envelope, cont *Continuation) {
	f(ctx, env, cont)
}

// ReplyFunc serializes a reply back across the boundary an envelope came from.
type ReplyFunc func(reply *types.Reply) error

// Receiver accepts envelopes that arrive from the far side of a boundary.
type Receiver interface {
	Receive(ctx context.Context, env *types.Envelope, cont *Continuation, reply ReplyFunc)
}

// inboundBinder is implemented by transports that route inbound requests.
type inboundBinder interface {
	bindInbound(r Receiver)
}

// Config holds dispatcher dependencies.
type Config struct {
	// Transport carries outbound envelopes. Required.
	Transport Transport
	// Processor handles inbound envelopes. Optional; without it inbound
	// requests are rejected.
	Processor Processor
	// IDPrefix prefixes minted correlation ids. Defaults to DefaultIDPrefix.
	IDPrefix string
	// Logger defaults to a no-op logger.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
}

// Dispatcher mints correlation ids, tracks in-flight continuations, and
// hands envelopes to its transport.
type Dispatcher struct {
	transport Transport
	processor Processor
	prefix    string
	logger    *log.Logger
	collector *metrics.Collector

	next     atomic.Uint64
	inflight *Registry
	closed   atomic.Bool
}

// New creates a dispatcher. If the transport routes inbound requests, the
// dispatcher registers itself as their receiver.
func New(cfg Config) *Dispatcher {
	if cfg.Transport == nil {
		panic("dispatch: Config.Transport is required")
	}
	d := &Dispatcher{
		transport: cfg.Transport,
		processor: cfg.Processor,
		prefix:    cfg.IDPrefix,
		logger:    cfg.Logger,
		collector: cfg.Collector,
		inflight:  NewRegistry(),
	}
	if d.prefix == "" {
		d.prefix = DefaultIDPrefix
	}
	if d.logger == nil {
		d.logger = log.Nop()
	}
	d.logger = d.logger.With("dispatch")
	if b, ok := cfg.Transport.(inboundBinder); ok {
		b.bindInbound(d)
	}
	return d
}

// Send builds an envelope with a fresh correlation id and delivers it.
// The returned future settles exactly once: with the backend's return value,
// with its *types.Cause, or with a transport delivery error. ctx bounds the
// delivery only; it does not cancel a delivered command.
func (d *Dispatcher) Send(ctx context.Context, mt types.MessageType, priority int, payload ...any) *future.Future[any] {
	id := d.nextID()
	cont := d.track(id)
	if payload == nil {
		payload = []any{}
	}
	env := &types.Envelope{
		ID:          id,
		MessageType: mt,
		Priority:    priority,
		Payload:     payload,
	}

	if d.closed.Load() {
		cont.Reject(types.NewError(types.ErrTransportDelivery, "send", id, ErrDispatcherClosed))
		return cont.Future()
	}
	if err := d.inflight.Register(cont); err != nil {
		cont.Reject(types.NewError(types.ErrTransportDelivery, "send", id, err))
		return cont.Future()
	}

	d.collector.IncSend()
	d.logger.Debug("dispatching envelope", map[string]any{
		"id":           id,
		"message_type": string(mt),
		"priority":     priority,
	})
	if err := d.deliver(ctx, env, cont); err != nil {
		d.collector.IncTransportFailure()
		d.logger.Warn("transport delivery failed", map[string]any{
			"id":           id,
			"message_type": string(mt),
			"error":        err.Error(),
		})
		cont.Reject(types.NewError(types.ErrTransportDelivery, "send", id, err))
	}
	return cont.Future()
}

// Receive processes an envelope that arrived from the far side. When cont is
// nil a default continuation is synthesized whose settlement is serialized
// back through reply, unless the message type expects no reply.
func (d *Dispatcher) Receive(ctx context.Context, env *types.Envelope, cont *Continuation, reply ReplyFunc) {
	d.collector.IncInboundRequest()
	if cont == nil {
		cont = d.defaultContinuation(env, reply)
	}
	if d.processor == nil {
		cont.Reject(fmt.Errorf("no processor for inbound %s", env.MessageType))
		return
	}
	safeProcess(ctx, d.processor, env, cont)
}

// Pending returns the number of in-flight sends.
func (d *Dispatcher) Pending() int {
	return d.inflight.Len()
}

// Close rejects every in-flight send and closes the transport.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := d.inflight.FailAll(types.NewError(types.ErrTransportDelivery, "close", "", ErrDispatcherClosed)); n > 0 {
		d.logger.Warn("rejected in-flight sends on close", map[string]any{"count": n})
	}
	return d.transport.Close()
}

func (d *Dispatcher) nextID() string {
	return d.prefix + strconv.FormatUint(d.next.Add(1), 10)
}

func (d *Dispatcher) track(id string) *Continuation {
	cont := NewContinuation(id)
	cont.OnSettle(func(ok bool) {
		d.inflight.Take(id)
		d.collector.IncSettled(ok)
	})
	cont.onDuplicate(func(id string) {
		d.collector.IncDuplicateSettle()
		d.logger.Warn("duplicate settlement ignored", map[string]any{"id": id})
	})
	return cont
}

func (d *Dispatcher) deliver(ctx context.Context, env *types.Envelope, cont *Continuation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return d.transport.Handle(ctx, env, cont)
}

// safeProcess runs p and converts a panic into a rejected continuation.
func safeProcess(ctx context.Context, p Processor, env *types.Envelope, cont *Continuation) {
	defer func() {
		if r := recover(); r != nil {
			cont.Reject(&types.Cause{
				Name:    "panic",
				Message: fmt.Sprintf("processor panic: %v", r),
			})
		}
	}()
	p.Process(ctx, env, cont)
}

func (d *Dispatcher) defaultContinuation(env *types.Envelope, reply ReplyFunc) *Continuation {
	cont := NewContinuation(env.ID)
	cont.onDuplicate(func(id string) {
		d.collector.IncDuplicateSettle()
		d.logger.Warn("duplicate settlement ignored", map[string]any{"id": id})
	})
	if reply == nil || !env.MessageType.ExpectsReply() {
		return cont
	}
	cont.Future().Then(func(v any, err error) {
		r := &types.Reply{ID: env.ID, MessageType: env.MessageType}
		if err != nil {
			r.Result = types.Failed(err)
		} else {
			r.Result = types.Succeeded(v)
		}
		if werr := reply(r); werr != nil {
			d.logger.Warn("failed to send reply", map[string]any{
				"id":    env.ID,
				"error": werr.Error(),
			})
		}
	})
	return cont
}
