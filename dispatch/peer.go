package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pithecene-io/jpoly/ipc"
	"github.com/pithecene-io/jpoly/log"
	"github.com/pithecene-io/jpoly/metrics"
	"github.com/pithecene-io/jpoly/types"
)

// Authenticator stamps and checks per-frame tokens on a link.
type Authenticator interface {
	Sign() string
	Verify(token string) bool
}

// PeerConfig holds Peer dependencies.
type PeerConfig struct {
	// Link carries the frames. Required.
	Link Link
	// Auth is optional. When set, outbound frames are signed and inbound
	// frames with a bad token are dropped.
	Auth Authenticator
	// Logger defaults to a no-op logger.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
}

// Peer is a Transport over a Link. Outbound envelopes are parked in a
// correlation table until the matching reply arrives; inbound requests are
// handed to the bound Receiver with a continuation that replies over the
// same link.
type Peer struct {
	link      Link
	auth      Authenticator
	logger    *log.Logger
	collector *metrics.Collector
	pending   *Registry

	mu       sync.Mutex
	receiver Receiver

	startOnce sync.Once
	done      chan struct{}
}

// NewPeer creates a peer. Call Run to start reading.
func NewPeer(cfg PeerConfig) *Peer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Peer{
		link:      cfg.Link,
		auth:      cfg.Auth,
		logger:    logger.With("peer"),
		collector: cfg.Collector,
		pending:   NewRegistry(),
		done:      make(chan struct{}),
	}
}

func (p *Peer) bindInbound(r Receiver) {
	p.mu.Lock()
	p.receiver = r
	p.mu.Unlock()
}

// SetReceiver binds the handler for inbound requests.
func (p *Peer) SetReceiver(r Receiver) {
	p.bindInbound(r)
}

// Handle writes env to the link. Envelopes that expect a reply stay pending
// until it arrives or the link closes; the rest resolve once written.
func (p *Peer) Handle(_ context.Context, env *types.Envelope, cont *Continuation) error {
	expects := env.MessageType.ExpectsReply()
	if expects {
		if err := p.pending.Register(cont); err != nil {
			return err
		}
	}
	if p.auth != nil {
		env.Token = p.auth.Sign()
	}
	payload, err := ipc.Encode(env)
	if err == nil {
		err = p.link.WriteFrame(payload)
	}
	if err != nil {
		if expects {
			p.pending.Take(env.ID)
		}
		return err
	}
	if !expects {
		cont.Resolve(nil)
	}
	return nil
}

// Run reads frames until the link closes or fails with a fatal frame error.
// On exit every pending continuation is rejected. Run returns the read error
// that ended the loop, or nil on a clean close.
func (p *Peer) Run(ctx context.Context) error {
	started := false
	p.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("peer already running")
	}
	defer close(p.done)

	err := p.readLoop(ctx)
	cause := err
	if cause == nil {
		cause = io.EOF
	}
	n := p.pending.FailAll(types.NewError(types.ErrTransportDelivery, "receive", "", fmt.Errorf("channel closed: %w", cause)))
	if n > 0 {
		p.logger.Warn("rejected pending envelopes on channel close", map[string]any{"count": n})
	}
	return err
}

// Done is closed when Run returns.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Pending returns the number of envelopes awaiting a reply.
func (p *Peer) Pending() int {
	return p.pending.Len()
}

// Close closes the link, which ends Run.
func (p *Peer) Close() error {
	return p.link.Close()
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		payload, err := p.link.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			p.logger.Warn("channel read failed", map[string]any{"error": err.Error()})
			return err
		}

		frame, err := ipc.DecodeFrame(payload)
		if err != nil {
			p.collector.IncIPCDecodeErrors()
			p.logger.Warn("dropping undecodable frame", map[string]any{"error": err.Error()})
			continue
		}

		switch f := frame.(type) {
		case *types.Reply:
			p.handleReply(f)
		case *types.Envelope:
			p.handleRequest(ctx, f)
		}
	}
}

func (p *Peer) verify(token, id string) bool {
	if p.auth == nil || p.auth.Verify(token) {
		return true
	}
	p.logger.Security("dropping frame with invalid token", map[string]any{"id": id})
	return false
}

func (p *Peer) handleReply(r *types.Reply) {
	if !p.verify(r.Token, r.ID) {
		return
	}
	cont, ok := p.pending.Take(r.ID)
	if !ok {
		p.logger.Warn("reply for unknown correlation id", map[string]any{
			"id":           r.ID,
			"message_type": string(r.MessageType),
		})
		return
	}
	cont.Complete(r.Result)
}

func (p *Peer) handleRequest(ctx context.Context, env *types.Envelope) {
	if !p.verify(env.Token, env.ID) {
		return
	}
	p.mu.Lock()
	r := p.receiver
	p.mu.Unlock()
	if r == nil {
		p.logger.Warn("no receiver for inbound request", map[string]any{
			"id":           env.ID,
			"message_type": string(env.MessageType),
		})
		if env.MessageType.ExpectsReply() {
			_ = p.reply(&types.Reply{
				ID:          env.ID,
				MessageType: env.MessageType,
				Result:      types.Failed(fmt.Errorf("no receiver for inbound %s", env.MessageType)),
			})
		}
		return
	}
	r.Receive(ctx, env, nil, p.reply)
}

func (p *Peer) reply(r *types.Reply) error {
	if p.auth != nil {
		r.Token = p.auth.Sign()
	}
	payload, err := ipc.Encode(r)
	if err != nil {
		return err
	}
	return p.link.WriteFrame(payload)
}
