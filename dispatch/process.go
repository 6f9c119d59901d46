package dispatch

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pithecene-io/jpoly/log"
	"github.com/pithecene-io/jpoly/metrics"
	"github.com/pithecene-io/jpoly/types"
)

// DefaultDialTimeout bounds the TCP dial to a backend's command channel.
const DefaultDialTimeout = 5 * time.Second

// ProcessConfig holds Process dependencies.
type ProcessConfig struct {
	// Address is the backend's negotiated channel, host:port.
	Address string
	// Auth signs and verifies every frame. Optional.
	Auth Authenticator
	// Heartbeat is the keep-alive period. Zero disables heartbeats.
	Heartbeat time.Duration
	// DialTimeout defaults to DefaultDialTimeout.
	DialTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
}

// Process carries envelopes to an external backend over its command
// channel. Frames use the ipc length-prefixed msgpack encoding.
type Process struct {
	peer   *Peer
	logger *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// DialProcess connects to cfg.Address and starts the read loop.
func DialProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, types.NewError(types.ErrTransportDelivery, "dial", cfg.Address, err)
	}
	return NewProcess(conn, cfg), nil
}

// NewProcess wraps an established connection.
func NewProcess(conn net.Conn, cfg ProcessConfig) *Process {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.With("process-transport")
	t := &Process{
		peer: NewPeer(PeerConfig{
			Link:      NewStreamLink(conn),
			Auth:      cfg.Auth,
			Logger:    logger,
			Collector: cfg.Collector,
		}),
		logger: logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.peer.Run(ctx); err != nil {
			t.logger.Warn("command channel ended", map[string]any{"error": err.Error()})
		}
	}()
	if cfg.Heartbeat > 0 {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.heartbeat(ctx, cfg.Heartbeat)
		}()
	}
	return t
}

func (t *Process) bindInbound(r Receiver) {
	t.peer.bindInbound(r)
}

// Handle writes env to the channel.
func (t *Process) Handle(ctx context.Context, env *types.Envelope, cont *Continuation) error {
	return t.peer.Handle(ctx, env, cont)
}

// Done is closed when the channel's read loop ends.
func (t *Process) Done() <-chan struct{} {
	return t.peer.Done()
}

// Close stops heartbeats and closes the channel.
func (t *Process) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		err = t.peer.Close()
		t.wg.Wait()
	})
	return err
}

func (t *Process) heartbeat(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.peer.Done():
			return
		case <-ticker.C:
		}
		seq++
		id := "hb-" + strconv.FormatUint(seq, 10)
		cont := NewContinuation(id)
		env := &types.Envelope{
			ID:          id,
			MessageType: types.MessageHeartbeat,
			Priority:    types.PriorityCommand,
			Payload:     []any{},
		}
		if err := t.peer.Handle(ctx, env, cont); err != nil {
			t.logger.Warn("heartbeat not delivered", map[string]any{"id": id, "error": err.Error()})
			continue
		}
		cont.Future().Then(func(_ any, err error) {
			if err != nil {
				t.logger.Warn("heartbeat failed", map[string]any{"id": id, "error": fmt.Sprint(err)})
			}
		})
	}
}
