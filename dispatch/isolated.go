package dispatch

import (
	"context"
	"sync"

	"github.com/pithecene-io/jpoly/log"
	"github.com/pithecene-io/jpoly/metrics"
	"github.com/pithecene-io/jpoly/types"
)

// DefaultIsolatedQueue is the per-direction frame queue of an Isolated transport.
const DefaultIsolatedQueue = 64

// IsolatedConfig holds Isolated dependencies.
type IsolatedConfig struct {
	// Processor runs inside the worker. Required.
	Processor Processor
	// QueueSize is the per-direction frame queue depth.
	QueueSize int
	// Logger defaults to a no-op logger.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
}

// Isolated runs a processor on a dedicated worker goroutine. Envelopes and
// replies cross as serialized frames, so the worker never shares memory with
// the caller. The worker has its own dispatcher for requests it originates
// toward the host.
type Isolated struct {
	host   *Peer
	worker *Peer
	remote *Dispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewIsolated starts the worker and returns the host-side transport.
func NewIsolated(cfg IsolatedConfig) *Isolated {
	if cfg.Processor == nil {
		panic("dispatch: IsolatedConfig.Processor is required")
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = DefaultIsolatedQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}

	hostLink, workerLink := Pipe(queue)
	t := &Isolated{
		host: NewPeer(PeerConfig{
			Link:      hostLink,
			Logger:    logger.With("isolated-host"),
			Collector: cfg.Collector,
		}),
		worker: NewPeer(PeerConfig{
			Link:   workerLink,
			Logger: logger.With("isolated-worker"),
		}),
	}
	t.remote = New(Config{
		Transport: t.worker,
		Processor: cfg.Processor,
		IDPrefix:  "worker-",
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		_ = t.worker.Run(ctx)
	}()
	go func() {
		defer t.wg.Done()
		_ = t.host.Run(ctx)
	}()
	return t
}

func (t *Isolated) bindInbound(r Receiver) {
	t.host.bindInbound(r)
}

// Handle serializes env to the worker.
func (t *Isolated) Handle(ctx context.Context, env *types.Envelope, cont *Continuation) error {
	return t.host.Handle(ctx, env, cont)
}

// Worker returns the worker-side dispatcher, which sends toward the host.
func (t *Isolated) Worker() *Dispatcher {
	return t.remote
}

// Close tears down the worker. Pending envelopes on both sides are rejected.
func (t *Isolated) Close() error {
	t.once.Do(func() {
		_ = t.host.Close()
		t.cancel()
		t.wg.Wait()
		_ = t.remote.Close()
	})
	return nil
}
