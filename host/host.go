// Package host wires one backend instance: its virtual filesystem, mounter,
// supervisor, handshake, and dispatcher. Start brings the backend up; Send
// and Mount may be called before Start and are held until the backend's
// command channel exists.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/jpoly/adapter"
	"github.com/pithecene-io/jpoly/classfile"
	"github.com/pithecene-io/jpoly/config"
	"github.com/pithecene-io/jpoly/dispatch"
	"github.com/pithecene-io/jpoly/future"
	"github.com/pithecene-io/jpoly/handshake"
	"github.com/pithecene-io/jpoly/log"
	"github.com/pithecene-io/jpoly/metrics"
	"github.com/pithecene-io/jpoly/mount"
	"github.com/pithecene-io/jpoly/supervisor"
	"github.com/pithecene-io/jpoly/types"
	"github.com/pithecene-io/jpoly/vfs"
)

// PublishTimeout bounds each lifecycle notification.
const PublishTimeout = 30 * time.Second

// ErrShutdown rejects sends issued after Shutdown.
var ErrShutdown = errors.New("host shut down")

// Deps are the collaborators a Host does not build from config.
type Deps struct {
	// Logger defaults to a JSON logger tagged with the instance id and mode.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
	// Adapter receives lifecycle events. Optional.
	Adapter adapter.Adapter
	// Processor is the in-context backend entry point. Required in context
	// mode. In process mode it handles requests the backend originates.
	Processor dispatch.Processor
	// Main is the in-context backend's lifecycle. Defaults to one that runs
	// until killed.
	Main supervisor.MainFunc
	// Backend overrides the backend built from config.
	Backend supervisor.Backend
	// HTTPClient serves remote areas and remote mounts.
	HTTPClient *http.Client
	// Analyzer defaults to classfile.Analyze.
	Analyzer mount.Analyzer
	// OutputSink also receives every backend output line.
	OutputSink func(stream, line string)
}

// Host owns one backend instance.
type Host struct {
	cfg       *config.Config
	id        string
	mode      types.Mode
	logger    *log.Logger
	collector *metrics.Collector
	adapter   adapter.Adapter
	processor dispatch.Processor

	fs      *vfs.FS
	mounter *mount.Mounter
	sup     *supervisor.Supervisor

	// ready resolves with the dispatcher once the command channel exists.
	ready   *future.Future[*dispatch.Dispatcher]
	started *future.Future[supervisor.Handle]

	startOnce sync.Once
	shutOnce  sync.Once
	events    sync.WaitGroup
}

// New validates cfg and builds a host. Nothing is launched until Start.
func New(cfg *config.Config, deps Deps) (*Host, error) {
	if cfg == nil {
		return nil, errors.New("host: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	mode, _ := types.ParseMode(cfg.Mode)
	if mode == types.ModeInContext && deps.Processor == nil {
		return nil, errors.New("host: context mode requires a Processor")
	}

	id := cfg.InstanceID
	if id == "" {
		id = uuid.NewString()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.NewLogger(id, string(mode))
	}
	client := deps.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	analyzer := deps.Analyzer
	if analyzer == nil {
		analyzer = mount.AnalyzerFunc(classfile.Analyze)
	}
	ad := deps.Adapter
	if ad == nil {
		ad = adapter.Nop{}
	}

	areas, err := buildAreas(cfg, mode, client)
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	fs, err := vfs.New(logger, areas...)
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	logAreas(logger, areas)

	h := &Host{
		cfg:       cfg,
		id:        id,
		mode:      mode,
		logger:    logger.With("host"),
		collector: deps.Collector,
		adapter:   ad,
		processor: deps.Processor,
		fs:        fs,
		ready:     future.New[*dispatch.Dispatcher](),
		started:   future.New[supervisor.Handle](),
	}

	h.mounter, err = mount.New(mount.Config{
		FS:               fs,
		Ephemeral:        EphemeralPrefix,
		Fetcher:          &mount.DefaultFetcher{Client: client, FS: fs},
		Analyzer:         analyzer,
		Sender:           deferredSender{h},
		InitialClasspath: initialClasspath(cfg),
		MaxConcurrent:    cfg.MaxConcurrentMounts,
		Logger:           logger,
		Collector:        deps.Collector,
	})
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}

	backend := deps.Backend
	if backend == nil {
		backend = h.defaultBackend(deps.Main)
	}
	h.sup = supervisor.New(supervisor.Config{
		Backend:    backend,
		Logger:     logger,
		Collector:  deps.Collector,
		OutputSink: deps.OutputSink,
	})
	return h, nil
}

func (h *Host) defaultBackend(main supervisor.MainFunc) supervisor.Backend {
	if h.mode == types.ModeProcess {
		return &supervisor.ExecBackend{
			Command: h.cfg.Backend.Command,
			Args:    h.cfg.Backend.Args,
			Env:     h.cfg.Backend.Env,
			Dir:     h.cfg.Backend.Dir,
		}
	}
	if main == nil {
		main = func(ctx context.Context, _ []string, _, _ io.Writer) int {
			<-ctx.Done()
			return 0
		}
	}
	return supervisor.NewInContext(main)
}

// ID returns the instance id.
func (h *Host) ID() string {
	return h.id
}

// Mode returns the backend mode.
func (h *Host) Mode() types.Mode {
	return h.mode
}

// FS returns the host's virtual filesystem.
func (h *Host) FS() *vfs.FS {
	return h.fs
}

// Mount starts mounting locator. It may be called before or after Start;
// Start waits for every mount issued before it.
func (h *Host) Mount(ctx context.Context, locator string) *mount.Task {
	h.fs.Mount(context.WithoutCancel(ctx))
	return h.mounter.Mount(ctx, locator)
}

// Classpath returns the live classpath.
func (h *Host) Classpath() []string {
	return h.mounter.Classpath()
}

// Status returns the backend's supervision state.
func (h *Host) Status() supervisor.Status {
	return h.sup.Status()
}

// Send delivers a command to the backend. Sends issued before the command
// channel exists wait for it, bounded by ctx.
func (h *Host) Send(ctx context.Context, mt types.MessageType, priority int, payload ...any) *future.Future[any] {
	d, err := h.ready.Await(ctx)
	if err != nil {
		return future.Rejected[any](types.NewError(types.ErrTransportDelivery, "send", string(mt), err))
	}
	return d.Send(ctx, mt, priority, payload...)
}

// deferredSender routes mount commands through Host.Send.
type deferredSender struct{ h *Host }

func (s deferredSender) Send(ctx context.Context, mt types.MessageType, priority int, payload ...any) *future.Future[any] {
	return s.h.Send(ctx, mt, priority, payload...)
}

// Start brings the backend up once. The future resolves with the backend
// handle after START succeeds, or rejects with the first failure: a
// handshake, launch, mount, JAR_PATH_ADD, or START error.
func (h *Host) Start(ctx context.Context) *future.Future[supervisor.Handle] {
	h.startOnce.Do(func() {
		go func() {
			handle, err := h.start(ctx)
			if err != nil {
				h.ready.Reject(err)
				h.started.Reject(err)
				h.logger.Error("backend start failed", map[string]any{"error": err.Error()})
				return
			}
			h.started.Resolve(handle)
		}()
	})
	return h.started
}

// Started returns the future Start resolves.
func (h *Host) Started() *future.Future[supervisor.Handle] {
	return h.started
}

func (h *Host) start(ctx context.Context) (supervisor.Handle, error) {
	if _, err := h.fs.Mount(context.WithoutCancel(ctx)).Await(ctx); err != nil {
		return supervisor.Handle{}, err
	}
	var (
		channel string
		err     error
	)
	if h.mode == types.ModeProcess {
		channel, err = h.startProcess(ctx)
	} else {
		err = h.startInContext(ctx)
	}
	if err != nil {
		return supervisor.Handle{}, err
	}

	if err := h.mounter.Barrier(ctx); err != nil {
		_ = h.sup.Kill()
		return supervisor.Handle{}, err
	}

	d, ok := h.dispatcher()
	if !ok {
		return supervisor.Handle{}, ErrShutdown
	}
	if err := h.mounter.Announce(ctx); err != nil {
		_ = h.sup.Kill()
		return supervisor.Handle{}, fmt.Errorf("JAR_PATH_ADD: %w", err)
	}
	if _, err := d.Send(ctx, types.MessageStart, types.PriorityStart).Await(ctx); err != nil {
		_ = h.sup.Kill()
		return supervisor.Handle{}, fmt.Errorf("START: %w", err)
	}

	handle, err := h.sup.Bind(channel, h.mounter.Classpath())
	if err != nil {
		return supervisor.Handle{}, err
	}
	h.logger.Info("backend ready", map[string]any{
		"channel":   channel,
		"classpath": handle.Classpath,
	})
	h.publish(adapter.Ready(h.id, h.mode, handle.Classpath, time.Now()))
	return handle, nil
}

// startProcess runs the handshake around an external launch and dials the
// negotiated channel. It returns the channel address.
func (h *Host) startProcess(ctx context.Context) (string, error) {
	token, err := handshake.NewToken()
	if err != nil {
		return "", types.NewError(types.ErrProcessLaunch, "token", h.id, err)
	}
	srv, err := handshake.Listen(handshake.Config{
		Token:     token,
		Timeout:   h.cfg.Handshake.Timeout.Duration,
		Address:   h.cfg.Handshake.Address,
		Logger:    h.logger,
		Collector: h.collector,
	})
	if err != nil {
		return "", err
	}
	go func() { _ = srv.Serve(ctx) }()

	if err := h.launch(ctx, token, srv.Port()); err != nil {
		_ = srv.Close()
		return "", err
	}

	var channel string
	select {
	case <-srv.Channel().Done():
		channel, err = srv.Channel().Await(ctx)
	case <-h.sup.Exited().Done():
		_ = srv.Close()
		code, _ := h.sup.Exited().Await(ctx)
		err = types.NewError(types.ErrProcessLaunch, "handshake", h.id,
			fmt.Errorf("backend exited with code %d before registering", code))
	}
	if err != nil {
		_ = h.sup.Kill()
		return "", err
	}

	tr, err := dispatch.DialProcess(ctx, dispatch.ProcessConfig{
		Address:   channel,
		Auth:      handshake.NewFrameAuth(token),
		Heartbeat: h.cfg.Heartbeat.Duration,
		Logger:    h.logger,
		Collector: h.collector,
	})
	if err != nil {
		_ = h.sup.Kill()
		return "", err
	}
	if err := h.publishDispatcher(h.newDispatcher(tr)); err != nil {
		_ = h.sup.Kill()
		return "", err
	}
	return channel, nil
}

func (h *Host) startInContext(ctx context.Context) error {
	var tr dispatch.Transport
	if h.cfg.Isolated {
		tr = dispatch.NewIsolated(dispatch.IsolatedConfig{
			Processor: h.processor,
			Logger:    h.logger,
			Collector: h.collector,
		})
	} else {
		tr = dispatch.NewDirect(h.processor)
	}
	d := h.newDispatcher(tr)
	if err := h.launch(ctx, "", 0); err != nil {
		_ = d.Close()
		return err
	}
	if err := h.publishDispatcher(d); err != nil {
		_ = h.sup.Kill()
		return err
	}
	return nil
}

// publishDispatcher releases held sends to d, unless Shutdown got there first.
func (h *Host) publishDispatcher(d *dispatch.Dispatcher) error {
	if !h.ready.Resolve(d) {
		_ = d.Close()
		return ErrShutdown
	}
	return nil
}

// dispatcher returns the live dispatcher, if the channel was established.
func (h *Host) dispatcher() (*dispatch.Dispatcher, bool) {
	d, ok, err := h.ready.Peek()
	return d, ok && err == nil && d != nil
}

func (h *Host) newDispatcher(tr dispatch.Transport) *dispatch.Dispatcher {
	cfg := dispatch.Config{
		Transport: tr,
		Logger:    h.logger,
		Collector: h.collector,
	}
	// In-context the processor is the transport's target, not an inbound handler.
	if h.mode == types.ModeProcess {
		cfg.Processor = h.processor
	}
	return dispatch.New(cfg)
}

// launch starts the backend and arranges exit reporting.
func (h *Host) launch(ctx context.Context, token string, port int) error {
	err := h.sup.Launch(ctx, supervisor.Launch{
		InstanceID:    h.id,
		Mode:          h.mode,
		Token:         token,
		HandshakePort: port,
	})
	if err != nil {
		return err
	}
	h.events.Add(1)
	go h.watchExit()
	return nil
}

func (h *Host) watchExit() {
	defer h.events.Done()
	code, err := h.sup.Exited().Await(context.Background())
	if err != nil {
		return
	}
	if d, ok := h.dispatcher(); ok {
		_ = d.Close()
	}
	h.publishSync(adapter.Exited(h.id, h.mode, code, time.Now()))
}

func (h *Host) publish(event *adapter.BackendEvent) {
	h.events.Add(1)
	go func() {
		defer h.events.Done()
		h.publishSync(event)
	}()
}

func (h *Host) publishSync(event *adapter.BackendEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
	defer cancel()
	if err := h.adapter.Publish(ctx, event); err != nil {
		h.logger.Warn("lifecycle event not published", map[string]any{
			"event_type": event.EventType,
			"error":      err.Error(),
		})
	}
}

// Wait blocks until the backend exits and returns its exit code.
func (h *Host) Wait(ctx context.Context) (int, error) {
	return h.sup.Exited().Await(ctx)
}

// Shutdown stops the backend. A process backend is sent TERMINATE_NOW and
// killed if it has not exited when ctx is done; an in-context backend is
// cancelled. Pending sends are rejected and areas are closed.
func (h *Host) Shutdown(ctx context.Context) error {
	var err error
	h.shutOnce.Do(func() {
		err = h.shutdown(ctx)
	})
	return err
}

func (h *Host) shutdown(ctx context.Context) error {
	h.ready.Reject(ErrShutdown)
	d, ok := h.dispatcher()

	running := h.sup.Status().State == supervisor.StateRunning
	if running && ok && h.mode == types.ModeProcess {
		if _, err := d.Send(ctx, types.MessageTerminateNow, types.PriorityCommand).Await(ctx); err != nil {
			h.logger.Warn("TERMINATE_NOW not delivered", map[string]any{"error": err.Error()})
		}
	} else if running {
		_ = h.sup.Kill()
	}

	if running {
		if _, err := h.sup.Exited().Await(ctx); err != nil {
			h.logger.Warn("backend did not exit, killing", nil)
			_ = h.sup.Kill()
			_, _ = h.sup.Exited().Await(context.Background())
		}
	}
	if ok {
		_ = d.Close()
	}
	h.events.Wait()
	return h.fs.Close()
}
