// Package supervisor launches and observes a backend, either an external
// process or an in-context entry point. It forwards the backend's output
// lines to the log, tracks {Launching, Running, Exited(code)}, and reports
// exit. It never terminates or relaunches a backend on its own.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pithecene-io/jpoly/future"
	"github.com/pithecene-io/jpoly/iox"
	"github.com/pithecene-io/jpoly/log"
	"github.com/pithecene-io/jpoly/metrics"
	"github.com/pithecene-io/jpoly/types"
)

// State is a supervision state.
type State int

const (
	// StateIdle means Launch has not been called.
	StateIdle State = iota
	// StateLaunching means the backend is being started.
	StateLaunching
	// StateRunning means the backend started and has not exited.
	StateRunning
	// StateExited means the backend exited or failed to launch.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a state plus, once exited, the exit code.
type Status struct {
	State    State
	ExitCode int
}

// Stream names passed to OutputSink.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Handle describes a live backend. It is a snapshot; the supervisor owns
// the backend and invalidates the handle on exit.
type Handle struct {
	InstanceID string
	Mode       types.Mode
	// Channel is the negotiated command channel; empty in-context.
	Channel string
	// Classpath is the classpath snapshot taken when the backend started.
	Classpath []string
}

// ErrNotRunning is returned for operations that need a running backend.
var ErrNotRunning = errors.New("backend not running")

// Config holds Supervisor dependencies.
type Config struct {
	// Backend is launched by Launch. Required.
	Backend Backend
	// Logger receives backend output lines. Defaults to a no-op logger.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
	// OutputSink, when set, also receives every forwarded line.
	OutputSink func(stream, line string)
}

// Supervisor owns one backend's lifetime.
type Supervisor struct {
	backend   Backend
	logger    *log.Logger
	collector *metrics.Collector
	sink      func(stream, line string)

	mu     sync.Mutex
	status Status
	launch Launch
	handle *Handle

	exit *future.Future[int]
}

// New creates a supervisor for cfg.Backend.
func New(cfg Config) *Supervisor {
	if cfg.Backend == nil {
		panic("supervisor: Config.Backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Supervisor{
		backend:   cfg.Backend,
		logger:    logger.With("supervisor"),
		collector: cfg.Collector,
		sink:      cfg.OutputSink,
		exit:      future.New[int](),
	}
}

// Launch starts the backend with l's positional arguments. A start failure
// returns types.ErrProcessLaunch, leaves the supervisor Exited(-1), and
// rejects Exited. There is no retry.
func (s *Supervisor) Launch(ctx context.Context, l Launch) error {
	s.mu.Lock()
	if s.status.State != StateIdle {
		state := s.status.State
		s.mu.Unlock()
		return fmt.Errorf("launch in state %s", state)
	}
	s.status.State = StateLaunching
	s.launch = l
	s.mu.Unlock()

	if err := s.backend.Start(ctx, l.Args()); err != nil {
		s.collector.IncLaunchFailure()
		s.setExited(-1)
		launchErr := types.NewError(types.ErrProcessLaunch, "launch", l.InstanceID, err)
		s.exit.Reject(launchErr)
		s.logger.Error("backend launch failed", map[string]any{"error": err.Error()})
		return launchErr
	}

	s.collector.IncLaunchSuccess()
	s.mu.Lock()
	s.status.State = StateRunning
	s.mu.Unlock()
	s.logger.Info("backend launched", map[string]any{"mode": string(l.Mode)})

	var drained sync.WaitGroup
	drained.Add(2)
	go s.forward(&drained, StreamStdout, s.backend.Stdout())
	go s.forward(&drained, StreamStderr, s.backend.Stderr())
	go s.observe(&drained)
	return nil
}

// forward relays non-empty lines to the log. It keeps reading until the
// stream closes so the backend never blocks on a full pipe.
func (s *Supervisor) forward(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	if r == nil {
		return
	}
	err := iox.ForwardLines(r, func(line string) {
		fields := map[string]any{"stream": stream, "line": line}
		if stream == StreamStderr {
			s.logger.Warn("backend stderr", fields)
		} else {
			s.logger.Info("backend stdout", fields)
		}
		if s.sink != nil {
			s.sink(stream, line)
		}
	})
	if err != nil {
		s.logger.Warn("backend output stream failed", map[string]any{"stream": stream, "error": err.Error()})
		// Keep draining so the backend cannot stall on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

// observe waits for the streams to drain, then for exit.
func (s *Supervisor) observe(drained *sync.WaitGroup) {
	drained.Wait()
	code, err := s.backend.Wait()
	if err != nil {
		s.logger.Error("backend wait failed", map[string]any{"error": err.Error()})
		code = -1
	}
	s.setExited(code)
	s.collector.IncBackendExit()
	s.logger.Info("backend exited", map[string]any{"exit_code": code})
	s.exit.Resolve(code)
}

func (s *Supervisor) setExited(code int) {
	s.mu.Lock()
	s.status = Status{State: StateExited, ExitCode: code}
	s.handle = nil
	s.mu.Unlock()
}

// Status returns the current supervision state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Exited resolves with the exit code once the backend exits, or rejects if
// it never launched.
func (s *Supervisor) Exited() *future.Future[int] {
	return s.exit
}

// Bind records the negotiated channel and classpath snapshot for the
// running backend and returns the resulting handle.
func (s *Supervisor) Bind(channel string, classpath []string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State != StateRunning {
		return Handle{}, ErrNotRunning
	}
	h := &Handle{
		InstanceID: s.launch.InstanceID,
		Mode:       s.launch.Mode,
		Channel:    channel,
		Classpath:  append([]string(nil), classpath...),
	}
	s.handle = h
	return copyHandle(h), nil
}

// Handle returns the live handle, if bound and still running.
func (s *Supervisor) Handle() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return Handle{}, false
	}
	return copyHandle(s.handle), true
}

func copyHandle(h *Handle) Handle {
	c := *h
	c.Classpath = append([]string(nil), h.Classpath...)
	return c
}

// Kill terminates the backend at the caller's request.
func (s *Supervisor) Kill() error {
	if s.Status().State != StateRunning {
		return nil
	}
	s.logger.Warn("killing backend", nil)
	return s.backend.Kill()
}
