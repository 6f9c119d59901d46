package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/jpoly/adapter"
	"github.com/pithecene-io/jpoly/config"
	"github.com/pithecene-io/jpoly/dispatch"
	"github.com/pithecene-io/jpoly/handshake"
	"github.com/pithecene-io/jpoly/log"
	"github.com/pithecene-io/jpoly/metrics"
	"github.com/pithecene-io/jpoly/supervisor"
	"github.com/pithecene-io/jpoly/types"
)

// TestHelperProcess is re-executed as an external backend. It is not a real
// test. The launch arguments [id, mode, token, port] follow "--".
func TestHelperProcess(t *testing.T) {
	if os.Getenv("JPOLY_WANT_HOST_HELPER") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	switch os.Getenv("JPOLY_HOST_HELPER_MODE") {
	case "silent":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	case "exit":
		os.Exit(4)
	}
	if len(args) != 4 {
		fmt.Fprintf(os.Stderr, "want 4 args, got %v\n", args)
		os.Exit(2)
	}
	os.Exit(serveBackend(args[2], args[3]))
}

// serveBackend registers with the host's handshake listener and serves the
// command channel until TERMINATE_NOW or disconnect.
func serveBackend(token, handshakePort string) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	var port int
	if _, err := fmt.Sscan(handshakePort, &port); err != nil {
		return 2
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := handshake.Register(ctx, nil, port, token, ln.Addr().(*net.TCPAddr).Port); err != nil {
			fmt.Fprintln(os.Stderr, "register:", err)
			os.Exit(2)
		}
	}()
	conn, err := ln.Accept()
	if err != nil {
		return 2
	}
	fmt.Println("backend booted")

	tr := dispatch.NewProcess(conn, dispatch.ProcessConfig{Auth: handshake.NewFrameAuth(token)})
	dispatch.New(dispatch.Config{
		Transport: tr,
		Processor: dispatch.ProcessorFunc(func(_ context.Context, env *types.Envelope, cont *dispatch.Continuation) {
			switch env.MessageType {
			case types.MessageTerminateNow:
				fmt.Println("terminating")
				os.Exit(0)
			case types.MessageFileCompile:
				fmt.Printf("compile %v %v\n", env.Payload[0], env.Payload[1])
			case types.MessageJarPathAdd:
				fmt.Printf("jar %v\n", env.Payload[0])
			case types.MessageStart:
				fmt.Println("started")
			}
			cont.Resolve("ok")
		}),
	})
	<-tr.Done()
	return 3
}

type recordingAdapter struct {
	mu     sync.Mutex
	events []adapter.BackendEvent
}

func (a *recordingAdapter) Publish(_ context.Context, e *adapter.BackendEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *e)
	return nil
}

func (a *recordingAdapter) Close() error { return nil }

func (a *recordingAdapter) eventTypes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.events {
		out = append(out, e.EventType)
	}
	return out
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) add(_, line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

func (s *lineSink) has(line string) bool {
	return s.index(line) >= 0
}

func (s *lineSink) index(line string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Index(s.lines, line)
}

// recorder is an in-context processor that records message types.
type recorder struct {
	mu   sync.Mutex
	seen []types.MessageType
	fail map[types.MessageType]*types.Cause
}

func (r *recorder) Process(_ context.Context, env *types.Envelope, cont *dispatch.Continuation) {
	r.mu.Lock()
	r.seen = append(r.seen, env.MessageType)
	cause := r.fail[env.MessageType]
	r.mu.Unlock()
	if cause != nil {
		cont.Reject(cause)
		return
	}
	cont.Resolve(nil)
}

func (r *recorder) messages() []types.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.MessageType(nil), r.seen...)
}

func contextConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		InstanceID: "ctx-1",
		Mode:       string(types.ModeInContext),
		StorageDir: t.TempDir(),
		Persistent: config.PersistentConfig{Backend: config.PersistentNone},
	}
	cfg.ApplyDefaults()
	return cfg
}

func processConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		InstanceID: "proc-1",
		Mode:       string(types.ModeProcess),
		StorageDir: t.TempDir(),
		Backend: config.BackendConfig{
			Command: os.Args[0],
			Args:    []string{"-test.run=TestHelperProcess", "--"},
			Env:     []string{"JPOLY_WANT_HOST_HELPER=1", "JPOLY_HOST_HELPER_MODE=" + mode},
		},
		Handshake: config.HandshakeConfig{Timeout: config.Duration{Duration: 10 * time.Second}},
		Heartbeat: config.Duration{Duration: 50 * time.Millisecond},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNew_ContextModeRequiresProcessor(t *testing.T) {
	if _, err := New(contextConfig(t), Deps{}); err == nil {
		t.Fatal("expected error without Processor")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := &config.Config{Mode: "system"}
	cfg.ApplyDefaults()
	if _, err := New(cfg, Deps{}); err == nil || !strings.Contains(err.Error(), "backend.command") {
		t.Fatalf("New = %v", err)
	}
}

func TestNew_GeneratesInstanceID(t *testing.T) {
	cfg := contextConfig(t)
	cfg.InstanceID = ""
	h, err := New(cfg, Deps{Processor: &recorder{}, Logger: log.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	if len(h.ID()) != 36 {
		t.Errorf("ID = %q, want a uuid", h.ID())
	}
}

func TestStart_InContext(t *testing.T) {
	for _, isolated := range []bool{false, true} {
		t.Run(fmt.Sprintf("isolated=%v", isolated), func(t *testing.T) {
			ctx := testCtx(t)
			cfg := contextConfig(t)
			cfg.Isolated = isolated
			rec := &recorder{}
			events := &recordingAdapter{}
			h, err := New(cfg, Deps{Processor: rec, Adapter: events, Logger: log.Nop()})
			if err != nil {
				t.Fatal(err)
			}

			src := h.Mount(ctx, writeFile(t, "Bar.java", "package p; class Bar{}"))
			jar := writeFile(t, "Lib.jar", "PK\x03\x04")
			h.Mount(ctx, jar)

			handle, err := h.Start(ctx).Await(ctx)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if _, err := src.Await(ctx); err != nil {
				t.Fatalf("source mount: %v", err)
			}
			if handle.Mode != types.ModeInContext || handle.InstanceID != "ctx-1" || handle.Channel != "" {
				t.Errorf("handle = %+v", handle)
			}
			if want := []string{cfg.StorageDir, jar}; !slices.Equal(handle.Classpath, want) {
				t.Errorf("classpath = %v, want %v", handle.Classpath, want)
			}
			got := rec.messages()
			if want := []types.MessageType{types.MessageFileCompile, types.MessageJarPathAdd, types.MessageStart}; !slices.Equal(got, want) {
				t.Errorf("processor saw %v, want %v", got, want)
			}

			if _, err := h.Send(ctx, types.MessageJarPathAdd, types.PriorityCommand, "file:///x.jar").Await(ctx); err != nil {
				t.Errorf("Send after start: %v", err)
			}
			if err := h.Shutdown(ctx); err != nil {
				t.Fatalf("Shutdown: %v", err)
			}
			if code, err := h.Wait(ctx); err != nil || code != 0 {
				t.Errorf("Wait = %d, %v", code, err)
			}
			if got := events.eventTypes(); !slices.Equal(got, []string{adapter.EventBackendReady, adapter.EventBackendExited}) {
				t.Errorf("events = %v", got)
			}
			if _, err := h.Send(ctx, types.MessageStart, types.PriorityStart).Await(ctx); !errors.Is(err, types.ErrTransportDelivery) {
				t.Errorf("Send after shutdown = %v", err)
			}
		})
	}
}

func TestStart_MountFailureRejectsAndKills(t *testing.T) {
	ctx := testCtx(t)
	rec := &recorder{}
	h, err := New(contextConfig(t), Deps{Processor: rec, Logger: log.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	h.Mount(ctx, filepath.Join(t.TempDir(), "missing.jar"))

	if _, err := h.Start(ctx).Await(ctx); !errors.Is(err, types.ErrMountFetch) {
		t.Fatalf("Start = %v, want ErrMountFetch", err)
	}
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if slices.Contains(rec.messages(), types.MessageStart) {
		t.Error("START sent despite mount failure")
	}
}

func TestStart_BackendStartFailure(t *testing.T) {
	ctx := testCtx(t)
	rec := &recorder{fail: map[types.MessageType]*types.Cause{
		types.MessageStart: {Name: "java.lang.IllegalStateException", Message: "no main class"},
	}}
	h, err := New(contextConfig(t), Deps{Processor: rec, Logger: log.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.Start(ctx).Await(ctx)
	var cause *types.Cause
	if !errors.As(err, &cause) || cause.Message != "no main class" {
		t.Fatalf("Start = %v, want backend cause", err)
	}
	if !errors.Is(err, types.ErrBackendExecution) {
		t.Errorf("Start error does not match ErrBackendExecution")
	}
}

func TestStart_Process(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "PK\x03\x04remote")
	}))
	t.Cleanup(srv.Close)

	ctx := testCtx(t)
	cfg := processConfig(t, "serve")
	sink := &lineSink{}
	events := &recordingAdapter{}
	collector := metrics.NewCollector("proc-1", "system")
	h, err := New(cfg, Deps{
		Logger:     log.Nop(),
		Collector:  collector,
		Adapter:    events,
		HTTPClient: srv.Client(),
		OutputSink: sink.add,
	})
	if err != nil {
		t.Fatal(err)
	}

	h.Mount(ctx, srv.URL+"/Foo.jar")
	lib := writeFile(t, "Lib.jar", "PK\x03\x04local")
	h.Mount(ctx, lib)
	h.Mount(ctx, writeFile(t, "Bar.java", "package p;\nclass Bar {}"))

	handle, err := h.Start(ctx).Await(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.HasPrefix(handle.Channel, "127.0.0.1:") {
		t.Errorf("channel = %q", handle.Channel)
	}
	remote := filepath.Join(cfg.StorageDir, "Foo.jar")
	if len(handle.Classpath) != 3 || handle.Classpath[0] != cfg.StorageDir ||
		!slices.Contains(handle.Classpath, remote) || !slices.Contains(handle.Classpath, lib) {
		t.Errorf("classpath = %v, want [%s] plus %s and %s", handle.Classpath, cfg.StorageDir, remote, lib)
	}
	if h.Status().State != supervisor.StateRunning {
		t.Errorf("state = %s", h.Status().State)
	}

	// Let a few heartbeats cross the channel.
	time.Sleep(150 * time.Millisecond)

	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if code, err := h.Wait(ctx); err != nil || code != 0 {
		t.Errorf("Wait = %d, %v, want 0", code, err)
	}
	for _, line := range []string{"backend booted", "compile Bar p", "started", "terminating"} {
		if !sink.has(line) {
			t.Errorf("backend output missing %q", line)
		}
	}
	started := sink.index("started")
	for _, jar := range []string{remote, lib} {
		i := sink.index("jar file://" + filepath.ToSlash(jar))
		if i < 0 || i > started {
			t.Errorf("JAR_PATH_ADD for %s at line %d, want before START at %d", jar, i, started)
		}
	}
	if got := events.eventTypes(); !slices.Equal(got, []string{adapter.EventBackendReady, adapter.EventBackendExited}) {
		t.Errorf("events = %v", got)
	}
	snap := collector.Snapshot()
	if snap.HandshakeAccepted != 1 || snap.LaunchSuccess != 1 || snap.BackendExits != 1 {
		t.Errorf("metrics = %+v", snap)
	}
}

func TestStart_ProcessHandshakeTimeout(t *testing.T) {
	ctx := testCtx(t)
	cfg := processConfig(t, "silent")
	cfg.Handshake.Timeout.Duration = 200 * time.Millisecond
	h, err := New(cfg, Deps{Logger: log.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Start(ctx).Await(ctx); !errors.Is(err, types.ErrHandshakeTimeout) {
		t.Fatalf("Start = %v, want ErrHandshakeTimeout", err)
	}
	if code, err := h.Wait(ctx); err != nil || code != -1 {
		t.Errorf("Wait = %d, %v, want killed backend", code, err)
	}
}

func TestStart_ProcessExitsBeforeRegistering(t *testing.T) {
	ctx := testCtx(t)
	h, err := New(processConfig(t, "exit"), Deps{Logger: log.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.Start(ctx).Await(ctx)
	if !errors.Is(err, types.ErrProcessLaunch) || !strings.Contains(err.Error(), "code 4") {
		t.Fatalf("Start = %v, want ErrProcessLaunch with exit code", err)
	}
}

func TestStart_ProcessLaunchFailure(t *testing.T) {
	ctx := testCtx(t)
	cfg := processConfig(t, "serve")
	cfg.Backend.Command = filepath.Join(t.TempDir(), "no-such-java")
	h, err := New(cfg, Deps{Logger: log.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Start(ctx).Await(ctx); !errors.Is(err, types.ErrProcessLaunch) {
		t.Fatalf("Start = %v, want ErrProcessLaunch", err)
	}
	if _, err := h.Send(ctx, types.MessageStart, types.PriorityStart).Await(ctx); !errors.Is(err, types.ErrTransportDelivery) {
		t.Errorf("Send = %v, want ErrTransportDelivery", err)
	}
}

func TestBuildAreas(t *testing.T) {
	cfg := &config.Config{
		Mode:       "context",
		StorageDir: t.TempDir(),
		Persistent: config.PersistentConfig{Backend: config.PersistentSQLite},
		Remotes: map[string]config.RemoteConfig{
			"/sys": {URL: "http://example.invalid/sys"},
		},
	}
	cfg.ApplyDefaults()

	areas, err := buildAreas(cfg, types.ModeInContext, http.DefaultClient)
	if err != nil {
		t.Fatal(err)
	}
	var prefixes []string
	for _, a := range areas {
		prefixes = append(prefixes, a.Prefix())
	}
	if want := []string{"/tmp", "/home", "/sys"}; !slices.Equal(prefixes, want) {
		t.Errorf("prefixes = %v, want %v", prefixes, want)
	}

	cfg.Isolated = true
	areas, err = buildAreas(cfg, types.ModeInContext, http.DefaultClient)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range areas {
		if a.Prefix() == PersistentPrefix {
			t.Error("isolated mode has a persistent area")
		}
	}
}

func TestInitialClasspath(t *testing.T) {
	cfg := &config.Config{StorageDir: "/data", ClassesDir: "/opt/classes"}
	if got := initialClasspath(cfg); !slices.Equal(got, []string{"/opt/classes", "/data"}) {
		t.Errorf("classpath = %v", got)
	}
	cfg.ClassesDir = ""
	if got := initialClasspath(cfg); !slices.Equal(got, []string{"/data"}) {
		t.Errorf("classpath = %v", got)
	}
}
