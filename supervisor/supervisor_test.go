package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/jpoly/metrics"
	"github.com/pithecene-io/jpoly/types"
)

// TestHelperProcess is re-executed as the backend process. It is not a real
// test. The launch arguments follow "--".
func TestHelperProcess(t *testing.T) {
	if os.Getenv("JPOLY_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	switch os.Getenv("JPOLY_HELPER_MODE") {
	case "sleep":
		time.Sleep(30 * time.Second)
	default:
		fmt.Println("hello from backend")
		fmt.Println()
		fmt.Printf("args=%s\n", strings.Join(args, ","))
		fmt.Fprintln(os.Stderr, "warning: something")
	}
	code, _ := strconv.Atoi(os.Getenv("JPOLY_HELPER_EXIT"))
	os.Exit(code)
}

func helperBackend(mode string, exit int) *ExecBackend {
	return &ExecBackend{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess", "--"},
		Env: []string{
			"JPOLY_WANT_HELPER_PROCESS=1",
			"JPOLY_HELPER_MODE=" + mode,
			"JPOLY_HELPER_EXIT=" + strconv.Itoa(exit),
		},
	}
}

type lineSink struct {
	mu    sync.Mutex
	lines map[string][]string
}

func (s *lineSink) add(stream, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lines == nil {
		s.lines = make(map[string][]string)
	}
	s.lines[stream] = append(s.lines[stream], line)
}

func (s *lineSink) get(stream string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines[stream]...)
}

func awaitExit(t *testing.T, s *Supervisor) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code, err := s.Exited().Await(ctx)
	if err != nil {
		t.Fatalf("Exited: %v", err)
	}
	return code
}

var testLaunch = Launch{InstanceID: "inst-1", Mode: types.ModeProcess, Token: "tok", HandshakePort: 5555}

func TestLaunch_ArgsOrder(t *testing.T) {
	got := testLaunch.Args()
	want := []string{"inst-1", "system", "tok", "5555"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("Args = %v, want %v", got, want)
	}
}

func TestSupervisor_ExecForwardsOutputAndReportsExit(t *testing.T) {
	sink := &lineSink{}
	collector := metrics.NewCollector("inst-1", "system")
	s := New(Config{Backend: helperBackend("", 3), OutputSink: sink.add, Collector: collector})

	if err := s.Launch(context.Background(), testLaunch); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if code := awaitExit(t, s); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}

	stdout := sink.get(StreamStdout)
	if len(stdout) != 2 {
		t.Fatalf("stdout lines = %q, want 2 non-empty lines", stdout)
	}
	if stdout[1] != "args=inst-1,system,tok,5555" {
		t.Errorf("args line = %q", stdout[1])
	}
	if stderr := sink.get(StreamStderr); len(stderr) != 1 || stderr[0] != "warning: something" {
		t.Errorf("stderr lines = %q", stderr)
	}

	st := s.Status()
	if st.State != StateExited || st.ExitCode != 3 {
		t.Errorf("status = %+v", st)
	}
	snap := collector.Snapshot()
	if snap.LaunchSuccess != 1 || snap.BackendExits != 1 {
		t.Errorf("launch=%d exits=%d", snap.LaunchSuccess, snap.BackendExits)
	}
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	collector := metrics.NewCollector("inst-1", "system")
	s := New(Config{Backend: &ExecBackend{Command: "/nonexistent/jpoly-backend"}, Collector: collector})

	err := s.Launch(context.Background(), testLaunch)
	if !errors.Is(err, types.ErrProcessLaunch) {
		t.Fatalf("expected ErrProcessLaunch, got %v", err)
	}
	if _, err := s.Exited().Await(context.Background()); !errors.Is(err, types.ErrProcessLaunch) {
		t.Errorf("Exited err = %v", err)
	}
	if st := s.Status(); st.State != StateExited || st.ExitCode != -1 {
		t.Errorf("status = %+v", st)
	}
	if collector.Snapshot().LaunchFailure != 1 {
		t.Error("launch failure not counted")
	}
	if err := s.Launch(context.Background(), testLaunch); err == nil {
		t.Error("second Launch should fail")
	}
}

func TestSupervisor_KillSignalledExit(t *testing.T) {
	s := New(Config{Backend: helperBackend("sleep", 0)})
	if err := s.Launch(context.Background(), testLaunch); err != nil {
		t.Fatal(err)
	}
	if s.Status().State != StateRunning {
		t.Fatalf("state = %s, want running", s.Status().State)
	}
	if err := s.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if code := awaitExit(t, s); code != -1 {
		t.Errorf("exit code = %d, want -1", code)
	}
}

func TestSupervisor_HandleLifecycle(t *testing.T) {
	release := make(chan struct{})
	backend := NewInContext(func(_ context.Context, _ []string, _, _ io.Writer) int {
		<-release
		return 0
	})
	s := New(Config{Backend: backend})

	if _, err := s.Bind("127.0.0.1:1", nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Bind before launch = %v, want ErrNotRunning", err)
	}
	if err := s.Launch(context.Background(), Launch{InstanceID: "ic", Mode: types.ModeInContext}); err != nil {
		t.Fatal(err)
	}

	cp := []string{"/tmp/data"}
	h, err := s.Bind("", cp)
	if err != nil {
		t.Fatal(err)
	}
	cp[0] = "mutated"
	if h.InstanceID != "ic" || h.Mode != types.ModeInContext || h.Classpath[0] != "/tmp/data" {
		t.Errorf("handle = %+v", h)
	}
	if live, ok := s.Handle(); !ok || live.Classpath[0] != "/tmp/data" {
		t.Errorf("live handle = %+v, %v", live, ok)
	}

	close(release)
	awaitExit(t, s)
	if _, ok := s.Handle(); ok {
		t.Error("handle survived backend exit")
	}
}

func TestInContext_OutputAndExitCode(t *testing.T) {
	sink := &lineSink{}
	backend := NewInContext(func(_ context.Context, args []string, stdout, stderr io.Writer) int {
		fmt.Fprintf(stdout, "mode=%s\n\n", args[1])
		fmt.Fprintln(stderr, "oops")
		return 7
	})
	s := New(Config{Backend: backend, OutputSink: sink.add})
	if err := s.Launch(context.Background(), Launch{InstanceID: "ic", Mode: types.ModeInContext}); err != nil {
		t.Fatal(err)
	}
	if code := awaitExit(t, s); code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	if got := sink.get(StreamStdout); len(got) != 1 || got[0] != "mode=context" {
		t.Errorf("stdout = %q", got)
	}
	if got := sink.get(StreamStderr); len(got) != 1 || got[0] != "oops" {
		t.Errorf("stderr = %q", got)
	}
}

func TestInContext_KillCancelsContext(t *testing.T) {
	backend := NewInContext(func(ctx context.Context, _ []string, _, _ io.Writer) int {
		<-ctx.Done()
		return 130
	})
	s := New(Config{Backend: backend})
	if err := s.Launch(context.Background(), Launch{InstanceID: "ic", Mode: types.ModeInContext}); err != nil {
		t.Fatal(err)
	}
	_ = s.Kill()
	if code := awaitExit(t, s); code != 130 {
		t.Errorf("exit code = %d, want 130", code)
	}
}

func TestInContext_PanicReportsFailure(t *testing.T) {
	sink := &lineSink{}
	backend := NewInContext(func(context.Context, []string, io.Writer, io.Writer) int {
		panic("bad backend")
	})
	s := New(Config{Backend: backend, OutputSink: sink.add})
	if err := s.Launch(context.Background(), Launch{InstanceID: "ic"}); err != nil {
		t.Fatal(err)
	}
	if code := awaitExit(t, s); code != -1 {
		t.Errorf("exit code = %d, want -1", code)
	}
	if got := sink.get(StreamStderr); len(got) != 1 || !strings.Contains(got[0], "bad backend") {
		t.Errorf("stderr = %q", got)
	}
}

func TestDeduplicateEnv_LastWins(t *testing.T) {
	got := deduplicateEnv([]string{"A=1", "B=2", "A=3"})
	if strings.Join(got, ";") != "B=2;A=3" {
		t.Errorf("got %v", got)
	}
}
