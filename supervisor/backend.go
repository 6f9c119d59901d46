package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/pithecene-io/jpoly/types"
)

// Launch carries the backend invocation contract.
type Launch struct {
	InstanceID    string
	Mode          types.Mode
	Token         string
	HandshakePort int
}

// Args returns the positional arguments [instanceId, mode, token, port].
func (l Launch) Args() []string {
	return []string{l.InstanceID, string(l.Mode), l.Token, strconv.Itoa(l.HandshakePort)}
}

// Backend is one launchable backend. Stdout and Stderr are valid after a
// successful Start. Wait must be called once, after both streams are drained.
type Backend interface {
	Start(ctx context.Context, args []string) error
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (int, error)
	Kill() error
}

// ExecBackend launches the backend as an external OS process:
// <Command> <Args...> <launch args...>.
type ExecBackend struct {
	// Command is the executable, e.g. "java".
	Command string
	// Args precede the launch arguments, e.g. ["-cp", classpath, "com.example.Main"].
	Args []string
	// Env is appended to the inherited environment. Later entries win.
	Env []string
	// Dir is the working directory. Empty means the current one.
	Dir string

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// Start starts the process. ctx is not bound to the process lifetime;
// the supervisor never terminates a backend on its own.
func (b *ExecBackend) Start(_ context.Context, args []string) error {
	if b.Command == "" {
		return errors.New("backend command is empty")
	}
	argv := append(append([]string(nil), b.Args...), args...)
	b.cmd = exec.Command(b.Command, argv...) //nolint:gosec // command comes from host configuration
	b.cmd.Dir = b.Dir
	if len(b.Env) > 0 {
		b.cmd.Env = deduplicateEnv(append(os.Environ(), b.Env...))
	}

	stdout, err := b.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	b.stdout = stdout

	stderr, err := b.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	b.stderr = stderr

	if err := b.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start backend: %w", err)
	}
	return nil
}

// Stdout returns the process stdout.
func (b *ExecBackend) Stdout() io.Reader {
	return b.stdout
}

// Stderr returns the process stderr.
func (b *ExecBackend) Stderr() io.Reader {
	return b.stderr
}

// Wait waits for exit and returns the exit code. A signalled process
// reports -1.
func (b *ExecBackend) Wait() (int, error) {
	if b.cmd == nil {
		return 0, errors.New("backend not started")
	}
	err := b.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, fmt.Errorf("backend wait failed: %w", err)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		return status.ExitStatus(), nil
	}
	return -1, nil
}

// Kill terminates the process.
func (b *ExecBackend) Kill() error {
	if b.cmd != nil && b.cmd.Process != nil {
		return b.cmd.Process.Kill()
	}
	return nil
}

// deduplicateEnv keeps the last occurrence of each env var key.
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}

// MainFunc is an in-context backend entry point. It receives the launch
// arguments and the output streams, and returns the exit code. It should
// return promptly once ctx is done.
type MainFunc func(ctx context.Context, args []string, stdout, stderr io.Writer) int

// InContextBackend runs the backend on a goroutine in this process.
type InContextBackend struct {
	Main MainFunc

	outR, errR *io.PipeReader
	cancel     context.CancelFunc
	code       chan int

	mu      sync.Mutex
	started bool
}

// NewInContext wraps main as a Backend.
func NewInContext(main MainFunc) *InContextBackend {
	return &InContextBackend{Main: main}
}

// Start runs Main on its own goroutine.
func (b *InContextBackend) Start(ctx context.Context, args []string) error {
	if b.Main == nil {
		return errors.New("in-context backend has no entry point")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("in-context backend already started")
	}
	b.started = true

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	b.outR, b.errR = outR, errR
	b.code = make(chan int, 1)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	go func() {
		code := -1
		defer func() {
			if r := recover(); r != nil {
				_, _ = fmt.Fprintf(errW, "backend panic: %v\n", r)
			}
			_ = outW.Close()
			_ = errW.Close()
			b.code <- code
		}()
		code = b.Main(runCtx, args, outW, errW)
	}()
	return nil
}

// Stdout returns the backend's stdout stream.
func (b *InContextBackend) Stdout() io.Reader {
	return b.outR
}

// Stderr returns the backend's stderr stream.
func (b *InContextBackend) Stderr() io.Reader {
	return b.errR
}

// Wait returns Main's exit code.
func (b *InContextBackend) Wait() (int, error) {
	if b.code == nil {
		return 0, errors.New("backend not started")
	}
	return <-b.code, nil
}

// Kill cancels Main's context.
func (b *InContextBackend) Kill() error {
	if b.cancel != nil {
		b.cancel()
	}
	return nil
}
