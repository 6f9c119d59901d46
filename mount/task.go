package mount

import (
	"context"
	"sync"

	"github.com/pithecene-io/jpoly/future"
)

// Status is a mount task's progress.
type Status int

const (
	// StatusPending means the task has not started writing.
	StatusPending Status = iota
	// StatusWriting means bytes are being persisted or compiled.
	StatusWriting
	// StatusDone means the artifact is on the classpath or registered.
	StatusDone
	// StatusFailed means the mount failed; siblings are unaffected.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusWriting:
		return "writing"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes a completed mount.
type Result struct {
	Locator string
	Kind    ContentKind
	// StoredPath is where the bytes were written, if they were.
	StoredPath string
	// ClasspathEntry is the entry appended, if any.
	ClasspathEntry string
	// ClassName and PackageName are set for classfiles and sources.
	ClassName   string
	PackageName string
	// Digest is the hex blake3 digest of the fetched bytes.
	Digest string
}

// Task tracks one mount request.
type Task struct {
	locator string

	mu     sync.Mutex
	kind   ContentKind
	status Status

	fut *future.Future[Result]
}

func newTask(locator string) *Task {
	return &Task{locator: locator, fut: future.New[Result]()}
}

// Locator returns the source locator.
func (t *Task) Locator() string {
	return t.locator
}

// Kind returns the classified content kind, Unrecognized until fetched.
func (t *Task) Kind() ContentKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind
}

// Status returns the task's progress.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) setKind(k ContentKind) {
	t.mu.Lock()
	t.kind = k
	t.mu.Unlock()
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Task) succeed(r Result) {
	t.setStatus(StatusDone)
	t.fut.Resolve(r)
}

func (t *Task) fail(err error) {
	t.setStatus(StatusFailed)
	t.fut.Reject(err)
}

// Done is closed once the task settles.
func (t *Task) Done() <-chan struct{} {
	return t.fut.Done()
}

// Err waits for the task and returns its failure, if any.
func (t *Task) Err(ctx context.Context) error {
	return t.fut.Err(ctx)
}

// Await waits for the task's result.
func (t *Task) Await(ctx context.Context) (Result, error) {
	return t.fut.Await(ctx)
}

// Set aggregates the outstanding tasks of one mounter.
type Set struct {
	mu    sync.Mutex
	tasks []*Task
}

func (s *Set) add(t *Task) {
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
}

// Tasks returns a snapshot of every task added so far.
func (s *Set) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.tasks...)
}

// Barrier waits for every task added so far, in any completion order, and
// fails if any of them failed. It never short-circuits on the first failure.
func (s *Set) Barrier(ctx context.Context) error {
	tasks := s.Tasks()
	ws := make([]future.Waiter, len(tasks))
	for i, t := range tasks {
		ws[i] = t
	}
	return future.All(ctx, ws...)
}
