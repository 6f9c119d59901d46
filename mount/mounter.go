// Package mount makes class files, archives, and Java sources available to
// a backend. Each Mount fetches a locator, classifies its bytes, and either
// writes a class file under the ephemeral area, appends an archive to the
// classpath, or asks the backend to compile a source. Every task joins a
// Set whose Barrier gates backend startup.
package mount

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/semaphore"

	"github.com/pithecene-io/jpoly/future"
	"github.com/pithecene-io/jpoly/log"
	"github.com/pithecene-io/jpoly/metrics"
	"github.com/pithecene-io/jpoly/types"
	"github.com/pithecene-io/jpoly/vfs"
)

// DefaultEphemeral is the ephemeral area prefix.
const DefaultEphemeral = "/tmp"

// Sender delivers commands to the backend. *dispatch.Dispatcher satisfies it.
type Sender interface {
	Send(ctx context.Context, mt types.MessageType, priority int, payload ...any) *future.Future[any]
}

// Analyzer recovers a class file's internal name, e.g. "a/b/C".
type Analyzer interface {
	Analyze(data []byte) (string, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(data []byte) (string, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(data []byte) (string, error) {
	return f(data)
}

// Config holds Mounter dependencies.
type Config struct {
	// FS holds the ephemeral area. Required.
	FS *vfs.FS
	// Ephemeral is the writable area prefix. Defaults to DefaultEphemeral.
	Ephemeral string
	// Fetcher defaults to a DefaultFetcher over FS.
	Fetcher Fetcher
	// Analyzer is required for class files.
	Analyzer Analyzer
	// Sender carries FILE_COMPILE and JAR_PATH_ADD. Required for sources.
	Sender Sender
	// InitialClasspath seeds the classpath.
	InitialClasspath []string
	// MaxConcurrent bounds in-flight mounts. Zero means unbounded.
	MaxConcurrent int64
	// Logger defaults to a no-op logger.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
}

// Mounter owns the live classpath and the outstanding mount set.
type Mounter struct {
	fs        *vfs.FS
	ephemeral string
	fetcher   Fetcher
	analyzer  Analyzer
	sender    Sender
	sem       *semaphore.Weighted
	logger    *log.Logger
	collector *metrics.Collector

	set Set

	mu        sync.Mutex
	classpath []string
	// unannounced holds archive entries mounted before Announce.
	unannounced []string
	announced   bool
	// stored maps ephemeral archive paths to the locator that claimed them.
	stored map[string]string
}

// New creates a mounter.
func New(cfg Config) (*Mounter, error) {
	if cfg.FS == nil {
		return nil, errors.New("mount: Config.FS is required")
	}
	if cfg.Ephemeral == "" {
		cfg.Ephemeral = DefaultEphemeral
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = &DefaultFetcher{FS: cfg.FS}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	m := &Mounter{
		fs:        cfg.FS,
		ephemeral: cfg.Ephemeral,
		fetcher:   cfg.Fetcher,
		analyzer:  cfg.Analyzer,
		sender:    cfg.Sender,
		logger:    cfg.Logger.With("mount"),
		collector: cfg.Collector,
		classpath: append([]string(nil), cfg.InitialClasspath...),
		stored:    make(map[string]string),
	}
	if cfg.MaxConcurrent > 0 {
		m.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return m, nil
}

// Mount starts mounting locator and returns its task immediately. The task
// is part of the set awaited by Barrier.
func (m *Mounter) Mount(ctx context.Context, locator string) *Task {
	t := newTask(locator)
	m.set.add(t)
	go m.run(ctx, t)
	return t
}

// Barrier waits for every mount issued so far and fails if any failed.
func (m *Mounter) Barrier(ctx context.Context) error {
	return m.set.Barrier(ctx)
}

// Tasks returns every task issued so far.
func (m *Mounter) Tasks() []*Task {
	return m.set.Tasks()
}

// Classpath returns a snapshot of the live classpath in search order.
func (m *Mounter) Classpath() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.classpath...)
}

// Announce sends JAR_PATH_ADD for every archive mounted so far, in
// completion order. Archives mounted afterwards announce themselves as they
// complete. The host calls it after Barrier and before START so the backend
// sees every archive before it starts.
func (m *Mounter) Announce(ctx context.Context) error {
	m.mu.Lock()
	pending := m.unannounced
	m.unannounced = nil
	m.announced = true
	m.mu.Unlock()

	for _, entry := range pending {
		if err := m.sendJarPathAdd(ctx, entry); err != nil {
			return fmt.Errorf("announce %s: %w", entry, err)
		}
	}
	return nil
}

func (m *Mounter) appendClasspath(entry string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classpath = append(m.classpath, entry)
}

// appendArchive adds entry to the classpath and reports whether the caller
// must announce it. Entries appended before Announce are queued for it.
func (m *Mounter) appendArchive(entry string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classpath = append(m.classpath, entry)
	if !m.announced {
		m.unannounced = append(m.unannounced, entry)
	}
	return m.announced
}

func (m *Mounter) sendJarPathAdd(ctx context.Context, entry string) error {
	if m.sender == nil {
		return errors.New("no backend sender for JAR_PATH_ADD")
	}
	_, err := m.sender.Send(ctx, types.MessageJarPathAdd, types.PriorityCommand, "file://"+filepath.ToSlash(entry)).Await(ctx)
	return err
}

func (m *Mounter) run(ctx context.Context, t *Task) {
	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.finish(t, Result{}, types.NewError(types.ErrMountFetch, "mount", t.locator, err))
			return
		}
		defer m.sem.Release(1)
	}
	res, err := m.mount(ctx, t)
	m.finish(t, res, err)
}

func (m *Mounter) finish(t *Task, res Result, err error) {
	if err != nil {
		m.collector.IncMountFailure()
		m.logger.Warn("mount failed", map[string]any{
			"locator": t.locator,
			"kind":    t.Kind().String(),
			"error":   err.Error(),
		})
		t.fail(err)
		return
	}
	m.collector.IncMount(res.Kind.String())
	m.logger.Info("mounted", map[string]any{
		"locator":   t.locator,
		"kind":      res.Kind.String(),
		"entry":     res.ClasspathEntry,
		"stored_at": res.StoredPath,
		"digest":    res.Digest,
	})
	t.succeed(res)
}

func (m *Mounter) mount(ctx context.Context, t *Task) (Result, error) {
	data, err := m.fetcher.Fetch(ctx, t.locator)
	if err != nil {
		return Result{}, types.NewError(types.ErrMountFetch, "fetch", t.locator, err)
	}
	sum := blake3.Sum256(data)
	res := Result{
		Locator: t.locator,
		Kind:    Classify(data),
		Digest:  hex.EncodeToString(sum[:]),
	}
	t.setKind(res.Kind)

	switch res.Kind {
	case ClassFile:
		return m.mountClassFile(ctx, t, data, res)
	case Archive:
		return m.mountArchive(ctx, t, data, res)
	case SourceText:
		return m.mountSource(ctx, t, data, res)
	default:
		return res, types.NewError(types.ErrUnrecognizedContent, "classify", t.locator, errors.New("empty content"))
	}
}

func (m *Mounter) mountClassFile(ctx context.Context, t *Task, data []byte, res Result) (Result, error) {
	if m.analyzer == nil {
		return res, types.NewError(types.ErrUnrecognizedContent, "analyze", t.locator, errors.New("no class file analyzer"))
	}
	internal, err := m.analyzer.Analyze(data)
	if err != nil {
		return res, types.NewError(types.ErrUnrecognizedContent, "analyze", t.locator, err)
	}
	internal = vfs.Clean(internal)
	if internal == "" {
		return res, types.NewError(types.ErrUnrecognizedContent, "analyze", t.locator, errors.New("empty class name"))
	}
	res.ClassName = path.Base(internal)
	if dir := path.Dir(internal); dir != "." {
		res.PackageName = dir
	}

	t.setStatus(StatusWriting)
	target := m.ephemeral + "/" + internal + ".class"
	if err := m.fs.EnsureDirectory(ctx, path.Dir(target)); err != nil {
		return res, err
	}
	if err := m.fs.WriteFile(ctx, target, data); err != nil {
		return res, err
	}
	res.StoredPath = m.hostPath(target)
	res.ClasspathEntry = internal
	m.appendClasspath(internal)
	return res, nil
}

func (m *Mounter) mountArchive(ctx context.Context, t *Task, data []byte, res Result) (Result, error) {
	var entry string
	switch {
	case IsRemote(t.locator):
		stored, err := m.persistArchive(ctx, t, data, res.Digest)
		if err != nil {
			return res, err
		}
		entry, res.StoredPath = stored, stored
	case strings.HasPrefix(t.locator, VFSScheme):
		v := strings.TrimPrefix(t.locator, VFSScheme)
		area, _, err := m.fs.Resolve(v)
		if err != nil {
			return res, types.NewError(types.ErrMountFetch, "resolve", t.locator, err)
		}
		if !area.ReadOnly() {
			entry = m.hostPath(v)
			break
		}
		// Remote areas have no host path the backend could open.
		stored, err := m.persistArchive(ctx, t, data, res.Digest)
		if err != nil {
			return res, err
		}
		entry, res.StoredPath = stored, stored
	default:
		abs, err := filepath.Abs(LocalPath(t.locator))
		if err != nil {
			return res, types.NewError(types.ErrMountFetch, "resolve", t.locator, err)
		}
		entry = abs
	}
	res.ClasspathEntry = entry

	if m.appendArchive(entry) {
		if err := m.sendJarPathAdd(ctx, entry); err != nil {
			return res, err
		}
	}
	return res, nil
}

// persistArchive writes a fetched archive into the ephemeral area and
// returns its host path.
func (m *Mounter) persistArchive(ctx context.Context, t *Task, data []byte, digest string) (string, error) {
	base := BaseName(t.locator)
	switch base {
	case "", ".", "..", "/":
		return "", types.NewError(types.ErrMountFetch, "persist", t.locator, errors.New("locator has no file name"))
	}
	target := m.claimArchivePath(t.locator, base, digest)

	t.setStatus(StatusWriting)
	if err := m.fs.EnsureDirectory(ctx, path.Dir(target)); err != nil {
		return "", err
	}
	if err := m.fs.WriteFile(ctx, target, data); err != nil {
		return "", err
	}
	return m.hostPath(target), nil
}

// claimArchivePath picks the ephemeral path for base. A name already
// claimed by another locator moves under a directory named by the digest.
func (m *Mounter) claimArchivePath(locator, base, digest string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := m.ephemeral + "/" + base
	if owner, ok := m.stored[target]; ok && owner != locator {
		target = m.ephemeral + "/" + digest[:16] + "/" + base
	}
	m.stored[target] = locator
	return target
}

func (m *Mounter) mountSource(ctx context.Context, t *Task, data []byte, res Result) (Result, error) {
	className, pkg, ok := ScanSource(string(data))
	if !ok {
		return res, types.NewError(types.ErrUnrecognizedContent, "scan", t.locator, errors.New("no class declaration found"))
	}
	res.ClassName, res.PackageName = className, pkg
	if m.sender == nil {
		return res, fmt.Errorf("no backend sender to compile %s", className)
	}

	t.setStatus(StatusWriting)
	outputDir := m.hostPath(m.ephemeral)
	_, err := m.sender.Send(ctx, types.MessageFileCompile, types.PriorityCommand,
		className, pkg, outputDir, string(data)).Await(ctx)
	if err != nil {
		return res, err
	}
	return res, nil
}

// hostPath maps a virtual path to the host path the backend can open, or
// returns it unchanged for areas without one.
func (m *Mounter) hostPath(v string) string {
	if lp, ok := m.fs.LocalPath(v); ok {
		return lp
	}
	return v
}
