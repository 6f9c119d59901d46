package vfs

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/jpoly/future"
	"github.com/pithecene-io/jpoly/log"
)

// FS routes absolute paths to mounted areas by longest prefix.
type FS struct {
	logger *log.Logger

	mu    sync.RWMutex
	areas []Area

	mountOnce sync.Once
	ready     *future.Future[struct{}]
}

// New returns an FS over areas. Prefixes must be absolute and distinct.
// Areas are not mounted until Mount is called.
func New(logger *log.Logger, areas ...Area) (*FS, error) {
	if logger == nil {
		logger = log.Nop()
	}
	f := &FS{logger: logger.With("vfs"), ready: future.New[struct{}]()}
	seen := make(map[string]bool)
	for _, a := range areas {
		p := a.Prefix()
		if !strings.HasPrefix(p, "/") || (len(p) > 1 && strings.HasSuffix(p, "/")) {
			return nil, fmt.Errorf("area prefix %q must be absolute without trailing slash", p)
		}
		if seen[p] {
			return nil, fmt.Errorf("area prefix %q mounted twice", p)
		}
		seen[p] = true
		f.areas = append(f.areas, a)
	}
	sort.SliceStable(f.areas, func(i, j int) bool {
		return len(f.areas[i].Prefix()) > len(f.areas[j].Prefix())
	})
	return f, nil
}

// Mount mounts every area concurrently and settles Ready. It returns Ready
// so callers may await it directly; calling Mount again returns the same
// future.
func (f *FS) Mount(ctx context.Context) *future.Future[struct{}] {
	f.mountOnce.Do(func() { go f.mountAll(ctx) })
	return f.ready
}

func (f *FS) mountAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	f.mu.RLock()
	areas := append([]Area(nil), f.areas...)
	f.mu.RUnlock()
	for _, a := range areas {
		g.Go(func() error {
			if err := a.Mount(gctx); err != nil {
				f.logger.Error("area mount failed", map[string]any{"area": a.Prefix(), "error": err.Error()})
				return err
			}
			f.logger.Debug("area mounted", map[string]any{"area": a.Prefix(), "read_only": a.ReadOnly()})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		f.ready.Reject(err)
		return
	}
	f.ready.Resolve(struct{}{})
}

// Ready settles once every area has mounted, or with the first failure.
func (f *FS) Ready() *future.Future[struct{}] {
	return f.ready
}

// Areas returns the mounted areas, longest prefix first.
func (f *FS) Areas() []Area {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Area(nil), f.areas...)
}

// Resolve maps an absolute path to its area and area-relative path.
func (f *FS) Resolve(abs string) (Area, string, error) {
	abs = path.Clean("/" + abs)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, a := range f.areas {
		p := a.Prefix()
		if p == "/" {
			return a, Clean(abs), nil
		}
		if abs == p || strings.HasPrefix(abs, p+"/") {
			return a, Clean(strings.TrimPrefix(abs, p)), nil
		}
	}
	return nil, "", NewStorageError(ErrNoArea, "resolve", abs, nil)
}

func (f *FS) route(ctx context.Context, abs string) (Area, string, error) {
	if err := f.ready.Err(ctx); err != nil {
		return nil, "", err
	}
	return f.Resolve(abs)
}

// ReadFile reads an absolute path.
func (f *FS) ReadFile(ctx context.Context, abs string) ([]byte, error) {
	a, p, err := f.route(ctx, abs)
	if err != nil {
		return nil, err
	}
	return a.ReadFile(ctx, p)
}

// WriteFile writes an absolute path.
func (f *FS) WriteFile(ctx context.Context, abs string, data []byte) error {
	a, p, err := f.route(ctx, abs)
	if err != nil {
		return err
	}
	if a.ReadOnly() {
		return NewStorageError(ErrReadOnly, "write", abs, nil)
	}
	return a.WriteFile(ctx, p, data)
}

// Exists reports whether an absolute path exists.
func (f *FS) Exists(ctx context.Context, abs string) (bool, error) {
	a, p, err := f.route(ctx, abs)
	if err != nil {
		return false, err
	}
	return a.Exists(ctx, p)
}

// List lists an absolute directory.
func (f *FS) List(ctx context.Context, abs string) ([]string, error) {
	a, p, err := f.route(ctx, abs)
	if err != nil {
		return nil, err
	}
	return a.List(ctx, p)
}

// EnsureDirectory creates an absolute directory on areas that have real
// directories and is a no-op elsewhere.
func (f *FS) EnsureDirectory(ctx context.Context, abs string) error {
	a, p, err := f.route(ctx, abs)
	if err != nil {
		return err
	}
	if l, ok := a.(Local); ok {
		return l.EnsureDirectory(ctx, p)
	}
	return nil
}

// LocalPath maps an absolute virtual path to a host path when its area is
// directory-backed. The second result is false otherwise.
func (f *FS) LocalPath(abs string) (string, bool) {
	a, p, err := f.Resolve(abs)
	if err != nil {
		return "", false
	}
	l, ok := a.(Local)
	if !ok {
		return "", false
	}
	lp := l.LocalPath(p)
	return lp, lp != ""
}

// Close closes areas that hold resources.
func (f *FS) Close() error {
	var firstErr error
	for _, a := range f.Areas() {
		if c, ok := a.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
