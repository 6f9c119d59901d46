package vfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/jpoly/iox"
)

// StoreArea is an Area over a lode.Store. The store is created lazily from
// its factory on Mount or first use.
type StoreArea struct {
	prefix   string
	readOnly bool
	root     string
	factory  lode.StoreFactory

	storeOnce sync.Once
	store     lode.Store
	storeErr  error
}

// NewMemoryArea returns a writable in-memory area.
func NewMemoryArea(prefix string) *StoreArea {
	store := lode.NewMemory()
	return NewStoreArea(prefix, func() (lode.Store, error) { return store, nil }, false)
}

// NewDirArea returns a writable area rooted at a host directory.
func NewDirArea(prefix, root string) *StoreArea {
	a := NewStoreArea(prefix, func() (lode.Store, error) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
		return lode.NewFSFactory(root)()
	}, false)
	a.root = root
	return a
}

// NewStoreArea wraps an arbitrary store factory.
func NewStoreArea(prefix string, factory lode.StoreFactory, readOnly bool) *StoreArea {
	return &StoreArea{prefix: prefix, factory: factory, readOnly: readOnly}
}

// Prefix returns the mount point.
func (a *StoreArea) Prefix() string {
	return a.prefix
}

// ReadOnly reports whether writes are refused.
func (a *StoreArea) ReadOnly() bool {
	return a.readOnly
}

// Mount initializes the underlying store.
func (a *StoreArea) Mount(context.Context) error {
	_, err := a.getOrCreateStore()
	return err
}

func (a *StoreArea) getOrCreateStore() (lode.Store, error) {
	a.storeOnce.Do(func() {
		a.store, a.storeErr = a.factory()
		if a.storeErr != nil {
			a.storeErr = wrap("mount", a.prefix, a.storeErr)
		}
	})
	return a.store, a.storeErr
}

func (a *StoreArea) abs(p string) string {
	return a.prefix + "/" + p
}

// ReadFile returns the content stored at p.
func (a *StoreArea) ReadFile(ctx context.Context, p string) ([]byte, error) {
	store, err := a.getOrCreateStore()
	if err != nil {
		return nil, err
	}
	p = Clean(p)
	ok, err := store.Exists(ctx, p)
	if err != nil {
		return nil, wrap("read", a.abs(p), err)
	}
	if !ok {
		return nil, NewStorageError(ErrNotFound, "read", a.abs(p), nil)
	}
	rc, err := store.Get(ctx, p)
	if err != nil {
		return nil, wrap("read", a.abs(p), err)
	}
	defer iox.DiscardClose(rc)
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, wrap("read", a.abs(p), err)
	}
	return data, nil
}

// WriteFile stores data at p, replacing any previous content.
func (a *StoreArea) WriteFile(ctx context.Context, p string, data []byte) error {
	if a.readOnly {
		return NewStorageError(ErrReadOnly, "write", a.abs(Clean(p)), nil)
	}
	store, err := a.getOrCreateStore()
	if err != nil {
		return err
	}
	p = Clean(p)
	// Stores are write-once per key; replace by delete then put.
	ok, err := store.Exists(ctx, p)
	if err != nil {
		return wrap("write", a.abs(p), err)
	}
	if ok {
		if err := store.Delete(ctx, p); err != nil {
			return wrap("write", a.abs(p), err)
		}
	}
	return wrap("write", a.abs(p), store.Put(ctx, p, bytes.NewReader(data)))
}

// Exists reports whether p holds content.
func (a *StoreArea) Exists(ctx context.Context, p string) (bool, error) {
	store, err := a.getOrCreateStore()
	if err != nil {
		return false, err
	}
	ok, err := store.Exists(ctx, Clean(p))
	return ok, wrap("exists", a.abs(Clean(p)), err)
}

// List returns the immediate children of dir.
func (a *StoreArea) List(ctx context.Context, dir string) ([]string, error) {
	store, err := a.getOrCreateStore()
	if err != nil {
		return nil, err
	}
	dir = Clean(dir)
	keys, err := store.List(ctx, dir)
	if err != nil {
		return nil, wrap("list", a.abs(dir), err)
	}
	return children(keys, dir), nil
}

// LocalPath maps p under the host root. It is only meaningful for dir areas.
func (a *StoreArea) LocalPath(p string) string {
	if a.root == "" {
		return ""
	}
	return filepath.Join(a.root, filepath.FromSlash(Clean(p)))
}

// EnsureDirectory creates dir under the host root. Object-backed areas have
// implicit directories and treat this as a no-op.
func (a *StoreArea) EnsureDirectory(_ context.Context, dir string) error {
	if a.root == "" {
		return nil
	}
	if err := os.MkdirAll(a.LocalPath(dir), 0o755); err != nil {
		return wrap("mkdir", a.abs(Clean(dir)), err)
	}
	return nil
}

// Root returns the host directory backing the area, or "".
func (a *StoreArea) Root() string {
	return a.root
}

func (a *StoreArea) String() string {
	if a.root != "" {
		return fmt.Sprintf("%s -> %s", a.prefix, a.root)
	}
	return a.prefix
}
