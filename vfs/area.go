// Package vfs virtualizes the layered filesystem areas a backend sees: an
// ephemeral writable area, an optional persistent area, and remote read-only
// areas served lazily from a listing document or an object store.
//
// Areas are mounted at absolute prefixes such as /tmp or /sys. One readiness
// future gates every FS operation on the completion of all area mounts.
package vfs

import (
	"context"
	"path"
	"sort"
	"strings"
)

// Area is one mounted filesystem layer. Paths passed to an Area are
// relative to its prefix, slash-separated, without a leading slash.
type Area interface {
	// Prefix is the absolute mount point, e.g. "/tmp".
	Prefix() string
	// ReadOnly reports whether writes are refused.
	ReadOnly() bool
	// Mount performs the area's readiness work, such as fetching a listing.
	Mount(ctx context.Context) error
	ReadFile(ctx context.Context, p string) ([]byte, error)
	WriteFile(ctx context.Context, p string, data []byte) error
	Exists(ctx context.Context, p string) (bool, error)
	// List returns the immediate children of dir, directories with a
	// trailing slash, sorted.
	List(ctx context.Context, dir string) ([]string, error)
}

// Local is implemented by areas backed by a host directory.
type Local interface {
	// LocalPath maps p to a host filesystem path.
	LocalPath(p string) string
	// EnsureDirectory creates dir and its parents.
	EnsureDirectory(ctx context.Context, dir string) error
}

// Clean normalizes an area-relative path.
func Clean(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}

// children reduces a flat key list to the immediate children of dir.
func children(keys []string, dir string) []string {
	dir = Clean(dir)
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	seen := make(map[string]bool)
	var out []string
	for _, k := range keys {
		k = Clean(k)
		if !strings.HasPrefix(k, prefix) || k == dir {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		name, _, nested := strings.Cut(rest, "/")
		if nested {
			name += "/"
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
