package vfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/pithecene-io/jpoly/iox"
)

// ListingFile is the listing document name under an HTTP area's base URL.
const ListingFile = "listings.json"

// HTTPArea is a remote read-only area. Mount fetches the listing document
// once; files are then fetched on demand, one request per path, and cached.
type HTTPArea struct {
	prefix  string
	baseURL string
	client  *http.Client

	mu      sync.Mutex
	files   map[string]bool
	dirs    map[string][]string
	mounted bool
	cache   map[string][]byte
}

// NewHTTPArea returns an area served from baseURL. A nil client uses
// http.DefaultClient.
func NewHTTPArea(prefix, baseURL string, client *http.Client) *HTTPArea {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPArea{
		prefix:  prefix,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		cache:   make(map[string][]byte),
	}
}

// Prefix returns the mount point.
func (a *HTTPArea) Prefix() string {
	return a.prefix
}

// ReadOnly is always true.
func (a *HTTPArea) ReadOnly() bool {
	return true
}

// Mount fetches and indexes the listing document.
func (a *HTTPArea) Mount(ctx context.Context) error {
	a.mu.Lock()
	done := a.mounted
	a.mu.Unlock()
	if done {
		return nil
	}

	body, err := a.fetch(ctx, ListingFile)
	if err != nil {
		return wrap("mount", a.prefix, err)
	}
	var tree map[string]any
	if err := json.Unmarshal(body, &tree); err != nil {
		return NewStorageError(ErrStorage, "mount", a.prefix, fmt.Errorf("parse %s: %w", ListingFile, err))
	}

	files := make(map[string]bool)
	dirs := map[string][]string{"": nil}
	indexListing(tree, "", files, dirs)

	a.mu.Lock()
	a.files, a.dirs, a.mounted = files, dirs, true
	a.mu.Unlock()
	return nil
}

// indexListing walks the nested listing: objects are directories and null
// values are files.
func indexListing(node map[string]any, dir string, files map[string]bool, dirs map[string][]string) {
	for name, child := range node {
		p := name
		if dir != "" {
			p = dir + "/" + name
		}
		if sub, ok := child.(map[string]any); ok {
			dirs[dir] = append(dirs[dir], name+"/")
			if _, seen := dirs[p]; !seen {
				dirs[p] = nil
			}
			indexListing(sub, p, files, dirs)
			continue
		}
		dirs[dir] = append(dirs[dir], name)
		files[p] = true
	}
	sort.Strings(dirs[dir])
}

func (a *HTTPArea) fetch(ctx context.Context, p string) ([]byte, error) {
	url := a.baseURL + "/" + p
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, NewStorageError(ErrNotFound, "fetch", url, nil)
	case resp.StatusCode >= 300:
		return nil, NewStorageError(ErrStorage, "fetch", url, fmt.Errorf("status %d", resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}

func (a *HTTPArea) abs(p string) string {
	return a.prefix + "/" + p
}

func (a *HTTPArea) index() (map[string]bool, map[string][]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.mounted {
		return nil, nil, NewStorageError(ErrStorage, "read", a.prefix, fmt.Errorf("area not mounted"))
	}
	return a.files, a.dirs, nil
}

// ReadFile fetches p on first access and serves it from cache afterwards.
// Paths absent from the listing are not fetched.
func (a *HTTPArea) ReadFile(ctx context.Context, p string) ([]byte, error) {
	files, _, err := a.index()
	if err != nil {
		return nil, err
	}
	p = Clean(p)
	if !files[p] {
		return nil, NewStorageError(ErrNotFound, "read", a.abs(p), nil)
	}

	a.mu.Lock()
	data, ok := a.cache[p]
	a.mu.Unlock()
	if ok {
		return data, nil
	}

	data, err = a.fetch(ctx, p)
	if err != nil {
		return nil, wrap("read", a.abs(p), err)
	}
	a.mu.Lock()
	a.cache[p] = data
	a.mu.Unlock()
	return data, nil
}

// WriteFile always fails with ErrReadOnly.
func (a *HTTPArea) WriteFile(_ context.Context, p string, _ []byte) error {
	return NewStorageError(ErrReadOnly, "write", a.abs(Clean(p)), nil)
}

// Exists consults the listing.
func (a *HTTPArea) Exists(_ context.Context, p string) (bool, error) {
	files, dirs, err := a.index()
	if err != nil {
		return false, err
	}
	p = Clean(p)
	_, isDir := dirs[p]
	return files[p] || isDir, nil
}

// List returns the listing entries under dir.
func (a *HTTPArea) List(_ context.Context, dir string) ([]string, error) {
	_, dirs, err := a.index()
	if err != nil {
		return nil, err
	}
	dir = Clean(dir)
	entries, ok := dirs[dir]
	if !ok {
		return nil, NewStorageError(ErrNotFound, "list", a.abs(dir), nil)
	}
	return append([]string(nil), entries...), nil
}
