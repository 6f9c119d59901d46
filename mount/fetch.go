package mount

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pithecene-io/jpoly/iox"
	"github.com/pithecene-io/jpoly/vfs"
)

// VFSScheme prefixes locators that name a path in the virtual filesystem,
// e.g. "vfs:/sys/lib/rt.jar".
const VFSScheme = "vfs:"

// Fetcher retrieves the bytes behind a locator.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// DefaultFetcher handles http(s) URLs, file URLs, vfs: paths, and plain
// host paths.
type DefaultFetcher struct {
	// Client is used for http(s). Nil uses http.DefaultClient.
	Client *http.Client
	// FS serves vfs: locators. Optional.
	FS *vfs.FS
}

// Fetch reads the locator's bytes.
func (f *DefaultFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	switch {
	case IsRemote(locator):
		return f.fetchHTTP(ctx, locator)
	case strings.HasPrefix(locator, VFSScheme):
		if f.FS == nil {
			return nil, fmt.Errorf("no virtual filesystem for %s", locator)
		}
		return f.FS.ReadFile(ctx, strings.TrimPrefix(locator, VFSScheme))
	default:
		return os.ReadFile(LocalPath(locator))
	}
}

func (f *DefaultFetcher) fetchHTTP(ctx context.Context, locator string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", locator, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// IsRemote reports whether locator is an http(s) URL.
func IsRemote(locator string) bool {
	return strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://")
}

// LocalPath strips a file:// scheme from a host-path locator.
func LocalPath(locator string) string {
	if strings.HasPrefix(locator, "file://") {
		if u, err := url.Parse(locator); err == nil {
			return filepath.FromSlash(u.Path)
		}
	}
	return locator
}

// BaseName returns the final path element of a locator, ignoring any query.
func BaseName(locator string) string {
	if IsRemote(locator) {
		if u, err := url.Parse(locator); err == nil {
			return path.Base(u.Path)
		}
	}
	if strings.HasPrefix(locator, VFSScheme) {
		return path.Base(strings.TrimPrefix(locator, VFSScheme))
	}
	return filepath.Base(LocalPath(locator))
}
