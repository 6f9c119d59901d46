package host

import (
	"fmt"
	"net/http"

	"github.com/pithecene-io/jpoly/config"
	"github.com/pithecene-io/jpoly/log"
	"github.com/pithecene-io/jpoly/types"
	"github.com/pithecene-io/jpoly/vfs"
)

// Area prefixes of the default layers.
const (
	EphemeralPrefix  = "/tmp"
	PersistentPrefix = "/home"
)

// buildAreas assembles the layered areas: an ephemeral /tmp (host-backed at
// the storage dir in process mode, memory in-context), an optional
// persistent /home (never in isolated mode), and the configured remotes.
func buildAreas(cfg *config.Config, mode types.Mode, client *http.Client) ([]vfs.Area, error) {
	var areas []vfs.Area
	if mode == types.ModeProcess {
		areas = append(areas, vfs.NewDirArea(EphemeralPrefix, cfg.StorageDir))
	} else {
		areas = append(areas, vfs.NewMemoryArea(EphemeralPrefix))
	}

	if !cfg.Isolated {
		switch cfg.Persistent.Backend {
		case config.PersistentDir:
			areas = append(areas, vfs.NewDirArea(PersistentPrefix, cfg.Persistent.Path))
		case config.PersistentSQLite:
			areas = append(areas, vfs.NewSQLiteArea(PersistentPrefix, cfg.Persistent.Path))
		}
	}

	for _, r := range cfg.RemoteAreas() {
		if r.URL != "" {
			areas = append(areas, vfs.NewHTTPArea(r.Prefix, r.URL, client))
			continue
		}
		bucket, prefix := vfs.ParseS3Path(r.S3)
		a, err := vfs.NewS3Area(r.Prefix, vfs.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       r.Region,
			Endpoint:     r.Endpoint,
			UsePathStyle: r.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("remote %s: %w", r.Prefix, err)
		}
		areas = append(areas, a)
	}
	return areas, nil
}

// initialClasspath is [classes dir if set, storage dir].
func initialClasspath(cfg *config.Config) []string {
	var cp []string
	if cfg.ClassesDir != "" {
		cp = append(cp, cfg.ClassesDir)
	}
	return append(cp, cfg.StorageDir)
}

func logAreas(logger *log.Logger, areas []vfs.Area) {
	for _, a := range areas {
		logger.Debug("area configured", map[string]any{
			"prefix":    a.Prefix(),
			"read_only": a.ReadOnly(),
		})
	}
}
