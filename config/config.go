// Package config loads the jpoly host configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/pithecene-io/jpoly/types"
)

// Defaults applied by Load.
const (
	DefaultStorageDir       = "/tmp/data"
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultHeartbeat        = time.Second
)

// Persistent area backends.
const (
	PersistentDir    = "dir"
	PersistentSQLite = "sqlite"
	PersistentNone   = "none"
)

// Config represents a jpoly.yaml configuration file.
// CLI flags always override config values.
type Config struct {
	InstanceID string `yaml:"instance_id"`
	Mode       string `yaml:"mode"`
	// Isolated runs an in-context backend behind a worker boundary.
	Isolated bool `yaml:"isolated"`
	// StorageDir roots the ephemeral area in process mode and is always on
	// the initial classpath.
	StorageDir string `yaml:"storage_dir"`
	// ClassesDir holds the backend's own classes, prepended to the classpath.
	ClassesDir string `yaml:"classes_dir"`

	Backend    BackendConfig           `yaml:"backend"`
	Handshake  HandshakeConfig         `yaml:"handshake"`
	Heartbeat  Duration                `yaml:"heartbeat"`
	Persistent PersistentConfig        `yaml:"persistent"`
	Remotes    map[string]RemoteConfig `yaml:"remotes"`
	Mounts     []string                `yaml:"mounts"`
	// MaxConcurrentMounts bounds in-flight mounts. Zero means unbounded.
	MaxConcurrentMounts int64         `yaml:"max_concurrent_mounts"`
	Adapter             AdapterConfig `yaml:"adapter"`
}

// BackendConfig describes the external backend command.
type BackendConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	Dir     string   `yaml:"dir"`
}

// HandshakeConfig configures the discovery listener.
type HandshakeConfig struct {
	Timeout Duration `yaml:"timeout"`
	Address string   `yaml:"address"`
}

// PersistentConfig selects the /home area backend.
type PersistentConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// RemoteConfig is one read-only remote area. Exactly one of URL or S3 is set.
// The mount prefix is the map key.
type RemoteConfig struct {
	URL         string `yaml:"url"`
	S3          string `yaml:"s3"` // bucket[/prefix]
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// RemoteArea is a RemoteConfig with its prefix.
type RemoteArea struct {
	Prefix string
	RemoteConfig
}

// AdapterConfig holds lifecycle notification settings.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
	History int64             `yaml:"history,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = string(types.ModeProcess)
	}
	if c.StorageDir == "" {
		c.StorageDir = DefaultStorageDir
	}
	if c.Handshake.Timeout.Duration == 0 {
		c.Handshake.Timeout.Duration = DefaultHandshakeTimeout
	}
	if c.Heartbeat.Duration == 0 {
		c.Heartbeat.Duration = DefaultHeartbeat
	}
	if c.Persistent.Backend == "" {
		c.Persistent.Backend = PersistentDir
	}
	if c.Persistent.Path == "" && c.Persistent.Backend == PersistentDir {
		c.Persistent.Path = filepath.Join(c.StorageDir, "home")
	}
	if c.Persistent.Path == "" && c.Persistent.Backend == PersistentSQLite {
		c.Persistent.Path = filepath.Join(c.StorageDir, "home.db")
	}
}

// Validate checks field values and combinations.
func (c *Config) Validate() error {
	var errs []error
	mode, err := types.ParseMode(c.Mode)
	if err != nil {
		errs = append(errs, err)
	}
	if mode == types.ModeProcess && c.Backend.Command == "" {
		errs = append(errs, errors.New("backend.command is required in system mode"))
	}
	if c.Isolated && mode == types.ModeProcess {
		errs = append(errs, errors.New("isolated applies only to context mode"))
	}
	switch c.Persistent.Backend {
	case PersistentDir, PersistentSQLite, PersistentNone:
	default:
		errs = append(errs, fmt.Errorf("persistent.backend: unknown backend %q", c.Persistent.Backend))
	}
	if c.MaxConcurrentMounts < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_mounts must be >= 0, got %d", c.MaxConcurrentMounts))
	}
	for _, r := range c.RemoteAreas() {
		if !path.IsAbs(r.Prefix) || r.Prefix == "/" {
			errs = append(errs, fmt.Errorf("remotes: prefix %q must be an absolute non-root path", r.Prefix))
		}
		if (r.URL == "") == (r.S3 == "") {
			errs = append(errs, fmt.Errorf("remotes.%s: exactly one of url or s3 is required", r.Prefix))
		}
	}
	switch c.Adapter.Type {
	case "", "webhook", "redis":
	default:
		errs = append(errs, fmt.Errorf("adapter.type: unknown adapter %q", c.Adapter.Type))
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		errs = append(errs, fmt.Errorf("adapter.url is required for %s adapter", c.Adapter.Type))
	}
	if c.Adapter.History < 0 {
		errs = append(errs, fmt.Errorf("adapter.history must be >= 0, got %d", c.Adapter.History))
	}
	if c.Adapter.History > 0 && c.Adapter.Type != "redis" {
		errs = append(errs, errors.New("adapter.history is only supported by the redis adapter"))
	}
	return errors.Join(errs...)
}

// RemoteAreas returns the remotes sorted by prefix.
func (c *Config) RemoteAreas() []RemoteArea {
	if len(c.Remotes) == 0 {
		return nil
	}
	prefixes := make([]string, 0, len(c.Remotes))
	for p := range c.Remotes {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	areas := make([]RemoteArea, 0, len(prefixes))
	for _, p := range prefixes {
		areas = append(areas, RemoteArea{Prefix: p, RemoteConfig: c.Remotes[p]})
	}
	return areas
}
