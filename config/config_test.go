package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoad_FullConfig(t *testing.T) {
	yaml := `instance_id: inst-7
mode: system
storage_dir: /var/jpoly
classes_dir: /opt/jpoly/classes

backend:
  command: java
  args: [-cp, /opt/jpoly/bridge.jar, com.jpoly.Bridge]
  env: [JAVA_OPTS=-Xmx256m]

handshake:
  timeout: 10s
  address: 127.0.0.1:0

heartbeat: 500ms

persistent:
  backend: sqlite
  path: /var/jpoly/home.db

remotes:
  /sys:
    url: https://cdn.example.com/sys
  /jpoly:
    s3: artifacts/jpoly
    region: us-east-1
    endpoint: http://localhost:9000
    s3_path_style: true

mounts:
  - https://repo.example.com/Foo.jar
  - ./Bar.java

max_concurrent_mounts: 4

adapter:
  type: webhook
  url: https://hooks.example.com/jpoly
  headers:
    Authorization: Bearer token123
  timeout: 5s
  retries: 2
`
	cfg, err := Load(writeTemp(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	assertEqual(t, "instance_id", cfg.InstanceID, "inst-7")
	assertEqual(t, "storage_dir", cfg.StorageDir, "/var/jpoly")
	assertEqual(t, "backend.command", cfg.Backend.Command, "java")
	if !reflect.DeepEqual(cfg.Backend.Args, []string{"-cp", "/opt/jpoly/bridge.jar", "com.jpoly.Bridge"}) {
		t.Errorf("backend.args = %v", cfg.Backend.Args)
	}
	if cfg.Handshake.Timeout.Duration != 10*time.Second {
		t.Errorf("handshake.timeout = %v", cfg.Handshake.Timeout.Duration)
	}
	if cfg.Heartbeat.Duration != 500*time.Millisecond {
		t.Errorf("heartbeat = %v", cfg.Heartbeat.Duration)
	}
	assertEqual(t, "persistent.backend", cfg.Persistent.Backend, PersistentSQLite)
	if cfg.MaxConcurrentMounts != 4 {
		t.Errorf("max_concurrent_mounts = %d", cfg.MaxConcurrentMounts)
	}
	if len(cfg.Mounts) != 2 || cfg.Mounts[1] != "./Bar.java" {
		t.Errorf("mounts = %v", cfg.Mounts)
	}

	remotes := cfg.RemoteAreas()
	if len(remotes) != 2 {
		t.Fatalf("remotes = %v", remotes)
	}
	// Sorted by prefix
	assertEqual(t, "remotes[0].prefix", remotes[0].Prefix, "/jpoly")
	assertEqual(t, "remotes[0].s3", remotes[0].S3, "artifacts/jpoly")
	if !remotes[0].S3PathStyle {
		t.Error("expected s3_path_style=true")
	}
	assertEqual(t, "remotes[1].url", remotes[1].URL, "https://cdn.example.com/sys")

	assertEqual(t, "adapter.type", cfg.Adapter.Type, "webhook")
	assertEqual(t, "adapter.headers", cfg.Adapter.Headers["Authorization"], "Bearer token123")
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 2 {
		t.Error("expected adapter.retries=2")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeTemp(t, ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "mode", cfg.Mode, "system")
	assertEqual(t, "storage_dir", cfg.StorageDir, DefaultStorageDir)
	assertEqual(t, "persistent.backend", cfg.Persistent.Backend, PersistentDir)
	assertEqual(t, "persistent.path", cfg.Persistent.Path, filepath.Join(DefaultStorageDir, "home"))
	if cfg.Handshake.Timeout.Duration != DefaultHandshakeTimeout {
		t.Errorf("handshake.timeout = %v", cfg.Handshake.Timeout.Duration)
	}
	if cfg.Heartbeat.Duration != DefaultHeartbeat {
		t.Errorf("heartbeat = %v", cfg.Heartbeat.Duration)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("JPOLY_TEST_JAVA", "/usr/lib/jvm/bin/java")
	cfg, err := Load(writeTemp(t, "backend:\n  command: ${JPOLY_TEST_JAVA}\nstorage_dir: ${JPOLY_TEST_UNSET:-/srv/jpoly}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "backend.command", cfg.Backend.Command, "/usr/lib/jvm/bin/java")
	assertEqual(t, "storage_dir", cfg.StorageDir, "/srv/jpoly")
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	_, err := Load(writeTemp(t, "mode: system\nbogus: 1\n"))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("Load = %v, want unknown key error", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeTemp(t, "heartbeat: soon\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("Load = %v, want invalid duration", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Load = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad mode", "mode: cloud\nbackend: {command: java}", "invalid mode"},
		{"system needs command", "mode: system", "backend.command"},
		{"context ok", "mode: context", ""},
		{"isolated needs context", "mode: system\nisolated: true\nbackend: {command: java}", "isolated"},
		{"bad persistent", "mode: context\npersistent: {backend: tape}", "persistent.backend"},
		{"remote needs source", "mode: context\nremotes:\n  /sys: {}", "exactly one of url or s3"},
		{"remote both sources", "mode: context\nremotes:\n  /sys: {url: http://x, s3: b}", "exactly one of url or s3"},
		{"remote relative prefix", "mode: context\nremotes:\n  sys: {url: http://x}", "absolute"},
		{"adapter type", "mode: context\nadapter: {type: kafka, url: x}", "unknown adapter"},
		{"adapter url", "mode: context\nadapter: {type: redis}", "adapter.url"},
		{"history needs redis", "mode: context\nadapter: {type: webhook, url: http://x, history: 5}", "only supported by the redis"},
		{"redis history ok", "mode: context\nadapter: {type: redis, url: redis://x, history: 5}", ""},
		{"negative mounts", "mode: context\nmax_concurrent_mounts: -1", "max_concurrent_mounts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			err = cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

// writeTemp writes content to a temp file and returns the path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jpoly.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
