package mesh

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	flag "github.com/spf13/pflag"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("eventmesh", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.SysID != "5477" {
		t.Fatalf("sys id = %q, want 5477", cfg.SysID)
	}
	if cfg.TCPAddr != ":10000" {
		t.Fatalf("tcp addr = %q, want :10000", cfg.TCPAddr)
	}
	if cfg.GRPCAddr != ":10205" {
		t.Fatalf("grpc addr = %q, want :10205", cfg.GRPCAddr)
	}
	if cfg.HeartbeatTimeout != 30*time.Second {
		t.Fatalf("heartbeat timeout = %v, want 30s", cfg.HeartbeatTimeout)
	}
	if cfg.UpstreamBuffer != 100 {
		t.Fatalf("upstream buffer = %d, want 100", cfg.UpstreamBuffer)
	}
	if cfg.SecurityEnabled {
		t.Fatal("expected security disabled by default")
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	t.Setenv("EVENTMESH_TCP_ADDR", "127.0.0.1:11000")
	t.Setenv("EVENTMESH_SECURITY_ENABLED", "true")
	t.Setenv("EVENTMESH_AUTH_SECRET", "s3cret")
	t.Setenv("EVENTMESH_ISOLATE_WINDOW", "2s")

	fs := flag.NewFlagSet("eventmesh", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.TCPAddr != "127.0.0.1:11000" {
		t.Fatalf("tcp addr = %q, want env value", cfg.TCPAddr)
	}
	if !cfg.SecurityEnabled || cfg.AuthSecret != "s3cret" {
		t.Fatalf("security = %v secret = %q, want env values", cfg.SecurityEnabled, cfg.AuthSecret)
	}
	if cfg.IsolateWindow != 2*time.Second {
		t.Fatalf("isolate window = %v, want 2s", cfg.IsolateWindow)
	}
}

func TestParseConfigFileThenFlags(t *testing.T) {
	t.Setenv("EVENTMESH_CLUSTER", "env-cluster")
	t.Setenv("EVENTMESH_NAME", "env-name")

	path := filepath.Join(t.TempDir(), "eventmesh.toml")
	body := "cluster = \"file-cluster\"\nname = \"file-name\"\npusher_queue = 7\nheartbeat_timeout = \"1m\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fs := flag.NewFlagSet("eventmesh", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"--config", path, "--name", "flag-name"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Cluster != "file-cluster" {
		t.Fatalf("cluster = %q, want file value", cfg.Cluster)
	}
	if cfg.Name != "flag-name" {
		t.Fatalf("name = %q, want flag value", cfg.Name)
	}
	if cfg.PusherQueue != 7 {
		t.Fatalf("pusher queue = %d, want 7", cfg.PusherQueue)
	}
	if cfg.HeartbeatTimeout != time.Minute {
		t.Fatalf("heartbeat timeout = %v, want 1m", cfg.HeartbeatTimeout)
	}
}

func TestParseConfigRejectsUnknownFileKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventmesh.toml")
	if err := os.WriteFile(path, []byte("tcp_adr = \":1\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	fs := flag.NewFlagSet("eventmesh", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"--config", path}); err == nil {
		t.Fatal("expected unknown key error")
	}
}

func TestRuntimeConfigCarriesFields(t *testing.T) {
	cfg := Config{
		SysID:          "42",
		TCPAddr:        ":1",
		AdminAddr:      ":2",
		UpstreamBuffer: 9,
		DownstreamTTL:  time.Second,
	}
	runtime := cfg.RuntimeConfig()
	if runtime.SysID != "42" || runtime.TCPAddr != ":1" || runtime.AdminAddr != ":2" {
		t.Fatalf("runtime config = %+v", runtime)
	}
	if runtime.UpstreamBuffer != 9 || runtime.DownstreamTTL != time.Second {
		t.Fatalf("runtime tuning = %d %v", runtime.UpstreamBuffer, runtime.DownstreamTTL)
	}
}
