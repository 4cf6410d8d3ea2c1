package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a temporary config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "poolhub.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
services:
  search:
    command: ./build/search
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Settings.Host != "127.0.0.1" {
		t.Errorf("Expected default host 127.0.0.1, got %q", cfg.Settings.Host)
	}
	if cfg.Settings.PortMin != 8000 || cfg.Settings.PortMax != 8999 {
		t.Errorf("Expected default port range 8000-8999, got %d-%d", cfg.Settings.PortMin, cfg.Settings.PortMax)
	}
	if cfg.Settings.ShutdownTimeout != 10*time.Second {
		t.Errorf("Expected default shutdown timeout 10s, got %s", cfg.Settings.ShutdownTimeout)
	}
	if cfg.Settings.EndpointsFile != filepath.Join(".poolhub", "endpoints.json") {
		t.Errorf("Unexpected default endpoints file %q", cfg.Settings.EndpointsFile)
	}

	spec := cfg.Services["search"]
	if spec == nil {
		t.Fatal("Expected search service to be present")
	}
	if spec.Name != "search" {
		t.Errorf("Expected spec name to be set from map key, got %q", spec.Name)
	}
	if spec.MinInstances != 1 || spec.MaxInstances != 3 {
		t.Errorf("Expected default instance bounds 1/3, got %d/%d", spec.MinInstances, spec.MaxInstances)
	}
	if spec.Restart != RestartAlways {
		t.Errorf("Expected default restart policy always, got %q", spec.Restart)
	}
	if spec.Health.Kind != CheckTCP {
		t.Errorf("Expected default health kind tcp, got %q", spec.Health.Kind)
	}
	if spec.Health.Interval != 30*time.Second {
		t.Errorf("Expected health interval to inherit global 30s, got %s", spec.Health.Interval)
	}
	if spec.Health.Failures != 3 {
		t.Errorf("Expected default failure threshold 3, got %d", spec.Health.Failures)
	}
	if spec.Health.Grace != 10*time.Second {
		t.Errorf("Expected default grace 10s, got %s", spec.Health.Grace)
	}
}

func TestLoadFullSpec(t *testing.T) {
	path := writeConfig(t, `
settings:
  host: 0.0.0.0
  port_min: 9000
  port_max: 9099
  health_interval: 5s
  log_level: debug
services:
  auth:
    command: ./build/auth
    args: ["{port}"]
    min_instances: 1
    max_instances: 3
    health:
      kind: http
      target: /health
      interval: 2s
      timeout: 1s
  search:
    command: ./build/search
    args: ["--port", "{port}"]
    cwd: work
    env:
      API_MODE: full
    min_instances: 2
    max_instances: 5
    restart: on-failure
    depends_on: [auth]
    startup_delay: 500ms
    health:
      kind: http
      target: /health
    scale:
      latency_high: 250ms
      latency_low: 20ms
      window: 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	search := cfg.Services["search"]
	if search.MinInstances != 2 || search.MaxInstances != 5 {
		t.Errorf("Expected bounds 2/5, got %d/%d", search.MinInstances, search.MaxInstances)
	}
	if search.Restart != RestartOnFailure {
		t.Errorf("Expected restart on-failure, got %q", search.Restart)
	}
	if search.StartupDelay != 500*time.Millisecond {
		t.Errorf("Expected startup delay 500ms, got %s", search.StartupDelay)
	}
	if search.Env["API_MODE"] != "full" {
		t.Errorf("Expected env override to survive, got %v", search.Env)
	}
	if search.Health.Interval != 5*time.Second {
		t.Errorf("Expected interval to inherit 5s global, got %s", search.Health.Interval)
	}
	if search.Scale == nil || search.Scale.Window != 4 {
		t.Errorf("Expected scale block with window 4, got %+v", search.Scale)
	}
	if cfg.Services["auth"].Health.Interval != 2*time.Second {
		t.Errorf("Expected explicit interval 2s, got %s", cfg.Services["auth"].Health.Interval)
	}

	levels, err := cfg.StartLevels()
	if err != nil {
		t.Fatalf("StartLevels returned error: %v", err)
	}
	if len(levels) != 2 || levels[0][0] != "auth" || levels[1][0] != "search" {
		t.Errorf("Expected [[auth] [search]], got %v", levels)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

func TestPinnedPortsCapMaxInstances(t *testing.T) {
	path := writeConfig(t, `
services:
  search:
    command: ./build/search
    ports: [9001, 9002]
    min_instances: 2
    max_instances: 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := cfg.Services["search"].MaxInstances; got != 2 {
		t.Errorf("Expected max_instances capped to 2 pinned ports, got %d", got)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		contains string
	}{
		{
			name: "min exceeds max",
			yaml: `
services:
  search:
    command: ./search
    min_instances: 4
    max_instances: 2
`,
			contains: "min_instances",
		},
		{
			name: "missing command",
			yaml: `
services:
  search:
    min_instances: 1
`,
			contains: "no command",
		},
		{
			name: "unknown restart policy",
			yaml: `
services:
  search:
    command: ./search
    restart: sometimes
`,
			contains: "restart policy",
		},
		{
			name: "unknown health kind",
			yaml: `
services:
  search:
    command: ./search
    health:
      kind: ping
`,
			contains: "health check kind",
		},
		{
			name: "http target not absolute",
			yaml: `
services:
  search:
    command: ./search
    health:
      kind: http
      target: health
`,
			contains: "absolute path",
		},
		{
			name: "command check without target",
			yaml: `
services:
  search:
    command: ./search
    health:
      kind: command
`,
			contains: "target command",
		},
		{
			name: "unknown dependency",
			yaml: `
services:
  search:
    command: ./search
    depends_on: [ghost]
`,
			contains: "unknown service",
		},
		{
			name: "dependency cycle",
			yaml: `
services:
  a:
    command: ./a
    depends_on: [b]
  b:
    command: ./b
    depends_on: [a]
`,
			contains: "dependency cycle",
		},
		{
			name: "duplicate pinned port across services",
			yaml: `
services:
  a:
    command: ./a
    ports: [9001]
  b:
    command: ./b
    ports: [9001]
`,
			contains: "pin port 9001",
		},
		{
			name: "bad service name",
			yaml: `
services:
  Search Pool:
    command: ./search
`,
			contains: "must match",
		},
		{
			name: "bad log level",
			yaml: `
settings:
  log_level: loud
services:
  search:
    command: ./search
`,
			contains: "log level",
		},
		{
			name: "inverted port range",
			yaml: `
settings:
  port_min: 9000
  port_max: 8000
services:
  search:
    command: ./search
`,
			contains: "port range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected error to wrap ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("Expected error to contain %q, got %v", tt.contains, err)
			}
		})
	}
}

func TestRegistryPath(t *testing.T) {
	s := Settings{DataDirectory: "/var/lib/poolhub"}
	expected := filepath.Join("/var/lib/poolhub", "registry.db")
	if got := s.RegistryPath(); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
}
