package endpoints

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSetServiceAndLookup(t *testing.T) {
	dir := NewDirectory("", "", testLogger())

	dir.SetService("search", []Endpoint{
		{Host: "127.0.0.1", Port: 8002},
		{Host: "127.0.0.1", Port: 8001},
	})

	eps := dir.Lookup("search")
	if len(eps) != 2 {
		t.Fatalf("Expected 2 endpoints, got %d", len(eps))
	}
	if eps[0].Port != 8001 || eps[1].Port != 8002 {
		t.Errorf("Expected endpoints sorted by port, got %+v", eps)
	}

	if got := dir.Lookup("unknown"); len(got) != 0 {
		t.Errorf("Expected no endpoints for unknown service, got %+v", got)
	}
}

func TestSetServiceEmptyRemoves(t *testing.T) {
	dir := NewDirectory("", "", testLogger())
	dir.SetService("auth", []Endpoint{{Host: "127.0.0.1", Port: 8001}})
	dir.SetService("auth", nil)

	if snapshot := dir.Snapshot(); len(snapshot) != 0 {
		t.Errorf("Expected empty directory after clearing, got %+v", snapshot)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	dir := NewDirectory("", "", testLogger())
	dir.SetService("search", []Endpoint{{Host: "127.0.0.1", Port: 8001}})

	snapshot := dir.Snapshot()
	snapshot["search"][0].Port = 9999
	delete(snapshot, "search")

	eps := dir.Lookup("search")
	if len(eps) != 1 || eps[0].Port != 8001 {
		t.Errorf("Mutating a snapshot leaked into the directory: %+v", eps)
	}
}

func TestEndpointsFileWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoints.json")
	dir := NewDirectory(path, "", testLogger())

	dir.SetService("search", []Endpoint{{Host: "127.0.0.1", Port: 8001}})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read endpoints file: %v", err)
	}

	var decoded map[string][]Endpoint
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Endpoints file is not valid JSON: %v", err)
	}
	if len(decoded["search"]) != 1 || decoded["search"][0].Port != 8001 {
		t.Errorf("Unexpected endpoints file contents: %+v", decoded)
	}

	// Removing the last endpoint must be reflected in the file.
	dir.SetService("search", nil)
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to re-read endpoints file: %v", err)
	}
	decoded = nil // Unmarshal merges into a non-nil map, which would hide the removal.
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Rewritten endpoints file is not valid JSON: %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("Expected empty endpoints file, got %+v", decoded)
	}
}

func TestRenderUpstreams(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	snapshot := map[string][]Endpoint{
		"search": {
			{Host: "127.0.0.1", Port: 8001},
			{Host: "127.0.0.1", Port: 8002},
		},
		"auth":  {{Host: "127.0.0.1", Port: 8003}},
		"empty": {},
	}

	rendered := RenderUpstreams(snapshot, now)

	want := []string{
		"upstream search_pool {",
		"    least_conn;",
		"    server 127.0.0.1:8001 max_fails=3 fail_timeout=10s;",
		"    server 127.0.0.1:8002 max_fails=3 fail_timeout=10s;",
		"upstream auth_pool {",
		"    server 127.0.0.1:8003 max_fails=3 fail_timeout=10s;",
	}
	for _, line := range want {
		if !strings.Contains(rendered, line) {
			t.Errorf("Rendered upstreams missing %q:\n%s", line, rendered)
		}
	}

	if strings.Contains(rendered, "empty_pool") {
		t.Error("Service with no endpoints must be omitted from upstream file")
	}
	// auth sorts before search.
	if strings.Index(rendered, "auth_pool") > strings.Index(rendered, "search_pool") {
		t.Error("Expected upstream blocks in sorted service order")
	}
}

func TestUpstreamFileWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upstreams.conf")
	dir := NewDirectory("", path, testLogger())

	dir.SetService("search", []Endpoint{{Host: "127.0.0.1", Port: 8001}})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read upstream file: %v", err)
	}
	if !strings.Contains(string(data), "upstream search_pool {") {
		t.Errorf("Unexpected upstream file contents:\n%s", data)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Failed to list directory: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp") {
			t.Errorf("Leftover temp file %s", entry.Name())
		}
	}
}
