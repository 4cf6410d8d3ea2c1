// Package endpoints publishes the set of currently healthy worker
// addresses. The directory is the one artifact the external reverse proxy
// consumes: an in-memory table behind a read API, mirrored to a JSON file
// and optionally an nginx upstream block file, both rewritten atomically.
package endpoints

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Endpoint is one routable worker address.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Directory is the published mapping from service name to healthy
// endpoints. Writers are the pools (one per service); readers get copies.
type Directory struct {
	mu       sync.RWMutex
	services map[string][]Endpoint

	filePath     string // JSON artifact, "" disables
	upstreamPath string // nginx upstream artifact, "" disables
	logger       *slog.Logger
}

// NewDirectory creates a directory that mirrors itself to the given file
// paths. Either path may be empty to disable that artifact.
func NewDirectory(filePath, upstreamPath string, logger *slog.Logger) *Directory {
	return &Directory{
		services:     make(map[string][]Endpoint),
		filePath:     filePath,
		upstreamPath: upstreamPath,
		logger:       logger.With("component", "endpoints"),
	}
}

// SetService replaces the endpoint list for one service and rewrites the
// artifacts. The pool calls this in the same loop iteration as the state
// transition that caused it, so readers never see a stale healthy entry
// beyond one reconcile tick.
func (d *Directory) SetService(name string, eps []Endpoint) {
	sorted := append([]Endpoint(nil), eps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Port < sorted[j].Port })

	d.mu.Lock()
	if len(sorted) == 0 {
		delete(d.services, name)
	} else {
		d.services[name] = sorted
	}
	d.mu.Unlock()

	d.rewrite()
}

// RemoveService drops a service from the directory entirely.
func (d *Directory) RemoveService(name string) {
	d.mu.Lock()
	delete(d.services, name)
	d.mu.Unlock()

	d.rewrite()
}

// Lookup returns a copy of the healthy endpoints for one service.
func (d *Directory) Lookup(name string) []Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Endpoint(nil), d.services[name]...)
}

// Snapshot returns a copy of the whole table.
func (d *Directory) Snapshot() map[string][]Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]Endpoint, len(d.services))
	for name, eps := range d.services {
		out[name] = append([]Endpoint(nil), eps...)
	}
	return out
}

// rewrite regenerates the on-disk artifacts from the current table.
func (d *Directory) rewrite() {
	snapshot := d.Snapshot()

	if d.filePath != "" {
		if err := writeJSONFile(d.filePath, snapshot); err != nil {
			d.logger.Error("Failed to write endpoints file", "path", d.filePath, "error", err)
		}
	}
	if d.upstreamPath != "" {
		if err := writeAtomic(d.upstreamPath, []byte(RenderUpstreams(snapshot, time.Now()))); err != nil {
			d.logger.Error("Failed to write upstream file", "path", d.upstreamPath, "error", err)
		}
	}
}

func writeJSONFile(path string, snapshot map[string][]Endpoint) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, append(data, '\n'))
}

// RenderUpstreams renders the nginx upstream block file for the current
// table. Services with no healthy endpoints are omitted entirely so nginx
// never sees an empty upstream block.
func RenderUpstreams(snapshot map[string][]Endpoint, now time.Time) string {
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("# Auto-generated upstream configuration\n")
	fmt.Fprintf(&b, "# Generated at %s\n\n", now.Format("2006-01-02 15:04:05"))

	for _, name := range names {
		eps := snapshot[name]
		if len(eps) == 0 {
			continue
		}
		fmt.Fprintf(&b, "upstream %s_pool {\n", name)
		b.WriteString("    least_conn;\n")
		for _, ep := range eps {
			fmt.Fprintf(&b, "    server %s:%d max_fails=3 fail_timeout=10s;\n", ep.Host, ep.Port)
		}
		b.WriteString("}\n\n")
	}
	return b.String()
}

// writeAtomic writes data via a temp file and rename so a concurrent
// reader never observes a torn file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
