// Package orchestrator owns every pool and the lifecycle contract around
// them: dependency-ordered startup, reverse-order shutdown, the OS signal
// state machine, orphan sweeps, and the detached operations that work from
// registry rows after the supervising process is gone.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/poolhub/internal/config"
	"github.com/tomyedwab/poolhub/internal/deps"
	"github.com/tomyedwab/poolhub/internal/endpoints"
	"github.com/tomyedwab/poolhub/internal/metrics"
	"github.com/tomyedwab/poolhub/internal/pool"
	"github.com/tomyedwab/poolhub/internal/ports"
	"github.com/tomyedwab/poolhub/internal/registry"
)

// ErrStartupFailed marks a start that aborted because one or more services
// could not reach minimum health. The CLI maps any error wrapping it to its
// startup-failure exit code.
var ErrStartupFailed = errors.New("startup failed")

// Orchestrator coordinates all pools for one configuration.
type Orchestrator struct {
	cfg     *config.Config
	logger  *slog.Logger
	runID   string
	reg     *registry.Registry
	dir     *endpoints.Directory
	metrics metrics.Collector

	pools  map[string]*pool.Pool
	levels [][]string

	shutdown shutdownState
}

// New builds an orchestrator: it opens the registry, constructs the
// endpoint directory and port allocators, and creates one pool per
// configured service. Nothing is spawned until Start.
func New(cfg *config.Config, logger *slog.Logger, collector metrics.Collector) (*Orchestrator, error) {
	levels, err := cfg.StartLevels()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	reg, err := registry.Open(cfg.Settings.RegistryPath())
	if err != nil {
		return nil, fmt.Errorf("opening worker registry: %w", err)
	}

	if err := os.MkdirAll(cfg.Settings.LogDirectory, 0o755); err != nil {
		reg.Close()
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	dir := endpoints.NewDirectory(cfg.Settings.EndpointsFile, cfg.Settings.UpstreamFile, logger)

	shared, err := ports.NewRange(cfg.Settings.Host, cfg.Settings.PortMin, cfg.Settings.PortMax)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
		runID:   uuid.New().String(),
		reg:     reg,
		dir:     dir,
		metrics: collector,
		pools:   make(map[string]*pool.Pool, len(cfg.Services)),
		levels:  levels,
	}

	for name, spec := range cfg.Services {
		var alloc ports.Allocator = shared
		if len(spec.Ports) > 0 {
			alloc, err = ports.NewFixed(cfg.Settings.Host, spec.Ports)
			if err != nil {
				reg.Close()
				return nil, fmt.Errorf("%w: service %q: %v", config.ErrInvalid, name, err)
			}
		}
		o.pools[name] = pool.New(pool.Options{
			Spec:      spec,
			Settings:  cfg.Settings,
			Ports:     alloc,
			Directory: dir,
			Registry:  reg,
			Metrics:   collector,
			Logger:    logger,
		})
	}
	return o, nil
}

// Close releases the registry handle. It does not stop workers.
func (o *Orchestrator) Close() error {
	return o.reg.Close()
}

// Registry exposes the registry for event inspection by the CLI.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.reg
}

// Build runs the configured build command, streaming its output, before
// anything is spawned. A missing build command is a no-op.
func (o *Orchestrator) Build(ctx context.Context) error {
	command := o.cfg.Settings.BuildCommand
	if command == "" {
		return nil
	}
	o.logger.Info("Running build command", "command", command)
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build command failed: %w", err)
	}
	return nil
}

// Start brings every service to its minimum healthy count in dependency
// order. Services within a level start concurrently; a level only begins
// once the previous level is fully healthy, which is what guarantees every
// depends_on target is at minimum health first. Any failure aborts the
// whole start: already-started services are stopped in reverse order so a
// failed start leaves nothing running.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}
	if err := o.refuseIfRunning(); err != nil {
		return err
	}

	o.logger.Info("Starting services", "run_id", o.runID, "levels", len(o.levels))

	for i, level := range o.levels {
		var wg sync.WaitGroup
		errCh := make(chan error, len(level))
		for _, name := range level {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				if err := o.startService(ctx, name); err != nil {
					errCh <- err
				}
			}(name)
		}
		wg.Wait()
		close(errCh)

		if err := <-errCh; err != nil {
			o.logger.Error("Startup aborted, rolling back", "level", i, "error", err)
			o.StopAttached(false)
			return fmt.Errorf("%w: %v", ErrStartupFailed, err)
		}
	}

	o.logger.Info("All services started")
	return nil
}

func (o *Orchestrator) startService(ctx context.Context, name string) error {
	spec := o.cfg.Services[name]

	if spec.StartupDelay > 0 {
		o.logger.Info("Applying startup delay", "service", name, "delay", spec.StartupDelay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("starting %s: %w", name, ctx.Err())
		case <-time.After(spec.StartupDelay):
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, o.cfg.Settings.StartupTimeout)
	defer cancel()

	if err := o.pools[name].EnsureMinimum(startCtx); err != nil {
		return fmt.Errorf("service %s failed to reach minimum health: %w", name, err)
	}
	o.logger.Info("Service at minimum health", "service", name, "healthy", o.pools[name].HealthyCount())
	return nil
}

// refuseIfRunning rejects a start while a previous invocation's workers
// are still alive; stale rows for dead PIDs are pruned instead. This is
// what keeps a double start from spawning duplicate workers.
func (o *Orchestrator) refuseIfRunning() error {
	rows, err := o.reg.ListAll()
	if err != nil {
		return fmt.Errorf("reading worker registry: %w", err)
	}
	for _, row := range rows {
		if processAlive(row.PID) {
			return fmt.Errorf("service %s already has a worker running on port %d (pid %d); run stop first",
				row.Service, row.Port, row.PID)
		}
		o.logger.Warn("Pruning stale registry row for dead worker",
			"service", row.Service, "port", row.Port, "pid", row.PID)
		o.reg.Delete(row.LaunchID)
	}
	return nil
}

// Monitor runs every pool's reconcile loop and blocks until the context is
// cancelled or a termination signal arrives, then drains all pools in
// reverse dependency order. A second signal while draining escalates to
// SIGKILL for every remaining process group.
func (o *Orchestrator) Monitor(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range o.pools {
		wg.Add(1)
		go func(p *pool.Pool) {
			defer wg.Done()
			p.Run(runCtx)
		}(p)
	}

	var metricsSrv *http.Server
	if addr := o.cfg.Settings.MetricsListen; addr != "" {
		metricsSrv = o.serveMetrics(addr)
	}

	o.logger.Info("Monitoring", "services", len(o.pools), "pid", os.Getpid())
	o.awaitShutdown(runCtx)

	cancel()
	wg.Wait()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	return nil
}

func (o *Orchestrator) serveMetrics(addr string) *http.Server {
	prom, ok := o.metrics.(*metrics.PrometheusCollector)
	if !ok {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		o.logger.Info("Metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("Metrics endpoint failed", "error", err)
		}
	}()
	return srv
}

// StopAttached drains the live pools in reverse dependency order. A
// service that exceeds its shutdown timeout is force-killed by its pool
// and never blocks the remaining levels.
func (o *Orchestrator) StopAttached(force bool) {
	for _, level := range deps.Reverse(o.levels) {
		var wg sync.WaitGroup
		for _, name := range level {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				o.logger.Info("Stopping service", "service", name, "force", force)
				o.pools[name].Stop(force)
			}(name)
		}
		wg.Wait()
	}
	o.logger.Info("All services stopped")
}

// RestartService tears down one attached service's workers and brings the
// pool back to minimum health.
func (o *Orchestrator) RestartService(ctx context.Context, name string) error {
	p, ok := o.pools[name]
	if !ok {
		return fmt.Errorf("%w: unknown service %q", config.ErrInvalid, name)
	}
	o.logger.Info("Restarting service", "service", name)
	if err := p.RestartWorkers(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}
	return nil
}

// Status returns attached pool snapshots in dependency order.
func (o *Orchestrator) Status() []pool.Status {
	statuses := make([]pool.Status, 0, len(o.pools))
	for _, name := range deps.Flatten(o.levels) {
		statuses = append(statuses, o.pools[name].Snapshot())
	}
	return statuses
}

// processAlive reports whether a PID currently maps to a live process.
// EPERM still means alive, just owned by someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
