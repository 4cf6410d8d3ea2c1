// Package pool keeps one service's worker set within its configured
// [min, max] bounds. A single coordinating goroutine per pool serializes
// every spawn, replace, and reconcile decision; probes fan out
// concurrently but their results are applied serially, so the worker set
// and the published endpoints never tear.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tomyedwab/poolhub/internal/config"
	"github.com/tomyedwab/poolhub/internal/endpoints"
	"github.com/tomyedwab/poolhub/internal/health"
	"github.com/tomyedwab/poolhub/internal/metrics"
	"github.com/tomyedwab/poolhub/internal/ports"
	"github.com/tomyedwab/poolhub/internal/registry"
	"github.com/tomyedwab/poolhub/internal/worker"
)

// After spawnFailureLimit consecutive spawn failures the pool stops
// retrying and reports itself degraded instead of crash-looping forever.
// The backoffs are vars so tests can shrink them.
var (
	spawnBackoffInitial = 1 * time.Second
	spawnBackoffMax     = 30 * time.Second
	spawnFailureLimit   = 5
)

// Options configures a Pool.
type Options struct {
	Spec      *config.ServiceSpec
	Settings  config.Settings
	Ports     ports.Allocator
	Directory *endpoints.Directory
	Registry  *registry.Registry
	Metrics   metrics.Collector
	Logger    *slog.Logger
	Prober    health.Prober // optional, defaults to the service's health check
}

// Status is a copy-on-read view of a pool for status queries.
type Status struct {
	Service  string            `json:"service"`
	Healthy  int               `json:"healthy"`
	Total    int               `json:"total"`
	Min      int               `json:"min"`
	Max      int               `json:"max"`
	Degraded bool              `json:"degraded"`
	Workers  []worker.Snapshot `json:"workers"`
}

// Pool owns the worker set for one service.
type Pool struct {
	spec     *config.ServiceSpec
	settings config.Settings
	prober   health.Prober
	ports    ports.Allocator
	dir      *endpoints.Directory
	reg      *registry.Registry
	metrics  metrics.Collector
	logger   *slog.Logger

	exited   chan worker.Exit
	stopOnce sync.Once
	stopCh   chan struct{}

	mu                sync.Mutex
	workers           []*worker.Worker
	stopped           bool
	spawnFailures     int
	spawnBackoff      time.Duration
	nextSpawnAllowed  time.Time
	degraded          bool
	intentionallyDown int // clean exits under the on-failure policy
	highStreak        int
	lowStreak         int
}

// New creates a pool. It spawns nothing until EnsureMinimum or Run.
func New(opts Options) *Pool {
	prober := opts.Prober
	if prober == nil {
		prober = health.New(opts.Spec.Health)
	}
	return &Pool{
		spec:         opts.Spec,
		settings:     opts.Settings,
		prober:       prober,
		ports:        opts.Ports,
		dir:          opts.Directory,
		reg:          opts.Registry,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "pool", "service", opts.Spec.Name),
		exited:       make(chan worker.Exit, 64),
		stopCh:       make(chan struct{}),
		spawnBackoff: spawnBackoffInitial,
	}
}

// Service returns the pool's service name.
func (p *Pool) Service() string {
	return p.spec.Name
}

func (p *Pool) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// journal appends a lifecycle event, logging rather than failing when the
// registry is unavailable: the worker set is the source of truth, the
// journal is advisory.
func (p *Pool) journal(port, pid int, event registry.EventType, detail string) {
	if err := p.reg.AppendEvent(p.spec.Name, port, pid, event, detail); err != nil {
		p.logger.Warn("Failed to journal event", "event", string(event), "port", port, "error", err)
	}
}

func (p *Pool) recordState(w *worker.Worker, state worker.State) {
	if err := p.reg.UpdateState(w.LaunchID, state.String()); err != nil {
		p.logger.Warn("Failed to update registry state", "port", w.Port, "state", state.String(), "error", err)
	}
}

func (p *Pool) dropRow(w *worker.Worker) {
	if err := p.reg.Delete(w.LaunchID); err != nil {
		p.logger.Warn("Failed to delete registry row", "port", w.Port, "error", err)
	}
}

// EnsureMinimum drives the pool to its minimum healthy count: it spawns
// workers on free ports and waits for each to pass a probe within the
// startup grace period. Spawn failures retry with exponential backoff;
// after the bounded failure streak the pool marks itself degraded and
// returns the error. Calling it when the minimum is already met is a
// no-op, so repeated start invocations never overshoot the maximum.
func (p *Pool) EnsureMinimum(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("ensuring minimum for %s: %w", p.spec.Name, err)
		}
		if p.isStopped() {
			return fmt.Errorf("ensuring minimum for %s: pool is stopped", p.spec.Name)
		}

		p.drainExits()

		healthy, total := p.counts()
		if healthy >= p.spec.MinInstances {
			p.publish()
			return nil
		}
		if total >= p.spec.MaxInstances {
			// Workers exist but are not healthy; they are handled by the
			// grace wait below on the next iteration after eviction.
			return fmt.Errorf("ensuring minimum for %s: %d workers exist but only %d healthy", p.spec.Name, total, healthy)
		}

		w, err := p.spawnOne(ctx)
		if err != nil {
			if degradedErr := p.recordSpawnFailure(ctx, err); degradedErr != nil {
				return degradedErr
			}
			continue
		}

		if p.awaitFirstProbe(ctx, w) {
			p.markHealthy(w)
			p.resetSpawnFailures()
			p.publish()
			continue
		}

		// Failed to come up inside the grace period: a failed spawn.
		p.logger.Warn("Worker failed startup grace period, discarding",
			"port", w.Port, "pid", w.PID, "grace", p.spec.Health.Grace)
		p.discard(w, registry.EventReplaced, "failed startup grace period")
		p.metrics.SpawnFailed(p.spec.Name)
		if degradedErr := p.recordSpawnFailure(ctx, fmt.Errorf("worker on port %d failed startup grace period", w.Port)); degradedErr != nil {
			return degradedErr
		}
	}
}

// Run drives the pool's reconcile loop until the context is cancelled or
// Stop is called. It is the only goroutine that mutates pool state while
// running.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("Pool reconcile loop started", "interval", p.spec.Health.Interval)

	ticker := time.NewTicker(p.spec.Health.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Pool reconcile loop context cancelled")
			return
		case <-p.stopCh:
			p.logger.Info("Pool reconcile loop stopping")
			return
		case exit := <-p.exited:
			p.handleExit(exit)
			p.backfill(ctx)
			p.publish()
		case <-ticker.C:
			p.Reconcile(ctx)
		}
	}
}

// Reconcile runs one reconciliation tick: collect exits, probe every live
// worker concurrently, apply the results serially, evict workers past the
// failure threshold, backfill, autoscale, and publish.
func (p *Pool) Reconcile(ctx context.Context) {
	p.drainExits()

	live := p.liveWorkers()
	results := make([]health.Result, len(live))

	var wg sync.WaitGroup
	for i, w := range live {
		wg.Add(1)
		go func(i int, w *worker.Worker) {
			defer wg.Done()
			results[i] = p.prober.Probe(ctx, w.Host, w.Port)
		}(i, w)
	}
	wg.Wait()

	for i, w := range live {
		p.applyProbe(w, results[i])
	}

	p.backfill(ctx)
	p.maybeScale(ctx, live, results)
	p.publish()
}

// applyProbe applies one probe result to one worker, evicting it after the
// configured consecutive-failure threshold.
func (p *Pool) applyProbe(w *worker.Worker, res health.Result) {
	if w.State() == worker.StateTerminated {
		return
	}

	p.metrics.ProbeObserved(p.spec.Name, res.Pass, res.Latency)

	if res.Pass {
		w.RecordProbe(true, res.Latency)
		if w.State() != worker.StateHealthy {
			p.logger.Info("Worker is healthy", "port", w.Port, "pid", w.PID)
			w.SetState(worker.StateHealthy)
			p.recordState(w, worker.StateHealthy)
			p.journal(w.Port, w.PID, registry.EventHealthy, "")
		}
		return
	}

	failures := w.RecordProbe(false, res.Latency)

	// Probe failures inside the startup grace period keep the worker in
	// Starting; expiry of the grace period without a pass is a failed
	// spawn handled below.
	if w.State() == worker.StateStarting && w.InGrace(p.spec.Health.Grace) {
		return
	}

	newState := worker.StateUnhealthy
	event := registry.EventUnhealthy
	if !res.Reachable {
		newState = worker.StateUnreachable
		event = registry.EventUnreachable
	}
	if w.State() != newState {
		p.logger.Warn("Worker failing probes", "port", w.Port, "pid", w.PID,
			"state", newState.String(), "failures", failures, "error", res.Err)
		w.SetState(newState)
		p.recordState(w, newState)
		p.journal(w.Port, w.PID, event, fmt.Sprintf("%v", res.Err))
	}

	if failures >= p.spec.Health.Failures {
		p.logger.Warn("Worker exceeded failure threshold, replacing",
			"port", w.Port, "pid", w.PID, "failures", failures, "threshold", p.spec.Health.Failures)
		reason := "unhealthy"
		if newState == worker.StateUnreachable {
			reason = "unreachable"
		}
		p.metrics.WorkerReplaced(p.spec.Name, reason)
		p.discard(w, registry.EventReplaced, fmt.Sprintf("%d consecutive probe failures", failures))
	}
}

// handleExit processes a worker that exited on its own.
func (p *Pool) handleExit(exit worker.Exit) {
	w := exit.Worker
	if !p.removeWorker(w) {
		return // already discarded
	}

	detail := "exit status 0"
	cleanExit := exit.Err == nil
	if !cleanExit {
		detail = exit.Err.Error()
	}
	p.logger.Warn("Worker exited", "port", w.Port, "pid", w.PID, "error", exit.Err)

	p.ports.Release(w.Port)
	p.dropRow(w)
	p.journal(w.Port, w.PID, registry.EventExited, detail)
	p.metrics.WorkerReplaced(p.spec.Name, "exited")

	if cleanExit && p.spec.Restart == config.RestartOnFailure {
		// A clean exit under on-failure is not backfilled.
		p.mu.Lock()
		p.intentionallyDown++
		p.mu.Unlock()
	}
}

// drainExits consumes all pending exit notifications without blocking.
func (p *Pool) drainExits() {
	for {
		select {
		case exit := <-p.exited:
			p.handleExit(exit)
		default:
			return
		}
	}
}

// backfill spawns replacements toward the minimum, subject to the restart
// policy, the degraded flag, and the spawn backoff window. Unlike
// EnsureMinimum it does not wait for the newcomers: they enter Starting
// and their grace period is tracked across subsequent ticks.
func (p *Pool) backfill(ctx context.Context) {
	if p.spec.Restart == config.RestartNever {
		return
	}

	p.mu.Lock()
	target := p.spec.MinInstances - p.intentionallyDown
	degraded := p.degraded
	stopped := p.stopped
	waitUntil := p.nextSpawnAllowed
	p.mu.Unlock()

	if stopped || degraded || time.Now().Before(waitUntil) {
		return
	}

	for {
		_, total := p.counts()
		if total >= target || total >= p.spec.MaxInstances {
			return
		}
		w, err := p.spawnOne(ctx)
		if err != nil {
			p.deferSpawn(err)
			return
		}
		_ = w
	}
}

// maybeScale applies the latency-driven elasticity signal, if configured.
func (p *Pool) maybeScale(ctx context.Context, live []*worker.Worker, results []health.Result) {
	scale := p.spec.Scale
	if scale == nil || p.isStopped() {
		return
	}

	var sum time.Duration
	var passes int
	for _, res := range results {
		if res.Pass {
			sum += res.Latency
			passes++
		}
	}
	if passes == 0 {
		return
	}
	avg := sum / time.Duration(passes)

	p.mu.Lock()
	switch {
	case avg > scale.LatencyHigh:
		p.highStreak++
		p.lowStreak = 0
	case avg < scale.LatencyLow:
		p.lowStreak++
		p.highStreak = 0
	default:
		p.highStreak = 0
		p.lowStreak = 0
	}
	scaleUp := p.highStreak >= scale.Window
	scaleDown := p.lowStreak >= scale.Window
	if scaleUp {
		p.highStreak = 0
	}
	if scaleDown {
		p.lowStreak = 0
	}
	p.mu.Unlock()

	_, total := p.counts()
	if scaleUp && total < p.spec.MaxInstances {
		p.logger.Info("Scaling up on sustained high latency", "avg_latency", avg, "total", total)
		if _, err := p.spawnOne(ctx); err != nil {
			p.deferSpawn(err)
		}
		return
	}
	if scaleDown && total > p.spec.MinInstances {
		// Shed the newest worker first.
		newest := p.newestWorker()
		if newest != nil {
			p.logger.Info("Scaling down on sustained low latency", "avg_latency", avg, "port", newest.Port)
			p.metrics.WorkerReplaced(p.spec.Name, "scale_down")
			p.discard(newest, registry.EventStopped, "scaled down")
		}
	}
}

// spawnOne allocates a port, launches a worker, and records it. The worker
// starts in Starting; callers decide whether to wait for its first probe.
// A worker only joins the set if the pool is still running and its registry
// row was written; otherwise the fresh process is torn down on the spot, so
// every live worker is visible to detached stop and status.
func (p *Pool) spawnOne(ctx context.Context) (*worker.Worker, error) {
	if p.isStopped() {
		return nil, fmt.Errorf("spawning %s worker: pool is stopped", p.spec.Name)
	}

	port, err := p.ports.Allocate()
	if err != nil {
		p.metrics.SpawnFailed(p.spec.Name)
		return nil, fmt.Errorf("spawning %s worker: %w", p.spec.Name, err)
	}

	w, err := worker.Spawn(ctx, p.spec, p.settings.Host, port, p.settings.LogDirectory, p.logger, p.exited)
	if err != nil {
		p.ports.Release(port)
		p.metrics.SpawnFailed(p.spec.Name)
		return nil, err
	}

	if err := p.reg.Record(registry.WorkerRow{
		LaunchID: w.LaunchID,
		Service:  w.Service,
		Port:     w.Port,
		PID:      w.PID,
		PGID:     w.PGID,
		State:    worker.StateStarting.String(),
	}); err != nil {
		// An untracked worker would be invisible to detached stop. Treat
		// the failed write as a failed spawn and kill the process.
		p.logger.Error("Failed to record worker, discarding it", "port", w.Port, "pid", w.PID, "error", err)
		p.teardownUntracked(w)
		p.metrics.SpawnFailed(p.spec.Name)
		return nil, fmt.Errorf("recording %s worker: %w", p.spec.Name, err)
	}

	p.mu.Lock()
	if p.stopped {
		// Stop won the race while this worker was coming up. It never
		// joins the set; it is torn down here instead of leaking.
		p.mu.Unlock()
		p.logger.Info("Pool stopped during spawn, discarding worker", "port", w.Port, "pid", w.PID)
		p.dropRow(w)
		p.teardownUntracked(w)
		return nil, fmt.Errorf("spawning %s worker: pool is stopped", p.spec.Name)
	}
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	p.journal(w.Port, w.PID, registry.EventSpawned, w.LaunchID)
	p.metrics.WorkerSpawned(p.spec.Name)
	return w, nil
}

// teardownUntracked kills a worker that never joined the set and releases
// its port. Synchronous: callers treat it as part of a failed spawn.
func (p *Pool) teardownUntracked(w *worker.Worker) {
	w.Terminate(true, p.settings.ShutdownTimeout)
	p.ports.Release(w.Port)
}

// awaitFirstProbe polls the new worker until it passes a probe or its
// startup grace period expires.
func (p *Pool) awaitFirstProbe(ctx context.Context, w *worker.Worker) bool {
	deadline := time.Now().Add(p.spec.Health.Grace)

	// Poll well below the steady-state interval so startup is snappy.
	every := p.spec.Health.Interval / 10
	if every < 50*time.Millisecond {
		every = 50 * time.Millisecond
	}
	if every > time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-w.Done():
			return false
		case <-ticker.C:
			res := p.prober.Probe(ctx, w.Host, w.Port)
			p.metrics.ProbeObserved(p.spec.Name, res.Pass, res.Latency)
			if res.Pass {
				w.RecordProbe(true, res.Latency)
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}

// markHealthy transitions a worker to Healthy with its registry update and
// journal entry.
func (p *Pool) markHealthy(w *worker.Worker) {
	w.SetState(worker.StateHealthy)
	p.recordState(w, worker.StateHealthy)
	p.journal(w.Port, w.PID, registry.EventHealthy, "")
	p.logger.Info("Worker is healthy", "port", w.Port, "pid", w.PID)
}

// discard removes a worker from the pool and tears the process down in the
// background so a slow shutdown cannot stall the reconcile loop.
func (p *Pool) discard(w *worker.Worker, event registry.EventType, detail string) {
	if !p.removeWorker(w) {
		return
	}
	p.journal(w.Port, w.PID, event, detail)

	go func() {
		w.Terminate(false, p.settings.ShutdownTimeout)
		p.ports.Release(w.Port)
		p.dropRow(w)
	}()
}

// removeWorker takes a worker out of the set. Returns false if it was
// already gone.
func (p *Pool) removeWorker(target *worker.Worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.workers {
		if w == target {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return true
		}
	}
	return false
}

// recordSpawnFailure applies backoff after a failed spawn and, once the
// failure streak exceeds the limit, degrades the pool and returns an
// error. The backoff sleep respects context cancellation.
func (p *Pool) recordSpawnFailure(ctx context.Context, cause error) error {
	p.mu.Lock()
	p.spawnFailures++
	failures := p.spawnFailures
	backoff := p.spawnBackoff
	p.spawnBackoff *= 2
	if p.spawnBackoff > spawnBackoffMax {
		p.spawnBackoff = spawnBackoffMax
	}
	p.nextSpawnAllowed = time.Now().Add(backoff)
	p.mu.Unlock()

	p.logger.Warn("Spawn failed", "error", cause, "failures", failures, "backoff", backoff)

	if failures >= spawnFailureLimit {
		p.setDegraded(true, cause)
		return fmt.Errorf("pool %s degraded after %d consecutive spawn failures: %w", p.spec.Name, failures, cause)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("ensuring minimum for %s: %w", p.spec.Name, ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// deferSpawn applies the backoff window without sleeping, for use inside
// the reconcile loop where the ticker provides the pacing.
func (p *Pool) deferSpawn(cause error) {
	p.mu.Lock()
	p.spawnFailures++
	failures := p.spawnFailures
	backoff := p.spawnBackoff
	p.spawnBackoff *= 2
	if p.spawnBackoff > spawnBackoffMax {
		p.spawnBackoff = spawnBackoffMax
	}
	p.nextSpawnAllowed = time.Now().Add(backoff)
	p.mu.Unlock()

	p.logger.Warn("Spawn failed, deferring retry", "error", cause, "failures", failures, "backoff", backoff)

	if failures >= spawnFailureLimit {
		p.setDegraded(true, cause)
	}
}

func (p *Pool) resetSpawnFailures() {
	p.mu.Lock()
	wasDegraded := p.degraded
	p.spawnFailures = 0
	p.spawnBackoff = spawnBackoffInitial
	p.nextSpawnAllowed = time.Time{}
	p.degraded = false
	p.mu.Unlock()

	if wasDegraded {
		p.metrics.PoolDegraded(p.spec.Name, false)
	}
}

func (p *Pool) setDegraded(degraded bool, cause error) {
	p.mu.Lock()
	changed := p.degraded != degraded
	p.degraded = degraded
	p.mu.Unlock()

	if changed && degraded {
		p.logger.Error("Pool degraded, no longer retrying spawns", "error", cause)
		p.journal(0, 0, registry.EventDegraded, fmt.Sprintf("%v", cause))
		p.metrics.PoolDegraded(p.spec.Name, true)
	}
}

// Stop terminates every worker, waiting up to the shutdown timeout per
// worker before escalating to SIGKILL. With force set SIGKILL is sent
// immediately. The stopped flag goes up before the worker set drains, so a
// reconcile tick already in flight cannot spawn behind the teardown.
func (p *Pool) Stop(force bool) {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	p.stopped = true
	toStop := append([]*worker.Worker(nil), p.workers...)
	p.workers = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range toStop {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			p.logger.Info("Stopping worker", "port", w.Port, "pid", w.PID, "force", force)
			w.Terminate(force, p.settings.ShutdownTimeout)
			p.ports.Release(w.Port)
			p.dropRow(w)
			event := registry.EventStopped
			if force {
				event = registry.EventKilled
			}
			p.journal(w.Port, w.PID, event, "")
		}(w)
	}
	wg.Wait()

	p.dir.SetService(p.spec.Name, nil)
	p.publishMetrics()
}

// RestartWorkers tears down the current worker set and drives the pool
// back to its minimum, clearing any degraded state. The reconcile loop
// keeps running throughout.
func (p *Pool) RestartWorkers(ctx context.Context) error {
	p.mu.Lock()
	toStop := append([]*worker.Worker(nil), p.workers...)
	p.workers = nil
	p.intentionallyDown = 0
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range toStop {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Terminate(false, p.settings.ShutdownTimeout)
			p.ports.Release(w.Port)
			p.dropRow(w)
			p.journal(w.Port, w.PID, registry.EventStopped, "restart")
		}(w)
	}
	wg.Wait()

	p.dir.SetService(p.spec.Name, nil)
	p.resetSpawnFailures()
	return p.EnsureMinimum(ctx)
}

// Degraded reports whether the pool has exhausted its spawn retry budget.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// HealthyCount returns the number of workers currently Healthy.
func (p *Pool) HealthyCount() int {
	healthy, _ := p.counts()
	return healthy
}

// Snapshot returns a copy of the pool's state for status readers.
func (p *Pool) Snapshot() Status {
	p.mu.Lock()
	workers := append([]*worker.Worker(nil), p.workers...)
	degraded := p.degraded
	p.mu.Unlock()

	status := Status{
		Service:  p.spec.Name,
		Min:      p.spec.MinInstances,
		Max:      p.spec.MaxInstances,
		Degraded: degraded,
		Workers:  make([]worker.Snapshot, 0, len(workers)),
	}
	for _, w := range workers {
		snap := w.Snapshot()
		status.Workers = append(status.Workers, snap)
		status.Total++
		if snap.State == worker.StateHealthy.String() {
			status.Healthy++
		}
	}
	return status
}

// counts returns (healthy, total) over non-terminated workers.
func (p *Pool) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var healthy, total int
	for _, w := range p.workers {
		if w.State() == worker.StateTerminated {
			continue
		}
		total++
		if w.State() == worker.StateHealthy {
			healthy++
		}
	}
	return healthy, total
}

// liveWorkers returns a copy of the non-terminated worker set.
func (p *Pool) liveWorkers() []*worker.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*worker.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.State() != worker.StateTerminated {
			out = append(out, w)
		}
	}
	return out
}

// newestWorker returns the most recently appended live worker.
func (p *Pool) newestWorker() *worker.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.workers) - 1; i >= 0; i-- {
		if p.workers[i].State() != worker.StateTerminated {
			return p.workers[i]
		}
	}
	return nil
}

// publish pushes the healthy endpoint set and worker-state gauges. It is
// called in the same loop iteration as the transitions it reflects.
func (p *Pool) publish() {
	p.mu.Lock()
	eps := make([]endpoints.Endpoint, 0, len(p.workers))
	for _, w := range p.workers {
		if w.State() == worker.StateHealthy {
			eps = append(eps, endpoints.Endpoint{Host: p.settings.Host, Port: w.Port})
		}
	}
	p.mu.Unlock()

	p.dir.SetService(p.spec.Name, eps)
	p.publishMetrics()
}

func (p *Pool) publishMetrics() {
	counts := map[string]int{}
	p.mu.Lock()
	for _, w := range p.workers {
		counts[w.State().String()]++
	}
	p.mu.Unlock()

	for _, state := range []worker.State{
		worker.StateStarting, worker.StateHealthy, worker.StateUnhealthy,
		worker.StateUnreachable, worker.StateTerminated,
	} {
		p.metrics.WorkersByState(p.spec.Name, state.String(), counts[state.String()])
	}
}
