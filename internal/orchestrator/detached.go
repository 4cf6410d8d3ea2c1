package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"syscall"
	"time"

	"github.com/tomyedwab/poolhub/internal/config"
	"github.com/tomyedwab/poolhub/internal/deps"
	"github.com/tomyedwab/poolhub/internal/pool"
	"github.com/tomyedwab/poolhub/internal/registry"
	"github.com/tomyedwab/poolhub/internal/worker"
)

// The detached operations work from registry rows recorded by an earlier
// invocation, so stop, status, and restart keep working after the
// supervising process has exited or crashed.

// StopDetached terminates every registered worker in reverse dependency
// order. Each service's process groups get SIGTERM (SIGKILL when force),
// a poll window up to the shutdown timeout, then SIGKILL for stragglers.
// A timed-out service is logged and never blocks the rest.
func (o *Orchestrator) StopDetached(ctx context.Context, force bool) error {
	rows, err := o.reg.ListAll()
	if err != nil {
		return fmt.Errorf("reading worker registry: %w", err)
	}
	if len(rows) == 0 {
		o.logger.Info("No registered workers to stop")
		o.publishEmpty()
		return nil
	}

	byService := make(map[string][]registry.WorkerRow)
	for _, row := range rows {
		byService[row.Service] = append(byService[row.Service], row)
	}

	for _, level := range deps.Reverse(o.levels) {
		for _, name := range level {
			o.stopServiceRows(ctx, name, byService[name], force)
			delete(byService, name)
		}
	}

	// Rows for services no longer in the configuration still get stopped.
	leftover := make([]string, 0, len(byService))
	for name := range byService {
		leftover = append(leftover, name)
	}
	sort.Strings(leftover)
	for _, name := range leftover {
		o.logger.Warn("Stopping workers of unconfigured service", "service", name)
		o.stopServiceRows(ctx, name, byService[name], force)
	}

	o.publishEmpty()
	return nil
}

func (o *Orchestrator) stopServiceRows(ctx context.Context, service string, rows []registry.WorkerRow, force bool) {
	if len(rows) == 0 {
		return
	}
	o.logger.Info("Stopping service", "service", service, "workers", len(rows), "force", force)

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	for _, row := range rows {
		if processAlive(row.PID) {
			signalRow(row, sig)
		}
	}

	if !force {
		deadline := time.Now().Add(o.cfg.Settings.ShutdownTimeout)
		for time.Now().Before(deadline) && ctx.Err() == nil {
			if !anyAlive(rows) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
	}

	for _, row := range rows {
		event := registry.EventStopped
		if processAlive(row.PID) {
			o.logger.Warn("Worker ignored graceful stop, killing group",
				"service", service, "port", row.Port, "pid", row.PID)
			signalRow(row, syscall.SIGKILL)
			event = registry.EventKilled
		} else if force {
			event = registry.EventKilled
		}
		o.reg.Delete(row.LaunchID)
		o.reg.AppendEvent(service, row.Port, row.PID, event, "")
	}
}

// signalRow signals a registry row's process group, falling back to the
// bare PID when no group was recorded. Kill(-0) would signal the caller's
// own process group, so a zero PGID must never reach the group path.
func signalRow(row registry.WorkerRow, sig syscall.Signal) {
	if row.PGID > 0 {
		syscall.Kill(-row.PGID, sig)
		return
	}
	if row.PID > 0 {
		syscall.Kill(row.PID, sig)
	}
}

func anyAlive(rows []registry.WorkerRow) bool {
	for _, row := range rows {
		if processAlive(row.PID) {
			return true
		}
	}
	return false
}

// publishEmpty clears the endpoint artifacts for every configured service
// after a full stop, so the router stops routing immediately.
func (o *Orchestrator) publishEmpty() {
	for name := range o.cfg.Services {
		o.dir.SetService(name, nil)
	}
}

// StatusDetached reads the registry and reports each configured service's
// workers, verifying recorded PIDs are still alive without mutating
// anything. A recorded worker whose process is gone shows as Terminated.
func (o *Orchestrator) StatusDetached() ([]pool.Status, error) {
	rows, err := o.reg.ListAll()
	if err != nil {
		return nil, fmt.Errorf("reading worker registry: %w", err)
	}

	byService := make(map[string][]registry.WorkerRow)
	for _, row := range rows {
		byService[row.Service] = append(byService[row.Service], row)
	}

	now := time.Now()
	statuses := make([]pool.Status, 0, len(o.pools))
	for _, name := range deps.Flatten(o.levels) {
		spec := o.cfg.Services[name]
		status := pool.Status{
			Service: name,
			Min:     spec.MinInstances,
			Max:     spec.MaxInstances,
		}
		for _, row := range byService[name] {
			state := row.State
			if !processAlive(row.PID) {
				state = worker.StateTerminated.String()
			}
			started := time.Unix(row.StartedAt, 0)
			status.Workers = append(status.Workers, worker.Snapshot{
				Service:   name,
				Port:      row.Port,
				PID:       row.PID,
				LaunchID:  row.LaunchID,
				State:     state,
				StartedAt: started,
				Uptime:    now.Sub(started),
			})
			status.Total++
			if state == worker.StateHealthy.String() {
				status.Healthy++
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// RestartDetached stops one service's registered workers and brings its
// pool back to minimum health, leaving fresh registry rows behind.
func (o *Orchestrator) RestartDetached(ctx context.Context, name string) error {
	p, ok := o.pools[name]
	if !ok {
		return fmt.Errorf("%w: unknown service %q", config.ErrInvalid, name)
	}

	rows, err := o.reg.ListService(name)
	if err != nil {
		return fmt.Errorf("reading worker registry: %w", err)
	}
	o.stopServiceRows(ctx, name, rows, false)

	startCtx, cancel := context.WithTimeout(ctx, o.cfg.Settings.StartupTimeout)
	defer cancel()
	if err := p.EnsureMinimum(startCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}
	return nil
}
