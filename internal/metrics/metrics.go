// Package metrics defines the Collector interface the pools and
// orchestrator report into, with a no-op default and a Prometheus-backed
// implementation behind an optional HTTP listener.
package metrics

import (
	"time"
)

// Collector receives operational observations from the pools.
type Collector interface {
	// WorkersByState sets the current number of workers of one service in
	// one state.
	WorkersByState(service, state string, count int)

	// WorkerSpawned counts a successful spawn.
	WorkerSpawned(service string)

	// WorkerReplaced counts a worker eviction, labeled with the reason
	// ("unhealthy", "unreachable", "exited", "scale_down").
	WorkerReplaced(service, reason string)

	// SpawnFailed counts a failed spawn attempt.
	SpawnFailed(service string)

	// ProbeObserved records one probe's duration and outcome.
	ProbeObserved(service string, pass bool, d time.Duration)

	// PoolDegraded flags whether a pool has exhausted its spawn budget.
	PoolDegraded(service string, degraded bool)
}

type noopCollector struct{}

func (noopCollector) WorkersByState(service, state string, count int)          {}
func (noopCollector) WorkerSpawned(service string)                             {}
func (noopCollector) WorkerReplaced(service, reason string)                    {}
func (noopCollector) SpawnFailed(service string)                               {}
func (noopCollector) ProbeObserved(service string, pass bool, d time.Duration) {}
func (noopCollector) PoolDegraded(service string, degraded bool)               {}

// NewNoop returns a collector that discards everything.
func NewNoop() Collector {
	return noopCollector{}
}
