// Package ports hands out TCP ports to worker processes. Allocation is a
// monotonic cursor over the configured range with a bind test against the
// OS, so a port already held by an unrelated process is skipped instead of
// being handed to a worker that will fail to bind.
package ports

import (
	"fmt"
	"net"
	"sync"
)

// Allocator hands out ports for new workers and takes them back when the
// worker is gone.
type Allocator interface {
	Allocate() (int, error)
	Release(port int)
}

// RangeAllocator allocates from a contiguous port range shared by every
// pool that does not pin its own ports.
type RangeAllocator struct {
	mu            sync.Mutex
	host          string
	minPort       int
	maxPort       int
	allocated     map[int]bool
	nextCandidate int
}

// NewRange creates an allocator over [minPort, maxPort]. The host is used
// for the bind test so allocation checks the same interface workers bind.
func NewRange(host string, minPort, maxPort int) (*RangeAllocator, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &RangeAllocator{
		host:          host,
		minPort:       minPort,
		maxPort:       maxPort,
		allocated:     make(map[int]bool),
		nextCandidate: minPort,
	}, nil
}

// Allocate finds the next free port in the range. A port counts as free
// when it is not already allocated here and a test bind on it succeeds.
func (a *RangeAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	firstCandidate := a.nextCandidate

	for {
		portToTry := a.nextCandidate

		a.nextCandidate++
		if a.nextCandidate > a.maxPort {
			a.nextCandidate = a.minPort
		}

		if !a.allocated[portToTry] && bindable(a.host, portToTry) {
			a.allocated[portToTry] = true
			return portToTry, nil
		}

		// Wrapped all the way around without finding a free port.
		if a.nextCandidate == firstCandidate {
			return 0, fmt.Errorf("no available ports in range [%d-%d]", a.minPort, a.maxPort)
		}
	}
}

// Release marks a previously allocated port as available again.
func (a *RangeAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.minPort || port > a.maxPort {
		return
	}
	delete(a.allocated, port)
}

// FixedAllocator allocates from an explicit list of pinned ports, for
// services whose config names the exact ports they may occupy.
type FixedAllocator struct {
	mu        sync.Mutex
	host      string
	ports     []int
	allocated map[int]bool
}

// NewFixed creates an allocator over an explicit port list.
func NewFixed(host string, ports []int) (*FixedAllocator, error) {
	if len(ports) == 0 {
		return nil, fmt.Errorf("fixed allocator needs at least one port")
	}
	return &FixedAllocator{
		host:      host,
		ports:     append([]int(nil), ports...),
		allocated: make(map[int]bool),
	}, nil
}

// Allocate returns the first pinned port that is free and bindable.
func (a *FixedAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, port := range a.ports {
		if !a.allocated[port] && bindable(a.host, port) {
			a.allocated[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available ports among pinned set %v", a.ports)
}

// Release marks a pinned port as available again.
func (a *FixedAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

// bindable reports whether a test listener can bind host:port right now.
func bindable(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
