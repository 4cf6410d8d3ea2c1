// Package worker owns a single managed OS process: spawning it in its own
// process group, redirecting its output to per-worker log files, tracking
// its health state, and tearing it down with SIGTERM escalating to SIGKILL.
// Workers are owned exclusively by their pool; nothing else holds the
// process handle.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/poolhub/internal/config"
)

// Environment variables stamped into every worker. POOLHUB_SERVICE and
// POOLHUB_LAUNCH double as the orphan-sweep signature: any process carrying
// them that is not in the registry was left behind by a dead supervisor.
const (
	EnvService = "POOLHUB_SERVICE"
	EnvLaunch  = "POOLHUB_LAUNCH"
	EnvPort    = "PORT"
	EnvHost    = "HOST"
)

// portToken in an argument is replaced with the assigned port at spawn.
const portToken = "{port}"

// State is the health/lifecycle state of a worker.
type State int

const (
	// StateStarting means the worker is inside its startup grace period and
	// has not yet passed a probe.
	StateStarting State = iota
	// StateHealthy means the worker passed its most recent probe.
	StateHealthy
	// StateUnhealthy means the worker answered a probe but failed it.
	StateUnhealthy
	// StateUnreachable means the probe could not reach the worker at all.
	StateUnreachable
	// StateTerminated means the process has exited or been killed.
	StateTerminated
)

// String returns the state name as it appears in status output and the
// registry.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateHealthy:
		return "Healthy"
	case StateUnhealthy:
		return "Unhealthy"
	case StateUnreachable:
		return "Unreachable"
	case StateTerminated:
		return "Terminated"
	default:
		return "InvalidState"
	}
}

// Exit is delivered to the pool when a worker process exits on its own.
// Intentional terminations do not produce an Exit.
type Exit struct {
	Worker *Worker
	Err    error
}

// Worker is one live managed process.
type Worker struct {
	Service  string
	Host     string
	Port     int
	LaunchID string
	PID      int
	PGID     int

	cmd        *exec.Cmd
	stdoutPath string
	stderrPath string
	logger     *slog.Logger

	done    chan struct{} // closed when the process has exited
	exitErr error         // valid after done is closed

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	failures    int
	lastProbe   time.Time
	lastLatency time.Duration
	stopping    bool
}

// Snapshot is a copy of a worker's observable state for status readers.
type Snapshot struct {
	Service     string        `json:"service"`
	Port        int           `json:"port"`
	PID         int           `json:"pid"`
	LaunchID    string        `json:"launch_id"`
	State       string        `json:"state"`
	StartedAt   time.Time     `json:"started_at"`
	Uptime      time.Duration `json:"uptime"`
	Failures    int           `json:"failures"`
	LastProbe   time.Time     `json:"last_probe"`
	LastLatency time.Duration `json:"last_latency"`
}

// Spawn launches one worker for the given spec on the assigned port. The
// child runs in its own process group so signals reach helpers it forks.
// When the process exits on its own an Exit is delivered on exited.
func Spawn(ctx context.Context, spec *config.ServiceSpec, host string, port int, logDir string, logger *slog.Logger, exited chan<- Exit) (*Worker, error) {
	launchID := uuid.New().String()

	args := make([]string, len(spec.Args))
	for i, arg := range spec.Args {
		args[i] = strings.ReplaceAll(arg, portToken, fmt.Sprintf("%d", port))
	}

	// The context gates the spawn only. A worker's lifetime is owned by
	// Terminate; tying it to the caller's context would kill workers when
	// a startup timeout context is released after success.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("spawning %s: %w", spec.Name, err)
	}
	cmd := exec.Command(spec.Command, args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("%s=%d", EnvPort, port),
		fmt.Sprintf("%s=%s", EnvHost, host),
		fmt.Sprintf("%s=%s", EnvService, spec.Name),
		fmt.Sprintf("%s=%s", EnvLaunch, launchID),
	)

	// The child writes its log files directly. Routing output through
	// supervisor-held pipes would SIGPIPE the worker the moment a detached
	// supervisor exits; with its own descriptors the worker keeps logging
	// no matter what happens to the supervisor.
	stdoutFile, stderrFile, err := openLogFiles(logDir, spec.Name, port)
	if err != nil {
		return nil, fmt.Errorf("spawning %s: %w", spec.Name, err)
	}
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	if err := cmd.Start(); err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		return nil, fmt.Errorf("spawning %s: %w", spec.Name, err)
	}

	// The child holds its own duplicated descriptors now.
	stdoutFile.Close()
	stderrFile.Close()

	w := &Worker{
		Service:    spec.Name,
		Host:       host,
		Port:       port,
		LaunchID:   launchID,
		PID:        cmd.Process.Pid,
		PGID:       cmd.Process.Pid, // Setpgid makes the child its own group leader.
		cmd:        cmd,
		stdoutPath: stdoutFile.Name(),
		stderrPath: stderrFile.Name(),
		logger:     logger.With("service", spec.Name, "port", port, "pid", cmd.Process.Pid),
		done:       make(chan struct{}),
		state:      StateStarting,
		startedAt:  time.Now(),
	}

	go func() {
		err := cmd.Wait()
		w.mu.Lock()
		w.exitErr = err
		w.state = StateTerminated
		intentional := w.stopping
		w.mu.Unlock()
		close(w.done)

		if !intentional && exited != nil {
			exited <- Exit{Worker: w, Err: err}
		}
	}()

	w.logger.Info("Worker spawned", "launch_id", launchID, "command", cmd.String())
	return w, nil
}

// openLogFiles opens the per-worker stdout/stderr log files, creating the
// log directory on first use. Restarted workers on the same port append.
func openLogFiles(logDir, service string, port int) (*os.File, *os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	base := filepath.Join(logDir, fmt.Sprintf("%s-%d", service, port))
	stdout, err := os.OpenFile(base+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening stdout log: %w", err)
	}
	stderr, err := os.OpenFile(base+".err", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdout.Close()
		return nil, nil, fmt.Errorf("opening stderr log: %w", err)
	}
	return stdout, stderr, nil
}

// Terminate stops the worker: SIGTERM to the process group, then SIGKILL to
// the group if it has not exited after grace. When force is set SIGKILL is
// sent immediately. Terminate is idempotent and safe on an exited worker.
func (w *Worker) Terminate(force bool, grace time.Duration) {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()

	select {
	case <-w.done:
		return // Already exited.
	default:
	}

	if force {
		w.killGroup(syscall.SIGKILL)
		<-w.done
		return
	}

	w.killGroup(syscall.SIGTERM)

	select {
	case <-w.done:
	case <-time.After(grace):
		w.logger.Warn("Worker ignored SIGTERM, escalating to SIGKILL", "grace", grace)
		w.killGroup(syscall.SIGKILL)
		<-w.done
	}
}

func (w *Worker) killGroup(sig syscall.Signal) {
	// Negative PID signals the whole group, reaching forked helpers too.
	if err := syscall.Kill(-w.PGID, sig); err != nil {
		w.logger.Debug("Signal to process group failed", "signal", sig, "error", err)
	}
}

// Done returns a channel closed once the process has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// ExitErr returns the process exit error. Only valid after Done is closed.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SetState applies a state transition.
func (w *Worker) SetState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// RecordProbe notes the outcome of a probe. A pass resets the consecutive
// failure counter; a failure increments it. It returns the updated counter.
func (w *Worker) RecordProbe(pass bool, latency time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastProbe = time.Now()
	w.lastLatency = latency
	if pass {
		w.failures = 0
	} else {
		w.failures++
	}
	return w.failures
}

// Failures returns the consecutive probe failure count.
func (w *Worker) Failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

// InGrace reports whether the worker is still inside its startup grace
// period. Probe failures inside the grace period do not evict.
func (w *Worker) InGrace(grace time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.startedAt) < grace
}

// Snapshot returns a copy of the worker's observable state.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		Service:     w.Service,
		Port:        w.Port,
		PID:         w.PID,
		LaunchID:    w.LaunchID,
		State:       w.state.String(),
		StartedAt:   w.startedAt,
		Uptime:      time.Since(w.startedAt),
		Failures:    w.failures,
		LastProbe:   w.lastProbe,
		LastLatency: w.lastLatency,
	}
}
