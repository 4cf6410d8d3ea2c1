package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/poolhub/internal/config"
	"github.com/tomyedwab/poolhub/internal/metrics"
	"github.com/tomyedwab/poolhub/internal/registry"
	"github.com/tomyedwab/poolhub/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// sleeperSpec builds a spec whose workers sleep and whose health check is
// a command, so workers pass probes without opening a socket.
func sleeperSpec(name string) *config.ServiceSpec {
	return &config.ServiceSpec{
		Name:         name,
		Command:      "sh",
		Args:         []string{"-c", "sleep 60"},
		MinInstances: 1,
		MaxInstances: 2,
		Restart:      config.RestartAlways,
		Health: config.HealthCheck{
			Kind:     config.CheckCommand,
			Target:   "true",
			Interval: 100 * time.Millisecond,
			Timeout:  time.Second,
			Grace:    5 * time.Second,
			Failures: 3,
		},
	}
}

func testConfig(t *testing.T, portMin, portMax int, services map[string]*config.ServiceSpec) *config.Config {
	t.Helper()
	tmp := t.TempDir()
	for name, spec := range services {
		spec.Name = name
	}
	return &config.Config{
		Settings: config.Settings{
			Host:            "127.0.0.1",
			PortMin:         portMin,
			PortMax:         portMax,
			HealthInterval:  100 * time.Millisecond,
			StartupTimeout:  10 * time.Second,
			ShutdownTimeout: 2 * time.Second,
			LogLevel:        "info",
			LogDirectory:    filepath.Join(tmp, "logs"),
			DataDirectory:   tmp,
			EndpointsFile:   filepath.Join(tmp, "endpoints.json"),
		},
		Services: services,
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg, testLogger(), metrics.NewNoop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() {
		o.StopAttached(true)
		o.Close()
	})
	return o
}

func firstEvent(events []registry.Event, eventType registry.EventType) (registry.Event, bool) {
	for _, ev := range events {
		if ev.EventType == string(eventType) {
			return ev, true
		}
	}
	return registry.Event{}, false
}

func TestDependencyCycleRejectedBeforeAnySpawn(t *testing.T) {
	a := sleeperSpec("a")
	a.DependsOn = []string{"b"}
	b := sleeperSpec("b")
	b.DependsOn = []string{"a"}
	cfg := testConfig(t, 42400, 42409, map[string]*config.ServiceSpec{"a": a, "b": b})

	_, err := New(cfg, testLogger(), metrics.NewNoop())
	if err == nil {
		t.Fatal("Expected New to reject a dependency cycle")
	}
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for a cycle, got %v", err)
	}
}

func TestStartRespectsDependencyOrder(t *testing.T) {
	a := sleeperSpec("upstream")
	b := sleeperSpec("downstream")
	b.DependsOn = []string{"upstream"}
	cfg := testConfig(t, 42410, 42419, map[string]*config.ServiceSpec{"upstream": a, "downstream": b})
	o := newTestOrchestrator(t, cfg)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	upEvents, err := o.Registry().ServiceEvents("upstream", 50)
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	downEvents, err := o.Registry().ServiceEvents("downstream", 50)
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}

	upHealthy, ok := firstEvent(upEvents, registry.EventHealthy)
	if !ok {
		t.Fatalf("Upstream never became healthy: %+v", upEvents)
	}
	downSpawned, ok := firstEvent(downEvents, registry.EventSpawned)
	if !ok {
		t.Fatalf("Downstream never spawned: %+v", downEvents)
	}
	if downSpawned.Timestamp < upHealthy.Timestamp {
		t.Error("Downstream spawned before upstream was healthy")
	}
}

func TestStartIsRefusedWhileWorkersAlive(t *testing.T) {
	cfg := testConfig(t, 42420, 42429, map[string]*config.ServiceSpec{"solo": sleeperSpec("solo")})
	o := newTestOrchestrator(t, cfg)

	ctx := context.Background()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("First start returned error: %v", err)
	}
	if err := o.Start(ctx); err == nil {
		t.Error("Expected second start to be refused while workers are alive")
	}
}

func TestFailedStartRollsBackStartedServices(t *testing.T) {
	good := sleeperSpec("good")
	bad := sleeperSpec("bad")
	bad.DependsOn = []string{"good"}
	bad.Health.Target = "false" // never passes
	bad.Health.Grace = 300 * time.Millisecond
	cfg := testConfig(t, 42430, 42439, map[string]*config.ServiceSpec{"good": good, "bad": bad})
	cfg.Settings.StartupTimeout = 2 * time.Second
	o := newTestOrchestrator(t, cfg)

	err := o.Start(context.Background())
	if err == nil {
		t.Fatal("Expected Start to fail for an unhealthy service")
	}
	if !errors.Is(err, ErrStartupFailed) {
		t.Errorf("Expected ErrStartupFailed, got %v", err)
	}

	// All-or-nothing: the service that did start must be gone.
	rows, listErr := o.Registry().ListAll()
	if listErr != nil {
		t.Fatalf("Failed to list registry: %v", listErr)
	}
	if len(rows) != 0 {
		t.Errorf("Expected empty registry after rollback, got %d rows", len(rows))
	}
	for _, status := range o.Status() {
		if status.Total != 0 {
			t.Errorf("Service %s still has %d workers after rollback", status.Service, status.Total)
		}
	}
}

func TestDetachedStopTerminatesRegisteredWorkers(t *testing.T) {
	cfg := testConfig(t, 42440, 42449, map[string]*config.ServiceSpec{
		"front": sleeperSpec("front"),
		"back":  sleeperSpec("back"),
	})
	o := newTestOrchestrator(t, cfg)

	ctx := context.Background()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	rows, err := o.Registry().ListAll()
	if err != nil || len(rows) != 2 {
		t.Fatalf("Expected 2 registry rows, got %d (err %v)", len(rows), err)
	}
	o.Close()

	// A fresh orchestrator over the same data directory stands in for a
	// later CLI invocation after the first supervisor exited.
	o2 := newTestOrchestrator(t, cfg)
	if err := o2.StopDetached(ctx, false); err != nil {
		t.Fatalf("StopDetached returned error: %v", err)
	}

	for _, row := range rows {
		if processAlive(row.PID) {
			t.Errorf("Worker %s pid %d still alive after detached stop", row.Service, row.PID)
		}
	}
	left, _ := o2.Registry().ListAll()
	if len(left) != 0 {
		t.Errorf("Expected empty registry after detached stop, got %d rows", len(left))
	}
}

func TestDetachedStatusReportsRecordedWorkers(t *testing.T) {
	cfg := testConfig(t, 42450, 42459, map[string]*config.ServiceSpec{"svc": sleeperSpec("svc")})
	o := newTestOrchestrator(t, cfg)

	ctx := context.Background()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	statuses, err := o.StatusDetached()
	if err != nil {
		t.Fatalf("StatusDetached returned error: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("Expected 1 service status, got %d", len(statuses))
	}
	st := statuses[0]
	if st.Service != "svc" || st.Healthy != 1 || st.Total != 1 {
		t.Errorf("Unexpected status %+v", st)
	}

	// Kill the worker behind the registry's back; detached status must
	// observe the death without mutating the row.
	pid := st.Workers[0].PID
	syscall.Kill(-pid, syscall.SIGKILL)
	deadline := time.Now().Add(2 * time.Second)
	for processAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	statuses, err = o.StatusDetached()
	if err != nil {
		t.Fatalf("StatusDetached returned error: %v", err)
	}
	if got := statuses[0].Workers[0].State; got != worker.StateTerminated.String() {
		t.Errorf("Expected dead worker reported Terminated, got %s", got)
	}
	rows, _ := o.Registry().ListAll()
	if len(rows) != 1 {
		t.Errorf("Detached status must not mutate the registry, got %d rows", len(rows))
	}
}

func TestCleanupKillsStampedOrphans(t *testing.T) {
	ghost := sleeperSpec("ghost")
	// A command nothing on the machine runs, so only the environment stamp
	// can match.
	ghost.Command = "/opt/poolhub-test/ghost-worker"
	cfg := testConfig(t, 42460, 42469, map[string]*config.ServiceSpec{"ghost": ghost})
	o := newTestOrchestrator(t, cfg)

	// A stamped process with no registry row stands in for a worker left
	// behind by a crashed supervisor.
	orphanCmd := exec.Command("sleep", "60")
	orphanCmd.Env = append(os.Environ(),
		"POOLHUB_SERVICE=ghost",
		"POOLHUB_LAUNCH="+uuid.New().String(),
	)
	orphanCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := orphanCmd.Start(); err != nil {
		t.Fatalf("Failed to start orphan process: %v", err)
	}
	pid := orphanCmd.Process.Pid
	t.Cleanup(func() {
		syscall.Kill(-pid, syscall.SIGKILL)
		orphanCmd.Wait()
	})

	killed, err := o.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup returned error: %v", err)
	}
	if killed < 1 {
		t.Fatalf("Expected cleanup to kill the orphan, killed %d", killed)
	}

	go orphanCmd.Wait() // reap so the PID does not linger as a zombie
	deadline := time.Now().Add(3 * time.Second)
	for processAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if processAlive(pid) {
		t.Errorf("Orphan pid %d still alive after cleanup", pid)
	}

	events, _ := o.Registry().ServiceEvents("ghost", 50)
	if _, ok := firstEvent(events, registry.EventOrphanKilled); !ok {
		t.Errorf("Journal missing orphan_killed event: %+v", events)
	}
}

func TestCleanupIgnoresForeignStamps(t *testing.T) {
	mine := sleeperSpec("mine")
	mine.Command = "/opt/poolhub-test/mine-worker"
	cfg := testConfig(t, 42470, 42479, map[string]*config.ServiceSpec{"mine": mine})
	o := newTestOrchestrator(t, cfg)

	foreign := exec.Command("sleep", "60")
	foreign.Env = append(os.Environ(),
		"POOLHUB_SERVICE=someone-elses-service",
		"POOLHUB_LAUNCH="+uuid.New().String(),
	)
	foreign.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := foreign.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	pid := foreign.Process.Pid
	t.Cleanup(func() {
		syscall.Kill(-pid, syscall.SIGKILL)
		foreign.Wait()
	})

	if _, err := o.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup returned error: %v", err)
	}
	if !processAlive(pid) {
		t.Error("Cleanup killed a process stamped for a service outside this configuration")
	}
}

func TestRestartDetachedReplacesWorkers(t *testing.T) {
	cfg := testConfig(t, 42480, 42489, map[string]*config.ServiceSpec{"svc": sleeperSpec("svc")})
	o := newTestOrchestrator(t, cfg)

	ctx := context.Background()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	before, _ := o.Registry().ListService("svc")
	if len(before) != 1 {
		t.Fatalf("Expected 1 row before restart, got %d", len(before))
	}

	if err := o.RestartDetached(ctx, "svc"); err != nil {
		t.Fatalf("RestartDetached returned error: %v", err)
	}

	after, _ := o.Registry().ListService("svc")
	if len(after) != 1 {
		t.Fatalf("Expected 1 row after restart, got %d", len(after))
	}
	if after[0].LaunchID == before[0].LaunchID {
		t.Error("Restart kept the same worker")
	}
	if processAlive(before[0].PID) {
		t.Errorf("Old worker pid %d survived restart", before[0].PID)
	}

	if err := o.RestartDetached(ctx, "nope"); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for unknown service, got %v", err)
	}
}

func TestShutdownStateMachineSingleTransition(t *testing.T) {
	var s shutdownState
	if s.current() != stateRunning {
		t.Fatalf("Expected initial Running state, got %d", s.current())
	}
	if !s.beginDrain() {
		t.Error("First beginDrain must win the transition")
	}
	if s.beginDrain() {
		t.Error("Second beginDrain must not re-enter the graceful path")
	}
	if s.current() != stateDraining {
		t.Errorf("Expected Draining, got %d", s.current())
	}
	s.finish()
	if s.current() != stateStopped {
		t.Errorf("Expected Stopped, got %d", s.current())
	}
	if s.beginDrain() {
		t.Error("beginDrain after Stopped must fail")
	}
}

func TestBuildRunsConfiguredCommand(t *testing.T) {
	cfg := testConfig(t, 42490, 42499, map[string]*config.ServiceSpec{"svc": sleeperSpec("svc")})
	marker := filepath.Join(t.TempDir(), "built")
	cfg.Settings.BuildCommand = fmt.Sprintf("touch %s", marker)
	o := newTestOrchestrator(t, cfg)

	if err := o.Build(context.Background()); err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("Build command did not run: %v", err)
	}

	cfg.Settings.BuildCommand = "exit 3"
	if err := o.Build(context.Background()); err == nil {
		t.Error("Expected error from failing build command")
	}
}

func TestDetachedStopHandlesRowsWithoutProcessGroup(t *testing.T) {
	cfg := testConfig(t, 42600, 42609, map[string]*config.ServiceSpec{"solo": sleeperSpec("solo")})
	o := newTestOrchestrator(t, cfg)

	// A row recorded without a process group, as a hand-repaired registry
	// might hold. Stopping it must signal the PID directly; signalling
	// group zero would take down the supervisor itself.
	decoy := exec.Command("sleep", "60")
	if err := decoy.Start(); err != nil {
		t.Fatalf("Failed to start decoy process: %v", err)
	}
	go decoy.Wait()
	t.Cleanup(func() { decoy.Process.Kill() })

	row := registry.WorkerRow{
		LaunchID: uuid.New().String(),
		Service:  "solo",
		Port:     42600,
		PID:      decoy.Process.Pid,
		PGID:     0,
		State:    worker.StateHealthy.String(),
	}
	if err := o.Registry().Record(row); err != nil {
		t.Fatalf("Failed to record row: %v", err)
	}

	if err := o.StopDetached(context.Background(), false); err != nil {
		t.Fatalf("StopDetached returned error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && processAlive(decoy.Process.Pid) {
		time.Sleep(50 * time.Millisecond)
	}
	if processAlive(decoy.Process.Pid) {
		t.Errorf("Worker %d still alive after detached stop", decoy.Process.Pid)
	}

	rows, err := o.Registry().ListAll()
	if err != nil {
		t.Fatalf("Failed to list registry: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected empty registry after stop, got %d rows", len(rows))
	}
}
