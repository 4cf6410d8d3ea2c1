package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/tomyedwab/poolhub/internal/registry"
)

// How long Cleanup waits between SIGTERM and SIGKILL for an orphan.
const orphanKillWindow = 5 * time.Second

type orphan struct {
	pid     int
	pgid    int
	service string
	detail  string
}

// Cleanup sweeps the process table for orphaned workers: processes that
// carry the supervisor's environment stamp, or whose command line matches
// a configured spec, but are not tracked by a live registry row. Orphans
// get SIGTERM, a poll window, then SIGKILL, and every kill is journaled.
// Registry rows whose recorded PID is dead are pruned along the way.
// Returns the number of orphans terminated.
func (o *Orchestrator) Cleanup(ctx context.Context) (int, error) {
	rows, err := o.reg.ListAll()
	if err != nil {
		return 0, fmt.Errorf("reading worker registry: %w", err)
	}

	liveLaunch := make(map[string]bool)
	livePID := make(map[int]bool)
	for _, row := range rows {
		if processAlive(row.PID) {
			liveLaunch[row.LaunchID] = true
			livePID[row.PID] = true
			continue
		}
		o.logger.Info("Pruning registry row for dead worker",
			"service", row.Service, "port", row.Port, "pid", row.PID)
		o.reg.Delete(row.LaunchID)
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerating processes: %w", err)
	}

	self := os.Getpid()
	var orphans []orphan
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == self || livePID[pid] {
			continue
		}

		service, launch := supervisorStamp(ctx, p)
		if launch != "" {
			if liveLaunch[launch] {
				continue
			}
			// Only sweep services this configuration defines; another
			// deployment's workers on the same host are not ours to kill.
			if _, ok := o.cfg.Services[service]; !ok {
				continue
			}
			orphans = append(orphans, orphan{
				pid:     pid,
				pgid:    groupOf(pid),
				service: service,
				detail:  "stamped launch " + launch,
			})
			continue
		}

		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if name := o.matchSpecCommand(cmdline); name != "" {
			orphans = append(orphans, orphan{
				pid:     pid,
				pgid:    groupOf(pid),
				service: name,
				detail:  "command line matches spec",
			})
		}
	}

	if len(orphans) == 0 {
		o.logger.Info("No orphaned workers found")
		return 0, nil
	}

	for _, orph := range orphans {
		o.logger.Warn("Terminating orphaned worker",
			"service", orph.service, "pid", orph.pid, "reason", orph.detail)
		o.signalOrphan(orph, syscall.SIGTERM)
	}

	deadline := time.Now().Add(orphanKillWindow)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		remaining := false
		for _, orph := range orphans {
			if processAlive(orph.pid) {
				remaining = true
				break
			}
		}
		if !remaining {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, orph := range orphans {
		if processAlive(orph.pid) {
			o.logger.Warn("Orphan survived SIGTERM, killing", "service", orph.service, "pid", orph.pid)
			o.signalOrphan(orph, syscall.SIGKILL)
		}
		o.reg.AppendEvent(orph.service, 0, orph.pid, registry.EventOrphanKilled, orph.detail)
	}
	return len(orphans), nil
}

func (o *Orchestrator) signalOrphan(orph orphan, sig syscall.Signal) {
	if orph.pgid > 0 {
		syscall.Kill(-orph.pgid, sig)
		return
	}
	syscall.Kill(orph.pid, sig)
}

// supervisorStamp extracts the POOLHUB_SERVICE / POOLHUB_LAUNCH pair from
// a process's environment. Processes we may not inspect read as unstamped.
func supervisorStamp(ctx context.Context, p *process.Process) (service, launch string) {
	environ, err := p.EnvironWithContext(ctx)
	if err != nil {
		return "", ""
	}
	for _, kv := range environ {
		if v, ok := strings.CutPrefix(kv, "POOLHUB_SERVICE="); ok {
			service = v
		}
		if v, ok := strings.CutPrefix(kv, "POOLHUB_LAUNCH="); ok {
			launch = v
		}
	}
	return service, launch
}

// matchSpecCommand reports which configured service, if any, a command
// line belongs to: the command itself plus every static argument must
// appear. Catches pre-registry strays that lost their environment stamp.
func (o *Orchestrator) matchSpecCommand(cmdline string) string {
	for name, spec := range o.cfg.Services {
		if !strings.Contains(cmdline, spec.Command) {
			continue
		}
		matched := true
		for _, arg := range spec.Args {
			if strings.Contains(arg, "{port}") {
				continue
			}
			if !strings.Contains(cmdline, arg) {
				matched = false
				break
			}
		}
		if matched {
			return name
		}
	}
	return ""
}

// groupOf returns a PID's process group, or 0 when it cannot be read.
func groupOf(pid int) int {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}
