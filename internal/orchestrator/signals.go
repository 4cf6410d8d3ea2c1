package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/tomyedwab/poolhub/internal/registry"
)

// The shutdown state machine: Running until the first SIGINT/SIGTERM (or
// context cancellation), Draining while the graceful stop runs, Stopped
// when every pool has been drained. The transition out of Running is a
// single compare-and-swap, so repeated signals can never re-enter the
// graceful path; a second signal during Draining escalates instead.
type shutdownState struct {
	state atomic.Int32
}

const (
	stateRunning int32 = iota
	stateDraining
	stateStopped
)

// beginDrain attempts the Running -> Draining transition. It returns true
// only for the caller that actually performed it.
func (s *shutdownState) beginDrain() bool {
	return s.state.CompareAndSwap(stateRunning, stateDraining)
}

func (s *shutdownState) finish() {
	s.state.Store(stateStopped)
}

func (s *shutdownState) current() int32 {
	return s.state.Load()
}

// awaitShutdown blocks until a graceful drain completes. The first signal
// (or context cancellation) starts the drain; any further signal while
// draining SIGKILLs every process group still in the registry so the
// drain's waits return immediately.
func (o *Orchestrator) awaitShutdown(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	drained := make(chan struct{})
	startDrain := func() bool {
		if !o.shutdown.beginDrain() {
			return false
		}
		go func() {
			o.StopAttached(false)
			o.shutdown.finish()
			close(drained)
		}()
		return true
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil // fire once
			startDrain()
		case sig := <-sigCh:
			if startDrain() {
				o.logger.Info("Signal received, draining", "signal", sig.String())
			} else if o.shutdown.current() == stateDraining {
				o.logger.Warn("Second signal while draining, force killing remaining workers", "signal", sig.String())
				o.forceKillRegistered()
			}
		case <-drained:
			return
		}
	}
}

// forceKillRegistered SIGKILLs every process group the registry still
// tracks. Used for signal escalation while a graceful drain is running.
func (o *Orchestrator) forceKillRegistered() {
	rows, err := o.reg.ListAll()
	if err != nil {
		o.logger.Error("Failed to list registry for force kill", "error", err)
		return
	}
	for _, row := range rows {
		signalRow(row, syscall.SIGKILL)
		o.reg.AppendEvent(row.Service, row.Port, row.PID, registry.EventKilled, "signal escalation")
	}
}
