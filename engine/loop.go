//go:build linux

package engine

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/corewire/dbgengine/internal/cmdqueue"
	"github.com/corewire/dbgengine/internal/ptrace"
)

// loop is the debug thread's main iteration (spec.md §4.1):
//  1. drain and execute ready commands
//  2. harvest any pending wait event (non-blocking)
//  3. dispatch any stop event through the exception classifier
//
// It never blocks except in the rate limiter's short idle wait, so the
// command queue stays responsive.
func (e *Engine) loop() {
	for {
		select {
		case <-e.doneCh:
			return
		default:
		}

		for _, cmd := range e.queue.TryDequeue() {
			e.execute(cmd)
		}

		for _, ev := range e.herder.DrainPending() {
			e.dispatch(ev.Tid, ev.Result)
		}

		res, err := e.ops.Wait(-1, false)
		switch {
		case err == nil:
			e.dispatch(res.Tid, res)
		case ptrace.ErrNoEvent(err):
			_ = e.limiter.Wait(context.Background())
		case err == unix.ECHILD:
			// No tracee left to wait on; nothing to do until a command
			// arrives (e.g. this engine instance is between spawn calls).
			_ = e.limiter.Wait(context.Background())
		default:
			e.log.Warningf("wait4 error: %v", err)
			_ = e.limiter.Wait(context.Background())
		}
	}
}

func (e *Engine) execute(cmd *cmdqueue.Command) {
	// spec.md §7: a Degraded engine refuses further commands.
	if e.Degraded() {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: engine is degraded", ErrInternalInvariant)})
		return
	}
	switch cmd.Kind {
	case cmdqueue.SetBreakpoint:
		e.doSetBreakpoint(cmd)
	case cmdqueue.RemoveBreakpoint:
		e.doRemoveBreakpoint(cmd)
	case cmdqueue.SetWatchpoint:
		e.doSetWatchpoint(cmd)
	case cmdqueue.RemoveWatchpoint:
		e.doRemoveWatchpoint(cmd)
	case cmdqueue.ContinueExecution:
		e.doContinue(cmd)
	case cmdqueue.SingleStep:
		e.doSingleStep(cmd)
	case cmdqueue.ReadRegister:
		e.doReadRegister(cmd)
	case cmdqueue.WriteRegister:
		e.doWriteRegister(cmd)
	case cmdqueue.ReadMemory:
		e.doReadMemory(cmd)
	case cmdqueue.ResumeAllUserStoppedThreads:
		e.doResumeAllUserStopped(cmd)
	case cmdqueue.ReapplyWatchpoints:
		e.doReapplyWatchpoints(cmd)
	default:
		cmd.Reply(cmdqueue.Result{Err: newError("InternalInvariant", "unhandled command kind %s", cmd.Kind)})
	}
}
