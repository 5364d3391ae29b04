//go:build linux

package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/corewire/dbgengine/internal/arch"
	"github.com/corewire/dbgengine/internal/cmdqueue"
	"github.com/corewire/dbgengine/internal/hwbp"
	"github.com/corewire/dbgengine/internal/hwwp"
	"github.com/corewire/dbgengine/internal/swbp"
)

// SetBreakpointArgs is the typed payload of cmdqueue.SetBreakpoint.
type SetBreakpointArgs struct {
	Addr        uint64
	TargetCount uint64
	IsSoftware  bool
}

// RemoveBreakpointArgs is the typed payload of cmdqueue.RemoveBreakpoint.
type RemoveBreakpointArgs struct {
	Addr       uint64
	IsSoftware bool
}

// SetWatchpointArgs is the typed payload of cmdqueue.SetWatchpoint.
type SetWatchpointArgs struct {
	Addr uint64
	Size int
	Kind arch.WatchKind
}

// RemoveWatchpointArgs is the typed payload of cmdqueue.RemoveWatchpoint.
type RemoveWatchpointArgs struct {
	Addr uint64
}

// ContinueExecutionArgs is the typed payload of cmdqueue.ContinueExecution.
type ContinueExecutionArgs struct {
	ThreadID int32
}

// SingleStepArgs is the typed payload of cmdqueue.SingleStep.
type SingleStepArgs struct {
	ThreadID int32
}

// ReadRegisterArgs is the typed payload of cmdqueue.ReadRegister.
type ReadRegisterArgs struct {
	ThreadID int32
	Name     string
}

// WriteRegisterArgs is the typed payload of cmdqueue.WriteRegister.
type WriteRegisterArgs struct {
	ThreadID int32
	Name     string
	Value    uint64
}

// ReadMemoryArgs is the typed payload of cmdqueue.ReadMemory.
type ReadMemoryArgs struct {
	Addr uint64
	Size int
}

func argsError(cmd *cmdqueue.Command) {
	cmd.Reply(cmdqueue.Result{Err: newError("InternalInvariant", "%s: unexpected args type %T", cmd.Kind, cmd.Args)})
}

// translateTableError maps the hwbp/hwwp/swbp sentinel errors onto the
// engine's own error taxonomy (spec.md §7) so clients never see an
// internal package's error type.
func translateTableError(err error) error {
	switch {
	case errors.Is(err, hwbp.ErrTableFull), errors.Is(err, hwwp.ErrTableFull), errors.Is(err, swbp.ErrCapacityExceeded):
		return ErrNoFreeSlot
	case errors.Is(err, hwbp.ErrDuplicateAddress), errors.Is(err, hwwp.ErrDuplicateAddress), errors.Is(err, swbp.ErrDuplicateAddress):
		return ErrDuplicateAddress
	case errors.Is(err, swbp.ErrNotSet), errors.Is(err, hwbp.ErrSlotNotSet), errors.Is(err, hwwp.ErrSlotNotSet):
		return ErrNotFound
	default:
		return err
	}
}

func (e *Engine) doSetBreakpoint(cmd *cmdqueue.Command) {
	args, ok := cmd.Args.(SetBreakpointArgs)
	if !ok {
		argsError(cmd)
		return
	}

	if args.IsSoftware {
		tids := e.attachedTids()
		if len(tids) == 0 {
			cmd.Reply(cmdqueue.Result{Err: ErrNotAttached})
			return
		}
		if err := e.swbp.Add(tids[0], args.Addr, args.TargetCount); err != nil {
			cmd.Reply(cmdqueue.Result{Err: translateTableError(err)})
			return
		}
		cmd.Reply(cmdqueue.Result{Value: -1})
		return
	}

	newlyStopped, err := e.herder.StopAll(context.Background())
	if err != nil {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: %v", ErrStopAllFailed, err)})
		return
	}
	tids := e.attachedTids()
	slot, err := e.hwbp.Add(tids, args.Addr, args.TargetCount)
	_ = e.herder.ResumeAll(e.filterUserStopped(newlyStopped), 0)
	if err != nil {
		cmd.Reply(cmdqueue.Result{Err: translateTableError(err)})
		return
	}
	cmd.Reply(cmdqueue.Result{Value: slot})
}

func (e *Engine) doRemoveBreakpoint(cmd *cmdqueue.Command) {
	args, ok := cmd.Args.(RemoveBreakpointArgs)
	if !ok {
		argsError(cmd)
		return
	}

	if args.IsSoftware {
		tids := e.attachedTids()
		if len(tids) == 0 {
			cmd.Reply(cmdqueue.Result{Err: ErrNotAttached})
			return
		}
		if err := e.swbp.Remove(tids[0], args.Addr); err != nil {
			cmd.Reply(cmdqueue.Result{Err: translateTableError(err)})
			return
		}
		cmd.Reply(cmdqueue.Result{Value: true})
		return
	}

	slot, found := e.hwbp.SlotForAddr(args.Addr)
	if !found {
		cmd.Reply(cmdqueue.Result{Err: ErrNotFound})
		return
	}
	newlyStopped, stopErr := e.herder.StopAll(context.Background())
	if stopErr != nil {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: %v", ErrStopAllFailed, stopErr)})
		return
	}
	tids := e.attachedTids()
	err := e.hwbp.Remove(tids, slot)
	_ = e.herder.ResumeAll(e.filterUserStopped(newlyStopped), 0)
	if err != nil {
		cmd.Reply(cmdqueue.Result{Err: translateTableError(err)})
		return
	}
	cmd.Reply(cmdqueue.Result{Value: true})
}

func (e *Engine) doSetWatchpoint(cmd *cmdqueue.Command) {
	args, ok := cmd.Args.(SetWatchpointArgs)
	if !ok {
		argsError(cmd)
		return
	}

	newlyStopped, stopErr := e.herder.StopAll(context.Background())
	if stopErr != nil {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: %v", ErrStopAllFailed, stopErr)})
		return
	}
	tids := e.attachedTids()
	slot, err := e.hwwp.Add(tids, args.Addr, args.Size, args.Kind, 0)
	_ = e.herder.ResumeAll(e.filterUserStopped(newlyStopped), 0)
	if err != nil {
		cmd.Reply(cmdqueue.Result{Err: translateTableError(err)})
		return
	}
	cmd.Reply(cmdqueue.Result{Value: slot})
}

func (e *Engine) doRemoveWatchpoint(cmd *cmdqueue.Command) {
	args, ok := cmd.Args.(RemoveWatchpointArgs)
	if !ok {
		argsError(cmd)
		return
	}

	slot, found := e.hwwp.SlotForAddr(args.Addr)
	if !found {
		cmd.Reply(cmdqueue.Result{Err: ErrNotFound})
		return
	}
	newlyStopped, stopErr := e.herder.StopAll(context.Background())
	if stopErr != nil {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: %v", ErrStopAllFailed, stopErr)})
		return
	}
	tids := e.attachedTids()
	err := e.hwwp.Remove(tids, slot)
	_ = e.herder.ResumeAll(e.filterUserStopped(newlyStopped), 0)
	if err != nil {
		cmd.Reply(cmdqueue.Result{Err: translateTableError(err)})
		return
	}
	cmd.Reply(cmdqueue.Result{Value: true})
}

func (e *Engine) doContinue(cmd *cmdqueue.Command) {
	args, ok := cmd.Args.(ContinueExecutionArgs)
	if !ok {
		argsError(cmd)
		return
	}
	ts := e.threadState(args.ThreadID)
	sig := unix.Signal(ts.PendingSignal)
	ts.PendingSignal = 0
	if err := e.ops.Cont(int(args.ThreadID), sig); err != nil {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: %v", ErrThreadGone, err)})
		return
	}
	ts.IsStopped = false
	ts.StoppedByUser = false
	cmd.Reply(cmdqueue.Result{Value: true})
}

func (e *Engine) doSingleStep(cmd *cmdqueue.Command) {
	args, ok := cmd.Args.(SingleStepArgs)
	if !ok {
		argsError(cmd)
		return
	}
	if err := e.ops.SingleStep(int(args.ThreadID), 0); err != nil {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: %v", ErrThreadGone, err)})
		return
	}
	ts := e.threadState(args.ThreadID)
	ts.IsStopped = false
	ts.StoppedByUser = false
	cmd.Reply(cmdqueue.Result{Value: true})
}

func (e *Engine) doReadRegister(cmd *cmdqueue.Command) {
	args, ok := cmd.Args.(ReadRegisterArgs)
	if !ok {
		argsError(cmd)
		return
	}
	regs, err := e.ops.GetRegs(int(args.ThreadID), e.arch)
	if err != nil {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: %v", ErrThreadGone, err)})
		return
	}
	val, err := arch.GetRegister(e.arch, regs, args.Name)
	if err != nil {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: %v", ErrUnknownRegister, err)})
		return
	}
	cmd.Reply(cmdqueue.Result{Value: val})
}

func (e *Engine) doWriteRegister(cmd *cmdqueue.Command) {
	args, ok := cmd.Args.(WriteRegisterArgs)
	if !ok {
		argsError(cmd)
		return
	}
	regs, err := e.ops.GetRegs(int(args.ThreadID), e.arch)
	if err != nil {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: %v", ErrThreadGone, err)})
		return
	}
	if err := arch.SetRegister(e.arch, &regs, args.Name, args.Value); err != nil {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: %v", ErrUnknownRegister, err)})
		return
	}
	if err := e.ops.SetRegs(int(args.ThreadID), e.arch, regs); err != nil {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: %v", ErrThreadGone, err)})
		return
	}
	cmd.Reply(cmdqueue.Result{Value: true})
}

func (e *Engine) doReadMemory(cmd *cmdqueue.Command) {
	args, ok := cmd.Args.(ReadMemoryArgs)
	if !ok {
		argsError(cmd)
		return
	}
	tids := e.attachedTids()
	if len(tids) == 0 {
		cmd.Reply(cmdqueue.Result{Err: ErrNotAttached})
		return
	}
	buf := make([]byte, args.Size)
	n, err := e.ops.PeekText(int(tids[0]), uintptr(args.Addr), buf)
	if err != nil {
		cmd.Reply(cmdqueue.Result{Err: fmt.Errorf("%w: %v", ErrInvalidAddress, err)})
		return
	}
	cmd.Reply(cmdqueue.Result{Value: buf[:n]})
}

// filterUserStopped drops any tid whose thread is currently
// stopped_by_user from a stop-all's newly-stopped list, so a table edit's
// resume-all never wakes a thread the client is still holding stopped at
// a delivered breakpoint/watchpoint/signal (spec.md §4.2).
func (e *Engine) filterUserStopped(tids []int32) []int32 {
	out := make([]int32, 0, len(tids))
	for _, tid := range tids {
		if !e.threadState(tid).StoppedByUser {
			out = append(out, tid)
		}
	}
	return out
}

// doResumeAllUserStopped implements ResumeAllUserStoppedThreads: resume
// every thread the client left parked at a delivered breakpoint,
// watchpoint, or signal (spec.md §4.2's stopped_by_user flag), forwarding
// any signal it was parked with. This is distinct from the herder's
// internal StopAll/ResumeAll pairing used around table edits — those
// threads were never recorded as herder-Stopped in the first place, since
// their stop arrived as an ordinary dispatch() event, not a herder
// interrupt.
func (e *Engine) doResumeAllUserStopped(cmd *cmdqueue.Command) {
	e.mu.Lock()
	tids := make([]int32, 0, len(e.threadStates))
	for tid, ts := range e.threadStates {
		if ts.StoppedByUser {
			tids = append(tids, tid)
		}
	}
	e.mu.Unlock()

	var firstErr error
	for _, tid := range tids {
		ts := e.threadState(tid)
		sig := unix.Signal(ts.PendingSignal)
		if err := e.ops.Cont(int(tid), sig); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: tid %d: %v", ErrThreadGone, tid, err)
			}
			continue
		}
		ts.PendingSignal = 0
		ts.IsStopped = false
		ts.StoppedByUser = false
	}
	if firstErr != nil {
		cmd.Reply(cmdqueue.Result{Err: firstErr})
		return
	}
	cmd.Reply(cmdqueue.Result{Value: true})
}

// doReapplyWatchpoints implements the ReapplyWatchpoints command (spec.md
// §4.1): re-arm every live hardware breakpoint and watchpoint on every
// currently attached thread, for a client that wants to force the tables
// back in sync rather than wait on lazy per-stop discovery.
func (e *Engine) doReapplyWatchpoints(cmd *cmdqueue.Command) {
	for _, tid := range e.attachedTids() {
		e.installTablesOnThread(tid)
	}
	cmd.Reply(cmdqueue.Result{Value: true})
}
