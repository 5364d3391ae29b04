//go:build linux

// Exception classification and the single-step re-arm state machine
// (spec.md §4.4/§4.5): the only place in the engine that turns a raw
// wait() stop into either a silent internal re-arm or a delivered
// ExceptionRecord.
package engine

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/corewire/dbgengine/internal/arch"
	"github.com/corewire/dbgengine/internal/hwbp"
	"github.com/corewire/dbgengine/internal/hwwp"
	"github.com/corewire/dbgengine/internal/ptrace"
	"github.com/corewire/dbgengine/internal/signalpolicy"
)

func (e *Engine) dispatch(tid int32, res ptrace.WaitResult) {
	if res.Exited || res.Signaled {
		e.handleThreadExit(tid)
		return
	}
	if !res.Stopped {
		return
	}

	// Lazy thread discovery (spec.md §4.2): a thread that clone()'d off an
	// already-traced thread arrives here already attached at the kernel
	// level (PTRACE_O_TRACECLONE is set on every seize), but the herder
	// has never recorded it. Record it and bring its hardware state up to
	// date with every live breakpoint/watchpoint before processing its
	// stop, so testable invariant #1 (every used slot on every attached
	// thread) holds for threads discovered after the fact too.
	if e.herder.RecordIfUnknown(tid) {
		e.installTablesOnThread(tid)
	}

	ts := e.threadState(tid)
	ts.IsStopped = true

	if res.StopSignal != unix.SIGTRAP {
		e.dispatchSignal(tid, ts, res.StopSignal)
		return
	}
	e.dispatchTrap(tid, ts)
}

func (e *Engine) handleThreadExit(tid int32) {
	e.mu.Lock()
	delete(e.threadStates, tid)
	e.mu.Unlock()
	e.deliver(ExceptionRecord{Kind: ExceptionThreadExited, ThreadID: tid})
}

// dispatchSignal implements spec.md §4.6. SIGSTOP/SIGCONT are always
// forwarded and never reported unless a caller has explicitly configured
// otherwise; an unconfigured SIGTRAP is always intercepted, matching the
// data model's stated default.
func (e *Engine) dispatchSignal(tid int32, ts *ThreadRuntimeState, sig unix.Signal) {
	if sig == unix.SIGSTOP || sig == unix.SIGCONT {
		if !e.signalConfigured(int(sig)) {
			ts.PendingSignal = int(sig)
			return
		}
	}

	d := e.signals.GetSignalConfig(int(sig))
	if sig == unix.SIGTRAP && !e.signalConfigured(int(sig)) {
		d = signalpolicy.Disposition{Intercept: true, Pass: false, Report: false}
	}

	if d.Report {
		regs, err := e.ops.GetRegs(int(tid), e.arch)
		if err == nil {
			e.deliver(ExceptionRecord{
				Kind:     ExceptionSignal,
				ThreadID: tid,
				PC:       regs.PC(),
				Regs:     regs,
				Signal:   int(sig),
			})
			// A reported signal leaves the thread parked for the client to
			// resume explicitly (spec.md §4.2's stopped_by_user flag), so a
			// concurrent stop-all/resume-all for an unrelated table edit
			// must not wake it.
			ts.StoppedByUser = true
		}
	}

	switch {
	case d.Intercept:
		ts.PendingSignal = 0
	case d.Pass:
		ts.PendingSignal = int(sig)
	default:
		ts.PendingSignal = 0
	}
}

func (e *Engine) signalConfigured(sig int) bool {
	for _, s := range e.signals.ConfiguredSignals() {
		if s == sig {
			return true
		}
	}
	return false
}

// dispatchTrap classifies a SIGTRAP stop per spec.md §4.5's ordered
// rules: an in-progress single-step re-arm always takes priority, then
// hardware breakpoint (PC match), then software breakpoint (PC-1 match on
// x86_64, whose one-byte int3 traps after the instruction; PC match on
// aarch64, whose brk leaves PC on the instruction), then the sole configured
// watchpoint, and finally a stray trap handled as an ordinary signal.
func (e *Engine) dispatchTrap(tid int32, ts *ThreadRuntimeState) {
	if ts.SingleStepMode != StepNone {
		e.advanceSingleStep(tid, ts)
		return
	}

	regs, err := e.ops.GetRegs(int(tid), e.arch)
	if err != nil {
		e.markDegraded(err)
		return
	}
	pc := regs.PC()

	if slot, ok := e.hwbp.SlotForAddr(pc); ok {
		e.handleHardwareBreakpoint(tid, ts, slot, regs)
		return
	}
	swAddr := pc
	if e.arch.Name() == arch.AMD64 {
		swAddr = pc - 1
	}
	if pc > 0 && e.swbp.Has(swAddr) {
		e.handleSoftwareBreakpoint(tid, ts, swAddr, regs)
		return
	}
	if wp := e.singleWatchpoint(); wp != nil {
		e.handleWatchpoint(tid, ts, *wp, regs)
		return
	}
	e.dispatchSignal(tid, ts, unix.SIGTRAP)
}

// singleWatchpoint returns the sole armed watchpoint, if any. The engine
// has no access to the kernel's fault-address debug status register
// (DR6 / ESR_EL1) through internal/ptrace, so with the default capacity
// of one watchpoint slot, any trap surviving the breakpoint checks is
// attributed to it directly.
func (e *Engine) singleWatchpoint() *hwwp.Info {
	infos := e.hwwp.List()
	if len(infos) == 0 {
		return nil
	}
	return &infos[0]
}

func (e *Engine) handleHardwareBreakpoint(tid int32, ts *ThreadRuntimeState, slot int, regs arch.Registers) {
	shouldReport := e.hwbp.RecordHitAndShouldReport(slot)
	e.hwbp.EnterHandler(slot)
	if err := e.hwbp.DisableOnThread(tid, slot); err != nil {
		e.hwbp.LeaveHandler(slot)
		e.markDegraded(err)
		return
	}

	ts.CurrentBreakpointIndex = slot
	ts.LastRegs = regs.Clone()
	if shouldReport {
		ts.SingleStepMode = StepHardwareBPReArm
	} else {
		ts.SingleStepMode = StepHardwareBPContinue
	}

	if err := e.ops.SingleStep(int(tid), 0); err != nil {
		e.hwbp.LeaveHandler(slot)
		ts.SingleStepMode = StepNone
		e.markDegraded(err)
	}
}

func (e *Engine) handleSoftwareBreakpoint(tid int32, ts *ThreadRuntimeState, addr uint64, regs arch.Registers) {
	orig, err := e.swbp.OriginalBytes(addr)
	if err != nil {
		e.markDegraded(err)
		return
	}

	regs.SetPC(addr)
	if err := e.ops.SetRegs(int(tid), e.arch, regs); err != nil {
		e.markDegraded(err)
		return
	}
	if err := e.ops.PokeText(int(tid), uintptr(addr), orig); err != nil {
		e.markDegraded(err)
		return
	}

	shouldReport := e.swbp.RecordHitAndShouldReport(addr)
	ts.PendingSoftwareAddr = addr
	ts.LastRegs = regs.Clone()
	if shouldReport {
		ts.SingleStepMode = StepSoftwareBP
	} else {
		ts.SingleStepMode = StepSoftwareBPContinue
	}

	if err := e.ops.SingleStep(int(tid), 0); err != nil {
		ts.SingleStepMode = StepNone
		e.markDegraded(err)
	}
}

func (e *Engine) handleWatchpoint(tid int32, ts *ThreadRuntimeState, info hwwp.Info, regs arch.Registers) {
	if saved, err := e.ops.ReadDebugControl(int(tid), e.arch, info.Slot); err == nil {
		ts.SavedWatchControl = saved
	}
	if err := e.hwwp.DisableOnThread(tid, info.Slot); err != nil {
		e.markDegraded(err)
		return
	}
	e.hwwp.RecordHit(info.Slot)

	ts.CurrentBreakpointIndex = info.Slot
	ts.DisabledWatchIndex = info.Slot
	ts.PendingWatchAddr = info.Addr
	ts.LastRegs = regs.Clone()
	ts.SingleStepMode = StepWatchpointReArm

	if err := e.ops.SingleStep(int(tid), 0); err != nil {
		ts.SingleStepMode = StepNone
		ts.DisabledWatchIndex = -1
		e.markDegraded(err)
	}
}

// advanceSingleStep runs step 3 of spec.md §4.4: re-arm the breakpoint
// or watchpoint that triggered the step, then either continue silently
// (re-arm without reporting) or deliver the exception record and leave
// the thread stopped for the client to resume explicitly.
func (e *Engine) advanceSingleStep(tid int32, ts *ThreadRuntimeState) {
	switch ts.SingleStepMode {
	case StepHardwareBPReArm, StepHardwareBPContinue:
		slot := ts.CurrentBreakpointIndex
		report := ts.SingleStepMode == StepHardwareBPReArm
		err := e.hwbp.EnableOnThread(tid, slot)
		e.hwbp.LeaveHandler(slot)
		ts.SingleStepMode = StepNone
		ts.CurrentBreakpointIndex = -1
		if errors.Is(err, hwbp.ErrSlotNotSet) {
			// The breakpoint was removed while this thread's single-step
			// re-arm was in flight (spec.md §4.3): the slot is already
			// clear, so there is nothing to re-arm. The resumed thread
			// re-executes cleanly; no exception is reported for a
			// breakpoint that no longer exists.
			_ = e.ops.Cont(int(tid), 0)
			return
		}
		if err != nil {
			e.markDegraded(err)
			return
		}
		if report {
			regs := ts.LastRegs
			e.deliver(ExceptionRecord{Kind: ExceptionBreakpoint, ThreadID: tid, PC: regs.PC(), Regs: regs})
			ts.StoppedByUser = true
		} else {
			_ = e.ops.Cont(int(tid), 0)
		}

	case StepSoftwareBP, StepSoftwareBPContinue:
		addr := ts.PendingSoftwareAddr
		report := ts.SingleStepMode == StepSoftwareBP
		ts.SingleStepMode = StepNone
		if !e.swbp.Has(addr) {
			// Same removed-mid-flight case as the hardware path: Remove
			// already restored the original bytes, so reinstalling the
			// trap here would leave a stray trap nothing tracks anymore.
			_ = e.ops.Cont(int(tid), 0)
			return
		}
		trap := e.swbp.TrapBytes()
		if err := e.ops.PokeText(int(tid), uintptr(addr), trap); err != nil {
			e.markDegraded(err)
			return
		}
		if report {
			regs := ts.LastRegs
			e.deliver(ExceptionRecord{Kind: ExceptionBreakpoint, ThreadID: tid, PC: addr, Regs: regs})
			ts.StoppedByUser = true
		} else {
			_ = e.ops.Cont(int(tid), 0)
		}

	case StepWatchpointReArm:
		slot := ts.CurrentBreakpointIndex
		err := e.hwwp.EnableOnThread(tid, slot)
		ts.SingleStepMode = StepNone
		ts.CurrentBreakpointIndex = -1
		ts.DisabledWatchIndex = -1
		if errors.Is(err, hwwp.ErrSlotNotSet) {
			_ = e.ops.Cont(int(tid), 0)
			return
		}
		if err != nil {
			e.markDegraded(err)
			return
		}
		regs := ts.LastRegs
		e.deliver(ExceptionRecord{Kind: ExceptionWatchpoint, ThreadID: tid, PC: regs.PC(), MemAddr: ts.PendingWatchAddr, Regs: regs})
		ts.StoppedByUser = true
	}
}
