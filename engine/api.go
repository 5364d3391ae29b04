//go:build linux

package engine

import (
	"fmt"

	"github.com/corewire/dbgengine/internal/arch"
	"github.com/corewire/dbgengine/internal/cmdqueue"
	"github.com/corewire/dbgengine/internal/signalpolicy"
)

// SetBreakpoint installs a breakpoint at addr (spec.md §6). When
// targetCount is 0 every hit is reported; otherwise the first
// targetCount-1 hits silently re-arm and only the targetCount'th and
// later hits reach the exception sink (spec.md §4.4).
func (e *Engine) SetBreakpoint(addr uint64, targetCount uint64, isSoftware bool) (int, error) {
	res := e.queue.Submit(cmdqueue.SetBreakpoint, SetBreakpointArgs{Addr: addr, TargetCount: targetCount, IsSoftware: isSoftware})
	if res.Err != nil {
		return 0, res.Err
	}
	return res.Value.(int), nil
}

// RemoveBreakpoint clears a previously installed breakpoint at addr.
func (e *Engine) RemoveBreakpoint(addr uint64, isSoftware bool) error {
	res := e.queue.Submit(cmdqueue.RemoveBreakpoint, RemoveBreakpointArgs{Addr: addr, IsSoftware: isSoftware})
	return res.Err
}

// SetWatchpoint installs a hardware watchpoint at addr over size bytes.
func (e *Engine) SetWatchpoint(addr uint64, size int, kind arch.WatchKind) (int, error) {
	res := e.queue.Submit(cmdqueue.SetWatchpoint, SetWatchpointArgs{Addr: addr, Size: size, Kind: kind})
	if res.Err != nil {
		return 0, res.Err
	}
	return res.Value.(int), nil
}

// RemoveWatchpoint clears a previously installed watchpoint at addr.
func (e *Engine) RemoveWatchpoint(addr uint64) error {
	res := e.queue.Submit(cmdqueue.RemoveWatchpoint, RemoveWatchpointArgs{Addr: addr})
	return res.Err
}

// ContinueExecution resumes threadID, forwarding any pending signal
// recorded for it by the signal policy (spec.md §4.6).
func (e *Engine) ContinueExecution(threadID int32) error {
	res := e.queue.Submit(cmdqueue.ContinueExecution, ContinueExecutionArgs{ThreadID: threadID})
	return res.Err
}

// SingleStep issues one instruction step on threadID.
func (e *Engine) SingleStep(threadID int32) error {
	res := e.queue.Submit(cmdqueue.SingleStep, SingleStepArgs{ThreadID: threadID})
	return res.Err
}

// ReadRegister reads a named general-purpose register (spec.md §6).
func (e *Engine) ReadRegister(threadID int32, name string) (uint64, error) {
	res := e.queue.Submit(cmdqueue.ReadRegister, ReadRegisterArgs{ThreadID: threadID, Name: name})
	if res.Err != nil {
		return 0, res.Err
	}
	return res.Value.(uint64), nil
}

// WriteRegister writes a named general-purpose register.
func (e *Engine) WriteRegister(threadID int32, name string, value uint64) error {
	res := e.queue.Submit(cmdqueue.WriteRegister, WriteRegisterArgs{ThreadID: threadID, Name: name, Value: value})
	return res.Err
}

// ReadMemory reads up to size bytes from the tracee's address space
// starting at addr; a short read is possible near an unmapped boundary
// (spec.md §6).
func (e *Engine) ReadMemory(addr uint64, size int) ([]byte, error) {
	res := e.queue.Submit(cmdqueue.ReadMemory, ReadMemoryArgs{Addr: addr, Size: size})
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Value.([]byte), nil
}

// ResumeAllUserStoppedThreads resumes every thread left parked at a
// delivered breakpoint, watchpoint or reported signal (as opposed to
// threads stopped internally for hardware-table edits), forwarding any
// signal pending for it.
func (e *Engine) ResumeAllUserStoppedThreads() error {
	res := e.queue.Submit(cmdqueue.ResumeAllUserStoppedThreads, nil)
	return res.Err
}

// ReapplyWatchpoints re-arms every live hardware breakpoint and
// watchpoint on every currently attached thread (spec.md §4.1), for a
// client that wants the tables forced back in sync rather than relying
// solely on lazy per-stop discovery.
func (e *Engine) ReapplyWatchpoints() error {
	res := e.queue.Submit(cmdqueue.ReapplyWatchpoints, nil)
	return res.Err
}

// SetSignalConfig overwrites the disposition for sig (spec.md §6).
func (e *Engine) SetSignalConfig(sig int, d signalpolicy.Disposition) error {
	if e.Degraded() {
		return fmt.Errorf("%w: engine is degraded", ErrInternalInvariant)
	}
	return e.signals.SetSignalConfig(sig, d)
}

// GetSignalConfig returns the current disposition for sig.
func (e *Engine) GetSignalConfig(sig int) signalpolicy.Disposition {
	return e.signals.GetSignalConfig(sig)
}

// GetAllSignalConfigs returns every explicitly configured signal's
// disposition.
func (e *Engine) GetAllSignalConfigs() map[int]signalpolicy.Disposition {
	return e.signals.GetAllSignalConfigs()
}
