//go:build linux

package engine

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corewire/dbgengine/internal/arch"
	"github.com/corewire/dbgengine/internal/herder"
	"github.com/corewire/dbgengine/internal/ptrace"
	"github.com/corewire/dbgengine/internal/signalpolicy"
)

// newTestEngine builds an Engine against the current process's own
// threads (read from /proc/self/task, same approach internal/herder's
// tests use) and a FakeOps backend, without spawning the real debug-loop
// goroutine — tests drive commands.go and dispatch.go directly.
func newTestEngine(t *testing.T) (*Engine, *ptrace.FakeOps, []int32) {
	t.Helper()
	a, err := arch.For(arch.AMD64)
	if err != nil {
		t.Fatalf("arch.For: %v", err)
	}
	tids, err := herder.DiscoverThreads(int32(os.Getpid()))
	if err != nil {
		t.Fatalf("DiscoverThreads: %v", err)
	}
	ops := ptrace.NewFakeOps()
	for _, tid := range tids {
		ops.Thread(int(tid))
	}

	e, err := newEngine(arch.AMD64, []Option{WithOps(ops)})
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	e.pid = int32(os.Getpid())
	e.herder = herder.New(ops, a, e.pid, 3, nil)
	if err := e.herder.AttachAll(context.Background()); err != nil {
		t.Fatalf("AttachAll: %v", err)
	}
	return e, ops, tids
}

// submit drives one call through e's queue the way the real debug loop
// would, synchronously: it enqueues on a goroutine, waits for the command
// to appear, executes it inline, and returns the reply.
func submit(t *testing.T, e *Engine, call func() (any, error)) (any, error) {
	t.Helper()
	type out struct {
		val any
		err error
	}
	done := make(chan out, 1)
	go func() {
		v, err := call()
		done <- out{v, err}
	}()

	deadline := time.After(time.Second)
	for {
		cmds := e.queue.TryDequeue()
		for _, cmd := range cmds {
			e.execute(cmd)
		}
		select {
		case res := <-done:
			return res.val, res.err
		case <-deadline:
			t.Fatal("command never completed")
		default:
			if len(cmds) == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}
}

func TestSetBreakpointHardwareArmsEveryThread(t *testing.T) {
	e, ops, tids := newTestEngine(t)
	slotv, err := submit(t, e, func() (any, error) { return e.SetBreakpoint(0x1000, 0, false) })
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	slot := slotv.(int)
	for _, tid := range tids {
		ctrl, _ := ops.ReadDebugControl(int(tid), nil, slot)
		if ctrl == 0 {
			t.Fatalf("tid %d was not armed for slot %d", tid, slot)
		}
	}
}

func TestSetBreakpointSoftwareInstallsTrap(t *testing.T) {
	e, ops, tids := newTestEngine(t)
	ops.Thread(int(tids[0])).MemoryAt[0x2000] = []byte{0x90}

	_, err := submit(t, e, func() (any, error) { return e.SetBreakpoint(0x2000, 0, true) })
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	mem := ops.Thread(int(tids[0])).MemoryAt[0x2000]
	if len(mem) == 0 || mem[0] == 0x90 {
		t.Fatalf("trap instruction was not installed, memory = %v", mem)
	}

	if err := e.swbp.Remove(tids[0], 0x2000); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	restored := ops.Thread(int(tids[0])).MemoryAt[0x2000]
	if restored[0] != 0x90 {
		t.Fatalf("original bytes not restored, got %v", restored)
	}
}

func TestDispatchHardwareBreakpointDeliversAfterReArm(t *testing.T) {
	e, ops, tids := newTestEngine(t)
	tid := tids[0]
	_, err := submit(t, e, func() (any, error) { return e.SetBreakpoint(0x1000, 0, false) })
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	ops.Thread(int(tid)).Regs = arch.Registers{Arch: arch.AMD64, Values: map[string]uint64{"rip": 0x1000}}

	var delivered []ExceptionRecord
	e.SetExceptionSink(func(r ExceptionRecord) { delivered = append(delivered, r) })

	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	ts := e.threadState(tid)
	if ts.SingleStepMode != StepHardwareBPReArm {
		t.Fatalf("SingleStepMode = %v, want StepHardwareBPReArm", ts.SingleStepMode)
	}
	if len(delivered) != 0 {
		t.Fatal("breakpoint should not report before the re-arm single-step completes")
	}

	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	if len(delivered) != 1 {
		t.Fatalf("got %d delivered records, want 1", len(delivered))
	}
	if delivered[0].Kind != ExceptionBreakpoint || delivered[0].PC != 0x1000 {
		t.Fatalf("delivered record = %+v, want Breakpoint at 0x1000", delivered[0])
	}
	if ts.SingleStepMode != StepNone {
		t.Fatalf("SingleStepMode = %v after re-arm completed, want StepNone", ts.SingleStepMode)
	}
}

func TestDispatchHardwareBreakpointSuppressesUntilTargetCount(t *testing.T) {
	e, ops, tids := newTestEngine(t)
	tid := tids[0]
	_, err := submit(t, e, func() (any, error) { return e.SetBreakpoint(0x1000, 2, false) })
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	ops.Thread(int(tid)).Regs = arch.Registers{Arch: arch.AMD64, Values: map[string]uint64{"rip": 0x1000}}

	var delivered []ExceptionRecord
	e.SetExceptionSink(func(r ExceptionRecord) { delivered = append(delivered, r) })

	// First hit: silent re-arm, no delivery.
	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	if len(delivered) != 0 {
		t.Fatalf("hit 1/2 delivered %d records, want 0", len(delivered))
	}

	// Second hit: reaches target count, reports.
	ops.Thread(int(tid)).Regs = arch.Registers{Arch: arch.AMD64, Values: map[string]uint64{"rip": 0x1000}}
	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	if len(delivered) != 1 {
		t.Fatalf("hit 2/2 delivered %d records, want 1", len(delivered))
	}
}

func TestDispatchSoftwareBreakpointRestoresAndReArms(t *testing.T) {
	e, ops, tids := newTestEngine(t)
	tid := tids[0]
	ops.Thread(int(tid)).MemoryAt[0x3000] = []byte{0x55}

	_, err := submit(t, e, func() (any, error) { return e.SetBreakpoint(0x3000, 0, true) })
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	trap := ops.Thread(int(tid)).MemoryAt[0x3000][0]

	// The trap fires one byte past the breakpoint address.
	ops.Thread(int(tid)).Regs = arch.Registers{Arch: arch.AMD64, Values: map[string]uint64{"rip": 0x3001}}

	var delivered []ExceptionRecord
	e.SetExceptionSink(func(r ExceptionRecord) { delivered = append(delivered, r) })

	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	if ops.Thread(int(tid)).Regs.PC() != 0x3000 {
		t.Fatalf("PC was not rewound to breakpoint address, got %#x", ops.Thread(int(tid)).Regs.PC())
	}
	if ops.Thread(int(tid)).MemoryAt[0x3000][0] != 0x55 {
		t.Fatalf("original byte was not restored for the step-over")
	}

	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	if len(delivered) != 1 {
		t.Fatalf("got %d delivered records, want 1", len(delivered))
	}
	if ops.Thread(int(tid)).MemoryAt[0x3000][0] != trap {
		t.Fatal("trap instruction was not reinstalled after reporting")
	}
}

func TestDispatchHardwareBreakpointRemovedMidReArmResumesWithoutReport(t *testing.T) {
	e, ops, tids := newTestEngine(t)
	tid := tids[0]
	_, err := submit(t, e, func() (any, error) { return e.SetBreakpoint(0x1000, 0, false) })
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	ops.Thread(int(tid)).Regs = arch.Registers{Arch: arch.AMD64, Values: map[string]uint64{"rip": 0x1000}}

	var delivered []ExceptionRecord
	e.SetExceptionSink(func(r ExceptionRecord) { delivered = append(delivered, r) })

	// The breakpoint fires and the thread enters its single-step re-arm
	// window.
	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	ts := e.threadState(tid)
	if ts.SingleStepMode != StepHardwareBPReArm {
		t.Fatalf("SingleStepMode = %v, want StepHardwareBPReArm", ts.SingleStepMode)
	}

	// A RemoveBreakpoint command is processed while the re-arm is still
	// in flight (spec.md §4.3's removal-vs-in-flight-handler race).
	if _, err := submit(t, e, func() (any, error) { return nil, e.RemoveBreakpoint(0x1000, false) }); err != nil {
		t.Fatalf("RemoveBreakpoint: %v", err)
	}

	// The single-step completion now arrives; the engine must not crash
	// or report a phantom breakpoint, and must not mark itself degraded.
	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	if len(delivered) != 0 {
		t.Fatalf("delivered = %+v, want no exception for a breakpoint removed mid-rearm", delivered)
	}
	if e.Degraded() {
		t.Fatal("engine should not enter Degraded state when a breakpoint is removed mid-rearm")
	}
	if ts.SingleStepMode != StepNone {
		t.Fatalf("SingleStepMode = %v after removed-mid-flight re-arm, want StepNone", ts.SingleStepMode)
	}
}

func TestDispatchWatchpointAlwaysReports(t *testing.T) {
	e, ops, tids := newTestEngine(t)
	tid := tids[0]
	_, err := submit(t, e, func() (any, error) { return e.SetWatchpoint(0x4000, 4, WatchWrite) })
	if err != nil {
		t.Fatalf("SetWatchpoint: %v", err)
	}
	ops.Thread(int(tid)).Regs = arch.Registers{Arch: arch.AMD64, Values: map[string]uint64{"rip": 0x9999}}

	var delivered []ExceptionRecord
	e.SetExceptionSink(func(r ExceptionRecord) { delivered = append(delivered, r) })

	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	if len(delivered) != 1 || delivered[0].Kind != ExceptionWatchpoint {
		t.Fatalf("delivered = %+v, want one Watchpoint record", delivered)
	}
	if delivered[0].MemAddr != 0x4000 {
		t.Fatalf("MemAddr = %#x, want 0x4000", delivered[0].MemAddr)
	}

	// A second hit must report again; watchpoints have no target-count
	// suppression.
	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	if len(delivered) != 2 {
		t.Fatalf("got %d delivered records after second hit, want 2", len(delivered))
	}
}

func TestDispatchSignalDefaultPassesThroughExceptSigtrap(t *testing.T) {
	e, _, tids := newTestEngine(t)
	tid := tids[0]

	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGUSR1})
	ts := e.threadState(tid)
	if ts.PendingSignal != int(unix.SIGUSR1) {
		t.Fatalf("PendingSignal = %d, want SIGUSR1 forwarded by default", ts.PendingSignal)
	}

	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	if ts.PendingSignal != 0 {
		t.Fatalf("PendingSignal = %d after unconfigured SIGTRAP, want 0 (intercepted)", ts.PendingSignal)
	}
}

func TestDispatchSignalConfiguredInterceptSuppressesForwarding(t *testing.T) {
	e, _, tids := newTestEngine(t)
	tid := tids[0]
	if err := e.SetSignalConfig(int(unix.SIGUSR1), signalpolicy.Disposition{Intercept: true}); err != nil {
		t.Fatalf("SetSignalConfig: %v", err)
	}

	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGUSR1})
	ts := e.threadState(tid)
	if ts.PendingSignal != 0 {
		t.Fatalf("PendingSignal = %d, want 0 (intercepted)", ts.PendingSignal)
	}
}

func TestThreadExitClearsState(t *testing.T) {
	e, _, tids := newTestEngine(t)
	tid := tids[0]
	e.threadState(tid).PendingSignal = int(unix.SIGUSR1)

	var delivered []ExceptionRecord
	e.SetExceptionSink(func(r ExceptionRecord) { delivered = append(delivered, r) })

	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Exited: true, ExitStatus: 0})
	if len(delivered) != 1 || delivered[0].Kind != ExceptionThreadExited {
		t.Fatalf("delivered = %+v, want one ThreadExited record", delivered)
	}
	e.mu.Lock()
	_, ok := e.threadStates[tid]
	e.mu.Unlock()
	if ok {
		t.Fatal("thread state was not cleared on exit")
	}
}

func TestDegradedEngineRefusesCommands(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.markDegraded(errInjectedForTest)

	_, err := submit(t, e, func() (any, error) { return e.SetBreakpoint(0x1000, 0, false) })
	if err == nil {
		t.Fatal("expected Degraded engine to refuse a queued command")
	}
	if !errors.Is(err, ErrInternalInvariant) {
		t.Fatalf("err = %v, want ErrInternalInvariant", err)
	}
}

var errInjectedForTest = errors.New("engine_test: injected failure")

func TestLazyDiscoveryInstallsLiveBreakpointsOnNewThread(t *testing.T) {
	e, ops, tids := newTestEngine(t)
	slotv, err := submit(t, e, func() (any, error) { return e.SetBreakpoint(0x1000, 0, false) })
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	slot := slotv.(int)

	newTid := tids[len(tids)-1] + 1000
	ops.Thread(int(newTid))

	before := len(e.herder.Threads())
	e.dispatch(newTid, ptrace.WaitResult{Tid: newTid, Stopped: true, StopSignal: unix.SIGSTOP})
	after := len(e.herder.Threads())
	if after != before+1 {
		t.Fatalf("herder tracked %d threads after lazy discovery, want %d", after, before+1)
	}

	ctrl, _ := ops.ReadDebugControl(int(newTid), nil, slot)
	if ctrl == 0 {
		t.Fatalf("newly discovered tid %d was not armed for slot %d", newTid, slot)
	}
}

func TestReapplyWatchpointsRearmAllThreads(t *testing.T) {
	e, ops, tids := newTestEngine(t)
	slotv, err := submit(t, e, func() (any, error) { return e.SetWatchpoint(0x4000, 4, WatchWrite) })
	if err != nil {
		t.Fatalf("SetWatchpoint: %v", err)
	}
	slot := slotv.(int)

	for _, tid := range tids {
		ops.Thread(int(tid)).DebugControl[slot] = 0
	}

	if _, err := submit(t, e, func() (any, error) { return nil, e.ReapplyWatchpoints() }); err != nil {
		t.Fatalf("ReapplyWatchpoints: %v", err)
	}
	for _, tid := range tids {
		if ops.Thread(int(tid)).DebugControl[slot] == 0 {
			t.Fatalf("tid %d was not re-armed by ReapplyWatchpoints", tid)
		}
	}
}

func TestResumeAllUserStoppedResumesOnlyFlaggedThreads(t *testing.T) {
	e, ops, tids := newTestEngine(t)
	tid := tids[0]
	_, err := submit(t, e, func() (any, error) { return e.SetBreakpoint(0x1000, 0, false) })
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	ops.Thread(int(tid)).Regs = arch.Registers{Arch: arch.AMD64, Values: map[string]uint64{"rip": 0x1000}}

	var delivered []ExceptionRecord
	e.SetExceptionSink(func(r ExceptionRecord) { delivered = append(delivered, r) })

	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	if len(delivered) != 1 {
		t.Fatalf("got %d delivered records, want 1", len(delivered))
	}

	ts := e.threadState(tid)
	if !ts.StoppedByUser {
		t.Fatal("thread left parked at a delivered breakpoint should be marked StoppedByUser")
	}

	if _, err := submit(t, e, func() (any, error) { return nil, e.ResumeAllUserStoppedThreads() }); err != nil {
		t.Fatalf("ResumeAllUserStoppedThreads: %v", err)
	}
	if ts.StoppedByUser {
		t.Fatal("StoppedByUser should be cleared after ResumeAllUserStoppedThreads")
	}
	if ts.IsStopped {
		t.Fatal("IsStopped should be cleared after ResumeAllUserStoppedThreads")
	}
}

func TestSetBreakpointDoesNotResumeUserStoppedThread(t *testing.T) {
	e, ops, tids := newTestEngine(t)
	tid := tids[0]
	_, err := submit(t, e, func() (any, error) { return e.SetBreakpoint(0x1000, 0, false) })
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	ops.Thread(int(tid)).Regs = arch.Registers{Arch: arch.AMD64, Values: map[string]uint64{"rip": 0x1000}}

	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	e.dispatch(tid, ptrace.WaitResult{Tid: tid, Stopped: true, StopSignal: unix.SIGTRAP})
	ts := e.threadState(tid)
	if !ts.StoppedByUser {
		t.Fatal("thread should be parked (StoppedByUser) after the breakpoint delivers")
	}

	// Unrelated table edit: its stop-all/resume-all cycle must not wake
	// the thread the client is still holding at the delivered breakpoint.
	if _, err := submit(t, e, func() (any, error) { return e.SetWatchpoint(0x5000, 4, WatchWrite) }); err != nil {
		t.Fatalf("SetWatchpoint: %v", err)
	}
	if !ts.StoppedByUser || !ts.IsStopped {
		t.Fatal("unrelated SetWatchpoint must not resume a StoppedByUser thread")
	}
}

func TestReadWriteRegisterRoundTrip(t *testing.T) {
	e, ops, tids := newTestEngine(t)
	tid := tids[0]
	ops.Thread(int(tid)).Regs = arch.Registers{Arch: arch.AMD64, Values: map[string]uint64{"rip": 0x1234}}

	if _, err := submit(t, e, func() (any, error) { return nil, e.WriteRegister(tid, "rip", 0x5678) }); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	val, err := submit(t, e, func() (any, error) { return e.ReadRegister(tid, "rip") })
	if err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}
	if val.(uint64) != 0x5678 {
		t.Fatalf("ReadRegister = %#x, want 0x5678", val)
	}
}
