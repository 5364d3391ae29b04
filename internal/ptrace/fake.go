//go:build linux

package ptrace

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/corewire/dbgengine/internal/arch"
)

// FakeThread is one simulated tracee thread's state, exported so test code
// can script its behavior (queue a wait event, inspect debug register
// writes) and assert on what the package under test did to it.
type FakeThread struct {
	Regs           arch.Registers
	DebugControl   map[int]uint64
	DebugAddress   map[int]uint64
	Attached       bool
	PendingWaits   []WaitResult
	MemoryAt       map[uintptr][]byte // simulated tracee address space, sparse
	InterruptCalls int
}

// FakeOps is an in-memory Ops implementation for unit tests of the herder,
// hwbp, hwwp, and engine packages, none of which need a real Linux tracee
// to exercise their state machines. Mirrors spec.md SPEC_FULL.md's test
// tooling note: "hardware-dependent behavior is exercised through
// fakeable seams."
type FakeOps struct {
	mu      sync.Mutex
	threads map[int]*FakeThread
}

var _ Ops = (*FakeOps)(nil)

// NewFakeOps builds an empty fake; call Thread(tid) to seed each simulated
// tracee before use.
func NewFakeOps() *FakeOps {
	return &FakeOps{threads: map[int]*FakeThread{}}
}

// Thread returns (creating if necessary) the simulated state for tid.
func (f *FakeOps) Thread(tid int) *FakeThread {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[tid]
	if !ok {
		t = &FakeThread{
			DebugControl: map[int]uint64{},
			DebugAddress: map[int]uint64{},
			MemoryAt:     map[uintptr][]byte{},
		}
		f.threads[tid] = t
	}
	return t
}

func (f *FakeOps) thread(tid int) (*FakeThread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[tid]
	if !ok {
		// Real ptrace reports a tid that is not (or no longer) a tracee as ESRCH.
		return nil, unix.ESRCH
	}
	return t, nil
}

func (f *FakeOps) Seize(tid int) error {
	t, err := f.thread(tid)
	if err != nil {
		return err
	}
	t.Attached = true
	return nil
}

func (f *FakeOps) Detach(tid int, sig unix.Signal) error {
	t, err := f.thread(tid)
	if err != nil {
		return err
	}
	t.Attached = false
	return nil
}

// Interrupt simulates PTRACE_INTERRUPT under PTRACE_SEIZE: the tracee
// reports a group-stop (plain SIGTRAP carrying PTRACE_EVENT_STOP) the
// instant it's delivered. Tests that want to exercise a real event (a
// breakpoint SIGTRAP, say) racing the interrupt should QueueWait that
// event before calling Interrupt/StopAll so it is popped first.
func (f *FakeOps) Interrupt(tid int) error {
	t, err := f.thread(tid)
	if err != nil {
		return err
	}
	t.InterruptCalls++
	f.mu.Lock()
	t.PendingWaits = append(t.PendingWaits, WaitResult{
		Tid:         int32(tid),
		Stopped:     true,
		StopSignal:  unix.SIGTRAP,
		PtraceEvent: unix.PTRACE_EVENT_STOP,
	})
	f.mu.Unlock()
	return nil
}

func (f *FakeOps) Cont(tid int, sig unix.Signal) error {
	_, err := f.thread(tid)
	return err
}

func (f *FakeOps) SingleStep(tid int, sig unix.Signal) error {
	_, err := f.thread(tid)
	return err
}

func (f *FakeOps) SetOptions(tid int, options int) error {
	_, err := f.thread(tid)
	return err
}

func (f *FakeOps) GetRegs(tid int, a arch.Arch) (arch.Registers, error) {
	t, err := f.thread(tid)
	if err != nil {
		return arch.Registers{}, err
	}
	return t.Regs.Clone(), nil
}

func (f *FakeOps) SetRegs(tid int, a arch.Arch, regs arch.Registers) error {
	t, err := f.thread(tid)
	if err != nil {
		return err
	}
	t.Regs = regs.Clone()
	return nil
}

func (f *FakeOps) PeekText(tid int, addr uintptr, buf []byte) (int, error) {
	t, err := f.thread(tid)
	if err != nil {
		return 0, err
	}
	mem, ok := t.MemoryAt[addr]
	if !ok {
		return 0, fmt.Errorf("ptrace: fake: unmapped address %#x", addr)
	}
	n := copy(buf, mem)
	return n, nil
}

func (f *FakeOps) PokeText(tid int, addr uintptr, data []byte) error {
	t, err := f.thread(tid)
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	t.MemoryAt[addr] = buf
	return nil
}

func (f *FakeOps) ReadDebugControl(tid int, a arch.Arch, slot int) (uint64, error) {
	t, err := f.thread(tid)
	if err != nil {
		return 0, err
	}
	return t.DebugControl[slot], nil
}

func (f *FakeOps) WriteDebugControl(tid int, a arch.Arch, slot int, value uint64) error {
	t, err := f.thread(tid)
	if err != nil {
		return err
	}
	t.DebugControl[slot] = value
	return nil
}

func (f *FakeOps) ReadDebugAddress(tid int, a arch.Arch, slot int) (uint64, error) {
	t, err := f.thread(tid)
	if err != nil {
		return 0, err
	}
	return t.DebugAddress[slot], nil
}

func (f *FakeOps) WriteDebugAddress(tid int, a arch.Arch, slot int, addr uint64) error {
	t, err := f.thread(tid)
	if err != nil {
		return err
	}
	t.DebugAddress[slot] = addr
	return nil
}

// QueueWait appends a wait event to tid's FIFO, which Wait(tid, ...) (or
// Wait(-1, ...)) pops from the front.
func (f *FakeOps) QueueWait(tid int, res WaitResult) {
	t := f.Thread(tid)
	f.mu.Lock()
	defer f.mu.Unlock()
	t.PendingWaits = append(t.PendingWaits, res)
}

// Wait pops the front of thread pid's queue when pid > 0 (as wait4 on one
// tid does). For pid <= 0 it pops the front of the queue of whichever
// thread with pending events Go's map iteration reaches first
// (approximating waitpid(-1, ...) harvesting any child). blocking is
// ignored: the fake never blocks.
func (f *FakeOps) Wait(pid int, blocking bool) (WaitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pid > 0 {
		t, ok := f.threads[pid]
		if !ok || len(t.PendingWaits) == 0 {
			return WaitResult{}, errNoEvent
		}
		res := t.PendingWaits[0]
		t.PendingWaits = t.PendingWaits[1:]
		if res.Tid == 0 {
			res.Tid = int32(pid)
		}
		return res, nil
	}
	for tid, t := range f.threads {
		if len(t.PendingWaits) > 0 {
			res := t.PendingWaits[0]
			t.PendingWaits = t.PendingWaits[1:]
			if res.Tid == 0 {
				res.Tid = int32(tid)
			}
			return res, nil
		}
	}
	return WaitResult{}, errNoEvent
}
