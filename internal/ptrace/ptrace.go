//go:build linux

// Package ptrace wraps the raw ptrace(2)/wait4(2) syscalls the rest of the
// engine needs and is the only package that ever issues them. Per spec.md
// §4.1/§5, ptrace has thread affinity — every call here must run on the
// engine's single debug-loop OS thread (enforced by the caller locking the
// runtime thread, not by this package).
//
// Grounded on the teacher's pkg/sentry/platform/ptrace/subprocess_linux.go
// (attach/wait/seize dance, raw unix.RawSyscall6 use for operations the
// x/sys/unix package doesn't wrap) and, for the stdlib-level operations, on
// other_examples' open-telemetry-go-instrumentation ptrace_linux.go and the
// delve-family proc_linux.go files (wait4 WNOHANG loop, PtraceAttach/Detach
// idioms).
package ptrace

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/corewire/dbgengine/internal/arch"
)

// Raw ptrace request numbers not exposed as typed helpers by
// golang.org/x/sys/unix.
const (
	ptraceSeize       = 0x4206
	ptraceInterrupt   = 0x4207
	ptracePeekUser    = unix.PTRACE_PEEKUSR
	ptracePokeUser    = unix.PTRACE_POKEUSR
	ptraceGetRegSet = 0x4204
	ptraceSetRegSet = 0x4205
	// ptraceSeizeOption is passed as PTRACE_SEIZE's option argument (the
	// same bits PTRACE_SETOPTIONS takes): PTRACE_O_EXITKILL so the tracee
	// dies with its tracer, and PTRACE_O_TRACECLONE so a clone()'d thread
	// arrives already traced, stopped, and visible to wait4 the moment it
	// is created (spec.md §4.2's lazy thread discovery — "on any stop, if
	// the task id is unknown, attach it and record it" — depends on the
	// kernel handing us that first stop at all).
	ptraceSeizeOption = unix.PTRACE_O_EXITKILL | unix.PTRACE_O_TRACECLONE

	// NT_ARM_HW_BREAK / NT_ARM_HW_WATCH regset types (aarch64 only).
	ntArmHWBreak = 0x402
	ntArmHWWatch = 0x403
)

// WaitResult is a decoded wait4(2) status for one tid.
type WaitResult struct {
	Tid        int32
	Exited     bool
	ExitStatus int
	Signaled   bool
	TermSignal unix.Signal
	Stopped    bool
	StopSignal unix.Signal
	// PtraceEvent is the PTRACE_EVENT_* value encoded in the high bits of
	// a group-stop status (0 if none).
	PtraceEvent int
}

// Ops is every ptrace/wait4 operation the rest of the engine uses. It
// exists as an interface — rather than free functions — so the herder,
// breakpoint, and watchpoint packages are unit-testable against a fake
// (see FakeOps) without a real Linux tracee, per SPEC_FULL.md's test
// tooling section.
type Ops interface {
	Seize(tid int) error
	Detach(tid int, sig unix.Signal) error
	Interrupt(tid int) error
	Cont(tid int, sig unix.Signal) error
	SingleStep(tid int, sig unix.Signal) error
	SetOptions(tid int, options int) error

	GetRegs(tid int, a arch.Arch) (arch.Registers, error)
	SetRegs(tid int, a arch.Arch, regs arch.Registers) error

	PeekText(tid int, addr uintptr, buf []byte) (int, error)
	PokeText(tid int, addr uintptr, data []byte) error

	ReadDebugControl(tid int, a arch.Arch, slot int) (uint64, error)
	WriteDebugControl(tid int, a arch.Arch, slot int, value uint64) error
	ReadDebugAddress(tid int, a arch.Arch, slot int) (uint64, error)
	WriteDebugAddress(tid int, a arch.Arch, slot int, addr uint64) error

	Wait(pid int, blocking bool) (WaitResult, error)
}

// System is the real Ops implementation, backed directly by ptrace(2) and
// wait4(2). It carries no state beyond the syscalls themselves.
type System struct{}

var _ Ops = System{}

func (System) Seize(tid int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(ptraceSeize), uintptr(tid), 0, uintptr(ptraceSeizeOption), 0, 0)
	if errno != 0 {
		return fmt.Errorf("ptrace: seize tid %d: %w", tid, errno)
	}
	return nil
}

func (System) Detach(tid int, sig unix.Signal) error {
	return unix.PtraceDetach(tid)
}

func (System) Interrupt(tid int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(ptraceInterrupt), uintptr(tid), 0, 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("ptrace: interrupt tid %d: %w", tid, errno)
	}
	return nil
}

func (System) Cont(tid int, sig unix.Signal) error {
	return unix.PtraceCont(tid, int(sig))
}

func (System) SingleStep(tid int, sig unix.Signal) error {
	if sig != 0 {
		_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(unix.PTRACE_SINGLESTEP), uintptr(tid), 0, uintptr(sig), 0, 0)
		if errno != 0 {
			return fmt.Errorf("ptrace: singlestep tid %d: %w", tid, errno)
		}
		return nil
	}
	return unix.PtraceSingleStep(tid)
}

func (System) SetOptions(tid int, options int) error {
	return unix.PtraceSetOptions(tid, options)
}

func (System) PeekText(tid int, addr uintptr, buf []byte) (int, error) {
	return unix.PtracePeekText(tid, addr, buf)
}

func (System) PokeText(tid int, addr uintptr, data []byte) error {
	_, err := unix.PtracePokeText(tid, addr, data)
	return err
}

func peekUser(tid int, offset uintptr) (uint64, error) {
	var value uint64
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(ptracePeekUser), uintptr(tid), offset, uintptr(unsafe.Pointer(&value)), 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("ptrace: peekuser tid %d offset %#x: %w", tid, offset, errno)
	}
	return value, nil
}

func pokeUser(tid int, offset uintptr, value uint64) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(ptracePokeUser), uintptr(tid), offset, uintptr(value), 0, 0)
	if errno != 0 {
		return fmt.Errorf("ptrace: pokeuser tid %d offset %#x: %w", tid, offset, errno)
	}
	return nil
}

// ReadDebugControl/WriteDebugControl/ReadDebugAddress/WriteDebugAddress
// dispatch on the architecture: x86_64 uses PEEKUSER/POKEUSER against the
// `struct user` debug register block; aarch64 uses the NT_ARM_HW_BREAK /
// NT_ARM_HW_WATCH regsets, addressed by slot index (see
// internal/arch/arch_arm64.go's DebugControlOffset/DebugAddressOffset
// doc comments).

func (s System) ReadDebugControl(tid int, a arch.Arch, slot int) (uint64, error) {
	off, ok := a.DebugControlOffset(slot)
	if !ok {
		return 0, fmt.Errorf("ptrace: arch %s has no control register for slot %d", a.Name(), slot)
	}
	if a.Name() == arch.ARM64 {
		return readHWRegSetWord(tid, ntArmHWBreak, int(off), regSetControlWord)
	}
	return peekUser(tid, off)
}

func (s System) WriteDebugControl(tid int, a arch.Arch, slot int, value uint64) error {
	off, ok := a.DebugControlOffset(slot)
	if !ok {
		return fmt.Errorf("ptrace: arch %s has no control register for slot %d", a.Name(), slot)
	}
	if a.Name() == arch.ARM64 {
		return writeHWRegSetWord(tid, ntArmHWBreak, int(off), regSetControlWord, value)
	}
	return pokeUser(tid, off, value)
}

func (s System) ReadDebugAddress(tid int, a arch.Arch, slot int) (uint64, error) {
	off, ok := a.DebugAddressOffset(slot)
	if !ok {
		return 0, fmt.Errorf("ptrace: arch %s has no address register for slot %d", a.Name(), slot)
	}
	if a.Name() == arch.ARM64 {
		return readHWRegSetWord(tid, ntArmHWBreak, int(off), regSetValueWord)
	}
	return peekUser(tid, off)
}

func (s System) WriteDebugAddress(tid int, a arch.Arch, slot int, addr uint64) error {
	off, ok := a.DebugAddressOffset(slot)
	if !ok {
		return fmt.Errorf("ptrace: arch %s has no address register for slot %d", a.Name(), slot)
	}
	if a.Name() == arch.ARM64 {
		return writeHWRegSetWord(tid, ntArmHWBreak, int(off), regSetValueWord, addr)
	}
	return pokeUser(tid, off, addr)
}

func (System) Wait(pid int, blocking bool) (WaitResult, error) {
	var ws unix.WaitStatus
	opts := unix.WALL
	if !blocking {
		opts |= unix.WNOHANG
	}
	wpid, err := unix.Wait4(pid, &ws, opts, nil)
	if err != nil {
		return WaitResult{}, err
	}
	if wpid == 0 {
		return WaitResult{}, errNoEvent
	}
	res := WaitResult{Tid: int32(wpid)}
	switch {
	case ws.Exited():
		res.Exited = true
		res.ExitStatus = ws.ExitStatus()
	case ws.Signaled():
		res.Signaled = true
		res.TermSignal = ws.Signal()
	case ws.Stopped():
		res.Stopped = true
		res.StopSignal = ws.StopSignal()
		res.PtraceEvent = int(ws >> 16)
	}
	return res, nil
}

// errNoEvent signals "nothing ready", distinct from a real error, for the
// non-blocking Wait path (spec.md §4.1's WNOHANG short-poll).
var errNoEvent = fmt.Errorf("ptrace: no event ready")

// ErrNoEvent reports whether err is the "nothing ready" sentinel from a
// non-blocking Wait call.
func ErrNoEvent(err error) bool { return err == errNoEvent }
