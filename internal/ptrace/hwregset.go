//go:build linux

package ptrace

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Layout of the Linux kernel's struct user_hwdebug_state, used for both
// NT_ARM_HW_BREAK and NT_ARM_HW_WATCH:
//
//	struct user_hwdebug_state {
//	        __u32 dbg_info;
//	        __u32 pad;
//	        struct {
//	                __u64 addr;
//	                __u32 ctrl;
//	                __u32 pad;
//	        } dbg_regs[16];
//	};
const (
	hwDebugStateHeaderSize = 8
	hwDebugRegEntrySize    = 16
	hwDebugMaxRegs         = 16
)

type regSetWord int

const (
	regSetValueWord regSetWord = iota
	regSetControlWord
)

type ptraceIovec struct {
	base unsafe.Pointer
	len  uint64
}

func getRegSet(tid int, which int, buf []byte) error {
	iov := ptraceIovec{base: unsafe.Pointer(&buf[0]), len: uint64(len(buf))}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(ptraceGetRegSet), uintptr(tid), uintptr(which), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("ptrace: getregset tid %d type %#x: %w", tid, which, errno)
	}
	return nil
}

func setRegSet(tid int, which int, buf []byte) error {
	iov := ptraceIovec{base: unsafe.Pointer(&buf[0]), len: uint64(len(buf))}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(ptraceSetRegSet), uintptr(tid), uintptr(which), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("ptrace: setregset tid %d type %#x: %w", tid, which, errno)
	}
	return nil
}

func entryOffset(slot int) int {
	return hwDebugStateHeaderSize + slot*hwDebugRegEntrySize
}

// readHWRegSetWord fetches the whole hw-debug regset for `which`
// (NT_ARM_HW_BREAK/WATCH) and returns either the 64-bit address word or the
// (zero-extended) 32-bit control word for `slot`.
func readHWRegSetWord(tid int, which int, slot int, word regSetWord) (uint64, error) {
	if slot < 0 || slot >= hwDebugMaxRegs {
		return 0, fmt.Errorf("ptrace: hw regset slot %d out of range", slot)
	}
	buf := make([]byte, hwDebugStateHeaderSize+hwDebugMaxRegs*hwDebugRegEntrySize)
	if err := getRegSet(tid, which, buf); err != nil {
		return 0, err
	}
	off := entryOffset(slot)
	switch word {
	case regSetValueWord:
		return binary.LittleEndian.Uint64(buf[off : off+8]), nil
	default:
		return uint64(binary.LittleEndian.Uint32(buf[off+8 : off+12])), nil
	}
}

// writeHWRegSetWord read-modify-writes the hw-debug regset for `which`,
// updating only `slot`'s addr or ctrl word and leaving every other slot on
// the thread untouched (a GETREGSET/SETREGSET pair is the only way to
// write one slot on aarch64 — there is no per-slot PEEKUSER/POKEUSER
// equivalent).
func writeHWRegSetWord(tid int, which int, slot int, word regSetWord, value uint64) error {
	if slot < 0 || slot >= hwDebugMaxRegs {
		return fmt.Errorf("ptrace: hw regset slot %d out of range", slot)
	}
	buf := make([]byte, hwDebugStateHeaderSize+hwDebugMaxRegs*hwDebugRegEntrySize)
	if err := getRegSet(tid, which, buf); err != nil {
		return err
	}
	off := entryOffset(slot)
	switch word {
	case regSetValueWord:
		binary.LittleEndian.PutUint64(buf[off:off+8], value)
	default:
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(value))
	}
	return setRegSet(tid, which, buf)
}
