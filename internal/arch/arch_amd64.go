package arch

import "fmt"

// amd64DebugRegBase is offsetof(struct user, u_debugreg[0]) on x86_64
// Linux, the value PTRACE_PEEKUSER/PTRACE_POKEUSER index into. Grounded on
// other_examples/5d45cfe1_aarzilli-delve__proc-breakpoints_linux_amd64.go.go,
// which derives the same offset via cgo's offsetof(struct user,
// u_debugreg[n]); we hardcode the well-known x86_64 value instead of
// reaching for cgo.
const amd64DebugRegBase uintptr = 848

const (
	drEnableSize = 2 // bits per slot in DR7's local/global enable fields

	drRWExecute   = 0x0
	drRWWrite     = 0x1
	drRWReadWrite = 0x3

	drLen1 = 0x0
	drLen2 = 0x1
	drLen8 = 0x2
	drLen4 = 0x3
)

type amd64Arch struct{}

func (amd64Arch) Name() string { return AMD64 }

func (amd64Arch) RegisterNames() []string {
	return []string{
		"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip", "rflags", "cs", "ss", "ds", "es", "fs", "gs",
	}
}

func (amd64Arch) TrapInstruction() []byte { return []byte{0xCC} } // int3

func (amd64Arch) NumHardwareBreakpoints() int { return 4 }

func (amd64Arch) DebugControlOffset(slot int) (uintptr, bool) {
	if slot < 0 || slot > 3 {
		return 0, false
	}
	return amd64DebugRegBase + 7*8, true // DR7, shared across every slot
}

func (amd64Arch) DebugAddressOffset(slot int) (uintptr, bool) {
	if slot < 0 || slot > 3 {
		return 0, false
	}
	return amd64DebugRegBase + uintptr(slot)*8, true
}

// amd64ControlMask is the bitmask covering slot's 2-bit local/global enable
// field (bits slot*2..slot*2+1) and its 4-bit condition/length field (bits
// 16+slot*4..16+slot*4+3) in DR7.
func amd64ControlMask(slot int) uint64 {
	enableMask := uint64((1<<drEnableSize)-1) << uint(slot*drEnableSize)
	ctrlMask := uint64(0xF) << uint(16+slot*4)
	return enableMask | ctrlMask
}

func (amd64Arch) BreakpointControlBits(slot int) (mask, enable uint64, err error) {
	if slot < 0 || slot > 3 {
		return 0, 0, fmt.Errorf("arch: amd64 breakpoint slot %d out of range [0,3]", slot)
	}
	mask = amd64ControlMask(slot)
	localEnable := uint64(1) << uint(slot*drEnableSize)
	ctrl := uint64(drRWExecute|drLen1<<2) << uint(16+slot*4)
	return mask, localEnable | ctrl, nil
}

func (amd64Arch) WatchpointControlBits(slot int, size int, kind WatchKind) (mask, enable uint64, err error) {
	if slot < 0 || slot > 3 {
		return 0, 0, fmt.Errorf("arch: amd64 watchpoint slot %d out of range [0,3]", slot)
	}
	var rw uint64
	switch kind {
	case WatchWrite:
		rw = drRWWrite
	case WatchRead, WatchReadWrite:
		rw = drRWReadWrite
	default:
		return 0, 0, fmt.Errorf("arch: amd64 watchpoint kind %v unsupported", kind)
	}
	var length uint64
	switch size {
	case 1:
		length = drLen1
	case 2:
		length = drLen2
	case 4:
		length = drLen4
	case 8:
		length = drLen8
	default:
		return 0, 0, fmt.Errorf("arch: amd64 watchpoint size must be 1, 2, 4, or 8, got %d", size)
	}

	mask = amd64ControlMask(slot)
	localEnable := uint64(1) << uint(slot*drEnableSize)
	ctrl := (rw | length<<2) << uint(16+slot*4)
	return mask, localEnable | ctrl, nil
}
