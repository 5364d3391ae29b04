package arch

import "fmt"

// aarch64 hardware breakpoints/watchpoints are programmed through the
// NT_ARM_HW_BREAK / NT_ARM_HW_WATCH regsets (PTRACE_GETREGSET/SETREGSET),
// not PTRACE_PEEKUSER/POKEUSER: each slot owns an independent control
// register (DBGBCRn for breakpoints, DBGWCRn for watchpoints) and value
// register (DBGBVRn/DBGWVRn), unlike x86_64's single shared DR7. spec.md
// §3/§9 refers to these generically as HBPCR/HWDRR; this file keeps that
// naming for the control/value register pair rather than the Linux kernel's
// DBGBCR/DBGBVR names, since the spec explicitly treats the exact register
// names as an implementation detail of the host kernel ABI.
//
// internal/ptrace interprets DebugControlOffset/DebugAddressOffset as regset
// slot indices (not byte offsets) on this architecture and issues a
// GETREGSET/SETREGSET pair instead of PEEKUSER/POKEUSER.
const arm64MaxHWBreakpoints = 4

const (
	// HWDRR (watch/break control register) bit layout, modeled after the
	// kernel's DBGBCR/DBGWCR: enable bit 0, PMC (privilege) bits 1-2, BAS
	// (byte address select) bits 5-12, LSC (load/store control, WCR only)
	// bits 3-4.
	armCtrlEnable = 1 << 0
	armCtrlPMCEL1 = 0b10 << 1 // match at EL0 (user) only
	armCtrlLSCLoad  = 0b01 << 3
	armCtrlLSCStore = 0b10 << 3
	armCtrlLSCBoth  = 0b11 << 3
)

type arm64Arch struct{}

func (arm64Arch) Name() string { return ARM64 }

func (arm64Arch) RegisterNames() []string {
	names := make([]string, 0, 33)
	for i := 0; i <= 28; i++ {
		names = append(names, fmt.Sprintf("x%d", i))
	}
	return append(names, "fp", "lr", "sp", "pc", "cpsr")
}

func (arm64Arch) TrapInstruction() []byte {
	// brk #0, little-endian encoding of 0xd4200000.
	return []byte{0x00, 0x00, 0x20, 0xd4}
}

func (arm64Arch) NumHardwareBreakpoints() int { return arm64MaxHWBreakpoints }

func (arm64Arch) DebugControlOffset(slot int) (uintptr, bool) {
	if slot < 0 || slot >= arm64MaxHWBreakpoints {
		return 0, false
	}
	return uintptr(slot), true // regset slot index, not a byte offset
}

func (arm64Arch) DebugAddressOffset(slot int) (uintptr, bool) {
	if slot < 0 || slot >= arm64MaxHWBreakpoints {
		return 0, false
	}
	return uintptr(slot), true
}

// byteAddressSelect covers the full word for a size-byte access starting at
// an aligned address (spec.md limits watchpoint size to {1,2,4,8}).
func byteAddressSelect(size int) (uint64, error) {
	switch size {
	case 1:
		return 0b0001 << 5, nil
	case 2:
		return 0b0011 << 5, nil
	case 4:
		return 0b1111 << 5, nil
	case 8:
		// aarch64 BAS is 8 bits wide (one per byte of an 8-byte-aligned
		// double-word); an 8-byte watch selects every byte.
		return 0xFF << 5, nil
	default:
		return 0, fmt.Errorf("arch: arm64 watchpoint size must be 1, 2, 4, or 8, got %d", size)
	}
}

func (arm64Arch) BreakpointControlBits(slot int) (mask, enable uint64, err error) {
	if slot < 0 || slot >= arm64MaxHWBreakpoints {
		return 0, 0, fmt.Errorf("arch: arm64 breakpoint slot %d out of range [0,%d)", slot, arm64MaxHWBreakpoints)
	}
	bas, _ := byteAddressSelect(4) // instructions are 4-byte aligned on arm64
	return ^uint64(0), armCtrlEnable | armCtrlPMCEL1 | bas, nil
}

func (arm64Arch) WatchpointControlBits(slot int, size int, kind WatchKind) (mask, enable uint64, err error) {
	if slot < 0 || slot >= arm64MaxHWBreakpoints {
		return 0, 0, fmt.Errorf("arch: arm64 watchpoint slot %d out of range [0,%d)", slot, arm64MaxHWBreakpoints)
	}
	bas, err := byteAddressSelect(size)
	if err != nil {
		return 0, 0, err
	}
	var lsc uint64
	switch kind {
	case WatchWrite:
		lsc = armCtrlLSCStore
	case WatchRead:
		lsc = armCtrlLSCLoad
	case WatchReadWrite:
		lsc = armCtrlLSCBoth
	default:
		return 0, 0, fmt.Errorf("arch: arm64 watchpoint kind %v unsupported", kind)
	}
	return ^uint64(0), armCtrlEnable | armCtrlPMCEL1 | lsc | bas, nil
}
