//go:build arm64

package ptrace

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/corewire/dbgengine/internal/arch"
)

// GetRegs reads the tracee's general-purpose registers via PTRACE_GETREGS
// and maps them onto the architecture-neutral arch.Registers snapshot
// using the aarch64 names from spec.md §6 (x0..x28, fp=x29, lr=x30, sp,
// pc, cpsr=pstate).
func (System) GetRegs(tid int, a arch.Arch) (arch.Registers, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return arch.Registers{}, err
	}
	values := make(map[string]uint64, 33)
	for i := 0; i <= 28; i++ {
		values[fmt.Sprintf("x%d", i)] = regs.Regs[i]
	}
	values["fp"] = regs.Regs[29]
	values["lr"] = regs.Regs[30]
	values["sp"] = regs.Sp
	values["pc"] = regs.Pc
	values["cpsr"] = regs.Pstate
	return arch.Registers{Arch: a.Name(), Values: values}, nil
}

// SetRegs writes back a (possibly mutated) register snapshot via
// PTRACE_SETREGS.
func (System) SetRegs(tid int, a arch.Arch, regs arch.Registers) error {
	var cur unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &cur); err != nil {
		return err
	}
	v := regs.Values
	for i := 0; i <= 28; i++ {
		cur.Regs[i] = v[fmt.Sprintf("x%d", i)]
	}
	cur.Regs[29] = v["fp"]
	cur.Regs[30] = v["lr"]
	cur.Sp = v["sp"]
	cur.Pc = v["pc"]
	cur.Pstate = v["cpsr"]
	return unix.PtraceSetRegs(tid, &cur)
}
