//go:build amd64

package ptrace

import (
	"golang.org/x/sys/unix"

	"github.com/corewire/dbgengine/internal/arch"
)

// GetRegs reads the tracee's general-purpose registers via PTRACE_GETREGS
// and maps them onto the architecture-neutral arch.Registers snapshot
// using the x86_64 names from spec.md §6.
func (System) GetRegs(tid int, a arch.Arch) (arch.Registers, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return arch.Registers{}, err
	}
	return arch.Registers{
		Arch: a.Name(),
		Values: map[string]uint64{
			"rax":    regs.Rax,
			"rbx":    regs.Rbx,
			"rcx":    regs.Rcx,
			"rdx":    regs.Rdx,
			"rsi":    regs.Rsi,
			"rdi":    regs.Rdi,
			"rbp":    regs.Rbp,
			"rsp":    regs.Rsp,
			"r8":     regs.R8,
			"r9":     regs.R9,
			"r10":    regs.R10,
			"r11":    regs.R11,
			"r12":    regs.R12,
			"r13":    regs.R13,
			"r14":    regs.R14,
			"r15":    regs.R15,
			"rip":    regs.Rip,
			"rflags": regs.Eflags,
			"cs":     regs.Cs,
			"ss":     regs.Ss,
			"ds":     regs.Ds,
			"es":     regs.Es,
			"fs":     regs.Fs,
			"gs":     regs.Gs,
		},
	}, nil
}

// SetRegs writes back a (possibly mutated) register snapshot via
// PTRACE_SETREGS, first reading the current registers so fields outside
// spec.md §6's named set (e.g. segment bases) are preserved untouched.
func (System) SetRegs(tid int, a arch.Arch, regs arch.Registers) error {
	var cur unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &cur); err != nil {
		return err
	}
	v := regs.Values
	cur.Rax = v["rax"]
	cur.Rbx = v["rbx"]
	cur.Rcx = v["rcx"]
	cur.Rdx = v["rdx"]
	cur.Rsi = v["rsi"]
	cur.Rdi = v["rdi"]
	cur.Rbp = v["rbp"]
	cur.Rsp = v["rsp"]
	cur.R8 = v["r8"]
	cur.R9 = v["r9"]
	cur.R10 = v["r10"]
	cur.R11 = v["r11"]
	cur.R12 = v["r12"]
	cur.R13 = v["r13"]
	cur.R14 = v["r14"]
	cur.R15 = v["r15"]
	cur.Rip = v["rip"]
	cur.Eflags = v["rflags"]
	cur.Cs = v["cs"]
	cur.Ss = v["ss"]
	cur.Ds = v["ds"]
	cur.Es = v["es"]
	cur.Fs = v["fs"]
	cur.Gs = v["gs"]
	return unix.PtraceSetRegs(tid, &cur)
}
