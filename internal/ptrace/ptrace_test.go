//go:build linux

package ptrace

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/corewire/dbgengine/internal/arch"
)

func TestFakeOpsDebugRegisterRoundTrip(t *testing.T) {
	f := NewFakeOps()
	f.Thread(100)

	if err := f.WriteDebugAddress(100, nil, 1, 0xdeadbeef); err != nil {
		t.Fatalf("WriteDebugAddress: %v", err)
	}
	got, err := f.ReadDebugAddress(100, nil, 1)
	if err != nil {
		t.Fatalf("ReadDebugAddress: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("address slot 1 = %#x, want %#x", got, 0xdeadbeef)
	}

	if err := f.WriteDebugControl(100, nil, 1, 0x3); err != nil {
		t.Fatalf("WriteDebugControl: %v", err)
	}
	ctrl, err := f.ReadDebugControl(100, nil, 1)
	if err != nil {
		t.Fatalf("ReadDebugControl: %v", err)
	}
	if ctrl != 0x3 {
		t.Fatalf("control slot 1 = %#x, want 0x3", ctrl)
	}

	if _, err := f.ReadDebugAddress(100, nil, 0); err != nil {
		t.Fatalf("unset slot 0 should read back zero, not error: %v", err)
	}
}

func TestFakeOpsUnknownThreadErrors(t *testing.T) {
	f := NewFakeOps()
	if err := f.Seize(999); err == nil {
		t.Fatal("Seize on unseeded tid should error")
	}
	if _, err := f.GetRegs(999, nil); err == nil {
		t.Fatal("GetRegs on unseeded tid should error")
	}
}

func TestFakeOpsMemoryPeekPoke(t *testing.T) {
	f := NewFakeOps()
	f.Thread(1)
	if err := f.PokeText(1, 0x1000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("PokeText: %v", err)
	}
	buf := make([]byte, 4)
	n, err := f.PeekText(1, 0x1000, buf)
	if err != nil {
		t.Fatalf("PeekText: %v", err)
	}
	if n != 4 || buf[0] != 1 || buf[3] != 4 {
		t.Fatalf("PeekText = %v, want [1 2 3 4]", buf[:n])
	}
	if _, err := f.PeekText(1, 0x2000, buf); err == nil {
		t.Fatal("PeekText at unmapped address should error")
	}
}

func TestFakeOpsWaitQueueIsFIFO(t *testing.T) {
	f := NewFakeOps()
	f.Thread(5)
	f.QueueWait(5, WaitResult{Stopped: true, StopSignal: unix.SIGTRAP})
	f.QueueWait(5, WaitResult{Exited: true, ExitStatus: 0})

	r1, err := f.Wait(5, false)
	if err != nil || !r1.Stopped {
		t.Fatalf("first Wait = %+v, err %v; want Stopped", r1, err)
	}
	r2, err := f.Wait(5, false)
	if err != nil || !r2.Exited {
		t.Fatalf("second Wait = %+v, err %v; want Exited", r2, err)
	}
	if _, err := f.Wait(5, false); !ErrNoEvent(err) {
		t.Fatalf("third Wait should be ErrNoEvent, got %v", err)
	}
}

func TestFakeOpsRegsRoundTripThroughArch(t *testing.T) {
	a, err := arch.For(arch.AMD64)
	if err != nil {
		t.Fatalf("arch.For: %v", err)
	}
	f := NewFakeOps()
	f.Thread(7)

	regs := arch.Registers{Arch: arch.AMD64, Values: map[string]uint64{"rip": 0x4000, "rax": 1}}
	if err := f.SetRegs(7, a, regs); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}
	got, err := f.GetRegs(7, a)
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}
	if got.PC() != 0x4000 {
		t.Fatalf("PC() = %#x, want %#x", got.PC(), 0x4000)
	}
	got.SetPC(0x5000)
	if regs.PC() == 0x5000 {
		t.Fatal("GetRegs should return an independent copy, not alias the stored registers")
	}
}
