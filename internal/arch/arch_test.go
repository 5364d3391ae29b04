package arch

import "testing"

func TestForUnsupported(t *testing.T) {
	if _, err := For("riscv64"); err == nil {
		t.Fatal("expected error for unsupported architecture")
	}
}

func TestAMD64BreakpointControlBitsDisjointSlots(t *testing.T) {
	a, err := For(AMD64)
	if err != nil {
		t.Fatal(err)
	}
	seen := uint64(0)
	for slot := 0; slot < a.NumHardwareBreakpoints(); slot++ {
		mask, enable, err := a.BreakpointControlBits(slot)
		if err != nil {
			t.Fatalf("slot %d: %v", slot, err)
		}
		if enable&^mask != 0 {
			t.Fatalf("slot %d: enable bits %#x escape mask %#x", slot, enable, mask)
		}
		if seen&mask != 0 {
			t.Fatalf("slot %d: mask %#x overlaps a previous slot's mask %#x", slot, mask, seen)
		}
		seen |= mask
	}
}

func TestAMD64WatchpointControlBitsRejectsBadSize(t *testing.T) {
	a, _ := For(AMD64)
	if _, _, err := a.WatchpointControlBits(0, 3, WatchWrite); err == nil {
		t.Fatal("expected error for watchpoint size 3")
	}
}

func TestAMD64RegisterRoundTrip(t *testing.T) {
	a, _ := For(AMD64)
	regs := Registers{Arch: AMD64, Values: map[string]uint64{}}
	if err := SetRegister(a, &regs, "rip", 0x400000); err != nil {
		t.Fatal(err)
	}
	got, err := GetRegister(a, regs, "rip")
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x400000 {
		t.Fatalf("got %#x, want %#x", got, 0x400000)
	}
	if regs.PC() != 0x400000 {
		t.Fatalf("PC() = %#x, want %#x", regs.PC(), 0x400000)
	}
}

func TestUnknownRegister(t *testing.T) {
	a, _ := For(AMD64)
	regs := Registers{Arch: AMD64, Values: map[string]uint64{}}
	_, err := GetRegister(a, regs, "x0")
	var unk *ErrUnknownRegister
	if err == nil {
		t.Fatal("expected error")
	}
	if !errorsAs(err, &unk) {
		t.Fatalf("expected *ErrUnknownRegister, got %T", err)
	}
}

func TestARM64RegisterNamesCoverSpec(t *testing.T) {
	a, _ := For(ARM64)
	want := []string{"x0", "x28", "fp", "lr", "sp", "pc", "cpsr"}
	names := a.RegisterNames()
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	for _, w := range want {
		if !set[w] {
			t.Fatalf("arm64 register names missing %q", w)
		}
	}
}

func TestARM64WatchpointControlBitsFullOverwrite(t *testing.T) {
	a, _ := For(ARM64)
	mask, _, err := a.WatchpointControlBits(0, 4, WatchReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if mask != ^uint64(0) {
		t.Fatalf("arm64 watchpoint mask should be a full overwrite, got %#x", mask)
	}
}

func TestRegistersCloneIsIndependent(t *testing.T) {
	regs := Registers{Arch: AMD64, Values: map[string]uint64{"rip": 1}}
	clone := regs.Clone()
	clone.Values["rip"] = 2
	if regs.Values["rip"] != 1 {
		t.Fatalf("mutating clone affected original: %#v", regs.Values)
	}
}

// errorsAs avoids importing "errors" twice at the top just for this one
// helper call site readability; behaves like errors.As.
func errorsAs(err error, target **ErrUnknownRegister) bool {
	e, ok := err.(*ErrUnknownRegister)
	if !ok {
		return false
	}
	*target = e
	return true
}
