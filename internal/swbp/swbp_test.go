//go:build linux

package swbp

import (
	"bytes"
	"testing"

	"github.com/corewire/dbgengine/internal/arch"
	"github.com/corewire/dbgengine/internal/ptrace"
)

func newTestTable(t *testing.T, capacity int, tid int32) (*Table, *ptrace.FakeOps) {
	t.Helper()
	a, err := arch.For(arch.AMD64)
	if err != nil {
		t.Fatalf("arch.For: %v", err)
	}
	ops := ptrace.NewFakeOps()
	ops.Thread(int(tid))
	ops.Thread(int(tid)).MemoryAt[0x1000] = []byte{0x90}
	return New(ops, a, capacity), ops
}

func TestAddInstallsTrapAndSavesOriginal(t *testing.T) {
	table, ops := newTestTable(t, 0, 1)
	if err := table.Add(1, 0x1000, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	mem := ops.Thread(1).MemoryAt[0x1000]
	if !bytes.Equal(mem, []byte{0xCC}) {
		t.Fatalf("installed bytes = %v, want trap 0xCC", mem)
	}
	orig, err := table.OriginalBytes(0x1000)
	if err != nil || !bytes.Equal(orig, []byte{0x90}) {
		t.Fatalf("OriginalBytes = %v, err %v; want [0x90]", orig, err)
	}
}

func TestAddRejectsDuplicate(t *testing.T) {
	table, _ := newTestTable(t, 0, 1)
	if err := table.Add(1, 0x1000, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := table.Add(1, 0x1000, 0); err != ErrDuplicateAddress {
		t.Fatalf("second Add = %v, want ErrDuplicateAddress", err)
	}
}

func TestCapacityEnforced(t *testing.T) {
	table, ops := newTestTable(t, 1, 1)
	ops.Thread(1).MemoryAt[0x2000] = []byte{0x90}
	if err := table.Add(1, 0x1000, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := table.Add(1, 0x2000, 0); err != ErrCapacityExceeded {
		t.Fatalf("Add beyond capacity = %v, want ErrCapacityExceeded", err)
	}
}

func TestRemoveRestoresOriginal(t *testing.T) {
	table, ops := newTestTable(t, 0, 1)
	if err := table.Add(1, 0x1000, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := table.Remove(1, 0x1000); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	mem := ops.Thread(1).MemoryAt[0x1000]
	if !bytes.Equal(mem, []byte{0x90}) {
		t.Fatalf("memory after Remove = %v, want original [0x90]", mem)
	}
	if table.Has(0x1000) {
		t.Fatal("Has should be false after Remove")
	}
}

func TestStepOverRestoresStepsThenReinstalls(t *testing.T) {
	table, ops := newTestTable(t, 0, 1)
	if err := table.Add(1, 0x1000, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var sawRestoredDuringStep bool
	err := table.StepOver(1, 0x1000, func() error {
		sawRestoredDuringStep = bytes.Equal(ops.Thread(1).MemoryAt[0x1000], []byte{0x90})
		return nil
	})
	if err != nil {
		t.Fatalf("StepOver: %v", err)
	}
	if !sawRestoredDuringStep {
		t.Fatal("expected original instruction restored during the step callback")
	}
	mem := ops.Thread(1).MemoryAt[0x1000]
	if !bytes.Equal(mem, []byte{0xCC}) {
		t.Fatalf("memory after StepOver = %v, want trap reinstalled", mem)
	}
	infos := table.List()
	if len(infos) != 1 || infos[0].Hits != 1 {
		t.Fatalf("List() = %+v, want one entry with Hits=1", infos)
	}
}

func TestStepOverPropagatesStepError(t *testing.T) {
	table, _ := newTestTable(t, 0, 1)
	if err := table.Add(1, 0x1000, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	wantErr := ErrNotSet // reuse a sentinel as a stand-in failure
	err := table.StepOver(1, 0x1000, func() error { return wantErr })
	if err != wantErr {
		t.Fatalf("StepOver error = %v, want %v", err, wantErr)
	}
}

func TestShouldReportHonorsTargetCount(t *testing.T) {
	table, _ := newTestTable(t, 0, 1)
	if err := table.Add(1, 0x1000, 2); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := table.StepOver(1, 0x1000, func() error { return nil }); err != nil {
		t.Fatalf("StepOver: %v", err)
	}
	if table.ShouldReport(0x1000) {
		t.Fatal("hit 1/2 should not report yet")
	}
	if err := table.StepOver(1, 0x1000, func() error { return nil }); err != nil {
		t.Fatalf("StepOver: %v", err)
	}
	if !table.ShouldReport(0x1000) {
		t.Fatal("hit 2/2 should report")
	}
}
