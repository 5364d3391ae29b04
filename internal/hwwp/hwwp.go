//go:build linux

// Package hwwp implements the hardware watchpoint table (spec.md
// §3.3/§4.3): like internal/hwbp, but each slot additionally carries a
// byte width and an access kind (write, read, or read-write), and the
// slot count is a runtime-configured capacity rather than a hardcoded
// architectural constant.
package hwwp

import (
	"fmt"
	"sync"

	"github.com/corewire/dbgengine/internal/arch"
	"github.com/corewire/dbgengine/internal/ptrace"
)

// ErrTableFull is returned by Add when every watchpoint slot is occupied.
var ErrTableFull = fmt.Errorf("hwwp: no free hardware watchpoint slot")

// ErrDuplicateAddress is returned by Add when addr already has a live
// watchpoint.
var ErrDuplicateAddress = fmt.Errorf("hwwp: watchpoint already set at this address")

// ErrSlotNotSet is returned by DisableOnThread/EnableOnThread/Remove when
// slot is unoccupied, including the case where a single-step re-arm loses
// a race against a concurrent Remove of the same slot (spec.md §4.3).
var ErrSlotNotSet = fmt.Errorf("hwwp: slot is not set")

// Info is a read-only snapshot of one slot's state.
type Info struct {
	Slot        int
	Addr        uint64
	Size        int
	Kind        arch.WatchKind
	Hits        uint64
	TargetCount uint64
}

type entry struct {
	addr        uint64
	size        int
	kind        arch.WatchKind
	hits        uint64
	targetCount uint64
}

// Table is the hardware watchpoint table for one tracee.
type Table struct {
	ops  ptrace.Ops
	arch arch.Arch

	mu    sync.Mutex
	slots []*entry
}

// New builds an empty table with `capacity` slots (spec.md §4.3's
// hardware watchpoint count is architecture-defined but the engine
// exposes it as a config knob — see internal/config — since some
// kernels/virtualized environments expose fewer usable slots than the
// architecture nominally allows).
func New(ops ptrace.Ops, a arch.Arch, capacity int) *Table {
	if capacity <= 0 {
		capacity = 1
	}
	return &Table{
		ops:   ops,
		arch:  a,
		slots: make([]*entry, capacity),
	}
}

// Add allocates the first free slot watching addr for `size` bytes with
// access kind `kind`, arming it on every tid in tids.
func (t *Table) Add(tids []int32, addr uint64, size int, kind arch.WatchKind, targetCount uint64) (slot int, err error) {
	t.mu.Lock()
	for _, e := range t.slots {
		if e != nil && e.addr == addr {
			t.mu.Unlock()
			return 0, ErrDuplicateAddress
		}
	}
	slot = -1
	for i, e := range t.slots {
		if e == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		t.mu.Unlock()
		return 0, ErrTableFull
	}
	t.mu.Unlock()

	mask, enable, err := t.arch.WatchpointControlBits(slot, size, kind)
	if err != nil {
		return 0, err
	}

	armed := make([]int32, 0, len(tids))
	for _, tid := range tids {
		if err := t.armOne(tid, slot, addr, mask, enable); err != nil {
			for _, done := range armed {
				_ = t.disarmOne(done, slot, mask)
			}
			return 0, fmt.Errorf("hwwp: arming tid %d slot %d: %w", tid, slot, err)
		}
		armed = append(armed, tid)
	}

	t.mu.Lock()
	t.slots[slot] = &entry{addr: addr, size: size, kind: kind, targetCount: targetCount}
	t.mu.Unlock()
	return slot, nil
}

func (t *Table) armOne(tid int32, slot int, addr uint64, mask, enable uint64) error {
	if err := t.ops.WriteDebugAddress(int(tid), t.arch, slot, addr); err != nil {
		return err
	}
	cur, err := t.ops.ReadDebugControl(int(tid), t.arch, slot)
	if err != nil {
		return err
	}
	return t.ops.WriteDebugControl(int(tid), t.arch, slot, (cur&^mask)|enable)
}

func (t *Table) disarmOne(tid int32, slot int, mask uint64) error {
	cur, err := t.ops.ReadDebugControl(int(tid), t.arch, slot)
	if err != nil {
		return err
	}
	return t.ops.WriteDebugControl(int(tid), t.arch, slot, cur&^mask)
}

// Remove disarms slot on every tid and frees it.
func (t *Table) Remove(tids []int32, slot int) error {
	t.mu.Lock()
	if slot < 0 || slot >= len(t.slots) || t.slots[slot] == nil {
		t.mu.Unlock()
		return ErrSlotNotSet
	}
	size := t.slots[slot].size
	kind := t.slots[slot].kind
	t.mu.Unlock()

	mask, _, err := t.arch.WatchpointControlBits(slot, size, kind)
	if err != nil {
		return err
	}
	var firstErr error
	for _, tid := range tids {
		if err := t.disarmOne(tid, slot, mask); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hwwp: disarming tid %d slot %d: %w", tid, slot, err)
		}
	}

	t.mu.Lock()
	t.slots[slot] = nil
	t.mu.Unlock()
	return firstErr
}

// DisableOnThread clears slot's enable bit on tid only, mirroring
// internal/hwbp's per-thread re-arm disable (spec.md §4.4).
func (t *Table) DisableOnThread(tid int32, slot int) error {
	t.mu.Lock()
	e := t.slots[slot]
	t.mu.Unlock()
	if e == nil {
		return ErrSlotNotSet
	}
	mask, _, err := t.arch.WatchpointControlBits(slot, e.size, e.kind)
	if err != nil {
		return err
	}
	return t.disarmOne(tid, slot, mask)
}

// EnableOnThread re-arms slot on tid after a single-step re-arm.
func (t *Table) EnableOnThread(tid int32, slot int) error {
	t.mu.Lock()
	e := t.slots[slot]
	t.mu.Unlock()
	if e == nil {
		return ErrSlotNotSet
	}
	mask, enable, err := t.arch.WatchpointControlBits(slot, e.size, e.kind)
	if err != nil {
		return err
	}
	return t.armOne(tid, slot, e.addr, mask, enable)
}

// InstallOnThread arms every currently occupied slot on tid, mirroring
// internal/hwbp's re-arm for a thread discovered after watchpoints were
// already allocated (spec.md §4.2's lazy thread discovery).
func (t *Table) InstallOnThread(tid int32) error {
	type snapshot struct {
		slot int
		e    *entry
	}
	t.mu.Lock()
	entries := make([]snapshot, 0, len(t.slots))
	for i, e := range t.slots {
		if e != nil {
			entries = append(entries, snapshot{i, e})
		}
	}
	t.mu.Unlock()

	var firstErr error
	for _, s := range entries {
		mask, enable, err := t.arch.WatchpointControlBits(s.slot, s.e.size, s.e.kind)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := t.armOne(tid, s.slot, s.e.addr, mask, enable); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hwwp: installing slot %d on tid %d: %w", s.slot, tid, err)
		}
	}
	return firstErr
}

// RecordHit increments the hit counter for slot.
func (t *Table) RecordHit(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot >= 0 && slot < len(t.slots) && t.slots[slot] != nil {
		t.slots[slot].hits++
	}
}

// RecordHitAndShouldReport increments the hit counter for slot and
// reports whether this hit should propagate to the exception sink,
// mirroring internal/hwbp's target-count semantics (spec.md §4.4).
func (t *Table) RecordHitAndShouldReport(slot int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.slots) || t.slots[slot] == nil {
		return true
	}
	e := t.slots[slot]
	e.hits++
	return e.targetCount == 0 || e.hits >= e.targetCount
}

// SlotForAddr returns the slot currently watching addr, if any.
func (t *Table) SlotForAddr(addr uint64) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.slots {
		if e != nil && e.addr == addr {
			return i, true
		}
	}
	return 0, false
}

// List returns every occupied slot, in slot-index order.
func (t *Table) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, 0, len(t.slots))
	for i, e := range t.slots {
		if e == nil {
			continue
		}
		out = append(out, Info{Slot: i, Addr: e.addr, Size: e.size, Kind: e.kind, Hits: e.hits, TargetCount: e.targetCount})
	}
	return out
}

// Capacity reports the number of watchpoint slots available.
func (t *Table) Capacity() int {
	return len(t.slots)
}
