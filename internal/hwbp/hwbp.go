//go:build linux

// Package hwbp implements the fixed-size hardware breakpoint table
// (spec.md §3.3/§4.3): one control-register slot per address, applied
// to every thread of the tracee, with first-free slot allocation and a
// uniqueness invariant (no two live breakpoints share an address).
package hwbp

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/corewire/dbgengine/internal/arch"
	"github.com/corewire/dbgengine/internal/ptrace"
)

// ErrTableFull is returned by Add when every hardware slot is occupied.
var ErrTableFull = fmt.Errorf("hwbp: no free hardware breakpoint slot")

// ErrDuplicateAddress is returned by Add when addr already has a live
// breakpoint.
var ErrDuplicateAddress = fmt.Errorf("hwbp: breakpoint already set at this address")

// ErrSlotNotSet is returned by DisableOnThread/EnableOnThread/Remove when
// slot is unoccupied, including the case where a single-step re-arm loses
// a race against a concurrent Remove of the same slot (spec.md §4.3).
var ErrSlotNotSet = fmt.Errorf("hwbp: slot is not set")

// Info is a read-only snapshot of one slot's state, returned by List.
type Info struct {
	Slot           int
	Addr           uint64
	Removing       bool
	ActiveHandlers int32
	Hits           uint64
	TargetCount    uint64
}

type entry struct {
	slot           int
	addr           uint64
	removing       bool
	activeHandlers int32
	hits           uint64
	targetCount    uint64
}

// Less implements btree.Item, ordering entries by address so List can
// report them in a stable, address-sorted order for diagnostics. Both
// the stored *entry and the addrKey lookup key can appear on either
// side of a comparison, so both must be handled here.
func (e *entry) Less(than btree.Item) bool {
	return e.addr < itemAddr(than)
}

type addrKey uint64

func (k addrKey) Less(than btree.Item) bool {
	return uint64(k) < itemAddr(than)
}

func itemAddr(item btree.Item) uint64 {
	switch v := item.(type) {
	case *entry:
		return v.addr
	case addrKey:
		return uint64(v)
	default:
		panic(fmt.Sprintf("hwbp: unexpected btree item type %T", item))
	}
}

// Table is the hardware breakpoint table for one tracee. It is safe for
// concurrent use, though in practice the engine only ever calls it from
// the single debug-loop thread.
type Table struct {
	ops  ptrace.Ops
	arch arch.Arch

	mu     sync.Mutex
	slots  []*entry
	byAddr *btree.BTree
}

// New builds an empty table with a.NumHardwareBreakpoints() slots.
func New(ops ptrace.Ops, a arch.Arch) *Table {
	return &Table{
		ops:    ops,
		arch:   a,
		slots:  make([]*entry, a.NumHardwareBreakpoints()),
		byAddr: btree.New(8),
	}
}

// Add allocates the first free slot for addr and arms it on every tid in
// tids. On any per-thread failure the slot is left unallocated and the
// threads already armed are best-effort disarmed again.
func (t *Table) Add(tids []int32, addr uint64, targetCount uint64) (slot int, err error) {
	t.mu.Lock()
	if t.byAddr.Get(addrKey(addr)) != nil {
		t.mu.Unlock()
		return 0, ErrDuplicateAddress
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

	mask, enable, err := t.arch.BreakpointControlBits(slot)
	if err != nil {
		return 0, err
	}

	armed := make([]int32, 0, len(tids))
	for _, tid := range tids {
		if err := t.armOne(tid, slot, addr, mask, enable); err != nil {
			for _, done := range armed {
				_ = t.disarmOne(done, slot, mask)
			}
			return 0, fmt.Errorf("hwbp: arming tid %d slot %d: %w", tid, slot, err)
		}
		armed = append(armed, tid)
	}

	e := &entry{slot: slot, addr: addr, targetCount: targetCount}
	t.mu.Lock()
	t.slots[slot] = e
	t.byAddr.ReplaceOrInsert(e)
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
	return t.ops.WriteDebugControl(int(tid), t.arch, slot, (cur &^ mask) | enable)
}

func (t *Table) disarmOne(tid int32, slot int, mask uint64) error {
	cur, err := t.ops.ReadDebugControl(int(tid), t.arch, slot)
	if err != nil {
		return err
	}
	return t.ops.WriteDebugControl(int(tid), t.arch, slot, cur&^mask)
}

// Remove disarms slot on every tid and frees it, dropping the entry
// together with its hit counter: the address no longer appears in List,
// and a later Add at the same address starts counting from zero.
func (t *Table) Remove(tids []int32, slot int) error {
	t.mu.Lock()
	e := t.slots[slot]
	if e == nil {
		t.mu.Unlock()
		return ErrSlotNotSet
	}
	e.removing = true
	t.mu.Unlock()

	mask, _, err := t.arch.BreakpointControlBits(slot)
	if err != nil {
		return err
	}
	var firstErr error
	for _, tid := range tids {
		if err := t.disarmOne(tid, slot, mask); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hwbp: disarming tid %d slot %d: %w", tid, slot, err)
		}
	}

	t.mu.Lock()
	t.byAddr.Delete(e)
	t.slots[slot] = nil
	t.mu.Unlock()
	return firstErr
}

// SlotForAddr returns the slot currently armed at addr, if any.
func (t *Table) SlotForAddr(addr uint64) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.byAddr.Get(addrKey(addr))
	if item == nil {
		return 0, false
	}
	return item.(*entry).slot, true
}

// RecordHit increments the hit counter for slot without the report
// decision RecordHitAndShouldReport makes (the engine's exception
// dispatcher uses the latter).
func (t *Table) RecordHit(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.slots[slot]; e != nil {
		e.hits++
	}
}

// RecordHitAndShouldReport increments the hit counter for slot and
// reports whether this hit should propagate to the exception sink.
// When targetCount is 0 every hit reports; otherwise the engine must
// silently re-arm and continue until hits reaches targetCount (spec.md
// §4.4).
func (t *Table) RecordHitAndShouldReport(slot int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.slots[slot]
	if e == nil {
		return true
	}
	e.hits++
	return e.targetCount == 0 || e.hits >= e.targetCount
}

// DisableOnThread clears slot's enable bit on tid only, used by the
// single-step re-arm dance (spec.md §4.4) which disables a firing
// breakpoint on the one thread that hit it rather than every thread.
func (t *Table) DisableOnThread(tid int32, slot int) error {
	t.mu.Lock()
	e := t.slots[slot]
	t.mu.Unlock()
	if e == nil {
		return ErrSlotNotSet
	}
	mask, _, err := t.arch.BreakpointControlBits(slot)
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
	mask, enable, err := t.arch.BreakpointControlBits(slot)
	if err != nil {
		return err
	}
	return t.armOne(tid, slot, e.addr, mask, enable)
}

// InstallOnThread arms every currently occupied slot on tid. Used when a
// thread is discovered after the breakpoints it needs were already
// allocated (spec.md §4.2's lazy thread discovery), so a newly attached
// thread picks up every live breakpoint rather than only ones set after
// it appeared — testable invariant #1 requires every used slot be
// programmed on every attached thread.
func (t *Table) InstallOnThread(tid int32) error {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.slots))
	for _, e := range t.slots {
		if e != nil {
			entries = append(entries, e)
		}
	}
	t.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		mask, enable, err := t.arch.BreakpointControlBits(e.slot)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := t.armOne(tid, e.slot, e.addr, mask, enable); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hwbp: installing slot %d on tid %d: %w", e.slot, tid, err)
		}
	}
	return firstErr
}

// EnterHandler/LeaveHandler bracket the engine's single-step re-arm
// sequence for a slot so List can report whether a removal raced with an
// in-flight handler.
func (t *Table) EnterHandler(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.slots[slot]; e != nil {
		e.activeHandlers++
	}
}

func (t *Table) LeaveHandler(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.slots[slot]; e != nil && e.activeHandlers > 0 {
		e.activeHandlers--
	}
}

// List returns every occupied slot, ordered by address.
func (t *Table) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, 0, len(t.slots))
	t.byAddr.Ascend(func(item btree.Item) bool {
		e := item.(*entry)
		out = append(out, Info{
			Slot:           e.slot,
			Addr:           e.addr,
			Removing:       e.removing,
			ActiveHandlers: e.activeHandlers,
			Hits:           e.hits,
			TargetCount:    e.targetCount,
		})
		return true
	})
	return out
}

// Capacity reports the number of hardware breakpoint slots available.
func (t *Table) Capacity() int {
	return len(t.slots)
}
