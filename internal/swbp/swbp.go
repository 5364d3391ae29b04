//go:build linux

// Package swbp implements software breakpoints (spec.md §3.3/§4.3): an
// address-keyed table, unbounded except by a configured capacity, that
// installs the architecture's trap instruction over the original bytes
// and restores them on removal or single-step-over.
package swbp

import (
	"fmt"
	"sync"

	"github.com/corewire/dbgengine/internal/arch"
	"github.com/corewire/dbgengine/internal/ptrace"
)

// MaxEntries is the default capacity (spec.md §4.3: up to one million
// live software breakpoints).
const MaxEntries = 1_000_000

// ErrCapacityExceeded is returned by Add once the table holds Capacity
// entries.
var ErrCapacityExceeded = fmt.Errorf("swbp: software breakpoint table is full")

// ErrDuplicateAddress is returned by Add when addr already has a live
// software breakpoint.
var ErrDuplicateAddress = fmt.Errorf("swbp: software breakpoint already set at this address")

// ErrNotSet is returned by Remove/OriginalBytes when addr has no
// software breakpoint installed.
var ErrNotSet = fmt.Errorf("swbp: no software breakpoint at this address")

type entry struct {
	original    []byte
	removing    bool
	hits        uint64
	targetCount uint64
}

// Info is a read-only snapshot of one installed breakpoint.
type Info struct {
	Addr        uint64
	Hits        uint64
	TargetCount uint64
}

// Table is the software breakpoint table for one tracee. A software
// breakpoint is written to every attached thread's shared address
// space once (ptrace POKETEXT operates on the process's memory, not a
// per-thread register), so unlike internal/hwbp/hwwp, arming touches
// exactly one representative tid.
type Table struct {
	ops      ptrace.Ops
	trap     []byte
	capacity int

	mu      sync.Mutex
	entries map[uint64]*entry
}

// New builds an empty table using a's trap instruction encoding, capped
// at capacity live entries (0 means MaxEntries).
func New(ops ptrace.Ops, a arch.Arch, capacity int) *Table {
	if capacity <= 0 {
		capacity = MaxEntries
	}
	return &Table{
		ops:      ops,
		trap:     a.TrapInstruction(),
		capacity: capacity,
		entries:  map[uint64]*entry{},
	}
}

// Add installs a trap instruction at addr via representativeTid (any
// attached thread of the tracee — they share one address space) and
// records the original bytes so Remove can restore them.
func (t *Table) Add(representativeTid int32, addr uint64, targetCount uint64) error {
	t.mu.Lock()
	if _, ok := t.entries[addr]; ok {
		t.mu.Unlock()
		return ErrDuplicateAddress
	}
	if len(t.entries) >= t.capacity {
		t.mu.Unlock()
		return ErrCapacityExceeded
	}
	t.mu.Unlock()

	orig := make([]byte, len(t.trap))
	if _, err := t.ops.PeekText(int(representativeTid), uintptr(addr), orig); err != nil {
		return fmt.Errorf("swbp: reading original bytes at %#x: %w", addr, err)
	}
	if err := t.ops.PokeText(int(representativeTid), uintptr(addr), t.trap); err != nil {
		return fmt.Errorf("swbp: installing trap at %#x: %w", addr, err)
	}

	t.mu.Lock()
	t.entries[addr] = &entry{original: orig, targetCount: targetCount}
	t.mu.Unlock()
	return nil
}

// Remove restores the original bytes at addr and drops the entry.
func (t *Table) Remove(representativeTid int32, addr uint64) error {
	t.mu.Lock()
	e, ok := t.entries[addr]
	if !ok {
		t.mu.Unlock()
		return ErrNotSet
	}
	e.removing = true
	orig := e.original
	t.mu.Unlock()

	if err := t.ops.PokeText(int(representativeTid), uintptr(addr), orig); err != nil {
		return fmt.Errorf("swbp: restoring original bytes at %#x: %w", addr, err)
	}

	t.mu.Lock()
	delete(t.entries, addr)
	t.mu.Unlock()
	return nil
}

// StepOver temporarily restores the original instruction at addr, calls
// step to single-step the tracee past it, then re-installs the trap —
// the standard software-breakpoint continuation sequence (spec.md
// §4.4's single-step re-arm state machine, software-breakpoint case).
func (t *Table) StepOver(representativeTid int32, addr uint64, step func() error) error {
	t.mu.Lock()
	e, ok := t.entries[addr]
	t.mu.Unlock()
	if !ok {
		return ErrNotSet
	}

	if err := t.ops.PokeText(int(representativeTid), uintptr(addr), e.original); err != nil {
		return fmt.Errorf("swbp: restoring for step-over at %#x: %w", addr, err)
	}
	stepErr := step()
	if err := t.ops.PokeText(int(representativeTid), uintptr(addr), t.trap); err != nil {
		if stepErr == nil {
			stepErr = fmt.Errorf("swbp: re-installing trap after step-over at %#x: %w", addr, err)
		}
	}
	if stepErr == nil {
		t.mu.Lock()
		e.hits++
		t.mu.Unlock()
	}
	return stepErr
}

// RecordHitAndShouldReport increments the hit counter for addr and
// reports whether the hit should propagate, for callers that drive the
// restore/step/reinstall dance across multiple debug-loop iterations
// instead of through one synchronous StepOver call.
func (t *Table) RecordHitAndShouldReport(addr uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		return true
	}
	e.hits++
	return e.targetCount == 0 || e.hits >= e.targetCount
}

// TrapBytes returns a copy of the trap instruction this table installs.
func (t *Table) TrapBytes() []byte {
	out := make([]byte, len(t.trap))
	copy(out, t.trap)
	return out
}

// ShouldReport reports whether the most recent hit at addr should
// propagate to the exception sink, per the same target-count semantics
// as internal/hwbp and internal/hwwp (spec.md §4.4). Call it after
// StepOver has incremented the hit counter.
func (t *Table) ShouldReport(addr uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		return true
	}
	return e.targetCount == 0 || e.hits >= e.targetCount
}

// OriginalBytes returns the bytes that were at addr before the trap was
// installed, for a caller that wants to rewind PC past an already-hit
// trap instruction and re-read memory as the tracee would see it.
func (t *Table) OriginalBytes(addr uint64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		return nil, ErrNotSet
	}
	out := make([]byte, len(e.original))
	copy(out, e.original)
	return out, nil
}

// Has reports whether addr currently has a software breakpoint.
func (t *Table) Has(addr uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[addr]
	return ok
}

// List returns every installed software breakpoint; order is
// unspecified since the table is keyed by a plain map (no ordering
// requirement is placed on software breakpoints by spec.md, unlike the
// diagnostics ordering internal/hwbp provides for its much smaller
// fixed slot count).
func (t *Table) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, 0, len(t.entries))
	for addr, e := range t.entries {
		out = append(out, Info{Addr: addr, Hits: e.hits, TargetCount: e.targetCount})
	}
	return out
}

// Len reports the number of live software breakpoints.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
