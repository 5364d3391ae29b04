//go:build linux

// Package herder owns the set of kernel threads that make up one traced
// process: discovering them under /proc/<pid>/task, seizing them with
// PTRACE_SEIZE, and driving the stop-all/resume-all protocol the debug
// loop needs around every breakpoint/watchpoint table mutation.
//
// Grounded on the teacher's attach/wait dance in
// pkg/sentry/platform/ptrace/subprocess_linux.go (attach, then wait for
// SIGSTOP before touching the thread further) and on the delve-family
// thread-map idioms in other_examples (undoio-delve's proc_linux.go wait
// loop tolerating ESRCH/ECHILD races, pmorie-delve's threads.go
// per-thread state struct).
package herder

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/corewire/dbgengine/internal/arch"
	"github.com/corewire/dbgengine/internal/logging"
	"github.com/corewire/dbgengine/internal/ptrace"
)

// ThreadState is the herder's view of one tracee thread.
type ThreadState struct {
	Tid      int32
	Attached bool
	Stopped  bool
	StopSig  unix.Signal
}

// Event is a wait() result the herder buffered because it arrived while
// the herder was mid-stop-all/resume-all and couldn't be handed to the
// dispatcher yet (spec.md §4.2's race-tolerant buffering requirement).
type Event struct {
	Tid    int32
	Result ptrace.WaitResult
}

// Herder tracks every thread of one tracee process and fans out
// attach/stop/resume operations across them.
type Herder struct {
	ops  ptrace.Ops
	arch arch.Arch
	pid  int32
	log  logging.Logger

	retryBudget int
	maxParallel int64

	mu      sync.Mutex
	threads map[int32]*ThreadState
	pending []Event
}

// New builds a herder for pid, using a.Name() to pick the register
// layout GetRegs/SetRegs decode into when the caller asks for registers
// (the herder itself never reads registers; that's the engine's job —
// this field just gets threaded through to callers that need it).
func New(ops ptrace.Ops, a arch.Arch, pid int32, retryBudget int, log logging.Logger) *Herder {
	if log == nil {
		log = logging.Nop()
	}
	if retryBudget <= 0 {
		retryBudget = 5
	}
	return &Herder{
		ops:         ops,
		arch:        a,
		pid:         pid,
		log:         log,
		retryBudget: retryBudget,
		maxParallel: 8,
		threads:     map[int32]*ThreadState{},
	}
}

// DiscoverThreads lists the kernel thread ids of the herder's pid by
// reading /proc/<pid>/task, the same source of truth the teacher's
// runsc/boot package uses to enumerate sandboxed processes.
func DiscoverThreads(pid int32) ([]int32, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("herder: reading task dir for pid %d: %w", pid, err)
	}
	tids := make([]int32, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, int32(tid))
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	return tids, nil
}

// Threads returns a snapshot of every thread the herder currently
// tracks, sorted by tid.
func (h *Herder) Threads() []ThreadState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ThreadState, 0, len(h.threads))
	for _, t := range h.threads {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tid < out[j].Tid })
	return out
}

// AttachAll discovers every thread currently under the tracee's
// /proc/<pid>/task and seizes any not already attached, fanning the
// seizes out across a bounded worker pool (lazy discovery: threads that
// appear later — spawned after AttachAll returns — are recorded by
// RecordIfUnknown when their first stop reaches the debug loop, or seized
// by a later AttachAll call).
func (h *Herder) AttachAll(ctx context.Context) error {
	tids, err := DiscoverThreads(h.pid)
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(h.maxParallel)
	g, gctx := errgroup.WithContext(ctx)

	for _, tid := range tids {
		tid := tid
		h.mu.Lock()
		_, known := h.threads[tid]
		h.mu.Unlock()
		if known {
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return h.attachOne(tid)
		})
	}
	return g.Wait()
}

// RecordIfUnknown registers tid as an attached thread if the herder has
// not seen it before, implementing spec.md §4.2's lazy discovery ("on
// any stop, if the task id is unknown, attach it and record it"). By the
// time any thread's first stop reaches the debug loop, the kernel has
// already made it a tracee — PTRACE_O_TRACECLONE is set on every seized
// thread precisely so a clone()'d child arrives this way — so this only
// updates bookkeeping; it never issues a Seize. Returns true if tid was
// previously unknown, so the caller can re-arm live hardware state on it.
func (h *Herder) RecordIfUnknown(tid int32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.threads[tid]; ok {
		return false
	}
	h.threads[tid] = &ThreadState{Tid: tid, Attached: true}
	h.log.Debugf("discovered thread %d lazily on stop", tid)
	return true
}

func (h *Herder) attachOne(tid int32) error {
	op := func() error { return h.ops.Seize(int(tid)) }
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(h.retryBudget))
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("herder: seize tid %d: %w", tid, err)
	}

	h.mu.Lock()
	h.threads[tid] = &ThreadState{Tid: tid, Attached: true}
	h.mu.Unlock()
	h.log.Debugf("seized thread %d", tid)
	return nil
}

// StopAll interrupts every attached thread not already stopped and
// verifies each actually reaches a ptrace-stop within the herder's retry
// budget, buffering any unrelated wait events it harvests along the way
// so the dispatcher can still see them later (spec.md §4.2's
// pending-event buffering invariant). It returns exactly the tids it
// newly stopped: a thread already stopped before this call (e.g. parked
// at a delivered breakpoint awaiting the client) is left out, so a
// caller that later resumes only the returned list can never wake a
// thread it did not itself freeze (spec.md §4.2's resume-all invariant).
func (h *Herder) StopAll(ctx context.Context) ([]int32, error) {
	h.mu.Lock()
	tids := make([]int32, 0, len(h.threads))
	for tid := range h.threads {
		tids = append(tids, tid)
	}
	h.mu.Unlock()

	var result *multierror.Error
	newlyStopped := make([]int32, 0, len(tids))
	for _, tid := range tids {
		wasStopped := h.isStopped(tid)
		if err := h.stopOne(tid); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !wasStopped {
			newlyStopped = append(newlyStopped, tid)
		}
	}
	return newlyStopped, result.ErrorOrNil()
}

func (h *Herder) isStopped(tid int32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.threads[tid]; ok {
		return st.Stopped
	}
	return false
}

func (h *Herder) stopOne(tid int32) error {
	h.mu.Lock()
	st, ok := h.threads[tid]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("herder: stop: unknown tid %d", tid)
	}
	if st.Stopped {
		return nil
	}

	if err := h.ops.Interrupt(int(tid)); err != nil {
		return fmt.Errorf("herder: interrupt tid %d: %w", tid, err)
	}

	op := func() error {
		res, err := h.ops.Wait(int(tid), false)
		if ptrace.ErrNoEvent(err) {
			return fmt.Errorf("herder: tid %d not yet stopped", tid)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if res.Tid != tid {
			h.bufferEvent(Event{Tid: res.Tid, Result: res})
			return fmt.Errorf("herder: wait surfaced tid %d while waiting for %d", res.Tid, tid)
		}
		if res.Exited || res.Signaled {
			h.mu.Lock()
			delete(h.threads, tid)
			h.mu.Unlock()
			return nil
		}
		// A plain SIGTRAP without the PTRACE_EVENT_STOP group-stop marker
		// means tid stopped for a real reason (breakpoint, watchpoint,
		// single-step) that raced with our interrupt, not because of it.
		// The thread is still genuinely stopped (safe to edit hardware
		// debug state), but this event belongs to the dispatcher, not to
		// stop-all: buffer it for replay instead of swallowing it, so no
		// exception is ever lost to a concurrent stop-all (spec.md §4.2's
		// no-loss invariant).
		if res.StopSignal == unix.SIGTRAP && res.PtraceEvent != unix.PTRACE_EVENT_STOP {
			h.bufferEvent(Event{Tid: tid, Result: res})
		}
		h.mu.Lock()
		st.Stopped = true
		st.StopSig = res.StopSignal
		h.mu.Unlock()
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(h.retryBudget))
	return backoff.Retry(op, b)
}

// ResumeAll continues exactly the given tids — normally the list a prior
// StopAll returned — with sig (usually 0), best-effort: a thread that
// has exited since StopAll is simply dropped rather than failing the
// whole call. A tid not currently marked Stopped is skipped rather than
// resumed, so a caller can never wake a thread it did not itself freeze
// (spec.md §4.2).
func (h *Herder) ResumeAll(tids []int32, sig unix.Signal) error {
	var result *multierror.Error
	for _, tid := range tids {
		if !h.isStopped(tid) {
			continue
		}
		if err := h.ops.Cont(int(tid), sig); err != nil {
			if isThreadGone(err) {
				h.mu.Lock()
				delete(h.threads, tid)
				h.mu.Unlock()
				continue
			}
			result = multierror.Append(result, fmt.Errorf("herder: resume tid %d: %w", tid, err))
			continue
		}
		h.mu.Lock()
		if st, ok := h.threads[tid]; ok {
			st.Stopped = false
		}
		h.mu.Unlock()
	}
	return result.ErrorOrNil()
}

// DetachAll detaches (PTRACE_DETACH) every thread the herder still
// tracks, tolerating ESRCH for threads that have already exited — spec.md's
// teardown path treats a thread disappearing mid-detach as success, not
// failure.
func (h *Herder) DetachAll() error {
	h.mu.Lock()
	tids := make([]int32, 0, len(h.threads))
	for tid := range h.threads {
		tids = append(tids, tid)
	}
	h.mu.Unlock()

	var result *multierror.Error
	for _, tid := range tids {
		if err := h.ops.Detach(int(tid), 0); err != nil && !isThreadGone(err) {
			result = multierror.Append(result, fmt.Errorf("herder: detach tid %d: %w", tid, err))
		}
		h.mu.Lock()
		delete(h.threads, tid)
		h.mu.Unlock()
	}
	return result.ErrorOrNil()
}

// bufferEvent stashes a wait() result the herder harvested incidentally
// so the engine's dispatch loop can drain it on its next poll instead of
// losing it.
func (h *Herder) bufferEvent(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, ev)
}

// DrainPending removes and returns every buffered event, oldest first.
func (h *Herder) DrainPending() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pending
	h.pending = nil
	return out
}

func isThreadGone(err error) bool {
	return err == unix.ESRCH
}

// waitForStop blocks (bounded by timeout) until tid reports a stop;
// WaitForStop is its exported form.
func (h *Herder) waitForStop(tid int32, timeout time.Duration) (ptrace.WaitResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		res, err := h.ops.Wait(int(tid), false)
		if err == nil {
			return res, nil
		}
		if !ptrace.ErrNoEvent(err) {
			return ptrace.WaitResult{}, err
		}
		if time.Now().After(deadline) {
			return ptrace.WaitResult{}, fmt.Errorf("herder: timed out waiting for tid %d", tid)
		}
		time.Sleep(time.Millisecond)
	}
}

// WaitForStop is the exported form of waitForStop, for callers that need
// to block on a specific thread reaching a stop outside the normal
// debug-loop poll (e.g. tests driving the herder directly).
func (h *Herder) WaitForStop(tid int32, timeout time.Duration) (ptrace.WaitResult, error) {
	return h.waitForStop(tid, timeout)
}
