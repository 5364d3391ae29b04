//go:build linux

package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/time/rate"

	"github.com/corewire/dbgengine/internal/arch"
	"github.com/corewire/dbgengine/internal/cmdqueue"
	"github.com/corewire/dbgengine/internal/config"
	"github.com/corewire/dbgengine/internal/herder"
	"github.com/corewire/dbgengine/internal/hwbp"
	"github.com/corewire/dbgengine/internal/hwwp"
	"github.com/corewire/dbgengine/internal/logging"
	"github.com/corewire/dbgengine/internal/looprate"
	"github.com/corewire/dbgengine/internal/ptrace"
	"github.com/corewire/dbgengine/internal/ptyalloc"
	"github.com/corewire/dbgengine/internal/signalpolicy"
	"github.com/corewire/dbgengine/internal/swbp"
)

// Engine owns one tracee (attached or spawned) for its entire lifetime
// (spec.md §1's "exactly one target process per engine instance"
// non-goal). All ptrace-touching state is only ever mutated from the
// debug-loop goroutine; everything else crosses internal/cmdqueue.
type Engine struct {
	ops  ptrace.Ops
	arch arch.Arch
	cfg  config.Config
	log  logging.Logger

	herder   *herder.Herder
	hwbp     *hwbp.Table
	hwwp     *hwwp.Table
	swbp     *swbp.Table
	signals  *signalpolicy.Table
	queue    *cmdqueue.Queue
	limiter  *looprate.Limiter
	ptyAlloc ptyalloc.Allocator

	lock *flock.Flock

	mu           sync.Mutex
	pid          int32
	threadStates map[int32]*ThreadRuntimeState
	sink         ExceptionSink
	seq          uint64
	degraded     bool

	doneCh chan struct{}
	wg     sync.WaitGroup
}

// Option customizes Attach/Spawn construction.
type Option func(*Engine)

// WithConfig overrides the default configuration.
func WithConfig(cfg config.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger overrides the default no-op logger.
func WithLogger(log logging.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithOps overrides the ptrace backend (tests inject ptrace.FakeOps
// here; production code leaves this unset to get ptrace.System{}).
func WithOps(ops ptrace.Ops) Option {
	return func(e *Engine) { e.ops = ops }
}

// WithPTYAllocator overrides the PTY allocator used by Spawn(with_pty).
func WithPTYAllocator(a ptyalloc.Allocator) Option {
	return func(e *Engine) { e.ptyAlloc = a }
}

func newEngine(archName string, opts []Option) (*Engine, error) {
	a, err := arch.For(archName)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		arch:         a,
		ops:          ptrace.System{},
		cfg:          config.Default(),
		log:          logging.Nop(),
		ptyAlloc:     ptyalloc.Console{},
		threadStates: map[int32]*ThreadRuntimeState{},
		queue:        cmdqueue.New(),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.hwbp = hwbp.New(e.ops, e.arch)
	e.hwwp = hwwp.New(e.ops, e.arch, e.cfg.MaxHardwareWatchpoints)
	e.swbp = swbp.New(e.ops, e.arch, e.cfg.MaxSoftwareBreakpoints)
	e.signals = signalpolicy.New(e.cfg, e.log)
	e.limiter = looprate.New(rate.Every(e.cfg.DebugLoopIdlePoll), 4)
	return e, nil
}

// lockPath is where Attach/Spawn take a per-PID advisory lock to refuse
// two engines racing to seize the same tracee (spec.md says nothing
// explicit about cross-process coordination, but a second engine
// attaching to an already-owned PID would silently corrupt the first
// engine's breakpoint tables — an InternalInvariant waiting to happen).
func lockPath(pid int32) string {
	return fmt.Sprintf("%s/dbgengine-%d.lock", os.TempDir(), pid)
}

// Attach seizes every thread of an already-running process.
func Attach(pid int32, archName string, opts ...Option) (*Engine, error) {
	e, err := newEngine(archName, opts)
	if err != nil {
		return nil, err
	}
	e.lock = flock.New(lockPath(pid))
	locked, err := e.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("engine: acquiring lock for pid %d: %w", pid, err)
	}
	if !locked {
		return nil, fmt.Errorf("engine: pid %d is already attached by another engine instance", pid)
	}

	e.pid = pid
	e.herder = herder.New(e.ops, e.arch, pid, e.cfg.StopAllRetryBudget, e.log)

	ready := make(chan error, 1)
	e.wg.Add(1)
	go e.run(ready)
	if err := <-ready; err != nil {
		e.lock.Unlock()
		return nil, err
	}
	return e, nil
}

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	WithPTY bool
}

// Spawn forks path/argv with trace-me set before exec, so the child
// stops itself with SIGTRAP the instant exec succeeds, and the debug
// loop picks it up as the initial stop event (spec.md §6's spawn
// contract). With sopts.WithPTY the child's stdin/stdout/stderr are the
// slave side of a newly allocated PTY; the PTY master is not returned to
// the caller.
func Spawn(path string, argv []string, archName string, sopts SpawnOptions, opts ...Option) (*Engine, int32, error) {
	e, err := newEngine(archName, opts)
	if err != nil {
		return nil, 0, err
	}

	cmd := exec.Command(path, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}

	var pty ptyalloc.PTY
	if sopts.WithPTY {
		pty, err = e.ptyAlloc.Allocate()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: allocating pty: %v", ErrSpawnFailed, err)
		}
		slave, err := ptyalloc.OpenSlave(pty)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: opening pty slave: %v", ErrSpawnFailed, err)
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
	} else {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	pid := int32(cmd.Process.Pid)

	e.lock = flock.New(lockPath(pid))
	if _, err := e.lock.TryLock(); err != nil {
		return nil, 0, fmt.Errorf("engine: acquiring lock for spawned pid %d: %w", pid, err)
	}

	e.pid = pid
	e.herder = herder.New(e.ops, e.arch, pid, e.cfg.StopAllRetryBudget, e.log)

	// The child is already stopped (execve's implicit SIGTRAP under
	// PTRACE_TRACEME) by the time cmd.Start returns, so harvest that
	// stop before the herder's normal seize-based attach, which expects
	// threads it hasn't already attached to via exec inheritance.
	if _, err := e.ops.Wait(int(pid), true); err != nil {
		return nil, 0, fmt.Errorf("%w: waiting for initial exec-stop: %v", ErrSpawnFailed, err)
	}

	ready := make(chan error, 1)
	e.wg.Add(1)
	go e.run(ready)
	if err := <-ready; err != nil {
		e.lock.Unlock()
		return nil, 0, err
	}
	return e, pid, nil
}

// run is the debug-loop goroutine. It locks its OS thread for its
// entire lifetime (spec.md §4.1/§5: ptrace has thread affinity) and
// never returns it to Go's scheduler pool until Close.
func (e *Engine) run(ready chan<- error) {
	defer e.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := e.herder.AttachAll(context.Background()); err != nil {
		ready <- err
		return
	}
	ready <- nil

	e.loop()
}

// Close tears the engine down: detaches every thread, clears every
// breakpoint/watchpoint (restoring original bytes), and joins the debug
// loop (spec.md §3's "Lifecycle" paragraph).
func (e *Engine) Close() error {
	close(e.doneCh)
	e.wg.Wait()
	e.queue.Close()

	var firstErr error
	tids := e.attachedTids()
	for _, info := range e.hwbp.List() {
		if err := e.hwbp.Remove(tids, info.Slot); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, info := range e.hwwp.List() {
		if err := e.hwwp.Remove(tids, info.Slot); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, info := range e.swbp.List() {
		if len(tids) == 0 {
			break
		}
		if err := e.swbp.Remove(tids[0], info.Addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.herder.DetachAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.lock != nil {
		_ = e.lock.Unlock()
	}
	return firstErr
}

// installTablesOnThread brings a newly (lazily) discovered thread's
// hardware state up to date with every currently live breakpoint and
// watchpoint, per spec.md §4.2's lazy-discovery guarantee and testable
// invariant #1 (every used slot programmed on every attached thread).
// Failures are logged, not treated as degrading: a thread we can't fully
// arm is still worth tracking, and the client can retry via
// ReapplyWatchpoints.
func (e *Engine) installTablesOnThread(tid int32) {
	if err := e.hwbp.InstallOnThread(tid); err != nil {
		e.log.Warningf("installing hardware breakpoints on newly discovered tid %d: %v", tid, err)
	}
	if err := e.hwwp.InstallOnThread(tid); err != nil {
		e.log.Warningf("installing hardware watchpoints on newly discovered tid %d: %v", tid, err)
	}
}

func (e *Engine) attachedTids() []int32 {
	states := e.herder.Threads()
	out := make([]int32, 0, len(states))
	for _, s := range states {
		out = append(out, s.Tid)
	}
	return out
}

func (e *Engine) nextSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

func (e *Engine) markDegraded(reason error) {
	e.mu.Lock()
	e.degraded = true
	e.mu.Unlock()
	e.log.Errorf("engine entering Degraded state: %v", reason)
}

// Degraded reports whether an unrecoverable internal invariant
// violation has put the engine into a no-further-commands state
// (spec.md §7's propagation policy).
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

func (e *Engine) threadState(tid int32) *ThreadRuntimeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.threadStates[tid]
	if !ok {
		st = newThreadRuntimeState()
		e.threadStates[tid] = st
	}
	return st
}

// SetExceptionSink registers the event sink (spec.md §6). At most one
// sink is active at a time.
func (e *Engine) SetExceptionSink(sink ExceptionSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// SetLogCallback wires a caller-supplied diagnostic sink through
// internal/logging's callback adapter.
func (e *Engine) SetLogCallback(cb logging.Callback) {
	e.log = logging.NewCallbackLogger(cb)
}

func (e *Engine) deliver(rec ExceptionRecord) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink == nil {
		return
	}
	rec.Seq = e.nextSeq()
	rec.Timestamp = now()
	sink(rec)
}

// now is indirected through a variable so tests can stub time without
// relying on a real wall clock.
var now = time.Now
