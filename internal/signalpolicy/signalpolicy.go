// Package signalpolicy holds the per-signal disposition table (spec.md
// §3/§4.6): whether a signal delivered to the tracee is intercepted by
// the engine, passed through to the tracee, and/or reported to the
// external sink. The table starts from internal/config's TOML-loaded
// defaults and is mutated at runtime through SetSignalConfig.
package signalpolicy

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/mattbaird/jsonpatch"
	"github.com/mohae/deepcopy"

	"github.com/corewire/dbgengine/internal/config"
	"github.com/corewire/dbgengine/internal/logging"
)

// Disposition mirrors config.SignalEntry as the engine-facing type, kept
// distinct from the TOML-tagged config struct so this package doesn't
// carry a config-file dependency into its public API.
type Disposition struct {
	Intercept bool
	Pass      bool
	Report    bool
}

func fromConfig(e config.SignalEntry) Disposition {
	return Disposition{Intercept: e.Intercept, Pass: e.Pass, Report: e.Report}
}

// defaultDisposition is applied to any signal not explicitly configured:
// pass it through untouched, don't intercept, don't report. This matches
// a debugger that has opted into watching specific signals only.
var defaultDisposition = Disposition{Intercept: false, Pass: true, Report: false}

// Table is the mutex-protected signal policy for one engine instance.
type Table struct {
	mu  sync.RWMutex
	set map[int]Disposition
	log logging.Logger
}

// New builds a Table seeded from cfg.Signals (spec.md §4.6's loaded
// defaults); log receives an audit line (as a JSON patch diff) for every
// subsequent SetSignalConfig call, or may be nil.
func New(cfg config.Config, log logging.Logger) *Table {
	if log == nil {
		log = logging.Nop()
	}
	set := make(map[int]Disposition, len(cfg.Signals))
	for sig, entry := range cfg.Signals {
		set[sig] = fromConfig(entry)
	}
	return &Table{set: set, log: log}
}

// GetSignalConfig returns the disposition for sig, falling back to
// defaultDisposition if it was never configured.
func (t *Table) GetSignalConfig(sig int) Disposition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if d, ok := t.set[sig]; ok {
		return d
	}
	return defaultDisposition
}

// SetSignalConfig overwrites the disposition for sig and logs the
// before/after as a JSON patch diff, so an operator can audit exactly
// what a policy change did even when the caller only sent a partial
// update.
func (t *Table) SetSignalConfig(sig int, d Disposition) error {
	t.mu.Lock()
	before, hadBefore := t.set[sig]
	if !hadBefore {
		before = defaultDisposition
	}
	t.set[sig] = d
	t.mu.Unlock()

	t.logDiff(sig, before, d)
	return nil
}

func (t *Table) logDiff(sig int, before, after Disposition) {
	beforeJSON, err1 := json.Marshal(before)
	afterJSON, err2 := json.Marshal(after)
	if err1 != nil || err2 != nil {
		return
	}
	patch, err := jsonpatch.CreatePatch(beforeJSON, afterJSON)
	if err != nil || len(patch) == 0 {
		return
	}
	t.log.WithField("signal", sig).Infof("signal policy changed: %+v", patch)
}

// GetAllSignalConfigs returns a deep, independently-mutable snapshot of
// every explicitly configured signal's disposition (spec.md §4.6's
// bulk-read operation) — callers may be handed this map across a
// process boundary-like API surface and must not be able to mutate the
// engine's live table through it.
func (t *Table) GetAllSignalConfigs() map[int]Disposition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	copied := deepcopy.Copy(t.set).(map[int]Disposition)
	return copied
}

// ConfiguredSignals returns, in ascending order, every signal number
// with an explicit (non-default) disposition.
func (t *Table) ConfiguredSignals() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.set))
	for sig := range t.set {
		out = append(out, sig)
	}
	sort.Ints(out)
	return out
}
