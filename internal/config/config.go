// Package config loads engine-level configuration (signal policy defaults,
// hardware table sizing, debug-loop timing) from a TOML document, following
// the teacher's direct dependency on github.com/BurntSushi/toml (carried in
// go.mod but unused by the distilled slice of gvisor-ligolo files retrieved
// for this spec).
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// SignalEntry mirrors the {should_intercept, should_pass_to_target,
// should_report_to_client} tuple of spec.md §3, keyed by signal number in
// the TOML document ([signals.10] for SIGUSR1, etc).
type SignalEntry struct {
	Intercept bool `toml:"intercept"`
	Pass      bool `toml:"pass"`
	Report    bool `toml:"report"`
}

// Config is the engine's static configuration surface. Every field has a
// sensible zero-config default (see Default()); a TOML file only needs to
// override what it wants to change.
type Config struct {
	// MaxHardwareBreakpoints is a compile-time constant in spec.md §4.3 (4
	// slots); it is still exposed here so embedders can read it back, but
	// Load rejects any attempt to change it away from the compiled
	// constant — see Validate.
	MaxHardwareBreakpoints int `toml:"max_hardware_breakpoints"`

	// MaxHardwareWatchpoints is the "configurable but conservative
	// default" spec.md §9 calls out explicitly (default 1).
	MaxHardwareWatchpoints int `toml:"max_hardware_watchpoints"`

	// MaxSoftwareBreakpoints bounds the address-keyed software breakpoint
	// table (spec.md §3, default 1_000_000).
	MaxSoftwareBreakpoints int `toml:"max_software_breakpoints"`

	// StopAllRetryBudget bounds the stop-all verification retry loop of
	// spec.md §4.2.
	StopAllRetryBudget int `toml:"stop_all_retry_budget"`

	// DebugLoopIdlePoll is the short-poll interval used when waitpid(2)
	// with WNOHANG has nothing to report (spec.md §4.1, §5).
	DebugLoopIdlePoll time.Duration `toml:"debug_loop_idle_poll"`

	// Signals is the default signal policy table (spec.md §3, §4.6),
	// keyed by signal number. Programmatic SetSignalConfig calls always
	// take precedence over whatever was loaded here.
	Signals map[int]SignalEntry `toml:"signals"`
}

// Default returns the engine's built-in configuration, used whenever no
// TOML file is supplied.
func Default() Config {
	return Config{
		MaxHardwareBreakpoints: 4,
		MaxHardwareWatchpoints: 1,
		MaxSoftwareBreakpoints: 1_000_000,
		StopAllRetryBudget:     50,
		DebugLoopIdlePoll:      2 * time.Millisecond,
		Signals:                map[int]SignalEntry{},
	}
}

// Load reads and parses a TOML configuration file, overlaying it onto
// Default(). Zero-value fields left out of the file keep their defaults to
// avoid accidentally zeroing compile-time constants like the hardware
// breakpoint slot count.
func Load(path string) (Config, error) {
	cfg := Default()
	var onDisk struct {
		MaxHardwareBreakpoints *int                `toml:"max_hardware_breakpoints"`
		MaxHardwareWatchpoints *int                `toml:"max_hardware_watchpoints"`
		MaxSoftwareBreakpoints *int                `toml:"max_software_breakpoints"`
		StopAllRetryBudget     *int                `toml:"stop_all_retry_budget"`
		DebugLoopIdlePollMS    *int64              `toml:"debug_loop_idle_poll_ms"`
		Signals                map[int]SignalEntry `toml:"signals"`
	}
	if _, err := toml.DecodeFile(path, &onDisk); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if onDisk.MaxHardwareBreakpoints != nil {
		cfg.MaxHardwareBreakpoints = *onDisk.MaxHardwareBreakpoints
	}
	if onDisk.MaxHardwareWatchpoints != nil {
		cfg.MaxHardwareWatchpoints = *onDisk.MaxHardwareWatchpoints
	}
	if onDisk.MaxSoftwareBreakpoints != nil {
		cfg.MaxSoftwareBreakpoints = *onDisk.MaxSoftwareBreakpoints
	}
	if onDisk.StopAllRetryBudget != nil {
		cfg.StopAllRetryBudget = *onDisk.StopAllRetryBudget
	}
	if onDisk.DebugLoopIdlePollMS != nil {
		cfg.DebugLoopIdlePoll = time.Duration(*onDisk.DebugLoopIdlePollMS) * time.Millisecond
	}
	if onDisk.Signals != nil {
		cfg.Signals = onDisk.Signals
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants spec.md treats as compile-time
// constants or hard minimums.
func (c Config) Validate() error {
	if c.MaxHardwareBreakpoints != 4 {
		return fmt.Errorf("config: max_hardware_breakpoints is a compile-time constant (4), got %d", c.MaxHardwareBreakpoints)
	}
	if c.MaxHardwareWatchpoints < 1 {
		return fmt.Errorf("config: max_hardware_watchpoints must be >= 1, got %d", c.MaxHardwareWatchpoints)
	}
	if c.MaxSoftwareBreakpoints < 1 {
		return fmt.Errorf("config: max_software_breakpoints must be >= 1, got %d", c.MaxSoftwareBreakpoints)
	}
	if c.StopAllRetryBudget < 1 {
		return fmt.Errorf("config: stop_all_retry_budget must be >= 1, got %d", c.StopAllRetryBudget)
	}
	return nil
}
