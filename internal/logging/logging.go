// Package logging provides the engine's internal diagnostic sink.
//
// The teacher's own pkg/log is a process-wide structured logger reached
// through package-level Infof/Debugf/Warningf calls. The spec rearchitects
// "mixed callback-set process-wide state" (spec.md DESIGN NOTES) into an
// explicit field on the engine, so this package exposes a small interface
// rather than package-level functions, with a logrus-backed
// implementation, a no-op implementation (the engine's default) and a
// callback-bridging adapter for set_log_callback.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the engine's diagnostic sink. Nop() is the Logger that
// silently drops all diagnostics (spec.md §6); herder.New and
// signalpolicy.New substitute it for a nil Logger.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
	WithField(key string, value any) Logger
	WithFields(fields map[string]any) Logger
}

// nopLogger discards everything; Nop returns it, and it is the engine's
// default logger.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)             {}
func (nopLogger) Infof(string, ...any)               {}
func (nopLogger) Warningf(string, ...any)            {}
func (nopLogger) Errorf(string, ...any)              {}
func (n nopLogger) WithField(string, any) Logger      { return n }
func (n nopLogger) WithFields(map[string]any) Logger { return n }

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

// Logrus adapts *logrus.Entry to the Logger interface.
type Logrus struct {
	entry *logrus.Entry
}

var _ Logger = Logrus{}

// NewLogrus builds a Logger backed by a fresh logrus.Logger configured with
// the given level. Output defaults to logrus's own default (stderr); callers
// embedding the engine are expected to redirect *logrus.Logger.Out themselves
// if they want the diagnostics elsewhere.
func NewLogrus(level logrus.Level) Logrus {
	l := logrus.New()
	l.SetLevel(level)
	return Logrus{entry: logrus.NewEntry(l)}
}

func (x Logrus) Debugf(format string, args ...any)    { x.entry.Debugf(format, args...) }
func (x Logrus) Infof(format string, args ...any)     { x.entry.Infof(format, args...) }
func (x Logrus) Warningf(format string, args ...any)  { x.entry.Warningf(format, args...) }
func (x Logrus) Errorf(format string, args ...any)    { x.entry.Errorf(format, args...) }

func (x Logrus) WithField(key string, value any) Logger {
	return Logrus{entry: x.entry.WithField(key, value)}
}

func (x Logrus) WithFields(fields map[string]any) Logger {
	return Logrus{entry: x.entry.WithFields(logrus.Fields(fields))}
}

// Callback is the shape of Engine::set_log_callback (spec.md §6): a single
// free-form line per diagnostic, already formatted.
type Callback func(line string)

// CallbackLogger bridges a Callback into the Logger interface so the debug
// loop and every other internal component can log through the same
// interface regardless of whether the caller registered a callback or left
// the engine on its default no-op logger.
type CallbackLogger struct {
	cb     Callback
	fields map[string]any
}

var _ Logger = CallbackLogger{}

// NewCallbackLogger wraps cb. A nil cb is equivalent to Nop().
func NewCallbackLogger(cb Callback) Logger {
	if cb == nil {
		return Nop()
	}
	return CallbackLogger{cb: cb}
}

func (x CallbackLogger) emit(level, format string, args ...any) {
	line := sprintf(format, args...)
	if len(x.fields) > 0 {
		line = appendFields(line, x.fields)
	}
	x.cb("[" + level + "] " + line)
}

func (x CallbackLogger) Debugf(format string, args ...any)   { x.emit("debug", format, args...) }
func (x CallbackLogger) Infof(format string, args ...any)    { x.emit("info", format, args...) }
func (x CallbackLogger) Warningf(format string, args ...any) { x.emit("warn", format, args...) }
func (x CallbackLogger) Errorf(format string, args ...any)   { x.emit("error", format, args...) }

func (x CallbackLogger) WithField(key string, value any) Logger {
	return x.WithFields(map[string]any{key: value})
}

func (x CallbackLogger) WithFields(fields map[string]any) Logger {
	merged := make(map[string]any, len(x.fields)+len(fields))
	for k, v := range x.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return CallbackLogger{cb: x.cb, fields: merged}
}
