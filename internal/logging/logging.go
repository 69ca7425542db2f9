// Package logging wraps charmbracelet/log into the leveled, subsystem-
// tagged loggers used throughout the repository engine, the way the
// teacher's logger package wraps the same library for its CLI.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	mu             sync.Mutex
	enableDebug    bool
	enableTracing  bool
	traceSubsystem = map[string]bool{}

	base = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
)

// SetDebug toggles Debug()-level output across all subsystems.
func SetDebug(on bool) {
	mu.Lock()
	defer mu.Unlock()
	enableDebug = on
	if on {
		base.SetLevel(log.DebugLevel)
	} else {
		base.SetLevel(log.InfoLevel)
	}
}

// EnableTrace turns on Trace()-level output for the named subsystem, or
// for all subsystems when name is "".
func EnableTrace(name string) {
	mu.Lock()
	defer mu.Unlock()
	enableTracing = true
	traceSubsystem[name] = true
}

// Logger is a subsystem-scoped leveled logger.
type Logger struct {
	sub string
	l   *log.Logger
}

// For returns the logger for a named subsystem (e.g. "objstore", "txn").
func For(subsystem string) *Logger {
	return &Logger{sub: subsystem, l: base.WithPrefix(subsystem)}
}

func (lg *Logger) Info(format string, args ...any) {
	lg.l.Infof(format, args...)
}

func (lg *Logger) Warn(format string, args ...any) {
	lg.l.Warnf(format, args...)
}

func (lg *Logger) Error(format string, args ...any) {
	lg.l.Errorf(format, args...)
}

func (lg *Logger) Fatal(format string, args ...any) {
	lg.l.Fatalf(format, args...)
}

func (lg *Logger) Debug(format string, args ...any) {
	lg.l.Debugf(format, args...)
}

// Trace is gated both globally and per-subsystem, matching the teacher's
// traceSubsystems allow-list.
func (lg *Logger) Trace(format string, args ...any) {
	mu.Lock()
	on := enableTracing && (traceSubsystem[""] || traceSubsystem[lg.sub])
	mu.Unlock()
	if on {
		lg.l.Debugf("trace: "+format, args...)
	}
}

// Profile records a duration, used the way the teacher's profiler package
// records named events around storage calls.
func (lg *Logger) Profile(op string, d time.Duration) {
	mu.Lock()
	on := enableDebug
	mu.Unlock()
	if on {
		lg.l.Debugf("profile: %s: %s", op, d)
	}
}
