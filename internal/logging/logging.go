// Package logging provides a thin leveled wrapper over the standard
// library logger, named per component the way the reactor threads and
// executor workers the gateway is built on are named.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package logging

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level controls which calls actually emit output.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warning", "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var globalLevel atomic.Int32

func init() {
	globalLevel.Store(int32(LevelInfo))
}

// SetGlobalLevel adjusts the level every Logger checks before writing.
func SetGlobalLevel(l Level) {
	globalLevel.Store(int32(l))
}

// Logger prefixes every line with a component name, mirroring the
// teacher's per-subsystem log.Printf call sites.
type Logger struct {
	component string
	out       *log.Logger
}

// New creates a component-scoped logger writing to stderr.
func New(component string) *Logger {
	return &Logger{
		component: component,
		out:       log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *Logger) log(level Level, prefix, format string, args ...any) {
	if Level(globalLevel.Load()) > level {
		return
	}
	l.out.Printf("%s [%s] %s", prefix, l.component, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, "DBG", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, "INF", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, "WRN", format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, "ERR", format, args...) }

// Fatalf logs at error level and terminates the process with exit
// code 70, matching the gateway's "unrecoverable initialization
// failure" convention (§7 error taxonomy).
func (l *Logger) Fatalf(format string, args ...any) {
	l.log(LevelError, "FTL", format, args...)
	os.Exit(70)
}
