// Package pvlog is the ambient logging stack shared by every PureVisor
// subsystem: a structured logger built on log/slog, plus a binary trace
// ring for the hot paths (VM-exit dispatch, EPT walks) where formatting a
// slog record on every call would dominate the cost of the operation being
// traced.
package pvlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger is passed explicitly to every constructor in this repository; there
// are no package-level loggers and no global state.
type Logger struct {
	*slog.Logger
}

// New builds a JSON-handler logger, the shape used by cmd/purevisord (a
// long-running node agent whose output is consumed by log aggregation).
func New(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(h)}
}

// NewText builds a text-handler logger, the shape used by cmd/purectl (a
// short-lived CLI whose output a human reads directly).
func NewText(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(h)}
}

// Discard returns a Logger that drops everything; useful in tests that do
// not want to assert on log output.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Fatal logs a formatted message at Error level with the supplied fields and
// then panics. It is reserved for host-CPU-exception-class conditions: a
// corrupted heap magic, a VMLAUNCH failure with no recoverable state, or
// similar invariant violations that the caller cannot safely continue past.
func Fatal(l *Logger, msg string, args ...any) {
	if l != nil {
		l.Error(msg, args...)
	}
	s := msg
	for i := 0; i+1 < len(args); i += 2 {
		s += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	panic(s)
}
