package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"

	"github.com/fatih/color"
)

// DebugEnabled controls whether Debug/Debugf/Debugln actually emit output.
// It is a package-level switch (set once at process startup from a CLI
// flag) rather than a per-Logger field, gating verbose tracing behind a
// single global rather than threading a verbosity level through every call
// site.
var DebugEnabled bool

// writer adapts a line-oriented callback to io.Writer by buffering partial
// lines, used to let the Promise Dispatcher's transformer step stream
// subprocess output into the logger line-by-line.
type writer struct {
	callback func(string)
	buffer   []byte
}

func trimCarriageReturn(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

func (w *writer) Write(data []byte) (int, error) {
	w.buffer = append(w.buffer, data...)
	var processed int
	remaining := w.buffer
	for {
		index := bytes.IndexByte(remaining, '\n')
		if index == -1 {
			break
		}
		w.callback(string(trimCarriageReturn(remaining[:index])))
		processed += index + 1
		remaining = remaining[index+1:]
	}
	if processed > 0 {
		leftover := len(w.buffer) - processed
		if leftover > 0 {
			copy(w.buffer[:leftover], w.buffer[processed:])
		}
		w.buffer = w.buffer[:leftover]
	}
	return len(data), nil
}

// Logger is the engine's logger. It is nil-safe: a nil *Logger silently
// discards everything, so components can be handed a nil logger in tests
// without every call site needing a nil check of its own.
type Logger struct {
	prefix string
}

// RootLogger is the logger from which all others are derived.
var RootLogger = &Logger{}

// Sublogger returns a child logger whose prefix is qualified by name.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{prefix: prefix}
}

func (l *Logger) output(calldepth int, line string) {
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}
	log.Output(calldepth, line)
}

// Println logs with fmt.Println semantics.
func (l *Logger) Println(v ...any) {
	if l != nil {
		l.output(3, fmt.Sprintln(v...))
	}
}

// Writer returns an io.Writer that logs each line via Println.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return io.Discard
	}
	return &writer{callback: l.Println}
}

// Debug logs with fmt.Print semantics, gated by DebugEnabled.
func (l *Logger) Debug(v ...any) {
	if l != nil && DebugEnabled {
		l.output(3, fmt.Sprint(v...))
	}
}

// Debugf logs with fmt.Printf semantics, gated by DebugEnabled.
func (l *Logger) Debugf(format string, v ...any) {
	if l != nil && DebugEnabled {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Debugln logs with fmt.Println semantics, gated by DebugEnabled.
func (l *Logger) Debugln(v ...any) {
	if l != nil && DebugEnabled {
		l.output(3, fmt.Sprintln(v...))
	}
}

// Warn logs a yellow-highlighted warning, used for the engine's WARN outcome.
func (l *Logger) Warn(err error) {
	if l != nil {
		l.output(3, color.YellowString("Warning: %v", err))
	}
}

// Warnf formats and logs a yellow-highlighted warning.
func (l *Logger) Warnf(format string, v ...any) {
	if l != nil {
		l.output(3, color.YellowString("Warning: "+format, v...))
	}
}

// Error logs a red-highlighted error, used for the engine's FAIL outcome.
func (l *Logger) Error(err error) {
	if l != nil {
		l.output(3, color.RedString("Error: %v", err))
	}
}

// Errorf formats and logs a red-highlighted error.
func (l *Logger) Errorf(format string, v ...any) {
	if l != nil {
		l.output(3, color.RedString("Error: "+format, v...))
	}
}
