// Package sandboxlog provides the leveled logger used throughout
// go-sandbox. It follows the teacher's disabled-when-nil writer
// pattern, generalized with the trace/debug/info/warn/error levels
// spec.md §6 exposes on the command line.
package sandboxlog

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Level is one of the five severities spec.md's --log-level accepts.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) (Level, error) {
	switch s {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Logger writes leveled, timestamped lines to an underlying writer,
// dropping anything below its configured Level. A zero-value Logger
// writing to a nil output is disabled, same as the teacher's
// DebugLogger: every method becomes a no-op.
type Logger struct {
	output io.Writer
	level  Level
}

// New returns a Logger at level writing to output. output == nil
// disables the logger entirely.
func New(output io.Writer, level Level) *Logger {
	return &Logger{output: output, level: level}
}

// Default returns a Logger at LevelInfo writing to stderr.
func Default() *Logger {
	return New(os.Stderr, LevelInfo)
}

func (l *Logger) enabled(level Level) bool {
	return l != nil && l.output != nil && level >= l.level
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if !l.enabled(level) {
		return
	}
	ts := time.Now().Format("15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	_, _ = fmt.Fprintf(l.output, "%s [%s] %s\n", ts, level, msg)
}

func (l *Logger) Tracef(format string, args ...any) { l.logf(LevelTrace, format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

// Section outputs a section header at debug level, mirroring the
// teacher's startup-log sectioning.
func (l *Logger) Section(name string) {
	if !l.enabled(LevelDebug) {
		return
	}
	_, _ = fmt.Fprintf(l.output, "\n=== %s ===\n", name)
}

// Bulletf outputs an indented bullet point at debug level.
func (l *Logger) Bulletf(format string, args ...any) {
	if !l.enabled(LevelDebug) {
		return
	}
	_, _ = fmt.Fprintf(l.output, "  - "+format+"\n", args...)
}
