// Package logger provides the process-wide leveled, component-tagged logger.
//
// Components log through the C-suffixed helpers with a short tag ("router",
// "poller", "zoneminder"); the F variants attach structured fields. Output is
// plain text by default, JSON when configured, and is safe for concurrent use.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the minimum severity a line must have to be written.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel maps a config string to a Level. Unknown values default to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes leveled, component-tagged lines to a single writer.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	level atomic.Int32
	json  atomic.Bool
}

// New creates a Logger writing to out at the given level.
func New(out io.Writer, level Level) *Logger {
	l := &Logger{out: out}
	l.level.Store(int32(level))
	return l
}

var std = New(os.Stderr, LevelInfo)

// Default returns the process-wide logger used by the package functions.
func Default() *Logger { return std }

// SetLevel adjusts the minimum severity of the default logger.
func SetLevel(level Level) { std.level.Store(int32(level)) }

// SetJSON switches the default logger between text and JSON lines.
func SetJSON(enabled bool) { std.json.Store(enabled) }

// SetOutput redirects the default logger. Intended for tests.
func SetOutput(out io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.out = out
}

func (l *Logger) enabled(level Level) bool {
	return int32(level) >= l.level.Load()
}

func (l *Logger) log(level Level, component, msg string, fields map[string]interface{}) {
	if !l.enabled(level) {
		return
	}
	now := time.Now()

	var line []byte
	if l.json.Load() {
		entry := map[string]interface{}{
			"ts":        now.UTC().Format(time.RFC3339Nano),
			"level":     strings.ToLower(level.String()),
			"component": component,
			"msg":       msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		b, err := json.Marshal(entry)
		if err != nil {
			b = []byte(fmt.Sprintf(`{"level":"error","component":"logger","msg":"marshal failed: %s"}`, err))
		}
		line = append(b, '\n')
	} else {
		var sb strings.Builder
		sb.WriteString(now.Format("2006-01-02 15:04:05.000"))
		sb.WriteString(" [")
		sb.WriteString(level.String())
		sb.WriteString("] [")
		sb.WriteString(component)
		sb.WriteString("] ")
		sb.WriteString(msg)
		if len(fields) > 0 {
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&sb, " %s=%v", k, fields[k])
			}
		}
		sb.WriteByte('\n')
		line = []byte(sb.String())
	}

	l.mu.Lock()
	l.out.Write(line)
	l.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Package-level helpers — the surface every component logs through
// ---------------------------------------------------------------------------

// DebugC logs a debug message for a component.
func DebugC(component, msg string) { std.log(LevelDebug, component, msg, nil) }

// DebugCF logs a debug message with fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	std.log(LevelDebug, component, msg, fields)
}

// InfoC logs an info message for a component.
func InfoC(component, msg string) { std.log(LevelInfo, component, msg, nil) }

// InfoCF logs an info message with fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	std.log(LevelInfo, component, msg, fields)
}

// WarnC logs a warning for a component.
func WarnC(component, msg string) { std.log(LevelWarn, component, msg, nil) }

// WarnCF logs a warning with fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	std.log(LevelWarn, component, msg, fields)
}

// ErrorC logs an error for a component.
func ErrorC(component, msg string) { std.log(LevelError, component, msg, nil) }

// ErrorCF logs an error with fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	std.log(LevelError, component, msg, fields)
}
