package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelNone disables all logging
	LevelNone
)

// StderrPath selects standard error instead of a log file.
const StderrPath = "-"

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
	case LevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name case-insensitively. Unknown names map to
// LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelInfo
	}
}

// sink is shared by a logger and every child created with WithPrefix so that
// lines from different components never interleave mid-line.
type sink struct {
	mu    sync.Mutex
	w     io.Writer
	file  *os.File
	level Level
}

// Logger writes timestamped, leveled lines to a file, stderr or any writer.
type Logger struct {
	out    *sink
	prefix string
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
	initOnce     sync.Once
)

// Init initializes the global logger once. Later calls are no-ops.
func Init(level Level, logPath string) error {
	var err error
	initOnce.Do(func() {
		var l *Logger
		l, err = New(level, logPath, "")
		if err == nil {
			SetGlobal(l)
		}
	})
	return err
}

// New creates a logger writing to logPath. An empty path discards output and
// StderrPath writes to standard error.
func New(level Level, logPath string, prefix string) (*Logger, error) {
	if level == LevelNone || logPath == "" {
		return NewWithWriter(LevelNone, io.Discard, prefix), nil
	}
	if logPath == StderrPath {
		return NewWithWriter(level, os.Stderr, prefix), nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := NewWithWriter(level, file, prefix)
	l.out.file = file
	return l, nil
}

// NewWithWriter creates a logger over w.
func NewWithWriter(level Level, w io.Writer, prefix string) *Logger {
	return &Logger{
		out:    &sink{w: w, level: level},
		prefix: prefix,
	}
}

// Global returns the process-wide logger, a discarding one until Init or
// SetGlobal is called.
func Global() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewWithWriter(LevelNone, io.Discard, "")
	}
	return globalLogger
}

// SetGlobal replaces the process-wide logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// WithPrefix returns a child logger sharing the same output. Prefixes nest
// as parent:child.
func (l *Logger) WithPrefix(prefix string) *Logger {
	newPrefix := prefix
	if l.prefix != "" {
		newPrefix = l.prefix + ":" + prefix
	}
	return &Logger{out: l.out, prefix: newPrefix}
}

// SetLevel changes the level for this logger and all its children.
func (l *Logger) SetLevel(level Level) {
	l.out.mu.Lock()
	l.out.level = level
	l.out.mu.Unlock()
}

func (l *Logger) GetLevel() Level {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.out.level == LevelNone || level < l.out.level {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] ")
	if l.prefix != "" {
		b.WriteString("[")
		b.WriteString(l.prefix)
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')

	_, _ = io.WriteString(l.out.w, b.String())
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Close closes the underlying log file, if any. Children share the file, so
// only the root logger should be closed.
func (l *Logger) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.out.file == nil {
		return nil
	}
	err := l.out.file.Close()
	l.out.file = nil
	l.out.w = io.Discard
	l.out.level = LevelNone
	return err
}

// Global logging functions for convenience

func Debug(format string, args ...interface{}) {
	Global().Debug(format, args...)
}

func Info(format string, args ...interface{}) {
	Global().Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	Global().Warn(format, args...)
}

func Error(format string, args ...interface{}) {
	Global().Error(format, args...)
}

// For returns a child of the global logger tagged with a component name.
func For(component string) *Logger {
	return Global().WithPrefix(component)
}
