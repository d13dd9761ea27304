package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level
type Level int

const (
	// LevelDebug is the most verbose logging level
	LevelDebug Level = iota
	// LevelInfo logs informational messages
	LevelInfo
	// LevelWarn logs warnings
	LevelWarn
	// LevelError logs errors
	LevelError
	// LevelNone disables all logging
	LevelNone
)

// String returns string representation of log level
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

// ParseLevel parses a string into a Level
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

// sink is the output shared by a logger and every logger derived from it
// with WithPrefix, so level changes and re-initialisation reach all
// component loggers.
type sink struct {
	mu       sync.RWMutex
	level    Level
	out      *log.Logger
	file     *os.File
	disabled bool
}

// Logger writes levelled, prefixed lines to a shared sink
type Logger struct {
	sink   *sink
	prefix string
}

var (
	globalLogger *Logger
	globalOnce   sync.Once
)

// Init configures the global logger. Loggers previously obtained from
// Global() or its WithPrefix children pick up the new configuration.
func Init(level Level, logPath string) error {
	configured, err := New(level, logPath, "")
	if err != nil {
		return err
	}
	Global().sink.replace(configured.sink)
	return nil
}

// New creates a new Logger instance. An empty logPath or "-" writes to
// stderr.
func New(level Level, logPath string, prefix string) (*Logger, error) {
	if level == LevelNone {
		return newDisabled(prefix), nil
	}

	if logPath == "" || logPath == "-" {
		return NewWithWriter(level, os.Stderr, prefix), nil
	}

	// Ensure log directory exists
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file in append mode
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Logger{
		sink: &sink{
			level: level,
			out:   log.New(file, "", 0),
			file:  file,
		},
		prefix: prefix,
	}, nil
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(level Level, w io.Writer, prefix string) *Logger {
	return &Logger{
		sink: &sink{
			level:    level,
			out:      log.New(w, "", 0),
			disabled: level == LevelNone,
		},
		prefix: prefix,
	}
}

func newDisabled(prefix string) *Logger {
	return &Logger{
		sink: &sink{
			level:    LevelNone,
			out:      log.New(io.Discard, "", 0),
			disabled: true,
		},
		prefix: prefix,
	}
}

// Global returns the global logger instance. It discards everything until
// Init is called.
func Global() *Logger {
	globalOnce.Do(func() {
		globalLogger = newDisabled("")
	})
	return globalLogger
}

func (s *sink) replace(other *sink) {
	other.mu.RLock()
	level, out, file, disabled := other.level, other.out, other.file, other.disabled
	other.mu.RUnlock()

	s.mu.Lock()
	previous := s.file
	s.level = level
	s.out = out
	s.file = file
	s.disabled = disabled
	s.mu.Unlock()

	if previous != nil && previous != file {
		_ = previous.Close()
	}
}

// WithPrefix creates a new logger with an additional prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	newPrefix := prefix
	if l.prefix != "" {
		newPrefix = l.prefix + ":" + prefix
	}

	return &Logger{
		sink:   l.sink,
		prefix: newPrefix,
	}
}

// SetLevel sets the logging level for this logger and all loggers sharing
// its output
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	return l.sink.level
}

// log is the internal logging function
func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()

	if l.sink.disabled || level < l.sink.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)

	prefix := l.prefix
	if prefix != "" {
		prefix = "[" + prefix + "] "
	}

	l.sink.out.Printf("%s [%s] %s%s", timestamp, level.String(), prefix, msg)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Close closes the underlying log file, if any
func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.file != nil {
		err := l.sink.file.Close()
		l.sink.file = nil
		l.sink.out = log.New(io.Discard, "", 0)
		l.sink.disabled = true
		return err
	}
	return nil
}

// Global logging functions for convenience

// Debug logs a debug message using the global logger
func Debug(format string, args ...interface{}) {
	Global().Debug(format, args...)
}

// Info logs an informational message using the global logger
func Info(format string, args ...interface{}) {
	Global().Info(format, args...)
}

// Warn logs a warning message using the global logger
func Warn(format string, args ...interface{}) {
	Global().Warn(format, args...)
}

// Error logs an error message using the global logger
func Error(format string, args ...interface{}) {
	Global().Error(format, args...)
}
