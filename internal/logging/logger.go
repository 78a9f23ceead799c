// Package logging provides the logging interface used by the caches and the
// background workers, plus a level-filtered default implementation.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Example: 2026/10/19 18:45:13 INFO [mipmap] evicted 3 buffers (12MB)
//
// Component namespace prefixes are used for filtering:
//   - [mipmap]    mipmap cache checkout, eviction, invalidation
//   - [jobs]      background job pool
//   - [meta]      image metadata cache
//   - [budget]    memory budget computation
//   - [alloc]     aligned allocator
//   - [diskcache] on-disk thumbnail cache
//   - [decode]    image decoders
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"strings"
)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything including debug messages.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return LevelError, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "INFO":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	default:
		return LevelWarn, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Logger defines the logging interface.
//
// Implementations MUST be safe for concurrent use: workers, checkout
// callers and eviction all log from their own goroutines.
type Logger interface {
	// Errorf logs a formatted error message.
	Errorf(format string, args ...any)

	// Warnf logs a formatted warning message.
	Warnf(format string, args ...any)

	// Infof logs a formatted informational message.
	Infof(format string, args ...any)

	// Debugf logs a formatted debug message.
	Debugf(format string, args ...any)
}

// DefaultLogger writes to an io.Writer through log.Logger.
// Level is read-only after construction.
type DefaultLogger struct {
	logger *log.Logger
	level  Level
}

// NewDefaultLogger creates a logger writing to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a logger with the specified output and level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

// Level returns the logging level.
func (l *DefaultLogger) Level() Level {
	return l.level
}

// Errorf logs a formatted error message.
func (l *DefaultLogger) Errorf(format string, args ...any) {
	l.output(LevelError, format, args)
}

// Warnf logs a formatted warning message.
func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.output(LevelWarn, format, args)
}

// Infof logs a formatted informational message.
func (l *DefaultLogger) Infof(format string, args ...any) {
	l.output(LevelInfo, format, args)
}

// Debugf logs a formatted debug message.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	l.output(LevelDebug, format, args)
}

func (l *DefaultLogger) output(level Level, format string, args []any) {
	if l.level < level {
		return
	}
	_ = l.logger.Output(3, level.String()+" "+fmt.Sprintf(format, args...))
}

// Namespace prefixes for log messages.
const (
	// NSMipmap is the namespace for the mipmap cache.
	NSMipmap = "[mipmap] "
	// NSJobs is the namespace for the background job pool.
	NSJobs = "[jobs] "
	// NSMeta is the namespace for the metadata cache.
	NSMeta = "[meta] "
	// NSBudget is the namespace for budget computation.
	NSBudget = "[budget] "
	// NSAlloc is the namespace for the aligned allocator.
	NSAlloc = "[alloc] "
	// NSDiskCache is the namespace for the on-disk thumbnail cache.
	NSDiskCache = "[diskcache] "
	// NSDecode is the namespace for decoders.
	NSDecode = "[decode] "
)

// IsNil returns true if the logger is nil or a typed-nil.
// A typed-nil occurs when a nil pointer is assigned to an interface:
//
//	var l *MyLogger = nil
//	opts.Logger = l  // Interface is not nil, but underlying pointer is
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l if it is usable, otherwise a WARN-level logger on
// stderr.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
