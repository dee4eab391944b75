// Package logx provides a standard logger implementation for the Conduit
// project.
package logx

import (
	"log"
	"os"
	"sync"

	"github.com/lindenhall/conduit/types"
)

// Level controls which messages a DefaultLogger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// DefaultLogger provides a basic logger implementation using the standard log
// package, writing to stderr so protocol traffic on stdout stays clean.
type DefaultLogger struct {
	logger *log.Logger
	level  Level
	mu     sync.Mutex
}

// NewDefaultLogger creates a new logger writing to stderr with standard flags.
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(os.Stderr, "[conduit] ", log.LstdFlags|log.Lmsgprefix),
		level:  LevelInfo,
	}
}

// NewLogger creates a logger wrapping an existing *log.Logger. A nil logger
// falls back to stderr.
func NewLogger(logger *log.Logger) *DefaultLogger {
	if logger == nil {
		return NewDefaultLogger()
	}
	return &DefaultLogger{logger: logger, level: LevelInfo}
}

// SetLevel updates the minimum level the logger emits.
func (l *DefaultLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *DefaultLogger) enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

func (l *DefaultLogger) Debug(msg string, args ...interface{}) {
	if l.enabled(LevelDebug) {
		l.logger.Printf("DEBUG: "+msg, args...)
	}
}

func (l *DefaultLogger) Info(msg string, args ...interface{}) {
	if l.enabled(LevelInfo) {
		l.logger.Printf("INFO: "+msg, args...)
	}
}

func (l *DefaultLogger) Warn(msg string, args ...interface{}) {
	if l.enabled(LevelWarn) {
		l.logger.Printf("WARN: "+msg, args...)
	}
}

func (l *DefaultLogger) Error(msg string, args ...interface{}) {
	if l.enabled(LevelError) {
		l.logger.Printf("ERROR: "+msg, args...)
	}
}

// Ensure interface compliance.
var _ types.Logger = (*DefaultLogger)(nil)

// NopLogger discards everything. Useful in tests.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

var _ types.Logger = NopLogger{}
