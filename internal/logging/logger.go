// Package logging provides simple leveled logging for the tinykv
// server, with per-component tagging: the event loop and the server's
// metrics-endpoint messages log through derived loggers that share one
// output and one level but prefix their own component name, so a
// mixed-subsystem log stream stays readable without grepping for call
// sites.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// loggerState is the part of a Logger shared by every component
// derived from it via With: the output writer, the level, and the
// mutex serializing writes to it. Only component differs between a
// parent and its children.
type loggerState struct {
	logger *log.Logger
	level  LogLevel
	mu     sync.Mutex
}

// Logger wraps stdlib log with level support and an optional component
// tag. The zero value is not usable; construct one with NewLogger.
type Logger struct {
	state     *loggerState
	component string
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger with no component tag.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		state: &loggerState{
			logger: log.New(output, "", log.LstdFlags),
			level:  config.Level,
		},
	}
}

// With returns a derived Logger that tags every message it emits with
// component, e.g. "[eventloop]" or "[migration]". The derived logger
// shares this logger's output, level, and write mutex, so interleaved
// messages from several components never tear each other mid-line.
// Use this to hand each server subsystem (the event loop, the metrics
// HTTP server, a migration-progress reporter) its own named voice
// without standing up a separate *log.Logger per subsystem.
func (l *Logger) With(component string) *Logger {
	return &Logger{state: l.state, component: component}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// formatArgs converts key-value pairs to a string
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.state.level {
		return
	}
	tag := prefix
	if l.component != "" {
		tag = prefix + " [" + l.component + "]"
	}
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	l.state.logger.Printf("%s %s%s", tag, msg, formatArgs(args))
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
