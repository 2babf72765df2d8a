package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity levels
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel converts a string to a Level
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// Logger is a structured logger backed by zerolog
type Logger struct {
	zl        zerolog.Logger
	level     Level
	component string
}

// Config holds logger configuration
type Config struct {
	Level       string `json:"level"`
	Output      string `json:"output"` // "stdout", "stderr", or file path
	Component   string `json:"component"`
	IncludeFile bool   `json:"include_file"` // Include file and line number
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
	once          sync.Once
)

// New creates a new logger with the given configuration
func New(cfg *Config) *Logger {
	var output io.Writer = os.Stdout

	if cfg.Output == "stderr" {
		output = os.Stderr
	} else if cfg.Output != "" && cfg.Output != "stdout" {
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			output = file
		}
	}

	return NewWithWriter(cfg, output)
}

// NewWithWriter creates a logger writing to w. Used by tests to capture output.
func NewWithWriter(cfg *Config, w io.Writer) *Logger {
	if !cfg.JSONFormat {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	}

	level := ParseLevel(cfg.Level)
	ctx := zerolog.New(w).Level(level.zerologLevel()).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	if cfg.IncludeFile {
		// Skip Logger.log and the exported level method.
		ctx = ctx.CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + 2)
	}

	return &Logger{
		zl:        ctx.Logger(),
		level:     level,
		component: cfg.Component,
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), level: FATAL}
}

// Default returns the default logger instance
func Default() *Logger {
	once.Do(func() {
		defaultMu.Lock()
		if defaultLogger == nil {
			defaultLogger = New(&Config{
				Level:      "INFO",
				Output:     "stdout",
				Component:  "app",
				JSONFormat: true,
			})
		}
		defaultMu.Unlock()
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	once.Do(func() {})
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Zerolog exposes the underlying zerolog logger for components that take one directly
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Component returns the component name attached to this logger
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a new logger with the specified component
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		zl:        l.zl.With().Str("component", component).Logger(),
		level:     l.level,
		component: component,
	}
}

// WithTraceID returns a new logger with the specified trace ID
func (l *Logger) WithTraceID(traceID string) *Logger {
	return l.derive(l.zl.With().Str("trace_id", traceID).Logger())
}

// WithField returns a new logger with an additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(l.zl.With().Interface(key, value).Logger())
}

// WithFields returns a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.derive(l.zl.With().Fields(fields).Logger())
}

// WithError returns a new logger with an error field
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.derive(l.zl.With().Str("error", err.Error()).Logger())
}

// WithDuration returns a new logger with duration field
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.derive(l.zl.With().Str("duration", d.String()).Logger())
}

func (l *Logger) derive(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl, level: l.level, component: l.component}
}

// log writes a log entry. Args are either printf arguments or key/value pairs.
func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if level < l.level {
		return
	}

	var ev *zerolog.Event
	switch level {
	case DEBUG:
		ev = l.zl.Debug()
	case INFO:
		ev = l.zl.Info()
	case WARN:
		ev = l.zl.Warn()
	case ERROR:
		ev = l.zl.Error()
	default:
		ev = l.zl.WithLevel(zerolog.FatalLevel)
	}
	if ev == nil {
		return
	}

	if len(args) >= 2 && len(args)%2 == 0 {
		if _, ok := args[0].(string); ok {
			for i := 0; i < len(args); i += 2 {
				key, ok := args[i].(string)
				if !ok {
					continue
				}
				switch v := args[i+1].(type) {
				case error:
					if v != nil {
						ev = ev.Str(key, v.Error())
					} else {
						ev = ev.Interface(key, nil)
					}
				default:
					ev = ev.Interface(key, v)
				}
			}
			ev.Msg(msg)
			return
		}
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	ev.Msg(msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(DEBUG, msg, args...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(INFO, msg, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(WARN, msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(ERROR, msg, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log(FATAL, msg, args...)
	os.Exit(1)
}

// Package-level functions for default logger

// Debug logs a debug message using the default logger
func Debug(msg string, args ...interface{}) {
	Default().Debug(msg, args...)
}

// Info logs an info message using the default logger
func Info(msg string, args ...interface{}) {
	Default().Info(msg, args...)
}

// Warn logs a warning message using the default logger
func Warn(msg string, args ...interface{}) {
	Default().Warn(msg, args...)
}

// Error logs an error message using the default logger
func Error(msg string, args ...interface{}) {
	Default().Error(msg, args...)
}

// Fatal logs a fatal message using the default logger
func Fatal(msg string, args ...interface{}) {
	Default().Fatal(msg, args...)
}

// WithComponent returns a new logger with the specified component
func WithComponent(component string) *Logger {
	return Default().WithComponent(component)
}

// WithField returns a new logger with an additional field
func WithField(key string, value interface{}) *Logger {
	return Default().WithField(key, value)
}

// WithFields returns a new logger with additional fields
func WithFields(fields map[string]interface{}) *Logger {
	return Default().WithFields(fields)
}

// WithError returns a new logger with an error field
func WithError(err error) *Logger {
	return Default().WithError(err)
}
