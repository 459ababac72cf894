// Package logging provides structured logging for questd.
// The package-level API mirrors a small printf-style logger; records are
// written through zap.
package logging

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
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
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel maps a config string to a Level, defaulting to INFO
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return DEBUG
	case "warn", "WARN", "warning":
		return WARN
	case "error", "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Options configures the process-wide logger
type Options struct {
	Level       Level
	Development bool      // console encoder instead of JSON
	Output      io.Writer // defaults to stdout
}

// Logger is a structured logger
type Logger struct {
	sugar *zap.SugaredLogger
}

var (
	mu          sync.RWMutex
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	output      io.Writer = os.Stdout
	development bool
	base        *zap.Logger
)

func init() {
	rebuild()
}

func rebuild() {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if development {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(output), atomicLevel)
	base = zap.New(core)
}

// Configure replaces the process-wide logger
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	atomicLevel.SetLevel(opts.Level.zapLevel())
	development = opts.Development
	if opts.Output != nil {
		output = opts.Output
	} else {
		output = os.Stdout
	}
	rebuild()
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	atomicLevel.SetLevel(level.zapLevel())
}

// SetOutput sets the output writer
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	rebuild()
}

// Zap exposes the underlying zap logger for libraries that take one
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered records
func Sync() {
	_ = Zap().Sync()
}

func defaultLogger() *Logger {
	return &Logger{sugar: Zap().Sugar()}
}

// WithField returns a logger with a field added
func WithField(key string, value interface{}) *Logger {
	return defaultLogger().WithField(key, value)
}

// WithFields returns a logger with multiple fields added
func WithFields(fields map[string]interface{}) *Logger {
	return defaultLogger().WithFields(fields)
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(key, value)}
}

// WithFields adds multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{sugar: l.sugar.With(args...)}
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	switch level {
	case DEBUG:
		if len(args) == 0 {
			l.sugar.Debug(msg)
		} else {
			l.sugar.Debugf(msg, args...)
		}
	case WARN:
		if len(args) == 0 {
			l.sugar.Warn(msg)
		} else {
			l.sugar.Warnf(msg, args...)
		}
	case ERROR:
		if len(args) == 0 {
			l.sugar.Error(msg)
		} else {
			l.sugar.Errorf(msg, args...)
		}
	default:
		if len(args) == 0 {
			l.sugar.Info(msg)
		} else {
			l.sugar.Infof(msg, args...)
		}
	}
}

// Debug logs a debug message
func Debug(msg string, args ...interface{}) {
	defaultLogger().log(DEBUG, msg, args...)
}

// Info logs an info message
func Info(msg string, args ...interface{}) {
	defaultLogger().log(INFO, msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...interface{}) {
	defaultLogger().log(WARN, msg, args...)
}

// Error logs an error message
func Error(msg string, args ...interface{}) {
	defaultLogger().log(ERROR, msg, args...)
}

// Logger methods
func (l *Logger) Debug(msg string, args ...interface{}) { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(ERROR, msg, args...) }
