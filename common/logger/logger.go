package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides the process-wide logging facade for ragctx. Components that
// need structured fields take a *zap.Logger; the printf helpers below remain
// for quick diagnostics.

// LogLevel represents log severity levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu    sync.RWMutex
	base  = zap.NewNop()
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Options configures the process logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

// Init builds the process logger from options and installs it.
func Init(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(opts.Format, "console") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(defaultString(opts.Level, "info")))
	if err != nil {
		return nil, err
	}
	level.SetLevel(lvl)
	cfg.Level = level
	cfg.OutputPaths = []string{"stderr"}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	SetLogger(l)
	return l, nil
}

// SetLogger replaces the process logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	base = l
	mu.Unlock()
}

// L returns the process logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Named returns a child of the process logger.
func Named(name string) *zap.Logger { return L().Named(name) }

// With returns a child of the process logger carrying fields.
func With(fields ...zap.Field) *zap.Logger { return L().With(fields...) }

// OrDefault returns l, or a named child of the process logger when l is nil.
func OrDefault(l *zap.Logger, name string) *zap.Logger {
	if l != nil {
		return l
	}
	return Named(name)
}

// Debugf logs a debug message
func Debugf(format string, args ...interface{}) {
	if !level.Enabled(zapcore.DebugLevel) {
		return
	}
	L().Sugar().Debugf(format, args...)
}

// Infof logs an info message
func Infof(format string, args ...interface{}) {
	L().Sugar().Infof(format, args...)
}

// Warnf logs a warning message
func Warnf(format string, args ...interface{}) {
	L().Sugar().Warnf(format, args...)
}

// Errorf logs an error message
func Errorf(format string, args ...interface{}) {
	L().Sugar().Errorf(format, args...)
}

// SetLevel sets the minimum log level
func SetLevel(l LogLevel) {
	switch l {
	case LevelDebug:
		level.SetLevel(zapcore.DebugLevel)
	case LevelWarn:
		level.SetLevel(zapcore.WarnLevel)
	case LevelError:
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// ContextLogger carries a fixed set of key/value pairs.
type ContextLogger struct {
	l *zap.SugaredLogger
}

// WithContext creates a logger that prefixes every entry with the given context.
func WithContext(context map[string]interface{}) *ContextLogger {
	args := make([]interface{}, 0, len(context)*2)
	for k, v := range context {
		args = append(args, k, v)
	}
	return &ContextLogger{l: L().Sugar().With(args...)}
}

// Infof logs with context
func (c *ContextLogger) Infof(format string, args ...interface{}) { c.l.Infof(format, args...) }

// Warnf logs with context
func (c *ContextLogger) Warnf(format string, args ...interface{}) { c.l.Warnf(format, args...) }

// Errorf logs with context
func (c *ContextLogger) Errorf(format string, args ...interface{}) { c.l.Errorf(format, args...) }

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
