// Package logp provides the structured logger used throughout the
// ingestion core: selector-scoped loggers, With for contextual fields,
// Debug/Info/Error/Errorf, backed directly by zap.
package logp

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.SugaredLogger scoped to a selector, the way
// logp.Logger scopes log lines to a subsystem name.
type Logger struct {
	sugar    *zap.SugaredLogger
	selector string
}

var (
	rootMu   sync.Mutex
	rootBase *zap.Logger
)

func base() *zap.Logger {
	rootMu.Lock()
	defer rootMu.Unlock()
	if rootBase == nil {
		rootBase = newProductionBase()
	}
	return rootBase
}

func newProductionBase() *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(os.Stderr), zap.InfoLevel)
	return zap.New(core)
}

// DevelopmentSetup switches the root logger to a human-readable,
// debug-level console encoder. Intended for use from a test's init()
// or TestMain.
func DevelopmentSetup() {
	rootMu.Lock()
	defer rootMu.Unlock()
	cfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stderr), zap.DebugLevel)
	rootBase = zap.New(core)
}

// NewLogger returns a Logger scoped to selector, e.g. "registry" or
// "session".
func NewLogger(selector string) *Logger {
	return &Logger{sugar: base().Sugar().Named(selector), selector: selector}
}

// With returns a derived logger with additional structured fields
// attached to every subsequent line.
func (l *Logger) With(keyValues ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(keyValues...), selector: l.selector}
}

func (l *Logger) Debug(args ...interface{})            { l.sugar.Debug(args...) }
func (l *Logger) Debugf(tpl string, args ...interface{}) { l.sugar.Debugf(tpl, args...) }
func (l *Logger) Info(args ...interface{})             { l.sugar.Info(args...) }
func (l *Logger) Infof(tpl string, args ...interface{}) { l.sugar.Infof(tpl, args...) }
func (l *Logger) Warn(args ...interface{})             { l.sugar.Warn(args...) }
func (l *Logger) Warnf(tpl string, args ...interface{}) { l.sugar.Warnf(tpl, args...) }
func (l *Logger) Error(args ...interface{})            { l.sugar.Error(args...) }
func (l *Logger) Errorf(tpl string, args ...interface{}) { l.sugar.Errorf(tpl, args...) }
