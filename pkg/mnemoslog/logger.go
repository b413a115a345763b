// Package mnemoslog wraps zap the way the reference backend wraps it: a
// thin, dependency-light struct so the rest of the engine never imports
// zap directly.
package mnemoslog

import (
	"strings"

	"go.uber.org/zap"
)

// Logger is a structured, leveled logger shared by every tier manager.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger. mode "prod"/"production" yields a JSON production
// config; anything else yields a human-readable development config.
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	built, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: built.Sugar()}, nil
}

// Noop returns a Logger that discards everything, for tests.
func Noop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	if l == nil || l.sugar == nil {
		return
	}
	_ = l.sugar.Sync()
}

func (l *Logger) Debug(msg string, kv ...any) { l.log().Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.log().Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log().Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.log().Errorw(msg, kv...) }

// With returns a child logger carrying the given key-value pairs on
// every subsequent call.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{sugar: l.log().With(kv...)}
}

func (l *Logger) log() *zap.SugaredLogger {
	if l == nil || l.sugar == nil {
		return zap.NewNop().Sugar()
	}
	return l.sugar
}
