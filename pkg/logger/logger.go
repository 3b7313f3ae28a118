// Package logger is the process-wide structured logger. Records are JSON lines
// emitted through zap; InfoJ/ErrorJ take an event kind plus a flat field map so
// call sites stay one-liners.
package logger

import (
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base = build(os.Getenv("AEQUA_LOG_LEVEL"))
)

func build(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			lvl = zapcore.InfoLevel
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetLogger replaces the process logger (tests install zaptest/observer loggers).
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	base = l
	mu.Unlock()
}

// L returns the current logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered records; call once on shutdown.
func Sync() { _ = L().Sync() }

func Debug(msg string) { L().Debug(msg) }
func Info(msg string)  { L().Info(msg) }
func Warn(msg string)  { L().Warn(msg) }
func Error(msg string) { L().Error(msg) }

// InfoJ logs an event of the given kind with fields.
func InfoJ(kind string, fields map[string]any) { L().Info(kind, toFields(fields)...) }

// WarnJ logs a warning event of the given kind with fields.
func WarnJ(kind string, fields map[string]any) { L().Warn(kind, toFields(fields)...) }

// ErrorJ logs an error event of the given kind with fields.
func ErrorJ(kind string, fields map[string]any) { L().Error(kind, toFields(fields)...) }

// toFields keeps key order stable so log lines diff cleanly.
func toFields(m map[string]any) []zap.Field {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, m[k]))
	}
	return out
}
