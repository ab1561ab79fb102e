// Package logging wraps go.uber.org/zap the way the teacher repository's
// cmd/provider/main.go configures its logger: a sugared, structured logger
// with an ISO8601 console encoder by default and an opt-in JSON encoder.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger passed down through every component.
type Logger struct {
	z *zap.SugaredLogger
}

// NewNopLogger returns a logger that discards everything, used as the
// zero-value default so components never need a nil check.
func NewNopLogger() Logger {
	return Logger{z: zap.NewNop().Sugar()}
}

// New builds a Logger. encoding is "console" or "json"; debug enables
// Debug-level output.
func New(debug bool, encoding string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "json" {
		cfg.Encoding = "json"
	} else {
		cfg.Encoding = "console"
	}
	z, err := cfg.Build()
	if err != nil {
		return Logger{}, err
	}
	return Logger{z: z.Sugar()}, nil
}

// Debug logs at debug level with structured key/value pairs.
func (l Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugared().Debugw(msg, keysAndValues...)
}

// Info logs at info level with structured key/value pairs.
func (l Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugared().Infow(msg, keysAndValues...)
}

// Error logs at error level with structured key/value pairs.
func (l Logger) Error(err error, msg string, keysAndValues ...interface{}) {
	kv := append([]interface{}{"error", err}, keysAndValues...)
	l.sugared().Errorw(msg, kv...)
}

// WithValues returns a Logger that always includes the given key/value
// pairs, mirroring crossplane-runtime's logging.Logger.WithValues used by
// the teacher repository.
func (l Logger) WithValues(keysAndValues ...interface{}) Logger {
	return Logger{z: l.sugared().With(keysAndValues...)}
}

// Sync flushes buffered log entries; call it before process exit.
func (l Logger) Sync() error {
	if l.z == nil {
		return nil
	}
	return l.z.Sync()
}

func (l Logger) sugared() *zap.SugaredLogger {
	if l.z == nil {
		return zap.NewNop().Sugar()
	}
	return l.z
}
