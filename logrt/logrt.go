// Package logrt is the logging backend called by code instrumented with logcall. Calls are routed to a zap logger,
// writing console formatted entries to stderr at info level and above until SetLogger or SetLevel is called. The
// LOGCALL_LEVEL environment variable sets the initial level.
package logrt

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnv names the environment variable holding the initial level of the default logger.
const LevelEnv = "LOGCALL_LEVEL"

// TraceLevel logs below zap's debug level.
const TraceLevel = zapcore.DebugLevel - 1

var (
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger atomic.Pointer[zap.SugaredLogger]
)

func init() {
	if lvl, err := ParseLevel(os.Getenv(LevelEnv)); err == nil {
		level.SetLevel(lvl)
	}
	logger.Store(sugared(newDefaultLogger()))
}

func newDefaultLogger() *zap.Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = levelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller()).Named("logcall")
}

func levelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		enc.AppendString("TRACE")
		return
	}
	zapcore.CapitalLevelEncoder(l, enc)
}

// sugared skips the logrt frame so callers are reported at the instrumented function.
func sugared(l *zap.Logger) *zap.SugaredLogger {
	return l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// ParseLevel parses a level name, accepting "trace" in addition to the zap level names. An empty name is info.
func ParseLevel(name string) (zapcore.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "trace" {
		return TraceLevel, nil
	} else if name == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(name)
}

// SetLogger routes all calls to l and returns a function restoring the previous logger. The level set with
// SetLevel only applies to the default logger.
func SetLogger(l *zap.Logger) func() {
	prev := logger.Swap(sugared(l))
	return func() {
		logger.Store(prev)
	}
}

// SetLevel sets the minimum level of the default logger.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// Enabled reports if entries at l would be logged.
func Enabled(l zapcore.Level) bool {
	return logger.Load().Desugar().Core().Enabled(l)
}

// Sync flushes buffered entries.
func Sync() error {
	return logger.Load().Sync()
}

// Render formats a value for a structured field.
func Render(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}

func Tracef(template string, args ...any) {
	logger.Load().Logf(TraceLevel, template, args...)
}

func Debugf(template string, args ...any) {
	logger.Load().Debugf(template, args...)
}

func Infof(template string, args ...any) {
	logger.Load().Infof(template, args...)
}

func Warnf(template string, args ...any) {
	logger.Load().Warnf(template, args...)
}

func Errorf(template string, args ...any) {
	logger.Load().Errorf(template, args...)
}

func Tracew(msg string, keysAndValues ...any) {
	logger.Load().Logw(TraceLevel, msg, keysAndValues...)
}

func Debugw(msg string, keysAndValues ...any) {
	logger.Load().Debugw(msg, keysAndValues...)
}

func Infow(msg string, keysAndValues ...any) {
	logger.Load().Infow(msg, keysAndValues...)
}

func Warnw(msg string, keysAndValues ...any) {
	logger.Load().Warnw(msg, keysAndValues...)
}

func Errorw(msg string, keysAndValues ...any) {
	logger.Load().Errorw(msg, keysAndValues...)
}
