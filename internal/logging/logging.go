// Package logging provides the process-wide leveled logger. Output is
// produced by zap in either a human-readable text layout or JSON lines.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses a level name case-insensitively. "warning" is accepted
// as an alias for warn. Surrounding whitespace is not trimmed.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", s)
	}
}

var (
	mu        sync.Mutex
	output    io.Writer = os.Stderr
	outFormat           = "text"
	level               = LevelInfo
	atom                = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	current atomic.Pointer[zap.Logger]
)

func init() {
	rebuild()
}

// rebuild replaces the active logger. Callers hold mu, except init.
func rebuild() {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var enc zapcore.Encoder
	if outFormat == "json" {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = func(l zapcore.Level, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString("[" + l.CapitalString() + "]")
		}
		encCfg.ConsoleSeparator = " "
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(output)), atom)
	current.Store(zap.New(core))
}

// SetOutput redirects log output. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
	rebuild()
}

// SetFormat selects "json" or "text" output. Unknown values fall back to text.
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	if strings.EqualFold(f, "json") {
		outFormat = "json"
	} else {
		outFormat = "text"
	}
	rebuild()
}

// SetLevel sets the minimum level that is written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	atom.SetLevel(l.zapLevel())
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	mu.Lock()
	defer mu.Unlock()
	return level
}

// Logger returns the underlying zap logger for callers that want fields.
func Logger() *zap.Logger {
	return current.Load()
}

// Sync flushes buffered output.
func Sync() error {
	return current.Load().Sync()
}

func message(format string, args []interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// Debug logs at debug level.
func Debug(format string, args ...interface{}) {
	if l := current.Load(); l.Core().Enabled(zapcore.DebugLevel) {
		l.Debug(message(format, args))
	}
}

// Info logs at info level.
func Info(format string, args ...interface{}) {
	current.Load().Info(message(format, args))
}

// Warn logs at warn level.
func Warn(format string, args ...interface{}) {
	current.Load().Warn(message(format, args))
}

// Error logs at error level.
func Error(format string, args ...interface{}) {
	current.Load().Error(message(format, args))
}
