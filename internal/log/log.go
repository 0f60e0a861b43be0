package log

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

type Format string

const (
	FormatConsole Format = "CONSOLE"
	FormatJSON    Format = "JSON"
)

var (
	mu       sync.Mutex
	base     *zap.Logger
	sugar    *zap.SugaredLogger
	atom     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	format   = FormatConsole
	initOnce sync.Once
)

// initLogger builds the global logger on first use. LOGGING_LEVEL and
// LOGGING_FORMAT override the defaults until Configure is called.
func initLogger() {
	initOnce.Do(func() {
		if v := os.Getenv("LOGGING_LEVEL"); v != "" {
			atom.SetLevel(zapLevel(Level(v)))
		}
		if v := os.Getenv("LOGGING_FORMAT"); v != "" {
			format = parseFormat(v)
		}
		rebuild()
	})
}

func rebuild() {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if format == FormatJSON {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encCfg.EncodeTime = func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString(t.Format(time.RFC3339Nano))
		}
		encCfg.ConsoleSeparator = " "
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), atom)
	base = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	sugar = base.Sugar()
}

// Configure sets level and output format. Empty values keep the current setting.
func Configure(level Level, f Format) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	if level != "" {
		atom.SetLevel(zapLevel(level))
	}
	if f != "" && parseFormat(string(f)) != format {
		format = parseFormat(string(f))
		rebuild()
	}
}

func SetLevel(l Level) {
	initLogger()
	atom.SetLevel(zapLevel(l))
}

// For returns a named logger for a component. Unlike the package-level
// helpers it reports the caller's own file and line.
func For(component string) *zap.SugaredLogger {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	return base.WithOptions(zap.AddCallerSkip(-1)).Sugar().Named(component)
}

func Sync() error {
	initLogger()
	return base.Sync()
}

func Debug(msg string, kv ...any) {
	logger().Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	logger().Infow(msg, kv...)
}

func Warn(msg string, kv ...any) {
	logger().Warnw(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logger().Errorw(msg, extended...)
}

func logger() *zap.SugaredLogger {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	return sugar
}

func zapLevel(l Level) zapcore.Level {
	switch Level(strings.ToUpper(string(l))) {
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

func parseFormat(s string) Format {
	if Format(strings.ToUpper(s)) == FormatJSON {
		return FormatJSON
	}
	return FormatConsole
}
