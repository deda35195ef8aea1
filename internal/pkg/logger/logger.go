package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	globalLogger *slog.Logger
	once         sync.Once
	level        = new(slog.LevelVar)
)

// Init configures the process-wide JSON logger. Only the first call has effect.
func Init(lvl string) {
	InitWithWriter(lvl, os.Stdout)
}

// InitWithWriter is Init with an explicit sink, used by tests to silence output.
func InitWithWriter(lvl string, w io.Writer) {
	once.Do(func() {
		SetLevel(lvl)
		handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})
		globalLogger = slog.New(handler).With("service", "paygate")
		slog.SetDefault(globalLogger)
	})
}

// SetLevel changes the minimum level at runtime, e.g. once config is loaded.
func SetLevel(lvl string) {
	level.Set(parseLevel(lvl))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		Init("info")
	}
	return globalLogger
}

func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// Component returns a child logger tagged with the subsystem name.
func Component(name string, args ...any) *slog.Logger {
	return Get().With(append([]any{"component", name}, args...)...)
}

func LogError(ctx context.Context, err error, msg string, args ...any) {
	if err == nil {
		return
	}
	args = append(args, slog.String("error", err.Error()))
	Get().ErrorContext(ctx, msg, args...)
}
