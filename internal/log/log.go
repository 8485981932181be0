package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LevelTrace sits below debug and is used for per-step pipeline detail
const LevelTrace = slog.Level(-8)

var (
	level  slog.LevelVar
	mu     sync.Mutex
	output io.Writer = os.Stderr
	logger atomic.Pointer[slog.Logger]
)

func init() {
	lvl, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		lvl = slog.LevelInfo
	}
	level.Set(lvl)
	install()
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return slog.LevelError, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "TRACE":
		return LevelTrace, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}

func replaceAttr(jsonFormat bool) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			if jsonFormat {
				return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05.000-07:00"))
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
		}
		return a
	}
}

// install builds the handler once; level changes go through the LevelVar
func install() {
	mu.Lock()
	defer mu.Unlock()

	jsonFormat := strings.EqualFold(os.Getenv("LOG_FORMAT"), "json")
	opts := &slog.HandlerOptions{Level: &level, ReplaceAttr: replaceAttr(jsonFormat)}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	l := slog.New(handler)
	logger.Store(l)
	slog.SetDefault(l)
}

// SetOutput redirects log output, mostly for tests that assert on log lines
func SetOutput(w io.Writer) {
	mu.Lock()
	output = w
	mu.Unlock()
	install()
}

// SetLogLevel changes the level at runtime
func SetLogLevel(s string) error {
	lvl, err := parseLevel(s)
	if err != nil {
		return err
	}
	level.Set(lvl)

	LogInfoWithFields("logging", "Log level changed", map[string]any{
		"new_level": strings.ToLower(s),
	})
	return nil
}

// GetLogLevel returns the current level name
func GetLogLevel() string {
	switch level.Level() {
	case slog.LevelError:
		return "error"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelInfo:
		return "info"
	case slog.LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// Redact keeps a short prefix of a credential so log lines can be correlated
// without exposing the value.
func Redact(secret string) string {
	if len(secret) <= 6 {
		return "***"
	}
	return secret[:6] + "***"
}

func enabled(lvl slog.Level) bool {
	return level.Level() <= lvl
}

func Logf(format string, args ...any) {
	logger.Load().Info(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	logger.Load().Error(fmt.Sprintf(format, args...))
}

func LogWarn(format string, args ...any) {
	logger.Load().Warn(fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...any) {
	if enabled(slog.LevelDebug) {
		logger.Load().Debug(fmt.Sprintf(format, args...))
	}
}

func LogTrace(format string, args ...any) {
	if enabled(LevelTrace) {
		logger.Load().Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...))
	}
}

func fieldArgs(component string, fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func LogInfoWithFields(component, message string, fields map[string]any) {
	logger.Load().Info(message, fieldArgs(component, fields)...)
}

func LogDebugWithFields(component, message string, fields map[string]any) {
	if enabled(slog.LevelDebug) {
		logger.Load().Debug(message, fieldArgs(component, fields)...)
	}
}

func LogErrorWithFields(component, message string, fields map[string]any) {
	logger.Load().Error(message, fieldArgs(component, fields)...)
}

func LogWarnWithFields(component, message string, fields map[string]any) {
	logger.Load().Warn(message, fieldArgs(component, fields)...)
}

func LogTraceWithFields(component, message string, fields map[string]any) {
	if enabled(LevelTrace) {
		logger.Load().Log(context.Background(), LevelTrace, message, fieldArgs(component, fields)...)
	}
}
