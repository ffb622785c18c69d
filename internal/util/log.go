package util

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const (
	LevelTrace = slog.Level(-8)
	LevelOff   = slog.Level(12)
)

type Logger struct {
	slogger *slog.Logger
}

func NewLogger(level slog.Level, output io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
					return slog.String(a.Key, "TRACE")
				}
			}
			if a.Key == "error" && a.Value.Kind() == slog.KindAny {
				// *AppError resolves to a group before reaching here.
				if err, ok := a.Value.Any().(error); ok {
					return slog.String(a.Key, err.Error())
				}
			}
			return a
		},
	}
	handler := slog.NewJSONHandler(output, opts)

	return &Logger{
		slogger: slog.New(handler),
	}
}

// LogValue renders AppError as a structured group in log output.
func (e *AppError) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("type", string(e.Type)),
		slog.String("message", e.Message),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("cause", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slogger: l.slogger.With(args...),
	}
}

func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		slogger: l.slogger.With("component", component),
	}
}

func (l *Logger) Enabled(level slog.Level) bool {
	return l.slogger.Enabled(context.Background(), level)
}

func (l *Logger) Trace(msg string, fields map[string]any) {
	l.slogger.Log(context.Background(), LevelTrace, msg, mapToAttrs(fields)...)
}

func (l *Logger) Debug(msg string, fields map[string]any) {
	if fields == nil {
		l.slogger.Debug(msg)
		return
	}
	l.slogger.Debug(msg, mapToAttrs(fields)...)
}

func (l *Logger) Info(msg string, fields map[string]any) {
	if fields == nil {
		l.slogger.Info(msg)
		return
	}
	l.slogger.Info(msg, mapToAttrs(fields)...)
}

func (l *Logger) Warn(msg string, fields map[string]any) {
	if fields == nil {
		l.slogger.Warn(msg)
		return
	}
	l.slogger.Warn(msg, mapToAttrs(fields)...)
}

func (l *Logger) Error(msg string, fields map[string]any) {
	if fields == nil {
		l.slogger.Error(msg)
		return
	}
	l.slogger.Error(msg, mapToAttrs(fields)...)
}

func (l *Logger) Log(level slog.Level, msg string, fields map[string]any) {
	l.slogger.Log(context.Background(), level, msg, mapToAttrs(fields)...)
}

func (l *Logger) LogAttrs(level slog.Level, msg string, attrs ...slog.Attr) {
	l.slogger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (l *Logger) LogError(msg string, err error, fields map[string]any) {
	if err == nil {
		return
	}

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["error"] = err
	l.Error(msg, fields)
}

func mapToAttrs(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}

	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	return attrs
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewLogger(slog.LevelInfo, os.Stderr)
)

func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

func SetDefaultLogger(level slog.Level, output io.Writer) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = NewLogger(level, output)
}

func InitDefaultLogger() {
	SetDefaultLogger(slog.LevelInfo, os.Stderr)
}

func With(args ...any) *Logger {
	return Default().With(args...)
}

func Component(name string) *Logger {
	return Default().WithComponent(name)
}

func Debug(msg string, fields map[string]any) {
	Default().Debug(msg, fields)
}

func Info(msg string, fields map[string]any) {
	Default().Info(msg, fields)
}

func Warn(msg string, fields map[string]any) {
	Default().Warn(msg, fields)
}

func Error(msg string, fields map[string]any) {
	Default().Error(msg, fields)
}

func LogError(msg string, err error, fields map[string]any) {
	Default().LogError(msg, err, fields)
}

// ParseLogLevel accepts a plain level name or a RUST_LOG-style directive
// list such as "daedalus_client=debug,hyper=warn". For directive lists the
// entry for target wins, then a bare level, then info.
func ParseLogLevel(spec string, target string) slog.Level {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return slog.LevelInfo
	}

	bare, found := slog.LevelInfo, false
	for _, directive := range strings.Split(spec, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}

		name, value, hasTarget := strings.Cut(directive, "=")
		if !hasTarget {
			if lvl, ok := parseLevelName(name); ok {
				bare, found = lvl, true
			}
			continue
		}

		if target != "" && strings.TrimSpace(name) == target {
			if lvl, ok := parseLevelName(value); ok {
				return lvl
			}
		}
	}

	if found {
		return bare
	}
	return slog.LevelInfo
}

func parseLevelName(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "off", "none", "disabled":
		return LevelOff, true
	default:
		return slog.LevelInfo, false
	}
}
