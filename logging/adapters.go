package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goliatone/go-logger/glog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GoLogger adapts a go-logger glog.Logger to Logger.
type GoLogger struct {
	logger glog.Logger
}

// NewGoLogger wraps base. A nil base falls back to FmtLogger behaviour.
func NewGoLogger(base glog.Logger) *GoLogger {
	return &GoLogger{logger: base}
}

func (l *GoLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l *GoLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *GoLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *GoLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *GoLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *GoLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l *GoLogger) WithContext(ctx context.Context) Logger {
	if l == nil || l.logger == nil {
		return NewFmtLogger(nil).WithContext(ctx)
	}
	return &GoLogger{logger: l.logger.WithContext(ctx)}
}

func (l *GoLogger) WithFields(fields map[string]any) Logger {
	if l == nil || l.logger == nil {
		return NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return &GoLogger{logger: fl.WithFields(fields)}
	}
	return l
}

// ZapLogger adapts a zap logger. Printf-style messages go through the sugared API.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps base, using a no-op zap logger when base is nil.
func NewZapLogger(base *zap.Logger) *ZapLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &ZapLogger{sugar: base.Sugar()}
}

func (l *ZapLogger) Trace(msg string, args ...any) { l.sugar.Debugf(msg, args...) }
func (l *ZapLogger) Debug(msg string, args ...any) { l.sugar.Debugf(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...any)  { l.sugar.Infof(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...any)  { l.sugar.Warnf(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...any) { l.sugar.Errorf(msg, args...) }

// Fatal logs at error level; the engine never exits the host process.
func (l *ZapLogger) Fatal(msg string, args ...any) {
	l.sugar.With("fatal", true).Errorf(msg, args...)
}

func (l *ZapLogger) WithContext(context.Context) Logger { return l }

func (l *ZapLogger) WithFields(fields map[string]any) Logger {
	if len(fields) == 0 {
		return l
	}
	kv := make([]any, 0, len(fields)*2)
	for _, k := range sortedKeys(fields) {
		kv = append(kv, k, fields[k])
	}
	return &ZapLogger{sugar: l.sugar.With(kv...)}
}

// Sync flushes buffered zap output.
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

// New builds a logger by format name: "fmt" (default), "json" (go-logger) or "zap".
func New(format, level string, out io.Writer) (Logger, error) {
	if out == nil {
		out = os.Stdout
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "fmt", "text":
		l := NewFmtLogger(out)
		l.SetLevel(ParseLevel(level))
		return l, nil
	case "json", "glog":
		if strings.TrimSpace(level) == "" {
			level = "info"
		}
		base := glog.NewLogger(
			glog.WithWriter(out),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(strings.ToLower(strings.TrimSpace(level))),
		)
		return NewGoLogger(base), nil
	case "zap":
		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(out),
			zapLevel(ParseLevel(level)),
		)
		return NewZapLogger(zap.New(core)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelTrace, LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError, LevelFatal:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
