package log

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger is the default implementation of the Logger interface.
// It is a wrapped zap.SugaredLogger.
type zapLogger struct {
	*zap.SugaredLogger
	core   zapcore.Core
	prefix string
}

// NewLogger creates a logger writing human-readable output to the writer.
func NewLogger(writer io.Writer, level zapcore.Level) Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(writer),
		level,
	)
	return loggerFromZapCore(core)
}

// NewNopLogger returns a logger that discards all messages.
func NewNopLogger() Logger {
	return loggerFromZapCore(zapcore.NewNopCore())
}

func loggerFromZapCore(core zapcore.Core) *zapLogger {
	return &zapLogger{SugaredLogger: zap.New(core).Sugar(), core: core}
}

func (l *zapLogger) AddPrefix(prefix string) Logger {
	clone := loggerFromZapCore(l.core)
	clone.prefix = l.prefix + prefix
	return clone
}

func (l *zapLogger) Debug(args ...any) { l.Debugf("%s", joinArgs(args)) }
func (l *zapLogger) Info(args ...any)  { l.Infof("%s", joinArgs(args)) }
func (l *zapLogger) Warn(args ...any)  { l.Warnf("%s", joinArgs(args)) }
func (l *zapLogger) Error(args ...any) { l.Errorf("%s", joinArgs(args)) }

func (l *zapLogger) Debugf(template string, args ...any) {
	l.SugaredLogger.Debugf(l.prefixed(template), args...)
}

func (l *zapLogger) Infof(template string, args ...any) {
	l.SugaredLogger.Infof(l.prefixed(template), args...)
}

func (l *zapLogger) Warnf(template string, args ...any) {
	l.SugaredLogger.Warnf(l.prefixed(template), args...)
}

func (l *zapLogger) Errorf(template string, args ...any) {
	l.SugaredLogger.Errorf(l.prefixed(template), args...)
}

func (l *zapLogger) prefixed(template string) string {
	if l.prefix == "" {
		return template
	}
	return l.prefix + " " + template
}

func joinArgs(args []any) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprint(arg)
	}
	return strings.Join(parts, " ")
}
