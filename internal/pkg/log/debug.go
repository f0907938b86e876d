package log

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// NewDebugLogger returns a logger that keeps all messages in memory.
func NewDebugLogger() DebugLogger {
	buffer := &safeBuffer{}
	encoderConfig := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		ConsoleSeparator: "  ",
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(buffer),
		DebugLevel,
	)
	return &debugLogger{zapLogger: loggerFromZapCore(core), buffer: buffer}
}

type debugLogger struct {
	*zapLogger
	buffer *safeBuffer
}

func (l *debugLogger) AddPrefix(prefix string) Logger {
	clone := *l
	zapClone := *l.zapLogger
	zapClone.prefix = l.prefix + prefix
	clone.zapLogger = &zapClone
	return &clone
}

// ConnectTo copies all future messages also to the writer.
func (l *debugLogger) ConnectTo(writer io.Writer) {
	l.buffer.ConnectTo(writer)
}

func (l *debugLogger) Truncate() {
	l.buffer.Truncate()
}

func (l *debugLogger) AllMessages() string {
	_ = l.Sync()
	return l.buffer.String()
}

func (l *debugLogger) DebugMessages() string {
	return l.levelMessages("DEBUG")
}

func (l *debugLogger) InfoMessages() string {
	return l.levelMessages("INFO")
}

func (l *debugLogger) WarnMessages() string {
	return l.levelMessages("WARN")
}

func (l *debugLogger) ErrorMessages() string {
	return l.levelMessages("ERROR")
}

func (l *debugLogger) levelMessages(level string) string {
	var out strings.Builder
	for _, line := range strings.Split(l.AllMessages(), "\n") {
		if strings.HasPrefix(line, level+"  ") {
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	return out.String()
}

// safeBuffer is a goroutine-safe buffer with an optional attached writer.
type safeBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
	writer io.Writer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.writer != nil {
		if _, err := b.writer.Write(p); err != nil {
			return 0, fmt.Errorf("cannot copy log message: %w", err)
		}
	}
	return b.buffer.Write(p)
}

func (b *safeBuffer) ConnectTo(writer io.Writer) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.writer = writer
}

func (b *safeBuffer) Truncate() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.buffer.Reset()
}

func (b *safeBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.String()
}
