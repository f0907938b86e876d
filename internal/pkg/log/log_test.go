package log

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDebugLogger(t *testing.T) {
	t.Parallel()

	logger := NewDebugLogger()
	logger.Debug("Debug message.")
	logger.Info("Info message.")
	logger.Warnf("Warn %s.", "message")
	logger.Errorf("Error %s.", "message")

	expected := `
DEBUG  Debug message.
INFO  Info message.
WARN  Warn message.
ERROR  Error message.
`
	assert.Equal(t, strings.TrimLeft(expected, "\n"), logger.AllMessages())
	assert.Equal(t, "WARN  Warn message.\n", logger.WarnMessages())
	assert.Equal(t, "ERROR  Error message.\n", logger.ErrorMessages())

	logger.Truncate()
	assert.Equal(t, "", logger.AllMessages())
}

func TestDebugLoggerPrefix(t *testing.T) {
	t.Parallel()

	logger := NewDebugLogger()
	child := logger.AddPrefix("[node1]").AddPrefix("[watcher]")
	child.Infof("started")
	assert.Equal(t, "INFO  [node1][watcher] started\n", logger.AllMessages())
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNopLogger()
	logger.Info("ignored")
	assert.NoError(t, logger.Sync())
}
