package logger

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/nhle/phish-triage/internal/model"
)

func TestNewWithConsole_WritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "triage.log")
	console := &zaptest.Buffer{}

	log, err := NewWithConsole(model.LogConfig{Level: "debug", LogFile: path, MaxSize: 1}, console)
	require.NoError(t, err)

	log.Info("message ingested")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"message":"message ingested"`)
	assert.Contains(t, console.String(), "message ingested")
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	log, err := New(model.LogConfig{Level: "chatty"})
	require.NoError(t, err)

	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestConsoleSyncer_IgnoresUnsyncableFiles(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.EINVAL, syscall.ENOTTY} {
		buf := &zaptest.Buffer{}
		buf.SetError(&os.PathError{Op: "sync", Path: "/dev/stderr", Err: errno})
		assert.NoError(t, consoleSyncer{buf}.Sync(), errno.Error())
	}

	disk := errors.New("disk full")
	buf := &zaptest.Buffer{}
	buf.SetError(disk)
	assert.ErrorIs(t, consoleSyncer{buf}.Sync(), disk)
}
