package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

func TestFileReceivesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	logger, closeFn, err := New(Options{Debug: true, File: path})
	require.NoError(t, err)

	logger.Named("session").Debug("paused", zap.Int("line", 3))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	entry := gjson.ParseBytes(bytes.TrimSpace(data))
	assert.Equal(t, "paused", entry.Get("msg").String())
	assert.Equal(t, "dbgbridge.session", entry.Get("logger").String())
	assert.Equal(t, int64(3), entry.Get("line").Int())
}

func TestInfoLevelDropsDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	logger, closeFn, err := New(Options{File: path})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("shown")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestBadFile(t *testing.T) {
	_, _, err := New(Options{File: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}
