package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelsAndOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		SetLevel("info")
	})

	SetLevel("warn")
	Infof("hidden %d", 1)
	Warnf("shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 2")
	assert.False(t, Enabled(slog.LevelInfo))

	SetLevel("bogus")
	assert.True(t, Enabled(slog.LevelInfo))
	assert.False(t, Enabled(slog.LevelDebug))

	buf.Reset()
	InfoBlock("first\nsecond\n")
	assert.Contains(t, buf.String(), "msg=first")
	assert.Contains(t, buf.String(), "msg=second")
}

func TestSetupFile(t *testing.T) {
	t.Cleanup(func() { SetOutput(os.Stdout) })
	closer, err := SetupFile(FileOptions{})
	require.NoError(t, err)
	assert.Nil(t, closer)

	path := filepath.Join(t.TempDir(), "logs", "meanrev.log")
	closer, err = SetupFile(FileOptions{Path: path})
	require.NoError(t, err)
	require.NotNil(t, closer)
	Errorf("to file")
	require.NoError(t, closer.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
