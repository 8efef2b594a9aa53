package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, closeFn, err := New(Config{Development: true})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("development logger ready")
	assert.NoError(t, closeFn())
}

// TestNewProductionLoggerWritesFile ensures the rotating file output receives records.
func TestNewProductionLoggerWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, closeFn, err := New(Config{Dir: dir, FileName: "run.log", MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)
	logger.Info("production logger ready")
	logger.Debug("filtered at info")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(filepath.Join(dir, "run.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "production logger ready")
	assert.Contains(t, string(data), "INFO")
	assert.False(t, strings.Contains(string(data), "filtered at info"))
}
