package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cboxing/internal/config"
)

func TestSetupLoggerWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:   "warning",
		Format:  "json",
		Outputs: []string{path},
	})
	require.NoError(t, err)
	defer zap.ReplaceGlobals(zap.NewNop())

	logger.Info("dropped")
	logger.Warn("kept", zap.Int64("job", 3))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"msg":"kept"`)
	assert.Contains(t, string(data), `"job":3`)
}

func TestSetupLoggerReplacesGlobals(t *testing.T) {
	logger, err := SetupLogger(config.LogConfig{Level: "debug", Outputs: []string{"stderr"}})
	require.NoError(t, err)
	defer zap.ReplaceGlobals(zap.NewNop())
	assert.Same(t, logger, zap.L())
}
