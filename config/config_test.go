package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Store.BusyTimeoutMS)
	assert.True(t, cfg.Store.WAL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Minute, cfg.SpawnTimeout())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grove.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  path: /var/lib/grove/grove.db
  blob_threshold_bytes: 1024
vector:
  dimensions: 1536
log:
  level: debug
spawn:
  timeout_seconds: 30
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/grove/grove.db", cfg.Store.Path)
	assert.Equal(t, 1024, cfg.Store.BlobThresholdBytes)
	assert.Equal(t, 1536, cfg.Vector.Dimensions)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.SpawnTimeout())
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [not a map"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
