package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHardcodedDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "data/snippets", cfg.Paths.SnippetsDir)
	assert.Equal(t, "data/staging_audit.jsonl", cfg.Paths.AuditLog)
	assert.Equal(t, "data/checkpoint.json", cfg.Paths.CheckpointFile)
	assert.Equal(t, 256, cfg.Matrix.BufferCap)
	assert.Equal(t, time.Second, cfg.Checkpoint.Debounce())
	assert.False(t, cfg.Mesh.Enabled)
	assert.Equal(t, 15, cfg.Mesh.HeartbeatSeconds)
	assert.Equal(t, "fabric:events", cfg.Redis.Channel)
}

func TestFileDefaultsOverrideHardcoded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
matrix:
  buffer_cap: 64
mesh:
  enabled: true
  heartbeat_seconds: 30
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 64, cfg.Matrix.BufferCap)
	assert.True(t, cfg.Mesh.Enabled)
	assert.Equal(t, 30, cfg.Mesh.HeartbeatSeconds)
	// untouched keys keep their defaults
	assert.Equal(t, "data/snippets", cfg.Paths.SnippetsDir)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	t.Setenv("PORT", "7070")
	t.Setenv("CHECKPOINT_DEBOUNCE_MS", "250")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Checkpoint.Debounce())
}

func TestMissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("::: not yaml"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestBadNumbersFallBack(t *testing.T) {
	t.Setenv("MATRIX_BUFFER_CAP", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Matrix.BufferCap)
}

func TestMeshEnabledParsing(t *testing.T) {
	t.Setenv("MESH_ENABLED", "1")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Mesh.Enabled)
}
