package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ReadsYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "svc.yaml"), []byte("server:\n  port: 9001\nrooms:\n  idle: 45s\n"), 0o644))

	t.Setenv("SERVER_HOST", "127.0.0.1")

	v, err := Load(dir, "svc")
	require.NoError(t, err)

	assert.Equal(t, 9001, v.GetInt("server.port"))
	assert.Equal(t, "127.0.0.1", v.GetString("server.host"))
	assert.Equal(t, 45*time.Second, Duration(v, "rooms.idle", time.Second))
}

func TestLoad_MissingFileFallsBackToEnv(t *testing.T) {
	v, err := Load(t.TempDir(), "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, Duration(v, "missing.key", 3*time.Second))
}

func TestDuration_Malformed(t *testing.T) {
	v, err := Load(t.TempDir(), "none")
	require.NoError(t, err)
	v.Set("ttl", "soon")
	assert.Equal(t, time.Minute, Duration(v, "ttl", time.Minute))
}
