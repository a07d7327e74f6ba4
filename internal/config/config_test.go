package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into dir so no config.yaml from the working tree is picked up
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Zero(t, cfg.Poll.MaxDuration)
	assert.Equal(t, int64(20*1024*1024), cfg.Upload.MaxBytes)
	assert.Equal(t, "@every 5m", cfg.Sweeper.Schedule)
	assert.Equal(t, 2*time.Hour, cfg.Sweeper.StaleAfter)
	assert.False(t, cfg.Storage.IsConfigured())
}

func TestLoad_Env(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("POLL_MAX_DURATION", "10m")
	t.Setenv("S3_ACCESS_KEY_ID", "key")
	t.Setenv("S3_SECRET_ACCESS_KEY", "secret")
	t.Setenv("S3_BUCKET_NAME", "splits")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Poll.MaxDuration)
	assert.True(t, cfg.Storage.IsConfigured())
}

func TestLoad_SecretFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "jwt_secret")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWT.Secret)
}

func TestLoad_RejectsInvalidInterval(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("POLL_INTERVAL", "0s")

	_, err := Load()
	assert.Error(t, err)
}
