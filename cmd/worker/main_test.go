package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/leasework/internal/config"
)

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lock:\n  name: nightly\n  backend: memory\n  enabled: true\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "nightly", cfg.Lock.Name)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := loadConfig()
	assert.Error(t, err)
	require.NotNil(t, cfg)
}

func TestLoadConfig_InvalidTiming(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("MIN_LEASE_TIME", "1s")
	t.Setenv("EXTENSION_THRESHOLD", "5s")

	_, err := loadConfig()
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestBuildWork_Heartbeat(t *testing.T) {
	cfg := config.Defaults()

	work, closeFn, err := buildWork(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer closeFn()

	ok, err := work(zerolog.Nop().WithContext(context.Background()))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuildWork_BadURL(t *testing.T) {
	cfg := config.Defaults()
	cfg.Database.URL = "postgres://%zz"

	_, _, err := buildWork(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
