package config

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, name := range []string{"LISTEN_ADDR", "SERVER_SECRET", "SERVER_ID", "STORAGE", "BOLT_PATH", "LOG_LEVEL"} {
		old, had := os.LookupEnv(name)
		os.Unsetenv(name)
		if had {
			t.Cleanup(func() { os.Setenv(name, old) })
		}
	}
	// Avoid picking up a stray .env from the working directory during tests.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadRequiresServerSecret(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("SERVER_SECRET", "shh")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, StorageKindMemory, cfg.Storage)
	assert.Equal(t, uint8(0), cfg.ServerID)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadReadsOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("SERVER_SECRET", "shh")
	os.Setenv("LISTEN_ADDR", ":9090")
	os.Setenv("SERVER_ID", "3")
	os.Setenv("STORAGE", "bolt")
	os.Setenv("BOLT_PATH", "/tmp/custom.db")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, uint8(3), cfg.ServerID)
	assert.Equal(t, StorageKindBolt, cfg.Storage)
	assert.Equal(t, "/tmp/custom.db", cfg.BoltPath)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadRejectsUnknownStorageKind(t *testing.T) {
	clearEnv(t)
	os.Setenv("SERVER_SECRET", "shh")
	os.Setenv("STORAGE", "postgres")

	_, err := Load()
	assert.Error(t, err)
}
