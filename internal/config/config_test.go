package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1:7070", cfg.ListenAddress)
		assert.Equal(t, "./data", cfg.QueueDir())
		assert.Equal(t, 30, cfg.Sync.StaleAfterMinutes)
		assert.Equal(t, 15, cfg.Connectivity.ProbeIntervalSeconds)
		assert.True(t, cfg.Sync.PullOnStart)
		assert.False(t, cfg.UsePostgres())
	})

	t.Run("config file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"listenAddress": "127.0.0.1:9090",
			"upstream": {"baseUrl": "https://pm.example.com", "apiKey": "k1"},
			"sync": {"staleAfterMinutes": 5}
		}`), 0o644))
		t.Setenv("CONFIG_PATH", path)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1:9090", cfg.ListenAddress)
		assert.Equal(t, "https://pm.example.com", cfg.Upstream.BaseURL)
		assert.Equal(t, "k1", cfg.Upstream.APIKey)
		assert.Equal(t, 5, cfg.Sync.StaleAfterMinutes)
		// Untouched sections keep their defaults
		assert.Equal(t, "/api/health", cfg.Connectivity.ProbePath)
	})

	t.Run("malformed config file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
		t.Setenv("CONFIG_PATH", path)

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("environment beats the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"listenAddress": "127.0.0.1:9090"}`), 0o644))
		t.Setenv("CONFIG_PATH", path)
		t.Setenv("LISTEN_ADDRESS", "127.0.0.1:7171")
		t.Setenv("SERVER_URL", "https://pm.example.com")
		t.Setenv("DATA_DIR", "/var/lib/propsync")
		t.Setenv("STALE_AFTER_MINUTES", "10")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1:7171", cfg.ListenAddress)
		assert.Equal(t, "https://pm.example.com", cfg.Upstream.BaseURL)
		assert.Equal(t, "/var/lib/propsync", cfg.DataDir)
		assert.Equal(t, filepath.Join("/var/lib/propsync", "cache.db"), cfg.DatabasePath)
		assert.Equal(t, 10, cfg.Sync.StaleAfterMinutes)
	})

	t.Run("database url selects postgres", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))
		t.Setenv("DATABASE_URL", "postgres://agent@localhost/cache?sslmode=disable")

		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.UsePostgres())
	})

	t.Run("invalid numeric overrides are ignored", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))
		t.Setenv("PROBE_INTERVAL_SECONDS", "zero")
		t.Setenv("STALE_AFTER_MINUTES", "-3")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 15, cfg.Connectivity.ProbeIntervalSeconds)
		assert.Equal(t, 30, cfg.Sync.StaleAfterMinutes)
	})
}
