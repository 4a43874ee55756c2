package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 72*time.Hour, cfg.Approvals.MagicLinkTTL)
	assert.Equal(t, "https://lexflow.example.com", cfg.Approvals.BaseURL)
	assert.Equal(t, 100, cfg.Approvals.VerifyDefaultLimit)
	assert.Equal(t, StoragePostgres, cfg.Storage.Driver)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  environment: development
storage:
  driver: memory
approvals:
  base_url: https://approvals.internal
  magic_link_ttl: 24h
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAGIC_LINK_TTL", "48h")
	t.Setenv("HTTP_PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Service.Environment)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, "https://approvals.internal", cfg.Approvals.BaseURL)
	assert.Equal(t, 48*time.Hour, cfg.Approvals.MagicLinkTTL)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("STORAGE_DRIVER", "sqlite")
		_, err := Load()
		assert.ErrorContains(t, err, "unknown storage driver")
	})

	t.Run("bad ttl", func(t *testing.T) {
		t.Setenv("MAGIC_LINK_TTL", "-1h")
		_, err := Load()
		assert.ErrorContains(t, err, "magic link ttl")
	})

	t.Run("bad port", func(t *testing.T) {
		t.Setenv("HTTP_PORT", "eighty")
		_, err := Load()
		assert.ErrorContains(t, err, "HTTP_PORT")
	})
}
