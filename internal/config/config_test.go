package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sessiond/internal/config"
)

func TestLoad_DefaultHostIsLocalhost(t *testing.T) {
	_ = os.Unsetenv("SESSIOND_HOST")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host,
		"Default host must be 127.0.0.1 for security")
}

func TestLoad_CanOverrideHost(t *testing.T) {
	t.Setenv("SESSIOND_HOST", "0.0.0.0")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 6380, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.DocumentEngine)
	assert.Equal(t, "memory", cfg.Storage.VectorEngine)
	assert.Equal(t, 256, cfg.Storage.EmbeddingDimension)
	assert.Equal(t, "development", cfg.Security.SecurityMode)
	assert.Equal(t, "v1", cfg.Security.EncryptionKeyID)
	assert.Equal(t, 3, cfg.Manager.ConflictRetries)
	assert.Equal(t, 10*time.Second, cfg.Manager.OperationTimeout)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
storage:
  document_engine: redis
  redis_addr: redis.internal:6379
manager:
  conflict_retries: 5
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Storage.DocumentEngine)
	assert.Equal(t, "redis.internal:6379", cfg.Storage.RedisAddr)
	assert.Equal(t, 5, cfg.Manager.ConflictRetries)

	// Untouched sections keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "memory", cfg.Storage.VectorEngine)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o600))

	t.Setenv("SESSIOND_PORT", "7001")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_ProductionRequiresTokenAndSecret(t *testing.T) {
	t.Setenv("SESSIOND_SECURITY_MODE", "production")

	_, err := config.Load("")
	require.Error(t, err)

	t.Setenv("SESSIOND_API_TOKEN", "token")
	_, err = config.Load("")
	require.Error(t, err)

	t.Setenv("SESSIOND_ENCRYPTION_SECRET", "secret-material")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Security.SecurityMode)
}

func TestLoad_RejectsUnknownEngines(t *testing.T) {
	t.Setenv("SESSIOND_DOCUMENT_ENGINE", "cassandra")
	_, err := config.Load("")
	require.Error(t, err)
}

func TestLoad_PostgresVectorRequiresDSN(t *testing.T) {
	t.Setenv("SESSIOND_VECTOR_ENGINE", "postgres")
	_, err := config.Load("")
	require.Error(t, err)

	t.Setenv("SESSIOND_POSTGRES_DSN", "postgres://localhost/sessiond")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.VectorEngine)
}
