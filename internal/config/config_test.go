package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unsetEnvKeys(keys ...string) {
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	unsetEnvKeys("BYTEHOT_WATCH_ROOT", "BYTEHOT_STORE_BACKEND")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ".", cfg.Watch.Root)
	assert.Equal(t, 300, cfg.Watch.DebounceMS)
	assert.Equal(t, StoreBackendMemory, cfg.Store.Backend)
	assert.Equal(t, 4, cfg.Workers.PoolSize)
	assert.Equal(t, 0.6, cfg.Flow.MinConfidenceDefault)
	assert.False(t, cfg.IsDurable())
}

func TestLoad_File(t *testing.T) {
	path := writeTempYAML(t, `
watch:
  root: "/srv/myapp/classes"
  debounce_ms: 150
store:
  backend: "sqlite"
  path: "/var/lib/bytehot/events.db"
swap:
  redefinition_timeout_ms: 2000
workers:
  pool_size: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/myapp/classes", cfg.Watch.Root)
	assert.Equal(t, 150, cfg.Watch.DebounceMS)
	assert.Equal(t, StoreBackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/bytehot/events.db", cfg.Store.Path)
	assert.Equal(t, 2000, cfg.Swap.RedefinitionTimeoutMS)
	assert.Equal(t, 4, cfg.Workers.PoolSize)
	assert.True(t, cfg.IsDurable())
}

func TestLoad_UnknownKeyIsError(t *testing.T) {
	path := writeTempYAML(t, `
watch:
  root: "."
  nonexistent_key: true
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	path := writeTempYAML(t, `
watch:
  root: "."
store:
  backend: "postgres"
`)

	_, err := Load(path)
	require.Error(t, err)
	var invalid *ErrInvalidConfig
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "store.dsn", invalid.Field)
}

func TestLoad_SQLiteRequiresPath(t *testing.T) {
	path := writeTempYAML(t, `
watch:
  root: "."
store:
  backend: "sqlite"
  path: ""
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_LockEnabledRequiresRedisAddr(t *testing.T) {
	path := writeTempYAML(t, `
watch:
  root: "."
lock:
  enabled: true
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidBackendRejected(t *testing.T) {
	path := writeTempYAML(t, `
watch:
  root: "."
store:
  backend: "mongodb"
`)

	_, err := Load(path)
	require.Error(t, err)
}
