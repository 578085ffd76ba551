package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.False(t, cfg.Database.UseDB)
	assert.Equal(t, 1000, cfg.Worker.PollMS)
	assert.Equal(t, 10, cfg.Worker.Batch)
	assert.Equal(t, "local", cfg.Storage.Type)
	assert.Equal(t, 250, cfg.Perf.P95MSBootstrapList)
	assert.Equal(t, 10, cfg.Perf.MaxQueriesBootstrapList)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
database:
  use_db: true
  url: postgres://localhost/appforge
worker:
  poll_ms: 250
  batch: 5
storage:
  type: s3
  bucket: appforge-blobs
  region: us-east-1
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Database.UseDB)
	assert.Equal(t, "postgres://localhost/appforge", cfg.Database.URL)
	assert.Equal(t, 250, cfg.Worker.PollMS)
	assert.Equal(t, 5, cfg.Worker.Batch)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "appforge-blobs", cfg.Storage.Bucket)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("USE_DB", "1")
	t.Setenv("DATABASE_URL", "postgres://db/override")
	t.Setenv("WORKER_POLL_MS", "125")
	t.Setenv("WORKER_ORG_ID", "ws_worker")
	t.Setenv("APP_SECRET_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("MAX_AGENT_OPS", "50")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Database.UseDB)
	assert.Equal(t, "postgres://db/override", cfg.Database.URL)
	assert.Equal(t, 125, cfg.Worker.PollMS)
	assert.Equal(t, "ws_worker", cfg.Worker.OrgID)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Secrets.AppSecretKey)
	assert.Equal(t, 50, cfg.Studio.MaxAgentOps)
}

func TestMissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestBadYAMLFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
