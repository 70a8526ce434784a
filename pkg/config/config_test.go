package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDataServiceConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, `
server:
  token: jnfs-secure-token-2025
registry:
  addresses:
    - 127.0.0.1:5367
storage:
  backend: filesystem
  paths:
    - /var/lib/hashgrid/data
`)

	var cfg DataServiceConfig
	require.NoError(t, Load(path, &cfg))

	require.Equal(t, 5369, cfg.Server.Port)
	require.Equal(t, "filesystem", cfg.Storage.Backend)
	require.NotZero(t, cfg.Storage.GCEvery)
}

func TestLoadRejectsMissingToken(t *testing.T) {
	path := writeTempConfig(t, `
registry:
  addresses:
    - 127.0.0.1:5367
storage:
  backend: filesystem
  paths:
    - /tmp/data
`)

	var cfg DataServiceConfig
	require.Error(t, Load(path, &cfg))
}

func TestLoadRequiresS3BucketForS3Backend(t *testing.T) {
	path := writeTempConfig(t, `
server:
  token: x
registry:
  addresses:
    - 127.0.0.1:5367
storage:
  backend: s3
`)

	var cfg DataServiceConfig
	require.Error(t, Load(path, &cfg))
}
