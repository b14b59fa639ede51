package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	require.Equal(t, BackendDocument, cfg.Store.Backend)
	require.Equal(t, "data/licenses.json", cfg.Store.DocumentPath)
	require.Equal(t, "CB", cfg.License.KeyPrefix)
	require.Equal(t, time.Hour, cfg.License.CleanupInterval)
	require.Equal(t, "8080", cfg.Server.Addr)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	yaml := []byte("STORE:\n  BACKEND: relational\nLICENSE:\n  PEPPER: from-file\n  CLEANUP_INTERVAL: 5m\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("LICENSE_PEPPER", "from-env")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	require.Equal(t, BackendRelational, cfg.Store.Backend)
	require.Equal(t, "from-env", cfg.License.Pepper)
	require.Equal(t, 5*time.Minute, cfg.License.CleanupInterval)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.License.Pepper = "pepper"
		cfg.Store.Backend = BackendDocument
		cfg.Store.DocumentPath = "licenses.json"
		return cfg
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.License.Pepper = "  "
	require.ErrorContains(t, cfg.Validate(), "PEPPER")

	cfg = valid()
	cfg.Store.Backend = "redis"
	require.ErrorContains(t, cfg.Validate(), "unknown STORE.BACKEND")

	cfg = valid()
	cfg.TLS.Enable = true
	require.ErrorContains(t, cfg.Validate(), "tls enabled")

	cfg = valid()
	cfg.Otel.Protocol = "udp"
	require.ErrorContains(t, cfg.Validate(), "OTEL.PROTOCOL")

	cfg = valid()
	cfg.Admin.JWTSecret = "short"
	require.ErrorContains(t, cfg.Validate(), "JWT_SECRET")
}
