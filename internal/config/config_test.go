package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("CLOUDFS_CONFIG_DIR", "")
		assert.True(t, strings.HasSuffix(Dir(), ".cloudfs"), "should end with .cloudfs")
	})

	t.Run("override with CLOUDFS_CONFIG_DIR", func(t *testing.T) {
		t.Setenv("CLOUDFS_CONFIG_DIR", "/tmp/test-cloudfs-config")
		assert.Equal(t, "/tmp/test-cloudfs-config", Dir())
		assert.Equal(t, "/tmp/test-cloudfs-config/config.yaml", Path())
	})
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CLOUDFS_CONFIG_DIR", t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 4096, cfg.ReadAhead.ProbeSize)
	assert.Equal(t, 512*1024, cfg.ReadAhead.Window)
	assert.Equal(t, 30*time.Second, cfg.RecordCache.TTL)
	assert.Equal(t, []string{".DS_Store"}, cfg.Hide)
	assert.NotNil(t, cfg.Bundles)
	assert.False(t, strings.HasPrefix(cfg.StorageRoot, "~"), "home is expanded")
	assert.False(t, cfg.LoggingEnabled())
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLOUDFS_CONFIG_DIR", dir)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage_root: /srv/cloudfs
log_level: DEBUG
read_timeout: 250ms
read_ahead:
  probe_size: 8192
bundles:
  photos:
    container: iCloud.com.example.photos
    container_type: private
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/cloudfs", cfg.StorageRoot)
	assert.Equal(t, 250*time.Millisecond, cfg.ReadTimeout)
	assert.Equal(t, 8192, cfg.ReadAhead.ProbeSize)
	assert.Equal(t, 512*1024, cfg.ReadAhead.Window, "unset nested keys keep defaults")
	assert.True(t, cfg.LoggingEnabled())
	require.Contains(t, cfg.Bundles, "photos")
	assert.Equal(t, "private", cfg.Bundles["photos"].ContainerType)
}

func TestValidate(t *testing.T) {
	t.Setenv("CLOUDFS_CONFIG_DIR", t.TempDir())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad bundle name", func(c *Config) { c.Bundles["a/b"] = Bundle{Container: "x"} }},
		{"missing container", func(c *Config) { c.Bundles["photos"] = Bundle{} }},
		{"window below probe", func(c *Config) { c.ReadAhead.Window = 1024 }},
		{"unknown level", func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestInitWritesDefaultOnce(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLOUDFS_CONFIG_DIR", dir)

	path, err := Init()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0600))

	_, err = Init()
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "log_level: info\n", string(data), "existing config is left alone")
}
