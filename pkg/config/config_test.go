package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "etmapd.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8642", cfg.Server.Address)
	assert.Equal(t, 120*time.Second, time.Duration(cfg.Request.Timeout))
	assert.Equal(t, 4, cfg.Request.Concurrency)
	assert.Equal(t, 45, cfg.Landsat.SearchWindowDays)

	// The file should now exist on disk with the defaults.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etmapd.yaml")
	content := `
server:
  address: "0.0.0.0:9000"
request:
  timeout: 2m
  retries: 1
landsat:
  search_window_days: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Address)
	assert.Equal(t, 2*time.Minute, time.Duration(cfg.Request.Timeout))
	assert.Equal(t, 1, cfg.Request.Retries)
	assert.Equal(t, 10, cfg.Landsat.SearchWindowDays)
	// Untouched values keep their defaults.
	assert.Equal(t, "landsat-c2-l2", cfg.Landsat.Collection)
	assert.NotEmpty(t, cfg.Prism.Variables)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etmapd.yaml")
	t.Setenv("ETMAP_DATA_DIR", "/srv/etmap/raw")
	t.Setenv("ETMAP_DB_PATH", "/srv/etmap/jobs.db")
	t.Setenv("ETMAP_ADDR", "127.0.0.1:8001")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/etmap/raw", cfg.Data.Root)
	assert.Equal(t, "/srv/etmap/jobs.db", cfg.DB.Path)
	assert.Equal(t, "127.0.0.1:8001", cfg.Server.Address)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Request.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Landsat.Bands = nil
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Data.Root = ""
	assert.Error(t, cfg.Validate())
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"120s", 120 * time.Second},
		{"2m", 2 * time.Minute},
		{"1d", Day},
		{"1w", Week},
		{"1d12h", Day + 12*time.Hour},
		{"", 0},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseDuration("5x")
	assert.Error(t, err)
}

func TestGenerateDefaultIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etmapd.yaml")
	require.NoError(t, GenerateDefault(path))

	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: kept\n"), 0o644))
	require.NoError(t, GenerateDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kept")
}
