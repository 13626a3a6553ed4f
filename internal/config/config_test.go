package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("LOCAL_STORAGE_PATH", "/tmp/pantry")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "local", cfg.StorageBackend)
	assert.Equal(t, 15*24*time.Hour, cfg.TrashRetention)
	assert.Equal(t, time.Minute, cfg.DriveScanSettle)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORAGE_BACKEND", "minio")
	t.Setenv("S3_BUCKET", "files")
	t.Setenv("TRASH_SWEEP_INTERVAL", "10m")
	t.Setenv("DRIVE_SCAN_INTERVAL", "bogus")
	t.Setenv("SWEEP_DELETE_RATE", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.TrashSweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.DriveScanInterval, "unparsable values fall back")
	assert.Equal(t, 2.5, cfg.SweepDeleteRate)

	typ, raw, err := cfg.BackendConfig()
	require.NoError(t, err)
	assert.Equal(t, "minio", typ)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "files", m["bucket"])
}

func TestValidate(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "secret")
	for env, val := range map[string]string{
		"STORAGE_BACKEND":    "ftp",
		"LOCAL_STORAGE_PATH": "relative",
		"TRASH_SWEEP_BATCH":  "0",
	} {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
