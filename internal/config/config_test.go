package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "data/estoque.db", cfg.Store.Path)
	assert.Equal(t, filepath.Join("data", "backups"), cfg.Store.BackupDir)
	assert.Equal(t, RemoteNone, cfg.Remote.Kind)
	assert.False(t, cfg.RemoteEnabled())
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.True(t, cfg.Sync.VerifyOnStart)
	assert.Equal(t, 7*24*time.Hour, cfg.Summary.ExpiringWithin)
	assert.Equal(t, "auto", cfg.Log.Format)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "estoque.yaml")
	writeFile(t, path, `
store:
  path: /var/lib/estoque/store.db
remote:
  kind: memory
sync:
  interval: 1m
  max_attempts: -1
log:
  level: debug
  format: json
`)

	l := NewLoader(path)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, path, l.File())

	assert.Equal(t, "/var/lib/estoque/store.db", cfg.Store.Path)
	assert.Equal(t, "/var/lib/estoque/backups", cfg.Store.BackupDir)
	assert.True(t, cfg.RemoteEnabled())
	assert.Equal(t, "estoque", cfg.BackendOptions().Database)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, -1, cfg.Sync.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Sync.OpTimeout, "unset keys keep their default")
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "estoque.yaml")
	writeFile(t, path, "sync:\n  interval: 1m\n")
	t.Setenv("ESTOQUE_SYNC_INTERVAL", "15s")
	t.Setenv("ESTOQUE_DASHBOARD_ENABLED", "true")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Sync.Interval)
	assert.True(t, cfg.Dashboard.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown remote", body: "remote:\n  kind: postgres\n"},
		{name: "zero interval", body: "sync:\n  interval: 0s\n"},
		{name: "zero attempts", body: "sync:\n  max_attempts: 0\n"},
		{name: "bad log format", body: "log:\n  format: xml\n"},
		{name: "malformed yaml", body: "sync: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			writeFile(t, path, tt.body)
			_, err := NewLoader(path).Load()
			assert.Error(t, err)
		})
	}

	_, err := NewLoader(filepath.Join(dir, "missing.yaml")).Load()
	assert.Error(t, err, "an explicit path must exist")
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "estoque.yaml")
	writeFile(t, path, "sync:\n  interval: 1m\n")

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	var interval atomic.Int64
	l.Watch(func(cfg *Config, err error) {
		if err == nil {
			interval.Store(int64(cfg.Sync.Interval))
		}
	})

	writeFile(t, path, "sync:\n  interval: 2m\n")
	require.Eventually(t, func() bool {
		return time.Duration(interval.Load()) == 2*time.Minute
	}, 5*time.Second, 20*time.Millisecond)
}
