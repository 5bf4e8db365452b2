package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir(), MasterFile, nil)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Timeout.Duration())
	assert.Equal(t, []string{"localhost:2379"}, cfg.Etcd.Endpoints)
	assert.True(t, cfg.VerifyEnv)
	assert.False(t, cfg.OrderMasters)
	assert.Equal(t, "0.0.0.0:8000", cfg.API.Addr())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, MasterFile, `
etcd:
  endpoints: [etcd-1:2379, etcd-2:2379]
timeout: 30s
order_masters: true
log_file: udp://localhost:514
nodegroups:
  web: ["web*", "lb1"]
api:
  port: 8080
  cors_origin: ["https://ops.example.com"]
`)

	cfg, err := Load(dir, MasterFile, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, 30*time.Second, cfg.Timeout.Duration())
	assert.True(t, cfg.OrderMasters)
	assert.Equal(t, "udp://localhost:514", cfg.LogFile)
	assert.Equal(t, []string{"web*", "lb1"}, cfg.Nodegroups["web"])
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.API.CORSOrigin)
	// 未出现在文件里的键保持默认值
	assert.Equal(t, 24*time.Hour, cfg.KeepJobs.Duration())
}

func TestLoadSaltStyleDurations(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, MasterFile, `
timeout: 5
keep_jobs: 24
etcd:
  dial_timeout: 2
minion:
  heartbeat: 1.5
  node_ttl: 15
`)

	cfg, err := Load(dir, MasterFile, nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Timeout.Duration())
	assert.Equal(t, 24*time.Hour, cfg.KeepJobs.Duration())
	assert.Equal(t, 2*time.Second, cfg.Etcd.DialTimeout.Duration())
	assert.Equal(t, 1500*time.Millisecond, cfg.Minion.Heartbeat.Duration())
	assert.Equal(t, 15*time.Second, cfg.Minion.NodeTTL.Duration())
}

func TestLoadDurationStrings(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, MasterFile, "timeout: 1m30s\nkeep_jobs: 90m\n")

	cfg, err := Load(dir, MasterFile, nil)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Timeout.Duration())
	assert.Equal(t, 90*time.Minute, cfg.KeepJobs.Duration())
}

func TestLoadStepOrder(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, MasterFile, "log_level: info\netcd:\n  endpoints: [file:2379]\n")
	t.Setenv("SALTAPI_ETCD_ENDPOINTS", "env-1:2379, env-2:2379")

	cfg, err := Load(dir, MasterFile, func(cfg *Config) {
		cfg.LogLevel = "debug"
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"env-1:2379", "env-2:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "timeout: [\n"},
		{"zero timeout", "timeout: 0s\n"},
		{"zero int timeout", "timeout: 0\n"},
		{"bad duration", "timeout: soon\n"},
		{"bool duration", "keep_jobs: true\n"},
		{"list duration", "timeout: [1, 2]\n"},
		{"empty nodegroup", "nodegroups:\n  web: []\n"},
		{"bad port", "api:\n  port: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, MasterFile, tt.body)
			_, err := Load(dir, MasterFile, nil)
			assert.Error(t, err)
		})
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv("SALTAPI_CONFIG_DIR", "")
	assert.Equal(t, DefaultConfigDir, ConfigDir(""))

	t.Setenv("SALTAPI_CONFIG_DIR", "/srv/salt")
	assert.Equal(t, "/srv/salt", ConfigDir(""))
	assert.Equal(t, "/opt/salt", ConfigDir("/opt/salt"))
}
