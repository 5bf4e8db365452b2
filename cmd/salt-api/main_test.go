package main

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saltapi/internal/config"
)

func TestParseFlagsOverrides(t *testing.T) {
	opts, err := parseFlags([]string{
		"-c", "/srv/salt",
		"--log-level", "debug",
		"--log-file-level", "error",
		"--log-file", "udp://127.0.0.1:514",
		"--pid-file", "/tmp/api.pid",
		"-d",
		"--skip-verify",
	})
	require.NoError(t, err)
	assert.Equal(t, "/srv/salt", opts.configDir)

	cfg := config.Defaults()
	opts.overrides(cfg)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "error", cfg.LogLevelLogfile)
	assert.Equal(t, "udp://127.0.0.1:514", cfg.LogFile)
	assert.Equal(t, "/tmp/api.pid", cfg.PidFile)
	assert.True(t, cfg.Daemon)
	assert.False(t, cfg.VerifyEnv)
}

func TestRunExitsWithErrnoWhenLogFileUnusable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.MasterFile), []byte("user: \"\"\n"), 0o644))

	var stderr bytes.Buffer
	code := run([]string{"-c", dir, "--log-file", filepath.Join(blocker, "api")}, &stderr)
	assert.Equal(t, int(syscall.ENOTDIR), code)
	assert.Contains(t, stderr.String(), "salt-api:")
}

func TestRunRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.MasterFile), []byte("timeout: [\n"), 0o644))

	var stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"-c", dir}, &stderr))
}

func TestRunBadFlag(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"--no-such-flag"}, &stderr))
}
