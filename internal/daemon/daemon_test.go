package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "salt-api.pid")

	l, err := AcquirePIDLock(path)
	require.NoError(t, err)
	assert.Equal(t, path, l.Path())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	// 同一进程里另开一个 fd 也拿不到 flock
	_, err = AcquirePIDLock(path)
	assert.ErrorIs(t, err, syscall.EWOULDBLOCK)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())
	assert.NoFileExists(t, path)

	l2, err := AcquirePIDLock(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestAcquirePIDLockEmptyPath(t *testing.T) {
	_, err := AcquirePIDLock("")
	assert.Error(t, err)
}

func TestVerifyLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "salt", "api")
	require.NoError(t, VerifyLogFile(path, ""))
	assert.FileExists(t, path)
}

func TestVerifyLogFileSkipsRemoteTargets(t *testing.T) {
	for _, target := range []string{"tcp://localhost:514", "udp://localhost:514", "file:///dev/log", ""} {
		assert.NoError(t, VerifyLogFile(target, "no-such-user"), target)
	}
}

func TestVerifyLogFileUnknownUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api")
	assert.Error(t, VerifyLogFile(path, "no-such-user-saltapi"))
}

func TestVerifyLogFileNotADirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	err := VerifyLogFile(filepath.Join(blocker, "api"), "")
	require.Error(t, err)
	assert.Equal(t, int(syscall.ENOTDIR), ExitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(fmt.Errorf("plain")))
	assert.Equal(t, int(syscall.EACCES), ExitCode(&os.PathError{Op: "open", Path: "/x", Err: syscall.EACCES}))
	assert.Equal(t, int(syscall.ENOENT), ExitCode(fmt.Errorf("wrap: %w", syscall.ENOENT)))
}

func TestIsRemoteLog(t *testing.T) {
	assert.True(t, IsRemoteLog("udp://127.0.0.1:514"))
	assert.False(t, IsRemoteLog("/var/log/salt/api"))
}
