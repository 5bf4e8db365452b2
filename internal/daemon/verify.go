// Package daemon 进程级的启动辅助：校验日志文件、后台运行、pid 文件、退出码。
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// 这些日志目标不是本地文件，不需要校验
var remoteLogPrefixes = []string{"tcp://", "udp://", "file://"}

// IsRemoteLog log_file 是否是 tcp:// udp:// file:// 形式
func IsRemoteLog(target string) bool {
	for _, p := range remoteLogPrefixes {
		if strings.HasPrefix(target, p) {
			return true
		}
	}
	return false
}

// VerifyLogFile 确保日志文件可以创建，并且属于运行用户
// 返回的错误尽量保留底层的 errno，调用方用 ExitCode 转成退出码
func VerifyLogFile(path, username string) error {
	if path == "" || IsRemoteLog(path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return chownTo(path, username)
}

// chownTo 用户不存在时报错；文件已经属于该用户，或者不是 root 时什么都不做
func chownTo(path, username string) error {
	if username == "" {
		return nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("user %s is not available: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && int(st.Uid) == uid {
		return nil
	}
	if os.Geteuid() != 0 {
		return nil
	}
	return os.Chown(path, uid, gid)
}

// ExitCode 从错误里取 errno 作为退出码，拿不到就是 1
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return int(errno)
	}
	return 1
}
