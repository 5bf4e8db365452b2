package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// 子进程通过这个环境变量知道自己已经在后台了
const envDaemonChild = "SALTAPI_DAEMON_CHILD"

// IsChild 当前进程是否是 Daemonize 拉起来的
func IsChild() bool {
	return os.Getenv(envDaemonChild) == "1"
}

// Daemonize 以新会话重新执行自己，父进程拿到 child=false 后应该直接退出
// 用 re-exec + setsid 代替 double fork
func Daemonize() (child bool, pid int, err error) {
	if IsChild() {
		return true, os.Getpid(), nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, 0, fmt.Errorf("resolve executable: %w", err)
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envDaemonChild+"=1")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return false, 0, fmt.Errorf("start daemon: %w", err)
	}
	pid = cmd.Process.Pid
	_ = cmd.Process.Release()
	return false, pid, nil
}
