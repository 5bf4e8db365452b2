package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DefaultImage docker.run 没指定镜像时用
const DefaultImage = "alpine:latest"

// RunResult 一次容器执行的结果
type RunResult struct {
	ContainerID string
	ExitCode    int64
	Output      string
}

type DockerExecutor struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerExecutor 自动从环境变量或默认路径连接本地 Docker
func NewDockerExecutor(logger *slog.Logger) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("init docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerExecutor{cli: cli, logger: logger.With(slog.String("component", "docker"))}, nil
}

// Close 释放 docker 连接
func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}

// Run 在一次性容器里执行命令，返回合并后的 stdout/stderr
func (e *DockerExecutor) Run(ctx context.Context, image string, cmd []string) (*RunResult, error) {
	if image == "" {
		image = DefaultImage
	}

	// 1. 本地没有镜像才去拉
	if err := e.ensureImage(ctx, image); err != nil {
		return nil, err
	}

	// 2. 创建容器
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   cmd,
		Tty:   false,
	}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	logger := e.logger.With("container", shortID(id), "image", image)
	logger.Debug("container created")

	// 不管成功失败都清理掉
	defer func() {
		if err := e.cli.ContainerRemove(context.Background(), id, types.ContainerRemoveOptions{Force: true}); err != nil {
			logger.Warn("failed to remove container", "error", err)
		}
	}()

	// 3. 启动
	if err := e.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	// 4. 等待结束
	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("wait container: %w", err)
		}
	case st := <-statusCh:
		exitCode = st.StatusCode
	}

	// 5. 取日志，stdcopy 把多路复用的流拆开
	logs, err := e.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return nil, fmt.Errorf("read container logs: %w", err)
	}

	logger.Debug("container finished", "exit_code", exitCode)
	return &RunResult{ContainerID: id, ExitCode: exitCode, Output: buf.String()}, nil
}

func (e *DockerExecutor) ensureImage(ctx context.Context, image string) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", image, err)
	}

	e.logger.Info("pulling image", "image", image)
	reader, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
