package worker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"saltapi/internal/worker/executor"
)

// Func 一个可被远程调用的执行函数
// 返回的 retcode 非 0 表示执行失败，但结果仍然会上报
type Func func(ctx context.Context, a *Agent, args []any, kwargs map[string]any) (ret any, retcode int, err error)

// ContainerRunner docker.run 依赖的能力，测试里可以替换
type ContainerRunner interface {
	Run(ctx context.Context, image string, cmd []string) (*executor.RunResult, error)
}

var errMissingArg = errors.New("missing required argument")

func defaultFuncs() map[string]Func {
	return map[string]Func{
		"test.ping":    testPing,
		"test.echo":    testEcho,
		"test.arg":     testArg,
		"test.sleep":   testSleep,
		"grains.items": grainsItems,
		"grains.get":   grainsGet,
		"pillar.items": pillarItems,
		"cmd.run":      cmdRun,
		"docker.run":   dockerRun,
	}
}

func testPing(context.Context, *Agent, []any, map[string]any) (any, int, error) {
	return true, 0, nil
}

func testEcho(_ context.Context, _ *Agent, args []any, _ map[string]any) (any, int, error) {
	if len(args) == 0 {
		return "", 0, nil
	}
	return fmt.Sprint(args[0]), 0, nil
}

// testArg 原样返回收到的参数，排查参数编码问题用
func testArg(_ context.Context, _ *Agent, args []any, kwargs map[string]any) (any, int, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return map[string]any{"args": args, "kwargs": kwargs}, 0, nil
}

func testSleep(ctx context.Context, _ *Agent, args []any, kwargs map[string]any) (any, int, error) {
	v, ok := argOrKwarg(args, kwargs, 0, "length")
	if !ok {
		return nil, 0, fmt.Errorf("%w: length", errMissingArg)
	}
	seconds, err := toFloat(v)
	if err != nil {
		return nil, 0, err
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return true, 0, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func grainsItems(_ context.Context, a *Agent, _ []any, _ map[string]any) (any, int, error) {
	return a.grains, 0, nil
}

// grainsGet "os" 或者 "ip_interfaces:eth0"，找不到返回 default (默认空串)
func grainsGet(_ context.Context, a *Agent, args []any, kwargs map[string]any) (any, int, error) {
	v, ok := argOrKwarg(args, kwargs, 0, "key")
	if !ok {
		return nil, 0, fmt.Errorf("%w: key", errMissingArg)
	}
	def, ok := argOrKwarg(args, kwargs, 1, "default")
	if !ok {
		def = ""
	}

	var cur any = a.grains
	for _, k := range strings.Split(fmt.Sprint(v), ":") {
		m, ok := cur.(map[string]any)
		if !ok {
			return def, 0, nil
		}
		if cur, ok = m[k]; !ok {
			return def, 0, nil
		}
	}
	return cur, 0, nil
}

func pillarItems(_ context.Context, a *Agent, _ []any, _ map[string]any) (any, int, error) {
	return a.pillar, 0, nil
}

// cmdRun 用 sh -c 执行，stdout 和 stderr 合并返回
func cmdRun(ctx context.Context, _ *Agent, args []any, kwargs map[string]any) (any, int, error) {
	v, ok := argOrKwarg(args, kwargs, 0, "cmd")
	if !ok {
		return nil, 0, fmt.Errorf("%w: cmd", errMissingArg)
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", fmt.Sprint(v))
	if cwd, ok := kwargs["cwd"]; ok {
		cmd.Dir = fmt.Sprint(cwd)
	}
	out, err := cmd.CombinedOutput()
	output := strings.TrimRight(string(out), "\n")

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, exitErr.ExitCode(), nil
	}
	if err != nil {
		return nil, 0, err
	}
	return output, 0, nil
}

// dockerRun docker.run <image> [cmd...]
func dockerRun(ctx context.Context, a *Agent, args []any, kwargs map[string]any) (any, int, error) {
	if a.docker == nil {
		return nil, 0, errors.New("docker is not available on this minion")
	}
	image, _ := argOrKwarg(args, kwargs, 0, "image")
	var cmd []string
	if len(args) > 1 {
		for _, v := range args[1:] {
			cmd = append(cmd, fmt.Sprint(v))
		}
	} else if v, ok := kwargs["cmd"]; ok {
		cmd = strings.Fields(fmt.Sprint(v))
	}

	imageName := ""
	if image != nil {
		imageName = fmt.Sprint(image)
	}
	res, err := a.docker.Run(ctx, imageName, cmd)
	if err != nil {
		return nil, 0, err
	}
	return strings.TrimRight(res.Output, "\n"), int(res.ExitCode), nil
}

// argOrKwarg 先看位置参数，再看同名关键字参数
func argOrKwarg(args []any, kwargs map[string]any, idx int, name string) (any, bool) {
	if idx < len(args) {
		return args[idx], true
	}
	v, ok := kwargs[name]
	return v, ok
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("not a number: %v", v)
}
