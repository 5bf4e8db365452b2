// Package worker 是 minion 端：注册节点、监听任务、执行并上报结果。
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"saltapi/pkg/model"
	"saltapi/pkg/store"
)

// Version 上报到节点信息和 saltversion grain
const Version = "3006.0"

const (
	defaultHeartbeat = 3 * time.Second

	// 和 client 端约定的关键字参数标记
	kwargMarker = "__kwarg__"
)

// Options Agent 的配置
type Options struct {
	ID        string
	Grains    map[string]any // 覆盖或补充自动采集的 grains
	Pillar    map[string]any
	Heartbeat time.Duration
	Docker    ContainerRunner // 为空时 docker.run 不可用
	Logger    *slog.Logger
}

type Agent struct {
	ID        string
	store     store.Store
	grains    map[string]any
	pillar    map[string]any
	heartbeat time.Duration
	funcs     map[string]Func
	docker    ContainerRunner
	logger    *slog.Logger

	running sync.WaitGroup
}

func NewAgent(s store.Store, opts Options) *Agent {
	id := opts.ID
	if id == "" {
		id = defaultID()
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pillar := opts.Pillar
	if pillar == nil {
		pillar = map[string]any{}
	}

	return &Agent{
		ID:        id,
		store:     s,
		grains:    collectGrains(id, opts.Grains),
		pillar:    pillar,
		heartbeat: heartbeat,
		funcs:     defaultFuncs(),
		docker:    opts.Docker,
		logger:    logger.With(slog.String("component", "minion"), slog.String("minion", id)),
	}
}

// Register 注册一个额外的执行函数，同名覆盖
func (a *Agent) Register(name string, fn Func) {
	a.funcs[name] = fn
}

// Run 阻塞运行直到 ctx 结束，退出前等待正在执行的任务
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// 先订阅再注册，注册之后发布的任务不会漏掉
	events := a.store.WatchJobs(gctx)
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("register minion %s: %w", a.ID, err)
	}

	// 1. 心跳
	g.Go(func() error {
		a.startHeartbeat(gctx)
		return nil
	})

	// 2. 任务监听
	g.Go(func() error {
		a.logger.Info("waiting for jobs")
		a.watchJobs(gctx, events)
		return nil
	})

	err := g.Wait()
	a.running.Wait()
	return err
}

func (a *Agent) startHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.register(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) watchJobs(ctx context.Context, events <-chan store.JobEvent) {
	for event := range events {
		if event.Type != store.JobCreate {
			continue
		}
		job := event.Job
		if !targeted(job, a.ID) {
			continue
		}
		a.logger.Debug("received job", "jid", job.JID, "fun", job.Fun.String())

		a.running.Add(1)
		go func() {
			defer a.running.Done()
			a.handleJob(ctx, job)
		}()
	}
}

// targeted 匹配结果在发布时就算好了，这里只看自己在不在里面
func targeted(job *model.Job, id string) bool {
	for _, m := range job.Minions {
		if m == id {
			return true
		}
	}
	return false
}

// handleJob 执行任务并上报 (每个 job 只上报一次)
func (a *Agent) handleJob(ctx context.Context, job *model.Job) {
	ret := a.execute(ctx, job)
	a.callReturners(job, ret)

	if err := a.store.SaveReturn(ctx, ret); err != nil {
		a.logger.Error("failed to save return", "jid", job.JID, "error", err)
	}
}

// execute 单函数直接执行；复合命令按下标取参数，结果放进 {fun: result}
func (a *Agent) execute(ctx context.Context, job *model.Job) *model.Return {
	ret := &model.Return{
		ID:      a.ID,
		JID:     job.JID,
		Fun:     job.Fun,
		Success: true,
	}

	if !job.Fun.Compound {
		name := ""
		if len(job.Fun.Names) > 0 {
			name = job.Fun.Names[0]
		}
		args, kwargs := splitKwarg(job.Arg)
		ret.Return, ret.Retcode, ret.Success = a.call(ctx, name, args, kwargs)
		ret.Stamp = time.Now().UTC()
		return ret
	}

	results := make(map[string]any, len(job.Fun.Names))
	for i, name := range job.Fun.Names {
		var vec []any
		if i < len(job.Arg) {
			vec, _ = job.Arg[i].([]any)
		}
		args, kwargs := splitKwarg(vec)
		out, retcode, ok := a.call(ctx, name, args, kwargs)
		results[name] = out
		if !ok {
			ret.Success = false
		}
		if retcode > ret.Retcode {
			ret.Retcode = retcode
		}
	}
	ret.Return = results
	ret.Stamp = time.Now().UTC()
	return ret
}

// call 执行单个函数，失败时把错误信息作为返回值
func (a *Agent) call(ctx context.Context, name string, args []any, kwargs map[string]any) (any, int, bool) {
	fn, ok := a.funcs[name]
	if !ok {
		return fmt.Sprintf("'%s' is not available.", name), 1, false
	}
	out, retcode, err := fn(ctx, a, args, kwargs)
	if err != nil {
		a.logger.Warn("function failed", "fun", name, "error", err)
		return fmt.Sprintf("ERROR executing '%s': %v", name, err), 1, false
	}
	return out, retcode, retcode == 0
}

// callReturners 目前只支持 log returner
func (a *Agent) callReturners(job *model.Job, ret *model.Return) {
	if job.Ret == "" {
		return
	}
	for _, name := range strings.Split(job.Ret, ",") {
		switch name = strings.TrimSpace(name); name {
		case "":
		case "log":
			a.logger.Info("job return",
				"jid", ret.JID, "fun", ret.Fun.String(),
				"success", ret.Success, "retcode", ret.Retcode, "return", ret.Return)
		default:
			a.logger.Warn("returner is not available", "returner", name, "jid", job.JID)
		}
	}
}

// splitKwarg 把带 __kwarg__ 标记的 map 拆成关键字参数，其余是位置参数
func splitKwarg(vec []any) ([]any, map[string]any) {
	args := make([]any, 0, len(vec))
	kwargs := make(map[string]any)
	for _, v := range vec {
		m, ok := v.(map[string]any)
		if !ok || m[kwargMarker] != true {
			args = append(args, v)
			continue
		}
		for k, val := range m {
			if k != kwargMarker {
				kwargs[k] = val
			}
		}
	}
	return args, kwargs
}

func (a *Agent) register(ctx context.Context) error {
	node := &model.Node{
		ID:            a.ID,
		IP:            localIP(),
		Version:       Version,
		Grains:        a.grains,
		Pillar:        a.pillar,
		Status:        model.NodeReady,
		LastHeartbeat: time.Now().Unix(),
	}
	return a.store.RegisterNode(ctx, node)
}

// defaultID 没配置 id 时用主机名，主机名也拿不到就随机生成
func defaultID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "minion-" + uuid.NewString()[:8]
}

func collectGrains(id string, extra map[string]any) map[string]any {
	host, _ := os.Hostname()
	grains := map[string]any{
		"id":          id,
		"host":        host,
		"kernel":      runtime.GOOS,
		"os":          runtime.GOOS,
		"osarch":      runtime.GOARCH,
		"num_cpus":    runtime.NumCPU(),
		"saltversion": Version,
	}
	if ip := localIP(); ip != "" {
		grains["ipv4"] = []any{ip}
	}
	for k, v := range extra {
		grains[k] = v
	}
	return grains
}

// localIP 第一个非回环的 IPv4 地址
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
