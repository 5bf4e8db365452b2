// Package client 同步下发命令并汇总 minion 的返回。
//
// Cmd 的流程：规整参数 -> 通过 Transport 发布 -> 检查 PubData -> 收集返回 -> 汇总。
// 失败分两类：
//   - 致命错误作为 error 返回 (认证失败、Transport 自身的错误、参数形状不对)
//   - 运行期失败放在 Result.Failure 里 (没有 jid、连不上 Master、没匹配到 minion、没人返回)
package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	saltlog "saltapi/internal/log"
	"saltapi/pkg/model"
	"saltapi/pkg/store"
)

// DefaultTimeout 请求和配置都没给超时的时候用
const DefaultTimeout = 5 * time.Second

// Options LocalClient 的配置
type Options struct {
	Timeout      time.Duration // 配置里的默认超时
	OrderMasters bool
	Logger       *slog.Logger
}

// LocalClient 通过 Transport 对 minion 下发命令
// 每次 Cmd 调用各自持有自己的结果集，可以并发调用
type LocalClient struct {
	transport    store.Transport
	timeout      time.Duration
	orderMasters bool
	logger       *slog.Logger
}

// NewLocalClient 构造函数
func NewLocalClient(t store.Transport, opts Options) *LocalClient {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &LocalClient{
		transport:    t,
		timeout:      opts.Timeout,
		orderMasters: opts.OrderMasters,
		logger:       saltlog.WithComponent(opts.Logger, "client"),
	}
}

// CmdRequest 一次同步调用的参数
type CmdRequest struct {
	Tgt     string
	TgtType model.TgtType // 默认 glob
	Fun     model.FunSpec
	Arg     []any // 复合命令时每个元素是一个参数列表
	Timeout time.Duration
	Ret     string
	JID     string
	Kwarg   map[string]any

	// 认证相关的额外字段 (eauth, username, password, token)，原样交给 Transport
	Extra map[string]any
}

// Cmd 同步执行命令，等所有 minion 返回或者超时后一次性返回结果
//
//	res, err := c.Cmd(ctx, client.CmdRequest{Tgt: "*", Fun: model.Fun("cmd.run"), Arg: []any{"whoami"}})
//	// res.Returns: {"jerry": "root"}
//
// 复合命令的结果按函数名再分一层：
//
//	c.Cmd(ctx, client.CmdRequest{
//		Tgt: "*",
//		Fun: model.Funs("grains.items", "cmd.run"),
//		Arg: []any{[]any{}, []any{"uptime"}},
//	})
func (c *LocalClient) Cmd(ctx context.Context, req CmdRequest) (*Result, error) {
	// 1. 规整参数
	arg, err := EncodeCommand(req.Fun, req.Arg, req.Kwarg)
	if err != nil {
		return nil, err
	}
	tgtType := req.TgtType
	if tgtType == "" {
		tgtType = model.TgtGlob
	}
	job := &model.Job{
		JID:     req.JID,
		Tgt:     req.Tgt,
		TgtType: tgtType,
		Fun:     req.Fun,
		Arg:     arg,
		Ret:     req.Ret,
		Timeout: req.Timeout,
		Auth:    req.Extra,
	}

	// 2. 发布，Transport 的错误原样往上抛
	pub, err := c.transport.Publish(ctx, job)
	if err != nil {
		return nil, err
	}

	// 3. 检查发布结果
	pub, failure, err := c.checkPubData(job, pub)
	if err != nil {
		c.logger.Error("publish rejected", "error", err)
		return nil, err
	}
	if failure != nil {
		failure.Message += fmt.Sprintf(" tgt: %s, fun: %s.", req.Tgt, req.Fun)
		c.logger.Error(failure.Message)
		return &Result{Failure: failure}, nil
	}

	// 4. 收集并汇总
	c.logger.Debug("job published", "jid", pub.JID, "minions", pub.Minions)
	batches := c.getCLIEventReturns(ctx, pub, c.getTimeout(req.Timeout), req.Tgt, tgtType)
	ret := aggregate(batches)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ret) == 0 {
		return &Result{
			Failure: newFailure(fmt.Sprintf(msgMinionStopped, req.Tgt)),
			JID:     pub.JID,
			Minions: pub.Minions,
		}, nil
	}
	return &Result{Returns: ret, JID: pub.JID, Minions: pub.Minions}, nil
}

// getTimeout 请求里的值优先，否则用配置
func (c *LocalClient) getTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return c.timeout
}
