package store

import (
	"context"
	"errors"

	"saltapi/pkg/model"
)

// JobEventType 定义监听事件类型
type JobEventType int

const (
	JobCreate JobEventType = iota
	JobUpdate
	JobDelete
)

// JobEvent 包装了存储层发生的 job 事件
// minion 通过这个结构体知道有新任务来了
type JobEvent struct {
	Type JobEventType
	Job  *model.Job
}

var (
	// ErrUnsupportedMatch 当前 Transport 不支持的匹配方式
	ErrUnsupportedMatch = errors.New("unsupported target type")
	// ErrInvalidTarget 目标表达式本身有问题 (非法 glob/正则、未定义的 nodegroup)
	ErrInvalidTarget = errors.New("invalid target")
	// ErrJIDExists 显式指定的 jid 已经被用过
	ErrJIDExists = errors.New("jid already exists")
	// ErrJobNotFound job 不存在或已过期
	ErrJobNotFound = errors.New("job not found")
)

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks saltapi/pkg/store Transport

// Transport 是 LocalClient 对发布/订阅层的全部需求
type Transport interface {
	// Publish 解析目标、分配 jid 并发布任务
	// 返回 nil PubData 表示任务被拒绝 (大概率是权限问题)
	Publish(ctx context.Context, job *model.Job) (*model.PubData, error)

	// WatchReturns 从 rev 开始订阅某个 jid 的返回，每批一个 slice
	// ctx 结束后通道关闭
	WatchReturns(ctx context.Context, jid string, rev int64) <-chan []*model.Return
}

// Store 接口定义了系统对存储层的所有需求
// 任何实现了这个接口的 Struct (比如 EtcdManager) 都可以被注入到 client / minion 中
type Store interface {
	Transport

	// --- Job 相关 ---

	// GetJob 获取单个任务详情
	GetJob(ctx context.Context, jid string) (*model.Job, error)

	// WatchJobs 监听新发布的任务 (返回一个只读通道)
	WatchJobs(ctx context.Context) <-chan JobEvent

	// SaveReturn minion 上报执行结果
	SaveReturn(ctx context.Context, ret *model.Return) error

	// GetReturns 当前已经收到的全部返回
	GetReturns(ctx context.Context, jid string) ([]*model.Return, error)

	// --- Node 相关 ---

	// RegisterNode 节点注册 (minion 启动和心跳时调用)
	RegisterNode(ctx context.Context, node *model.Node) error

	// ListNodes 获取所有节点
	ListNodes(ctx context.Context) ([]*model.Node, error)
}
