package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"saltapi/pkg/model"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// 定义 Key 的前缀 (Schema Design)
// <prefix>/jobs/<jid>
// <prefix>/returns/<jid>/<minion>
// <prefix>/nodes/<minion>
const (
	DefaultPrefix = "/saltapi"

	jobsDir    = "/jobs/"
	returnsDir = "/returns/"
	nodesDir   = "/nodes/"

	// jid 撞车时最多重试几次
	maxJIDAttempts = 5
)

// EtcdOptions etcd Transport 的配置
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	Prefix      string

	KeepJobs   time.Duration       // job 和返回结果的保留时间 (lease)
	NodeTTL    time.Duration       // 节点注册的租约，心跳续期
	Nodegroups map[string][]string // nodegroup 名 -> glob 列表

	Logger *slog.Logger
}

// etcdClient *clientv3.Client 用到的那部分
type etcdClient interface {
	clientv3.KV
	clientv3.Lease
	clientv3.Watcher
	Close() error
}

type EtcdManager struct {
	client     etcdClient
	prefix     string
	keepJobs   time.Duration
	nodeTTL    time.Duration
	nodegroups map[string][]string
	logger     *slog.Logger

	mu         sync.Mutex
	nodeLeases map[string]clientv3.LeaseID // minion -> 心跳租约
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(opts EtcdOptions) (*EtcdManager, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints are empty")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return newEtcdManager(cli, opts), nil
}

func newEtcdManager(cli etcdClient, opts EtcdOptions) *EtcdManager {
	prefix := strings.TrimRight(opts.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if opts.NodeTTL <= 0 {
		opts.NodeTTL = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EtcdManager{
		client:     cli,
		prefix:     prefix,
		keepJobs:   opts.KeepJobs,
		nodeTTL:    opts.NodeTTL,
		nodegroups: opts.Nodegroups,
		logger:     logger.With(slog.String("component", "etcd")),
		nodeLeases: make(map[string]clientv3.LeaseID),
	}
}

// Close 释放连接
func (e *EtcdManager) Close() error {
	return e.client.Close()
}

func (e *EtcdManager) jobKey(jid string) string { return e.prefix + jobsDir + jid }

func (e *EtcdManager) returnsKey(jid string) string { return e.prefix + returnsDir + jid + "/" }

func (e *EtcdManager) returnKey(jid, id string) string { return e.returnsKey(jid) + id }

func (e *EtcdManager) nodeKey(id string) string { return e.prefix + nodesDir + id }

// ---------------------------------------------------------
// Job 相关实现
// ---------------------------------------------------------

// Publish 解析目标 -> 申请租约 -> 事务写入 job
func (e *EtcdManager) Publish(ctx context.Context, job *model.Job) (*model.PubData, error) {
	// 1. 拿到当前节点快照并匹配目标
	nodes, err := e.ListNodes(ctx)
	if err != nil {
		return e.publishFailure(job, err)
	}
	minions, err := MatchNodes(job.Tgt, job.TgtType, nodes, e.nodegroups)
	if err != nil {
		return nil, err
	}

	// 2. job 和返回结果共用一个租约，到期一起删除；没写进去就立刻回收
	var leaseOpts []clientv3.OpOption
	leaseID := clientv3.NoLease
	published := false
	if e.keepJobs > 0 {
		lease, err := e.client.Grant(ctx, leaseTTL(e.keepJobs))
		if err != nil {
			return e.publishFailure(job, err)
		}
		leaseID = lease.ID
		job.LeaseID = int64(lease.ID)
		leaseOpts = append(leaseOpts, clientv3.WithLease(lease.ID))
		defer func() {
			if !published {
				e.revokeLease(ctx, leaseID)
			}
		}()
	}
	job.Minions = minions
	job.CreatedAt = time.Now().UTC()

	// 3. 写入 job；显式 jid 不允许覆盖，自动生成的 jid 撞车就重试
	// Auth 不会序列化，minion 看不到
	explicit := job.JID != ""
	for attempt := 0; attempt < maxJIDAttempts; attempt++ {
		if !explicit {
			job.JID = GenJID(time.Now())
		}
		bytes, err := json.Marshal(job)
		if err != nil {
			return nil, err
		}
		key := e.jobKey(job.JID)
		resp, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, string(bytes), leaseOpts...)).
			Commit()
		if err != nil {
			return e.publishFailure(job, err)
		}
		if resp.Succeeded {
			published = true
			e.logger.Debug("job published", "jid", job.JID, "tgt", job.Tgt, "minions", len(minions))
			return &model.PubData{
				JID:      job.JID,
				Minions:  minions,
				Revision: resp.Header.Revision,
			}, nil
		}
		if explicit {
			return nil, fmt.Errorf("%w: %s", ErrJIDExists, job.JID)
		}
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrJIDExists, maxJIDAttempts)
}

func (e *EtcdManager) revokeLease(ctx context.Context, id clientv3.LeaseID) {
	if _, err := e.client.Revoke(context.WithoutCancel(ctx), id); err != nil {
		e.logger.Warn("revoke lease failed", "lease", int64(id), "error", err)
	}
}

// leaseTTL etcd 租约按秒算，最少 1 秒
func leaseTTL(d time.Duration) int64 {
	ttl := int64(d / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

// publishFailure 把 etcd 错误翻译成 PubData 语义
//   - 权限不足 / 认证失败 / 磁盘满：nil PubData (调用方报认证失败)
//   - 连不上：jid "0"
//   - 其他 (比如超时)：原样返回
func (e *EtcdManager) publishFailure(job *model.Job, err error) (*model.PubData, error) {
	switch {
	case isRejected(err):
		e.logger.Warn("publish rejected", "tgt", job.Tgt, "fun", job.Fun.String(), "error", err)
		return nil, nil
	case isUnavailable(err):
		e.logger.Warn("etcd unavailable", "error", err)
		return &model.PubData{JID: model.JIDUnreachable, Minions: []string{}}, nil
	}
	return nil, err
}

func isRejected(err error) bool {
	return errors.Is(err, rpctypes.ErrPermissionDenied) ||
		errors.Is(err, rpctypes.ErrAuthFailed) ||
		errors.Is(err, rpctypes.ErrInvalidAuthToken) ||
		errors.Is(err, rpctypes.ErrUserEmpty) ||
		errors.Is(err, rpctypes.ErrNoSpace)
}

func isUnavailable(err error) bool {
	if errors.Is(err, clientv3.ErrNoAvailableEndpoints) {
		return true
	}
	return status.Code(err) == codes.Unavailable
}

func (e *EtcdManager) GetJob(ctx context.Context, jid string) (*model.Job, error) {
	resp, err := e.client.Get(ctx, e.jobKey(jid))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jid)
	}
	var job model.Job
	if err := json.Unmarshal(resp.Kvs[0].Value, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jid, err)
	}
	return &job, nil
}

// WatchJobs 将 Etcd 的 Watch 转换为业务 Channel
func (e *EtcdManager) WatchJobs(ctx context.Context) <-chan JobEvent {
	eventChan := make(chan JobEvent)

	// 启动一个协程在后台一直监听
	go func() {
		defer close(eventChan)
		watchChan := e.client.Watch(ctx, e.prefix+jobsDir, clientv3.WithPrefix())

		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				e.logger.Error("job watch failed", "error", err)
				return
			}
			for _, ev := range watchResp.Events {
				event, ok := e.jobEvent(ev)
				if !ok {
					continue
				}
				select {
				case eventChan <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan
}

func (e *EtcdManager) jobEvent(ev *clientv3.Event) (JobEvent, bool) {
	if ev.Type == clientv3.EventTypeDelete {
		jid := strings.TrimPrefix(string(ev.Kv.Key), e.prefix+jobsDir)
		return JobEvent{Type: JobDelete, Job: &model.Job{JID: jid}}, true
	}

	var job model.Job
	if err := json.Unmarshal(ev.Kv.Value, &job); err != nil {
		e.logger.Error("failed to unmarshal job", "key", string(ev.Kv.Key), "error", err)
		return JobEvent{}, false
	}
	eventType := JobUpdate
	if ev.IsCreate() {
		eventType = JobCreate
	}
	return JobEvent{Type: eventType, Job: &job}, true
}

// ---------------------------------------------------------
// Return 相关实现
// ---------------------------------------------------------

// SaveReturn 返回结果挂在 job 的租约上
func (e *EtcdManager) SaveReturn(ctx context.Context, ret *model.Return) error {
	job, err := e.GetJob(ctx, ret.JID)
	if err != nil {
		return err
	}
	var opts []clientv3.OpOption
	if job.LeaseID != 0 {
		opts = append(opts, clientv3.WithLease(clientv3.LeaseID(job.LeaseID)))
	}
	return e.putValue(ctx, e.returnKey(ret.JID, ret.ID), ret, opts...)
}

func (e *EtcdManager) GetReturns(ctx context.Context, jid string) ([]*model.Return, error) {
	resp, err := e.client.Get(ctx, e.returnsKey(jid), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	rets := make([]*model.Return, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ret model.Return
		if err := json.Unmarshal(kv.Value, &ret); err != nil {
			e.logger.Error("failed to unmarshal return", "key", string(kv.Key), "error", err)
			continue
		}
		rets = append(rets, &ret)
	}
	return rets, nil
}

// WatchReturns 每个 WatchResponse 作为一批
// rev 是 Publish 时的版本号，从 rev+1 开始看就不会漏掉比订阅更早到的返回
func (e *EtcdManager) WatchReturns(ctx context.Context, jid string, rev int64) <-chan []*model.Return {
	out := make(chan []*model.Return)

	go func() {
		defer close(out)
		opts := []clientv3.OpOption{clientv3.WithPrefix()}
		if rev > 0 {
			opts = append(opts, clientv3.WithRev(rev+1))
		}
		watchChan := e.client.Watch(ctx, e.returnsKey(jid), opts...)

		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				e.logger.Error("return watch failed", "jid", jid, "error", err)
				return
			}
			batch := make([]*model.Return, 0, len(watchResp.Events))
			for _, ev := range watchResp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var ret model.Return
				if err := json.Unmarshal(ev.Kv.Value, &ret); err != nil {
					e.logger.Error("failed to unmarshal return", "jid", jid, "error", err)
					continue
				}
				batch = append(batch, &ret)
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// ---------------------------------------------------------
// Node 相关实现
// ---------------------------------------------------------

// RegisterNode 第一次心跳申请租约，之后只续期；租约过期了再重新申请
func (e *EtcdManager) RegisterNode(ctx context.Context, node *model.Node) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.nodeLeases[node.ID]
	if ok {
		if _, err := e.client.KeepAliveOnce(ctx, id); err != nil {
			if !errors.Is(err, rpctypes.ErrLeaseNotFound) {
				return err
			}
			ok = false
		}
	}
	if !ok {
		lease, err := e.client.Grant(ctx, leaseTTL(e.nodeTTL))
		if err != nil {
			return err
		}
		id = lease.ID
		e.nodeLeases[node.ID] = id
	}
	return e.putValue(ctx, e.nodeKey(node.ID), node, clientv3.WithLease(id))
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.client.Get(ctx, e.prefix+nodesDir, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			e.logger.Error("failed to unmarshal node", "key", string(kv.Key), "error", err)
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val any, opts ...clientv3.OpOption) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes), opts...)
	return err
}

// GenJID salt 风格的 jid：YYYYMMDDhhmmssffffff
func GenJID(t time.Time) string {
	return strings.Replace(t.Format("20060102150405.000000"), ".", "", 1)
}
