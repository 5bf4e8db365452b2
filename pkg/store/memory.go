package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"saltapi/pkg/model"
)

// MemoryStore 进程内的 Store 实现，单机模式和测试用
type MemoryStore struct {
	logger     *slog.Logger
	nodegroups map[string][]string

	mu      sync.Mutex
	rev     int64
	nodes   map[string]*model.Node
	jobs    map[string]*model.Job
	jobLog  []*model.Job              // 按发布顺序
	returns map[string][]storedReturn // key: jid

	// 订阅方只收通知，数据从 jobLog / returns 按位置补读，不会丢
	jobSubs    map[int]chan struct{}
	returnSubs map[string]map[int]chan struct{}
	nextSubID  int
}

type storedReturn struct {
	rev int64
	ret *model.Return
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func NewMemoryStore(logger *slog.Logger, nodegroups map[string][]string) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		logger:     logger.With(slog.String("component", "memstore")),
		nodegroups: nodegroups,
		nodes:      make(map[string]*model.Node),
		jobs:       make(map[string]*model.Job),
		returns:    make(map[string][]storedReturn),
		jobSubs:    make(map[int]chan struct{}),
		returnSubs: make(map[string]map[int]chan struct{}),
	}
}

func (m *MemoryStore) Publish(ctx context.Context, job *model.Job) (*model.PubData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	nodes := make([]*model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	minions, err := MatchNodes(job.Tgt, job.TgtType, nodes, m.nodegroups)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	if job.JID != "" {
		if _, ok := m.jobs[job.JID]; ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrJIDExists, job.JID)
		}
	} else {
		// 同一微秒内的并发发布往后顺延
		now := time.Now()
		job.JID = GenJID(now)
		for i := 1; m.jobs[job.JID] != nil; i++ {
			job.JID = GenJID(now.Add(time.Duration(i) * time.Microsecond))
		}
	}
	job.Minions = minions
	job.CreatedAt = time.Now().UTC()

	stored := *job
	stored.Auth = nil
	m.rev++
	m.jobs[job.JID] = &stored
	m.jobLog = append(m.jobLog, &stored)
	rev := m.rev
	for _, ch := range m.jobSubs {
		notify(ch)
	}
	m.mu.Unlock()

	m.logger.Debug("job published", "jid", job.JID, "tgt", job.Tgt, "minions", len(minions))

	return &model.PubData{JID: job.JID, Minions: minions, Revision: rev}, nil
}

func (m *MemoryStore) GetJob(_ context.Context, jid string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jid)
	}
	jobCopy := *job
	return &jobCopy, nil
}

func (m *MemoryStore) WatchJobs(ctx context.Context) <-chan JobEvent {
	out := make(chan JobEvent)
	wake := make(chan struct{}, 1)

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.jobSubs[id] = wake
	next := len(m.jobLog)
	m.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.jobSubs, id)
			m.mu.Unlock()
		}()
		for {
			m.mu.Lock()
			pending := m.jobLog[next:]
			next = len(m.jobLog)
			m.mu.Unlock()

			for _, job := range pending {
				jobCopy := *job
				select {
				case out <- JobEvent{Type: JobCreate, Job: &jobCopy}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (m *MemoryStore) SaveReturn(_ context.Context, ret *model.Return) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[ret.JID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, ret.JID)
	}
	m.rev++
	m.returns[ret.JID] = append(m.returns[ret.JID], storedReturn{rev: m.rev, ret: ret})
	for _, ch := range m.returnSubs[ret.JID] {
		notify(ch)
	}
	return nil
}

func (m *MemoryStore) GetReturns(_ context.Context, jid string) ([]*model.Return, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 同一个 minion 多次返回以最后一次为准
	latest := make(map[string]*model.Return)
	for _, s := range m.returns[jid] {
		latest[s.ret.ID] = s.ret
	}
	rets := make([]*model.Return, 0, len(latest))
	for _, r := range latest {
		rets = append(rets, r)
	}
	sort.Slice(rets, func(i, j int) bool { return rets[i].ID < rets[j].ID })
	return rets, nil
}

// WatchReturns 先补发 rev 之后已经存下的返回，再转发新的
// 订阅方跟不上时，积压的返回合成一批发出去
func (m *MemoryStore) WatchReturns(ctx context.Context, jid string, rev int64) <-chan []*model.Return {
	out := make(chan []*model.Return)
	wake := make(chan struct{}, 1)

	m.mu.Lock()
	next := len(m.returns[jid])
	for i, s := range m.returns[jid] {
		if s.rev > rev {
			next = i
			break
		}
	}
	id := m.nextSubID
	m.nextSubID++
	if m.returnSubs[jid] == nil {
		m.returnSubs[jid] = make(map[int]chan struct{})
	}
	m.returnSubs[jid][id] = wake
	m.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.returnSubs[jid], id)
			if len(m.returnSubs[jid]) == 0 {
				delete(m.returnSubs, jid)
			}
			m.mu.Unlock()
		}()

		for {
			m.mu.Lock()
			stored := m.returns[jid]
			var batch []*model.Return
			for _, s := range stored[next:] {
				batch = append(batch, s.ret)
			}
			next = len(stored)
			m.mu.Unlock()

			if len(batch) > 0 {
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (m *MemoryStore) RegisterNode(_ context.Context, node *model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodeCopy := *node
	m.nodes[node.ID] = &nodeCopy
	return nil
}

func (m *MemoryStore) ListNodes(_ context.Context) ([]*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make([]*model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodeCopy := *n
		nodes = append(nodes, &nodeCopy)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// Close 满足 io.Closer，和 EtcdManager 保持一致
func (m *MemoryStore) Close() error { return nil }
