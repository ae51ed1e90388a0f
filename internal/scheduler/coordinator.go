package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cboxing/internal/arena"
	"cboxing/pkg/model"
)

// CoordinatorToken 调用方持有的协调器句柄
type CoordinatorToken arena.Token

// Coordinator 接收"请求已就绪"通知，并决定何时让 Executor 执行
type Coordinator interface {
	Init(store *RequestStore, executor *Executor) error
	InitJob(jobID int64) error
	DeinitJob(jobID int64)
	CreateCoordinatorToken(id model.RequestID) CoordinatorToken
	DestroyCoordinatorToken(t CoordinatorToken)

	// AddRequest 请求在本机就绪；同一时刻只有一个分组/执行过程在进行
	AddRequest(ctx context.Context, t CoordinatorToken) error
}

// staticGroup 计划加载时确定的分组，组内请求全部就绪后才执行
type staticGroup struct {
	token   GroupToken
	members []model.RequestID
	ready   map[model.RequestID]struct{}
}

type staticJob struct {
	groups     []*staticGroup
	groupIndex map[int32]int // request index -> group
}

const noJob = int64(-1)

// StaticGroupCoordinator 在 InitJob 时按计划顺序一次性分组，
// 运行时按组的顺序依次执行，每个 job 的一轮迭代执行完所有组后才接受其它 job
type StaticGroupCoordinator struct {
	logger   *zap.Logger
	store    *RequestStore
	executor *Executor

	tokens *arena.Arena[model.RequestID]

	mu           sync.Mutex
	jobs         map[int64]*staticJob
	currentJob   int64
	currentGroup int
}

func NewStaticGroupCoordinator(logger *zap.Logger) *StaticGroupCoordinator {
	if logger == nil {
		logger = zap.L()
	}
	return &StaticGroupCoordinator{
		logger:     logger.Named("coordinator"),
		tokens:     arena.New[model.RequestID](),
		jobs:       make(map[int64]*staticJob),
		currentJob: noJob,
	}
}

func (c *StaticGroupCoordinator) Init(store *RequestStore, executor *Executor) error {
	c.store = store
	c.executor = executor
	return nil
}

func (c *StaticGroupCoordinator) InitJob(jobID int64) error {
	// 1. 按计划中的 Order 排序，各节点得到相同的序列
	var entries []*RequestEntry
	c.store.ForEachEntryInJob(jobID, func(e *RequestEntry) {
		entries = append(entries, e)
	})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Desc().Order < entries[j].Desc().Order
	})
	ids := make([]model.RequestID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID()
	}

	// 2. 分组结果即静态组
	job := &staticJob{groupIndex: make(map[int32]int)}
	c.executor.GroupRequests(ids, func(group []model.RequestID, token GroupToken) {
		g := &staticGroup{
			token:   token,
			members: group,
			ready:   make(map[model.RequestID]struct{}, len(group)),
		}
		for _, id := range group {
			job.groupIndex[id.Index] = len(job.groups)
		}
		job.groups = append(job.groups, g)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[jobID]; ok {
		for _, g := range job.groups {
			c.executor.DestroyGroupToken(g.token)
		}
		return errors.Wrapf(ErrDuplicateJob, "coordinator job %d", jobID)
	}
	c.jobs[jobID] = job
	c.logger.Info("static groups built", zap.Int64("job", jobID), zap.Int("groups", len(job.groups)))
	return nil
}

func (c *StaticGroupCoordinator) DeinitJob(jobID int64) {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if ok {
		delete(c.jobs, jobID)
		if c.currentJob == jobID {
			c.logger.Warn("job removed in the middle of an iteration",
				zap.Int64("job", jobID), zap.Int("group", c.currentGroup))
			c.currentJob, c.currentGroup = noJob, 0
		}
	}
	c.mu.Unlock()
	if !ok {
		exceptions.Panicf("coordinator: DeinitJob of unknown job %d", jobID)
	}

	for _, g := range job.groups {
		c.executor.DestroyGroupToken(g.token)
	}
	c.tokens.RemoveIf(func(id model.RequestID) bool { return id.JobID == jobID })
}

func (c *StaticGroupCoordinator) CreateCoordinatorToken(id model.RequestID) CoordinatorToken {
	c.mu.Lock()
	job, ok := c.jobs[id.JobID]
	var grouped bool
	if ok {
		_, grouped = job.groupIndex[id.Index]
	}
	c.mu.Unlock()
	if !grouped {
		exceptions.Panicf("coordinator: request %s has no static group on this machine", id)
	}
	return CoordinatorToken(c.tokens.Insert(id))
}

func (c *StaticGroupCoordinator) DestroyCoordinatorToken(t CoordinatorToken) {
	if _, ok := c.tokens.Remove(arena.Token(t)); !ok {
		exceptions.Panicf("DestroyCoordinatorToken: stale coordinator token")
	}
}

// AddRequest 标记请求就绪，然后从当前游标开始依次执行已经全部就绪的组。
// 执行在锁内进行：后端阻塞即是对调用方的背压，同时保证同一时刻只有一个执行过程。
// 因此请求的回调不能同步地再次调用 Schedule。
// 返回值只反映调用方请求所在组的执行结果，顺带执行的其它组出错不影响它。
func (c *StaticGroupCoordinator) AddRequest(ctx context.Context, t CoordinatorToken) error {
	id, ok := c.tokens.Get(arena.Token(t))
	if !ok {
		exceptions.Panicf("AddRequest: stale coordinator token")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[id.JobID]
	if !ok {
		exceptions.Panicf("AddRequest: job %d is not registered", id.JobID)
	}
	if c.currentJob == noJob {
		c.currentJob, c.currentGroup = id.JobID, 0
	} else if c.currentJob != id.JobID {
		exceptions.Panicf("AddRequest: request %s ready while job %d is mid-iteration", id, c.currentJob)
	}

	own := job.groupIndex[id.Index]
	g := job.groups[own]
	if _, dup := g.ready[id]; dup {
		exceptions.Panicf("AddRequest: request %s already ready in this iteration", id)
	}
	g.ready[id] = struct{}{}

	var (
		launched int
		ownErr   error
	)
	for {
		cur := job.groups[c.currentGroup]
		if len(cur.ready) != len(cur.members) {
			break
		}
		// 其它组的失败只通过各自的回调通知
		if err := c.executor.ExecuteGroup(ctx, cur.token); err != nil && c.currentGroup == own {
			ownErr = err
		}
		// 执行失败的组同样推进游标
		cur.ready = make(map[model.RequestID]struct{}, len(cur.members))
		c.currentGroup = (c.currentGroup + 1) % len(job.groups)
		launched++
	}
	if c.currentGroup == 0 && launched > 0 {
		c.currentJob = noJob
	}
	return ownErr
}
