package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cboxing/internal/device"
	"cboxing/internal/metrics"
	"cboxing/pkg/model"
)

// Options Scheduler 的构造参数
type Options struct {
	// MachineID 本进程所在机器，决定哪些 rank 是本地的
	MachineID int64

	EnableFusion         bool
	FusionThresholdBytes int64

	Probe    device.Probe
	Backends map[model.DeviceType]BackendConstructor

	// Coordinator 为空时使用 StaticGroupCoordinator
	Coordinator Coordinator

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Scheduler 集合通信请求调度器，对外只暴露 plan 和 handle
type Scheduler struct {
	logger      *zap.Logger
	metrics     *metrics.Metrics
	store       *RequestStore
	executor    *Executor
	coordinator Coordinator

	mu   sync.Mutex
	jobs map[int64]string // job -> plan id
}

// PlanToken AddPlan 的返回值，只用于之后的 DeletePlan
type PlanToken struct {
	planID  string
	jobIDs  []int64
	deleted bool
}

func (t *PlanToken) PlanID() string { return t.planID }

func (t *PlanToken) JobIDs() []int64 { return append([]int64(nil), t.jobIDs...) }

// Handle 某个本地 rank 对某个请求的参与资格
type Handle struct {
	requestID        model.RequestID
	localRank        int
	entryToken       EntryToken
	coordinatorToken CoordinatorToken
}

func (h *Handle) RequestID() model.RequestID { return h.requestID }

func (h *Handle) LocalRank() int { return h.localRank }

// NewScheduler 依次构造 RequestStore、Executor、Coordinator；
// 后端探测失败属于配置错误，调用方应终止启动
func NewScheduler(ctx context.Context, opts Options) (*Scheduler, error) {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Coordinator == nil {
		opts.Coordinator = NewStaticGroupCoordinator(opts.Logger)
	}

	store := NewRequestStore(opts.MachineID, opts.Logger)
	executor := NewExecutor(store, ExecutorOptions{
		EnableFusion:         opts.EnableFusion,
		FusionThresholdBytes: opts.FusionThresholdBytes,
		Probe:                opts.Probe,
		Backends:             opts.Backends,
		Logger:               opts.Logger,
		Metrics:              opts.Metrics,
	})
	if err := executor.Init(ctx); err != nil {
		return nil, err
	}
	if err := opts.Coordinator.Init(store, executor); err != nil {
		return nil, errors.Wrap(err, "init coordinator")
	}
	return &Scheduler{
		logger:      opts.Logger.Named("scheduler"),
		metrics:     opts.Metrics,
		store:       store,
		executor:    executor,
		coordinator: opts.Coordinator,
		jobs:        make(map[int64]string),
	}, nil
}

// Store 只读访问，供后端与测试使用
func (s *Scheduler) Store() *RequestStore { return s.store }

// DeviceType 当前生效后端的设备类型
func (s *Scheduler) DeviceType() model.DeviceType { return s.executor.DeviceType() }

// AddPlan 对每个 job 依次初始化 RequestStore、Executor、Coordinator。
// 任一 job 失败时回滚本次已经加入的 job。
func (s *Scheduler) AddPlan(plan *model.Plan) (*PlanToken, error) {
	jobIDs := make([]int64, 0, len(plan.Jobs))
	for id := range plan.Jobs {
		jobIDs = append(jobIDs, id)
	}
	sort.Slice(jobIDs, func(i, j int) bool { return jobIDs[i] < jobIDs[j] })

	token := &PlanToken{planID: plan.ID}
	for _, jobID := range jobIDs {
		s.mu.Lock()
		owner, dup := s.jobs[jobID]
		s.mu.Unlock()
		if dup {
			s.deinitJobs(token.jobIDs)
			return nil, errors.Wrapf(ErrDuplicateJob, "add plan %q: job %d belongs to plan %q", plan.ID, jobID, owner)
		}
		if err := s.initJob(jobID, plan.Jobs[jobID]); err != nil {
			s.deinitJobs(token.jobIDs)
			return nil, errors.Wrapf(err, "add plan %q", plan.ID)
		}
		token.jobIDs = append(token.jobIDs, jobID)
	}

	s.mu.Lock()
	for _, jobID := range token.jobIDs {
		s.jobs[jobID] = plan.ID
	}
	s.mu.Unlock()

	s.logger.Info("plan added", zap.String("plan", plan.ID), zap.Int64s("jobs", token.jobIDs))
	return token, nil
}

func (s *Scheduler) initJob(jobID int64, set model.RequestSet) error {
	if err := s.store.InitJob(jobID, set); err != nil {
		return err
	}
	if err := s.executor.InitJob(jobID); err != nil {
		s.store.DeinitJob(jobID)
		return errors.Wrapf(err, "executor job %d", jobID)
	}
	if err := s.coordinator.InitJob(jobID); err != nil {
		s.executor.DeinitJob(jobID)
		s.store.DeinitJob(jobID)
		return errors.Wrapf(err, "coordinator job %d", jobID)
	}
	s.metrics.JobAdded()
	return nil
}

// DeletePlan 按与初始化相反的顺序释放: Coordinator、Executor、RequestStore
func (s *Scheduler) DeletePlan(token *PlanToken) {
	if token == nil || token.deleted {
		exceptions.Panicf("DeletePlan: plan token already deleted")
	}
	s.deinitJobs(token.jobIDs)
	token.deleted = true

	s.mu.Lock()
	for _, jobID := range token.jobIDs {
		delete(s.jobs, jobID)
	}
	s.mu.Unlock()
	s.logger.Info("plan deleted", zap.String("plan", token.planID), zap.Int64s("jobs", token.jobIDs))
}

func (s *Scheduler) deinitJobs(jobIDs []int64) {
	for i := len(jobIDs) - 1; i >= 0; i-- {
		jobID := jobIDs[i]
		s.coordinator.DeinitJob(jobID)
		s.executor.DeinitJob(jobID)
		s.store.DeinitJob(jobID)
		s.metrics.JobRemoved()
	}
}

// CreateHandle 校验调用方的静态描述与计划一致，并计算其 local rank
func (s *Scheduler) CreateHandle(rank model.RankDesc) (*Handle, error) {
	id, err := s.store.ResolveByName(rank.JobID, rank.Op.Name)
	if err != nil {
		return nil, err
	}
	entry := s.store.Entry(id)
	if !rank.Op.Equal(entry.Desc().Op) {
		return nil, errors.Wrapf(ErrDescriptorMismatch, "request %s (%s)", id, rank.Op.Name)
	}
	localRank, ok := entry.GlobalRankToLocalRank(rank.Rank)
	if !ok {
		return nil, errors.Wrapf(ErrRankNotLocal, "request %s (%s) rank %d on machine %d",
			id, rank.Op.Name, rank.Rank, s.store.MachineID())
	}
	return &Handle{
		requestID:        id,
		localRank:        localRank,
		entryToken:       s.store.CreateEntryToken(id),
		coordinatorToken: s.coordinator.CreateCoordinatorToken(id),
	}, nil
}

// DestroyHandle 先释放协调器 token，再释放请求 token
func (s *Scheduler) DestroyHandle(h *Handle) {
	s.coordinator.DestroyCoordinatorToken(h.coordinatorToken)
	s.store.DestroyEntryToken(h.entryToken)
}

// Schedule 提交本 rank 在本轮迭代的运行时数据；
// 若这次提交使请求在本机就绪，则通知 Coordinator，可能阻塞到组执行完成。
// 返回的错误只来自该请求所在的组；同一次调用顺带执行的其它组的错误只交给它们的回调
func (s *Scheduler) Schedule(ctx context.Context, h *Handle, req *model.RuntimeRequest) error {
	s.metrics.ObserveSchedule(h.requestID.JobID)
	if !s.store.AddRuntimeRequest(h.entryToken, h.localRank, req) {
		return nil
	}
	s.metrics.ObserveReady(h.requestID.JobID)
	return s.coordinator.AddRequest(ctx, h.coordinatorToken)
}
