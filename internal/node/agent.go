package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cboxing/internal/scheduler"
	"cboxing/pkg/model"
	"cboxing/pkg/store"
)

// PlanScheduler 是 Agent 对调度器的最小依赖
type PlanScheduler interface {
	AddPlan(plan *model.Plan) (*scheduler.PlanToken, error)
	DeletePlan(token *scheduler.PlanToken)
}

type Options struct {
	MachineID         int64
	Name              string
	Devices           map[model.DeviceType]int
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// Agent 把存储中的 plan 同步到本机调度器，并定期上报心跳
type Agent struct {
	machineID  int64
	name       string
	instanceID string
	devices    map[model.DeviceType]int
	interval   time.Duration

	store     store.Store
	scheduler PlanScheduler
	logger    *zap.Logger

	mu    sync.Mutex
	plans map[string]loadedPlan
}

type loadedPlan struct {
	token     *scheduler.PlanToken
	createdAt time.Time
}

func NewAgent(s store.Store, sched PlanScheduler, opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Agent{
		machineID:  opts.MachineID,
		name:       opts.Name,
		instanceID: uuid.NewString(),
		devices:    opts.Devices,
		interval:   interval,
		store:      s,
		scheduler:  sched,
		logger:     logger.Named("agent").With(zap.Int64("machine", opts.MachineID)),
		plans:      make(map[string]loadedPlan),
	}
}

// Run 阻塞直到 ctx 结束，退出前卸载所有已加载的 plan
func (a *Agent) Run(ctx context.Context) error {
	// 1. 先建立监听再全量拉取，避免两者之间的事件丢失
	events := a.store.WatchPlans(ctx)
	plans, err := a.store.ListPlans(ctx)
	if err != nil {
		return errors.Wrap(err, "list plans")
	}
	for _, p := range plans {
		a.loadPlan(p)
	}

	// 2. 启动心跳
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.startHeartbeat(ctx)
	}()

	// 3. 处理 plan 变化
	a.logger.Info("waiting for plans", zap.String("instance", a.instanceID))
	for ev := range events {
		switch ev.Type {
		case store.PlanPut:
			a.loadPlan(ev.Plan)
		case store.PlanDelete:
			a.unloadPlan(ev.PlanID)
		}
	}

	wg.Wait()
	a.unloadAll()
	return nil
}

// Plans 返回当前已加载的 plan id (有序)
func (a *Agent) Plans() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.plans))
	for id := range a.plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *Agent) loadPlan(plan *model.Plan) {
	if plan == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// 同一次发布可能同时出现在全量拉取和监听中；重新发布 (CreatedAt 变化) 则替换
	if old, ok := a.plans[plan.ID]; ok {
		if old.createdAt.Equal(plan.CreatedAt) {
			return
		}
		a.scheduler.DeletePlan(old.token)
		delete(a.plans, plan.ID)
		a.logger.Info("replacing plan", zap.String("plan", plan.ID))
	}
	token, err := a.scheduler.AddPlan(plan)
	if err != nil {
		a.logger.Error("load plan failed", zap.String("plan", plan.ID), zap.Error(err))
		return
	}
	a.plans[plan.ID] = loadedPlan{token: token, createdAt: plan.CreatedAt}
	a.logger.Info("plan loaded", zap.String("plan", plan.ID), zap.Int("jobs", len(plan.Jobs)))
}

func (a *Agent) unloadPlan(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	loaded, ok := a.plans[id]
	if !ok {
		a.logger.Debug("delete for unknown plan", zap.String("plan", id))
		return
	}
	a.scheduler.DeletePlan(loaded.token)
	delete(a.plans, id)
	a.logger.Info("plan unloaded", zap.String("plan", id))
}

func (a *Agent) unloadAll() {
	for _, id := range a.Plans() {
		a.unloadPlan(id)
	}
}

func (a *Agent) startHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.register(ctx)
	for {
		select {
		case <-ticker.C:
			a.register(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) register(ctx context.Context) {
	node := &model.Node{
		MachineID:     a.machineID,
		Name:          a.name,
		InstanceID:    a.instanceID,
		Devices:       a.devices,
		Plans:         a.Plans(),
		Status:        model.NodeReady,
		LastHeartbeat: time.Now().Unix(),
	}
	if err := a.store.RegisterNode(ctx, node); err != nil && ctx.Err() == nil {
		a.logger.Warn("heartbeat failed", zap.Error(err))
	}
}
