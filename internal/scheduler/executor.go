package scheduler

import (
	"context"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cboxing/internal/arena"
	"cboxing/internal/device"
	"cboxing/internal/metrics"
	"cboxing/pkg/model"
)

// GroupToken 一个已融合分组的句柄
type GroupToken arena.Token

type groupRecord struct {
	jobID        int64
	deviceType   model.DeviceType
	size         int
	backendToken BackendGroupToken
}

// ExecutorOptions Executor 的可选参数
type ExecutorOptions struct {
	EnableFusion         bool
	FusionThresholdBytes int64

	// Probe 决定哪些设备类型可用
	Probe device.Probe
	// Backends 为空时使用 RegisterBackend 注册的全部后端
	Backends map[model.DeviceType]BackendConstructor

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Executor 把按计划排序的请求序列切成分组，交给唯一的后端执行
type Executor struct {
	store   *RequestStore
	opts    ExecutorOptions
	logger  *zap.Logger
	metrics *metrics.Metrics

	deviceType model.DeviceType
	backend    ExecutorBackend

	groups *arena.Arena[groupRecord]
}

func NewExecutor(store *RequestStore, opts ExecutorOptions) *Executor {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Backends == nil {
		opts.Backends = RegisteredBackends()
	}
	return &Executor{
		store:   store,
		opts:    opts,
		logger:  opts.Logger.Named("executor"),
		metrics: opts.Metrics,
		groups:  arena.New[groupRecord](),
	}
}

// Init 探测设备并激活唯一的后端，0 个或多个都是配置错误
func (e *Executor) Init(ctx context.Context) error {
	if e.opts.Probe == nil {
		return errors.Wrap(ErrBackendCount, "no device probe configured")
	}
	counts, err := device.Counts(ctx, e.opts.Probe, sortedDeviceTypes(e.opts.Backends))
	if err != nil {
		return errors.Wrap(err, "probe devices")
	}
	if len(counts) != 1 {
		return errors.Wrapf(ErrBackendCount, "found %d enabled backends %v", len(counts), counts)
	}
	for t, n := range counts {
		backend := e.opts.Backends[t](BackendOptions{
			FusionThresholdBytes: e.opts.FusionThresholdBytes,
			Logger:               e.opts.Logger,
		})
		if err := backend.Init(e.store); err != nil {
			return errors.Wrapf(err, "init %s backend", t)
		}
		e.deviceType = t
		e.backend = backend
		e.logger.Info("backend enabled",
			zap.String("device_type", string(t)),
			zap.Int("devices", n),
			zap.Bool("fusion", e.opts.EnableFusion))
	}
	return nil
}

// DeviceType 当前激活的后端类型
func (e *Executor) DeviceType() model.DeviceType { return e.deviceType }

func (e *Executor) InitJob(jobID int64) error {
	return e.backend.InitJob(jobID)
}

func (e *Executor) DeinitJob(jobID int64) {
	e.backend.DeinitJob(jobID)
}

// GroupRequests 按给定顺序遍历一次 ids，对本机参与的请求做融合，
// 本机不参与但与缓冲组有机器交集的请求作为屏障截断缓冲组。
// 每个最终分组调用一次 onGroup，顺序与执行顺序一致。
// 所有参与节点按同一顺序重放，因此融合结果不会偏离全局顺序。
func (e *Executor) GroupRequests(ids []model.RequestID, onGroup func(group []model.RequestID, token GroupToken)) {
	if len(ids) == 0 {
		return
	}
	var (
		buffer     []model.RequestID
		head, tail *RequestEntry
	)
	flush := func() {
		if len(buffer) == 0 {
			return
		}
		e.backend.GroupRequests(buffer, func(group []model.RequestID, bt BackendGroupToken) {
			onGroup(group, e.createGroupToken(group, bt))
		})
		// 后端可能持有 buffer 的子切片，不复用底层数组
		buffer = nil
		head, tail = nil, nil
	}

	e.store.ForEachEntryInOrder(ids[0].JobID, ids, func(_ int, entry *RequestEntry) {
		if entry.HasLocalParticipation() {
			if !e.opts.EnableFusion || !canMergeIntoGroup(entry, head) {
				flush()
			}
			buffer = append(buffer, entry.ID())
			if head == nil {
				head = entry
			}
			tail = entry
			return
		}
		if tail != nil && hasRankInteraction(tail.Desc().DeviceSet, entry.Desc().DeviceSet) {
			flush()
		}
	})
	flush()
}

// ExecuteGroup 交给 token 记录的设备类型对应的后端执行
func (e *Executor) ExecuteGroup(ctx context.Context, t GroupToken) error {
	rec, ok := e.groups.Get(arena.Token(t))
	if !ok {
		exceptions.Panicf("ExecuteGroup: stale group token")
	}
	if rec.deviceType != e.deviceType {
		exceptions.Panicf("ExecuteGroup: group of device type %s but active backend is %s", rec.deviceType, e.deviceType)
	}
	start := time.Now()
	err := e.backend.ExecuteGroup(ctx, rec.backendToken)
	e.metrics.ObserveExecute(rec.deviceType, time.Since(start).Seconds(), err)
	if err != nil {
		e.logger.Error("group execution failed",
			zap.Int64("job", rec.jobID),
			zap.Int("size", rec.size),
			zap.Error(err))
		return errors.Wrapf(err, "execute %s group of job %d", rec.deviceType, rec.jobID)
	}
	return nil
}

// DestroyGroupToken 释放分组及后端资源
func (e *Executor) DestroyGroupToken(t GroupToken) {
	rec, ok := e.groups.Remove(arena.Token(t))
	if !ok {
		exceptions.Panicf("DestroyGroupToken: stale group token")
	}
	e.backend.DestroyGroupToken(rec.backendToken)
}

func (e *Executor) createGroupToken(group []model.RequestID, bt BackendGroupToken) GroupToken {
	deviceType := e.uniqueDeviceType(group)
	rec := groupRecord{
		jobID:        group[0].JobID,
		deviceType:   deviceType,
		size:         len(group),
		backendToken: bt,
	}
	e.metrics.ObserveGroupCreated(rec.jobID, deviceType, rec.size)
	e.logger.Debug("group created",
		zap.Int64("job", rec.jobID),
		zap.Int("size", rec.size),
		zap.Stringer("first", group[0]))
	return GroupToken(e.groups.Insert(rec))
}

func (e *Executor) uniqueDeviceType(group []model.RequestID) model.DeviceType {
	if len(group) == 0 {
		exceptions.Panicf("backend emitted an empty group")
	}
	var t model.DeviceType
	e.store.ForEachEntryInOrder(group[0].JobID, group, func(i int, entry *RequestEntry) {
		if i == 0 {
			t = entry.DeviceType()
			return
		}
		if entry.DeviceType() != t {
			exceptions.Panicf("group mixes device types %s and %s", t, entry.DeviceType())
		}
	})
	return t
}
