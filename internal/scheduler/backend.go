package scheduler

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"cboxing/internal/arena"
	"cboxing/pkg/model"
)

// BackendGroupToken 后端内部的分组句柄，对 Executor 不透明
type BackendGroupToken arena.Token

// ExecutorBackend 某一类设备的分组与执行实现
type ExecutorBackend interface {
	Init(store *RequestStore) error
	InitJob(jobID int64) error
	DeinitJob(jobID int64)

	// GroupRequests 可以把 ids 进一步切分，每个子组调用一次 handler，顺序即执行顺序
	GroupRequests(ids []model.RequestID, handler func(group []model.RequestID, token BackendGroupToken))

	// ExecuteGroup 取走组内请求的运行时数据并执行，可能阻塞直到完成或入队
	ExecuteGroup(ctx context.Context, token BackendGroupToken) error
	DestroyGroupToken(token BackendGroupToken)
}

// BackendOptions 构造后端时的公共参数
type BackendOptions struct {
	// FusionThresholdBytes 单个组的数据量上限，0 表示不限制
	FusionThresholdBytes int64
	Logger               *zap.Logger
}

// BackendConstructor 创建一个后端实例
type BackendConstructor func(opts BackendOptions) ExecutorBackend

var (
	backendsMu         sync.RWMutex
	registeredBackends = make(map[model.DeviceType]BackendConstructor)
)

// RegisterBackend 注册某种设备的后端，通常在后端包的 init 中调用
func RegisterBackend(t model.DeviceType, constructor BackendConstructor) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	registeredBackends[t] = constructor
}

// RegisteredBackends 返回已注册后端的快照
func RegisteredBackends() map[model.DeviceType]BackendConstructor {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make(map[model.DeviceType]BackendConstructor, len(registeredBackends))
	for t, c := range registeredBackends {
		out[t] = c
	}
	return out
}

func sortedDeviceTypes(m map[model.DeviceType]BackendConstructor) []model.DeviceType {
	types := make([]model.DeviceType, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
