package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cboxing/internal/arena"
	"cboxing/internal/device"
	"cboxing/pkg/model"
)

// recordingBackend 把每次分组和执行都记下来
type recordingBackend struct {
	store  *RequestStore
	groups *arena.Arena[[]model.RequestID]

	mu       sync.Mutex
	jobs     map[int64]bool
	emitted  [][]model.RequestID
	executed [][]model.RequestID
	failWith error
	// failOn 组内包含该请求时执行失败
	failOn map[model.RequestID]error
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{
		groups: arena.New[[]model.RequestID](),
		jobs:   make(map[int64]bool),
	}
}

func (b *recordingBackend) constructor() BackendConstructor {
	return func(BackendOptions) ExecutorBackend { return b }
}

func (b *recordingBackend) Init(store *RequestStore) error {
	b.store = store
	return nil
}

func (b *recordingBackend) InitJob(jobID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[jobID] = true
	return nil
}

func (b *recordingBackend) DeinitJob(jobID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, jobID)
}

func (b *recordingBackend) GroupRequests(ids []model.RequestID, handler func([]model.RequestID, BackendGroupToken)) {
	group := append([]model.RequestID(nil), ids...)
	b.mu.Lock()
	b.emitted = append(b.emitted, group)
	b.mu.Unlock()
	handler(group, BackendGroupToken(b.groups.Insert(group)))
}

func (b *recordingBackend) ExecuteGroup(_ context.Context, t BackendGroupToken) error {
	group, ok := b.groups.Get(arena.Token(t))
	if !ok {
		panic("stale backend token")
	}
	b.mu.Lock()
	err := b.failWith
	for _, id := range group {
		if e, ok := b.failOn[id]; ok {
			err = e
		}
	}
	b.executed = append(b.executed, group)
	b.mu.Unlock()
	for _, id := range group {
		for _, r := range b.store.TakeRuntimeRequests(id) {
			if r.Callback != nil {
				r.Callback(err)
			}
		}
	}
	return err
}

func (b *recordingBackend) DestroyGroupToken(t BackendGroupToken) {
	if _, ok := b.groups.Remove(arena.Token(t)); !ok {
		panic("stale backend token")
	}
}

func (b *recordingBackend) failGroupOf(id model.RequestID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn == nil {
		b.failOn = make(map[model.RequestID]error)
	}
	b.failOn[id] = err
}

func (b *recordingBackend) Executed() [][]model.RequestID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]model.RequestID(nil), b.executed...)
}

func (b *recordingBackend) Emitted() [][]model.RequestID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]model.RequestID(nil), b.emitted...)
}

func dev(machine, id int64) model.DeviceDesc {
	return model.DeviceDesc{MachineID: machine, DeviceType: model.DeviceCPU, DeviceID: id}
}

func request(name string, depth int64, devices ...model.DeviceDesc) model.RequestDescriptor {
	return model.RequestDescriptor{
		Op: model.OpDesc{
			Name:         name,
			OpType:       model.OpAllReduce,
			ReduceMethod: model.ReduceSum,
			DataType:     model.Float32,
			Shape:        []int64{4},
			NumRanks:     int64(len(devices)),
			DeviceType:   model.DeviceCPU,
		},
		DeviceSet:       model.DeviceSet{Devices: devices},
		DependencyDepth: depth,
	}
}

// requestSet 按给定顺序编号 Order
func requestSet(reqs ...model.RequestDescriptor) model.RequestSet {
	for i := range reqs {
		reqs[i].Order = int64(i)
	}
	return model.RequestSet{Requests: reqs}
}

func ids(jobID int64, indexes ...int32) []model.RequestID {
	out := make([]model.RequestID, len(indexes))
	for i, idx := range indexes {
		out[i] = model.RequestID{JobID: jobID, Index: idx}
	}
	return out
}

type testEnv struct {
	backend *recordingBackend
	sched   *Scheduler
}

func newTestEnv(t *testing.T, machineID int64, fusion bool) *testEnv {
	t.Helper()
	b := newRecordingBackend()
	s, err := NewScheduler(context.Background(), Options{
		MachineID:    machineID,
		EnableFusion: fusion,
		Probe:        device.StaticProbe{model.DeviceCPU: 2},
		Backends:     map[model.DeviceType]BackendConstructor{model.DeviceCPU: b.constructor()},
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	return &testEnv{backend: b, sched: s}
}

func newTestStore(t *testing.T, machineID int64, jobID int64, set model.RequestSet) *RequestStore {
	t.Helper()
	s := NewRequestStore(machineID, zap.NewNop())
	require.NoError(t, s.InitJob(jobID, set))
	return s
}

func newTestExecutor(t *testing.T, store *RequestStore, fusion bool) (*Executor, *recordingBackend) {
	t.Helper()
	b := newRecordingBackend()
	e := NewExecutor(store, ExecutorOptions{
		EnableFusion: fusion,
		Probe:        device.StaticProbe{model.DeviceCPU: 1},
		Backends:     map[model.DeviceType]BackendConstructor{model.DeviceCPU: b.constructor()},
		Logger:       zap.NewNop(),
	})
	require.NoError(t, e.Init(context.Background()))
	return e, b
}

// collectGroups 运行一次 GroupRequests 并返回分组结果
func collectGroups(e *Executor, in []model.RequestID) [][]model.RequestID {
	var out [][]model.RequestID
	e.GroupRequests(in, func(group []model.RequestID, token GroupToken) {
		out = append(out, group)
		e.DestroyGroupToken(token)
	})
	return out
}
