// Package host 在本机内存中执行集合通信的参考后端 (device type "cpu")。
// 只支持 DeviceSet 全部位于本机的请求；跨机请求需要通信层，执行时返回错误。
package host

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cboxing/internal/arena"
	"cboxing/internal/scheduler"
	"cboxing/pkg/model"
)

func init() {
	scheduler.RegisterBackend(model.DeviceCPU, New)
}

// Backend 主机内存后端
type Backend struct {
	threshold int64
	logger    *zap.Logger
	store     *scheduler.RequestStore

	groups *arena.Arena[[]model.RequestID]

	mu   sync.Mutex
	jobs map[int64]struct{}
}

// New 满足 scheduler.BackendConstructor
func New(opts scheduler.BackendOptions) scheduler.ExecutorBackend {
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Backend{
		threshold: opts.FusionThresholdBytes,
		logger:    logger.Named("host-backend"),
		groups:    arena.New[[]model.RequestID](),
		jobs:      make(map[int64]struct{}),
	}
}

func (b *Backend) Init(store *scheduler.RequestStore) error {
	b.store = store
	return nil
}

func (b *Backend) InitJob(jobID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[jobID]; ok {
		return errors.Errorf("host backend: job %d already initialized", jobID)
	}
	b.jobs[jobID] = struct{}{}
	return nil
}

func (b *Backend) DeinitJob(jobID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, jobID)
}

// GroupRequests 累计数据量超过阈值时切分
func (b *Backend) GroupRequests(ids []model.RequestID, handler func([]model.RequestID, scheduler.BackendGroupToken)) {
	emit := func(group []model.RequestID) {
		group = append([]model.RequestID(nil), group...)
		handler(group, scheduler.BackendGroupToken(b.groups.Insert(group)))
	}
	start := 0
	var acc int64
	for i, id := range ids {
		size := b.store.Entry(id).SizeInBytes()
		if b.threshold > 0 && i > start && acc+size > b.threshold {
			emit(ids[start:i])
			start, acc = i, 0
		}
		acc += size
	}
	emit(ids[start:])
}

// ExecuteGroup 取走组内每个请求的本地提交并同步执行。
// 组内任一请求失败则整组失败，所有回调都收到同一个错误。
func (b *Backend) ExecuteGroup(ctx context.Context, t scheduler.BackendGroupToken) error {
	group, ok := b.groups.Get(arena.Token(t))
	if !ok {
		exceptions.Panicf("host backend: stale group token")
	}

	type pending struct {
		entry *scheduler.RequestEntry
		reqs  []*model.RuntimeRequest
	}
	batch := make([]pending, len(group))
	var total int64
	for i, id := range group {
		batch[i] = pending{entry: b.store.Entry(id), reqs: b.store.TakeRuntimeRequests(id)}
		total += batch[i].entry.SizeInBytes()
	}

	var groupErr error
	for _, p := range batch {
		if err := ctx.Err(); err != nil {
			groupErr = err
			break
		}
		if err := execute(p.entry, p.reqs); err != nil {
			groupErr = errors.Wrapf(err, "request %s (%s)", p.entry.ID(), p.entry.Desc().Op.Name)
			break
		}
	}

	for _, p := range batch {
		for _, r := range p.reqs {
			if r.Callback != nil {
				r.Callback(groupErr)
			}
		}
	}
	if groupErr != nil {
		return groupErr
	}
	b.logger.Debug("group executed",
		zap.Int("requests", len(group)),
		zap.String("bytes", humanize.IBytes(uint64(total))))
	return nil
}

func (b *Backend) DestroyGroupToken(t scheduler.BackendGroupToken) {
	if _, ok := b.groups.Remove(arena.Token(t)); !ok {
		exceptions.Panicf("host backend: stale group token")
	}
}
