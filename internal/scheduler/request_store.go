package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cboxing/internal/arena"
	"cboxing/pkg/model"
)

// EntryToken 调用方持有的 RequestEntry 句柄
type EntryToken arena.Token

// RequestStore 按 job 维护 RequestID -> RequestEntry
// jobs/names 只在 InitJob/DeinitJob 时修改；热路径只读 token arena 和单个 entry 的锁
type RequestStore struct {
	machineID int64
	logger    *zap.Logger
	validate  *validator.Validate

	mu      sync.RWMutex
	jobs    map[int64][]*RequestEntry
	names   map[int64]map[string]model.RequestID
	symbols    map[string]*internedSet
	nextSymbol DeviceSetSymbol

	tokens *arena.Arena[*RequestEntry]
}

// NewRequestStore machineID 是本进程所在机器，用于计算本地 rank
func NewRequestStore(machineID int64, logger *zap.Logger) *RequestStore {
	if logger == nil {
		logger = zap.L()
	}
	return &RequestStore{
		machineID: machineID,
		logger:    logger.Named("request-store"),
		validate:  validator.New(),
		jobs:      make(map[int64][]*RequestEntry),
		names:     make(map[int64]map[string]model.RequestID),
		symbols:   make(map[string]*internedSet),
		tokens:    arena.New[*RequestEntry](),
	}
}

func (s *RequestStore) MachineID() int64 { return s.machineID }

// InitJob 注册一个 job 的全部请求描述
func (s *RequestStore) InitJob(jobID int64, set model.RequestSet) error {
	// 1. 先在锁外校验，失败时不留下任何状态
	names := make(map[string]model.RequestID, len(set.Requests))
	for i := range set.Requests {
		desc := &set.Requests[i]
		if err := s.validate.Struct(desc); err != nil {
			return errors.Wrapf(ErrInvalidPlan, "job %d request #%d: %v", jobID, i, err)
		}
		if int(desc.Op.NumRanks) != len(desc.DeviceSet.Devices) {
			return errors.Wrapf(ErrInvalidPlan, "job %d request %q: num_ranks %d but %d devices",
				jobID, desc.Op.Name, desc.Op.NumRanks, len(desc.DeviceSet.Devices))
		}
		if _, dup := names[desc.Op.Name]; dup {
			return errors.Wrapf(ErrDuplicateRequest, "job %d: %q", jobID, desc.Op.Name)
		}
		names[desc.Op.Name] = model.RequestID{JobID: jobID, Index: int32(i)}
	}

	// 2. 构造 entry
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; ok {
		return errors.Wrapf(ErrDuplicateJob, "job %d", jobID)
	}
	entries := make([]*RequestEntry, len(set.Requests))
	local := 0
	for i, desc := range set.Requests {
		id := model.RequestID{JobID: jobID, Index: int32(i)}
		entries[i] = newRequestEntry(id, desc, s.machineID, s.internLocked(desc.DeviceSet))
		if entries[i].HasLocalParticipation() {
			local++
		}
	}
	s.jobs[jobID] = entries
	s.names[jobID] = names

	s.logger.Info("job registered",
		zap.Int64("job", jobID),
		zap.Int("requests", len(entries)),
		zap.Int("local", local))
	return nil
}

// DeinitJob 释放 job 的全部 entry，调用方保证此时没有在途请求
func (s *RequestStore) DeinitJob(jobID int64) {
	s.mu.Lock()
	entries, ok := s.jobs[jobID]
	for _, e := range entries {
		s.releaseLocked(e.desc.DeviceSet)
	}
	delete(s.jobs, jobID)
	delete(s.names, jobID)
	s.mu.Unlock()
	if !ok {
		exceptions.Panicf("DeinitJob: job %d is not registered", jobID)
	}

	// 未销毁的 handle 对应的 token 一并回收
	if n := s.tokens.RemoveIf(func(e *RequestEntry) bool { return e.id.JobID == jobID }); n > 0 {
		s.logger.Warn("job removed with live request tokens", zap.Int64("job", jobID), zap.Int("tokens", n))
	}
	s.logger.Info("job removed", zap.Int64("job", jobID))
}

// ResolveByName 名字在 job 内唯一
func (s *RequestStore) ResolveByName(jobID int64, name string) (model.RequestID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names, ok := s.names[jobID]
	if !ok {
		return model.RequestID{}, errors.Wrapf(ErrUnknownJob, "job %d", jobID)
	}
	id, ok := names[name]
	if !ok {
		return model.RequestID{}, errors.Wrapf(ErrUnknownRequest, "job %d: %q", jobID, name)
	}
	return id, nil
}

// Entry 返回请求对应的 entry，未知请求视为调用方违约
func (s *RequestStore) Entry(id model.RequestID) *RequestEntry {
	s.mu.RLock()
	e, ok := s.lookupLocked(id)
	s.mu.RUnlock()
	if !ok {
		exceptions.Panicf("unknown request %s", id)
	}
	return e
}

func (s *RequestStore) lookupLocked(id model.RequestID) (*RequestEntry, bool) {
	entries, ok := s.jobs[id.JobID]
	if !ok || id.Index < 0 || int(id.Index) >= len(entries) {
		return nil, false
	}
	return entries[id.Index], true
}

// HasLocalParticipation 本机是否拥有该请求的至少一个 rank
func (s *RequestStore) HasLocalParticipation(id model.RequestID) bool {
	return s.Entry(id).HasLocalParticipation()
}

// ForEachEntryInOrder 严格按 ids 给定的顺序访问，ids 必须都属于 jobID
func (s *RequestStore) ForEachEntryInOrder(jobID int64, ids []model.RequestID, visit func(i int, e *RequestEntry)) {
	entries := make([]*RequestEntry, len(ids))
	s.mu.RLock()
	for i, id := range ids {
		e, ok := s.lookupLocked(id)
		if !ok || id.JobID != jobID {
			s.mu.RUnlock()
			exceptions.Panicf("request %s is not a registered request of job %d", id, jobID)
		}
		entries[i] = e
	}
	s.mu.RUnlock()

	for i, e := range entries {
		visit(i, e)
	}
}

// ForEachEntryInJob 按 RequestID.Index 顺序访问 job 内全部 entry
func (s *RequestStore) ForEachEntryInJob(jobID int64, visit func(e *RequestEntry)) {
	s.mu.RLock()
	entries, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		exceptions.Panicf("unknown job %d", jobID)
	}
	for _, e := range entries {
		visit(e)
	}
}

// JobIDs 已注册的 job，升序
func (s *RequestStore) JobIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *RequestStore) CreateEntryToken(id model.RequestID) EntryToken {
	return EntryToken(s.tokens.Insert(s.Entry(id)))
}

func (s *RequestStore) DestroyEntryToken(t EntryToken) {
	if _, ok := s.tokens.Remove(arena.Token(t)); !ok {
		exceptions.Panicf("DestroyEntryToken: stale request token")
	}
}

// EntryByToken token 失效时 panic
func (s *RequestStore) EntryByToken(t EntryToken) *RequestEntry {
	e, ok := s.tokens.Get(arena.Token(t))
	if !ok {
		exceptions.Panicf("stale request token")
	}
	return e
}

// AddRuntimeRequest 不同 local rank 可并发调用；
// 返回 true 表示本次提交让请求在本机就绪，每轮迭代恰好一次
func (s *RequestStore) AddRuntimeRequest(t EntryToken, localRank int, req *model.RuntimeRequest) bool {
	return s.EntryByToken(t).addRuntimeRequest(localRank, req)
}

// TakeRuntimeRequests 后端执行时取走各 local rank 的数据，entry 随即进入下一轮
func (s *RequestStore) TakeRuntimeRequests(id model.RequestID) []*model.RuntimeRequest {
	return s.Entry(id).takeRuntimeRequests()
}

// internedSet 按引用计数驻留，最后一个使用它的 job 移除时释放
type internedSet struct {
	symbol DeviceSetSymbol
	refs   int
}

// internLocked 调用方持有 s.mu 写锁
func (s *RequestStore) internLocked(set model.DeviceSet) DeviceSetSymbol {
	key := deviceSetKey(set)
	if in, ok := s.symbols[key]; ok {
		in.refs++
		return in.symbol
	}
	s.nextSymbol++
	s.symbols[key] = &internedSet{symbol: s.nextSymbol, refs: 1}
	return s.nextSymbol
}

func (s *RequestStore) releaseLocked(set model.DeviceSet) {
	key := deviceSetKey(set)
	in, ok := s.symbols[key]
	if !ok {
		return
	}
	if in.refs--; in.refs == 0 {
		delete(s.symbols, key)
	}
}

func deviceSetKey(set model.DeviceSet) string {
	var b strings.Builder
	for _, d := range set.Devices {
		fmt.Fprintf(&b, "%d:%s:%d;", d.MachineID, d.DeviceType, d.DeviceID)
	}
	return b.String()
}
