package scheduler

import (
	"sync"

	"github.com/gomlx/exceptions"

	"cboxing/pkg/model"
)

// DeviceSetSymbol DeviceSet 的驻留编号，相同内容的 DeviceSet 编号相同
type DeviceSetSymbol int32

// RequestEntry 单个请求的运行时状态
// 静态部分在构造后只读；提交状态由 mu 保护，不同请求之间互不加锁
type RequestEntry struct {
	id     model.RequestID
	desc   model.RequestDescriptor
	symbol DeviceSetSymbol

	nodeCount            int
	localDevices         []model.DeviceDesc
	localRank2GlobalRank []int64
	globalRank2LocalRank map[int64]int
	elemCount            int64
	sizeInBytes          int64

	mu       sync.Mutex
	runtime  []*model.RuntimeRequest // 下标为 local rank
	received int
}

func newRequestEntry(id model.RequestID, desc model.RequestDescriptor, machineID int64, symbol DeviceSetSymbol) *RequestEntry {
	e := &RequestEntry{
		id:                   id,
		desc:                 desc,
		symbol:               symbol,
		globalRank2LocalRank: make(map[int64]int),
	}
	nodes := make(map[int64]struct{})
	for globalRank, d := range desc.DeviceSet.Devices {
		if d.MachineID == machineID {
			e.globalRank2LocalRank[int64(globalRank)] = len(e.localRank2GlobalRank)
			e.localRank2GlobalRank = append(e.localRank2GlobalRank, int64(globalRank))
			e.localDevices = append(e.localDevices, d)
		}
		nodes[d.MachineID] = struct{}{}
	}
	e.nodeCount = len(nodes)
	e.runtime = make([]*model.RuntimeRequest, len(e.localRank2GlobalRank))
	e.elemCount = desc.Op.ElemCount()
	e.sizeInBytes = e.elemCount * desc.Op.DataType.Size()
	return e
}

func (e *RequestEntry) ID() model.RequestID { return e.id }

// Desc 只读访问描述符，调用方不得修改其中的切片
func (e *RequestEntry) Desc() *model.RequestDescriptor { return &e.desc }

func (e *RequestEntry) DeviceType() model.DeviceType { return e.desc.Op.DeviceType }

func (e *RequestEntry) DeviceSetSymbol() DeviceSetSymbol { return e.symbol }

// HasLocalParticipation 本机至少拥有一个 rank
func (e *RequestEntry) HasLocalParticipation() bool { return len(e.localRank2GlobalRank) > 0 }

func (e *RequestEntry) LocalRankCount() int { return len(e.localRank2GlobalRank) }

// NodeCount DeviceSet 跨越的机器数量
func (e *RequestEntry) NodeCount() int { return e.nodeCount }

func (e *RequestEntry) LocalDevice(localRank int) model.DeviceDesc { return e.localDevices[localRank] }

func (e *RequestEntry) LocalRankToGlobalRank(localRank int) int64 {
	return e.localRank2GlobalRank[localRank]
}

func (e *RequestEntry) GlobalRankToLocalRank(globalRank int64) (int, bool) {
	r, ok := e.globalRank2LocalRank[globalRank]
	return r, ok
}

func (e *RequestEntry) ElemCount() int64 { return e.elemCount }

func (e *RequestEntry) SizeInBytes() int64 { return e.sizeInBytes }

// addRuntimeRequest 记录 localRank 的提交，只有补齐最后一个本地 rank 的那次调用返回 true
func (e *RequestEntry) addRuntimeRequest(localRank int, req *model.RuntimeRequest) bool {
	if localRank < 0 || localRank >= len(e.runtime) {
		exceptions.Panicf("request %s (%s): local rank %d out of range [0, %d)",
			e.id, e.desc.Op.Name, localRank, len(e.runtime))
	}
	if req == nil {
		exceptions.Panicf("request %s (%s): nil runtime request from local rank %d", e.id, e.desc.Op.Name, localRank)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runtime[localRank] != nil {
		exceptions.Panicf("request %s (%s): local rank %d submitted twice in the same iteration",
			e.id, e.desc.Op.Name, localRank)
	}
	e.runtime[localRank] = req
	e.received++
	return e.received == len(e.runtime)
}

// takeRuntimeRequests 取走本轮全部提交并重置，供下一轮迭代使用
func (e *RequestEntry) takeRuntimeRequests() []*model.RuntimeRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.received != len(e.runtime) {
		exceptions.Panicf("request %s (%s): executed with %d of %d local ranks submitted",
			e.id, e.desc.Op.Name, e.received, len(e.runtime))
	}
	out := e.runtime
	e.runtime = make([]*model.RuntimeRequest, len(out))
	e.received = 0
	return out
}

// pending 尚未提交的本地 rank 数
func (e *RequestEntry) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runtime) - e.received
}
