package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"cboxing/pkg/model"
)

// MemoryStore 进程内的 Store 实现，用于单机运行和测试
// 值以 JSON 保存，读写语义与 EtcdManager 一致
type MemoryStore struct {
	mu       sync.Mutex
	plans    map[string][]byte
	nodes    map[string][]byte
	watchers map[int]chan PlanEvent
	nextID   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:    make(map[string][]byte),
		nodes:    make(map[string][]byte),
		watchers: make(map[int]chan PlanEvent),
	}
}

func (m *MemoryStore) CreatePlan(_ context.Context, plan *model.Plan) error {
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.plans[plan.ID] = data
	m.broadcastLocked(PlanEvent{Type: PlanPut, PlanID: plan.ID}, data)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*model.Plan, error) {
	m.mu.Lock()
	data, ok := m.plans[id]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "plan %s", id)
	}
	return decodePlan(data)
}

func (m *MemoryStore) DeletePlan(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[id]; !ok {
		return errors.Wrapf(ErrNotFound, "plan %s", id)
	}
	delete(m.plans, id)
	m.broadcastLocked(PlanEvent{Type: PlanDelete, PlanID: id}, nil)
	return nil
}

func (m *MemoryStore) ListPlans(_ context.Context) ([]*model.Plan, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.plans))
	for id := range m.plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	raw := make([][]byte, len(ids))
	for i, id := range ids {
		raw[i] = m.plans[id]
	}
	m.mu.Unlock()

	plans := make([]*model.Plan, 0, len(raw))
	for _, data := range raw {
		plan, err := decodePlan(data)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// WatchPlans 每个监听者一个带缓冲的通道，ctx 结束后注销并关闭
func (m *MemoryStore) WatchPlans(ctx context.Context) <-chan PlanEvent {
	ch := make(chan PlanEvent, 64)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, id)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

// broadcastLocked 监听者缓冲满时丢弃事件，调用方可通过 ListPlans 对账
func (m *MemoryStore) broadcastLocked(ev PlanEvent, data []byte) {
	for _, ch := range m.watchers {
		out := ev
		if data != nil {
			plan, err := decodePlan(data)
			if err != nil {
				continue
			}
			out.Plan = plan
		}
		select {
		case ch <- out:
		default:
		}
	}
}

func (m *MemoryStore) RegisterNode(_ context.Context, node *model.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.nodes[strconv.FormatInt(node.MachineID, 10)] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListNodes(_ context.Context) ([]*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.nodes))
	for k := range m.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	nodes := make([]*model.Node, 0, len(keys))
	for _, k := range keys {
		var node model.Node
		if err := json.Unmarshal(m.nodes[k], &node); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

func (m *MemoryStore) Close() error { return nil }

func decodePlan(data []byte) (*model.Plan, error) {
	var plan model.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, errors.Wrap(err, "decode plan")
	}
	return &plan, nil
}
