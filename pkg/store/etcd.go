package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"cboxing/pkg/model"
)

// 定义 Key 的前缀 (Schema Design)
const (
	PlanKeyPrefix = "/cboxing/plans/"
	NodeKeyPrefix = "/cboxing/nodes/"
)

// ErrNotFound 查询的对象不存在
var ErrNotFound = errors.New("not found")

type EtcdManager struct {
	client   *clientv3.Client
	logger   *zap.Logger
	leaseTTL time.Duration

	mu     sync.Mutex
	leases map[int64]clientv3.LeaseID // machine id -> 心跳租约
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, dialTimeout, leaseTTL time.Duration, logger *zap.Logger) (*EtcdManager, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdManager{
		client:   cli,
		logger:   logger.Named("etcd"),
		leaseTTL: leaseTTL,
		leases:   make(map[int64]clientv3.LeaseID),
	}, nil
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// Plan 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) CreatePlan(ctx context.Context, plan *model.Plan) error {
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}
	return e.putValue(ctx, PlanKeyPrefix+plan.ID, plan)
}

func (e *EtcdManager) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	resp, err := e.client.Get(ctx, PlanKeyPrefix+id)
	if err != nil {
		return nil, errors.Wrapf(err, "get plan %s", id)
	}
	if len(resp.Kvs) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "plan %s", id)
	}
	var plan model.Plan
	if err := json.Unmarshal(resp.Kvs[0].Value, &plan); err != nil {
		return nil, errors.Wrapf(err, "decode plan %s", id)
	}
	return &plan, nil
}

func (e *EtcdManager) DeletePlan(ctx context.Context, id string) error {
	resp, err := e.client.Delete(ctx, PlanKeyPrefix+id)
	if err != nil {
		return errors.Wrapf(err, "delete plan %s", id)
	}
	if resp.Deleted == 0 {
		return errors.Wrapf(ErrNotFound, "plan %s", id)
	}
	return nil
}

func (e *EtcdManager) ListPlans(ctx context.Context) ([]*model.Plan, error) {
	resp, err := e.client.Get(ctx, PlanKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "list plans")
	}
	plans := make([]*model.Plan, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var plan model.Plan
		if err := json.Unmarshal(kv.Value, &plan); err != nil {
			e.logger.Warn("skip undecodable plan", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		plans = append(plans, &plan)
	}
	return plans, nil
}

// WatchPlans 将 Etcd 的 Watch 转换为业务 Channel
func (e *EtcdManager) WatchPlans(ctx context.Context) <-chan PlanEvent {
	eventChan := make(chan PlanEvent)

	go func() {
		defer close(eventChan)
		watchChan := e.client.Watch(ctx, PlanKeyPrefix, clientv3.WithPrefix())

		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				e.logger.Error("plan watch failed", zap.Error(err))
				continue
			}
			for _, ev := range watchResp.Events {
				id := strings.TrimPrefix(string(ev.Kv.Key), PlanKeyPrefix)
				event := PlanEvent{PlanID: id}
				switch ev.Type {
				case clientv3.EventTypePut:
					var plan model.Plan
					if err := json.Unmarshal(ev.Kv.Value, &plan); err != nil {
						e.logger.Warn("skip undecodable plan", zap.String("plan", id), zap.Error(err))
						continue
					}
					event.Type, event.Plan = PlanPut, &plan
				case clientv3.EventTypeDelete:
					// 删除事件不带 value
					event.Type = PlanDelete
				}

				select {
				case eventChan <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan
}

// ---------------------------------------------------------
// Node 相关实现
// ---------------------------------------------------------

// RegisterNode 节点信息挂在租约上，心跳时续约；租约失效后重新申请
func (e *EtcdManager) RegisterNode(ctx context.Context, node *model.Node) error {
	lease, err := e.nodeLease(ctx, node.MachineID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, NodeKeyPrefix+strconv.FormatInt(node.MachineID, 10), string(data), clientv3.WithLease(lease))
	return errors.Wrapf(err, "register node %d", node.MachineID)
}

func (e *EtcdManager) nodeLease(ctx context.Context, machineID int64) (clientv3.LeaseID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.leases[machineID]; ok {
		if _, err := e.client.KeepAliveOnce(ctx, id); err == nil {
			return id, nil
		}
		delete(e.leases, machineID)
	}
	ttl := int64(e.leaseTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	resp, err := e.client.Grant(ctx, ttl)
	if err != nil {
		return 0, errors.Wrap(err, "grant node lease")
	}
	e.leases[machineID] = resp.ID
	return resp.ID, nil
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.client.Get(ctx, NodeKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "list nodes")
	}
	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			e.logger.Warn("skip undecodable node", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return errors.Wrapf(err, "put %s", key)
}
