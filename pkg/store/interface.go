package store

import (
	"context"

	"cboxing/pkg/model"
)

// PlanEventType 定义监听事件类型
type PlanEventType int

const (
	PlanPut PlanEventType = iota
	PlanDelete
)

// PlanEvent 包装了存储中发生的 plan 变化
// 节点 Agent 通过它得知需要加载或卸载的 plan
type PlanEvent struct {
	Type   PlanEventType
	PlanID string
	Plan   *model.Plan // PlanDelete 时为 nil
}

// Store 接口定义了系统对存储层的所有需求
// 任何实现了这个接口的 Struct (比如 EtcdManager) 都可以被注入到 Agent 中
type Store interface {
	// --- Plan 相关 ---

	// CreatePlan 发布 plan，已存在时覆盖
	CreatePlan(ctx context.Context, plan *model.Plan) error

	// GetPlan 不存在时返回 ErrNotFound
	GetPlan(ctx context.Context, id string) (*model.Plan, error)

	DeletePlan(ctx context.Context, id string) error
	ListPlans(ctx context.Context) ([]*model.Plan, error)

	// WatchPlans 监听 plan 变化 (ctx 结束后通道关闭)
	WatchPlans(ctx context.Context) <-chan PlanEvent

	// --- Node 相关 ---

	// RegisterNode 节点注册/心跳，ttl 到期未续约则自动删除
	RegisterNode(ctx context.Context, node *model.Node) error

	// ListNodes 获取所有节点
	ListNodes(ctx context.Context) ([]*model.Node, error)

	Close() error
}
