package model

import "time"

// RequestSet 一个 job 的全部集合通信请求，下标即 RequestID.Index
type RequestSet struct {
	Requests []RequestDescriptor `json:"requests" yaml:"requests" validate:"dive"`
}

// Plan 执行计划中与集合通信相关的部分
// 一个 Plan 可以包含多个 job，AddPlan/DeletePlan 以 Plan 为粒度
type Plan struct {
	ID        string               `json:"id" yaml:"id" validate:"required"`
	Jobs      map[int64]RequestSet `json:"jobs" yaml:"jobs" validate:"required,min=1,dive"`
	CreatedAt time.Time            `json:"created_at" yaml:"-"`
}
