package scheduler

import "github.com/pkg/errors"

// 配置错误: 调用方应终止初始化
var (
	ErrDuplicateJob       = errors.New("job already registered")
	ErrDuplicateRequest   = errors.New("duplicate request in job")
	ErrInvalidPlan        = errors.New("invalid plan")
	ErrUnknownJob         = errors.New("unknown job")
	ErrUnknownRequest     = errors.New("unknown request")
	ErrDescriptorMismatch = errors.New("rank descriptor does not match plan")
	ErrRankNotLocal       = errors.New("rank is not owned by this machine")
	ErrBackendCount       = errors.New("exactly one executor backend must be enabled")
)
