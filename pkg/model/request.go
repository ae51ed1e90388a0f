package model

import "fmt"

// OpType 集合通信算子类型
type OpType string

const (
	OpAllReduce     OpType = "all_reduce"
	OpReduceScatter OpType = "reduce_scatter"
	OpAllGather     OpType = "all_gather"
	OpBroadcast     OpType = "broadcast"
	OpReduce        OpType = "reduce"
)

// ReduceMethod 规约方式
type ReduceMethod string

const (
	ReduceSum  ReduceMethod = "sum"
	ReduceMax  ReduceMethod = "max"
	ReduceMin  ReduceMethod = "min"
	ReduceProd ReduceMethod = "prod"
)

// DataType 元素类型，这里只关心字节宽度
type DataType string

const (
	Float32 DataType = "float32"
	Float64 DataType = "float64"
	Int32   DataType = "int32"
	Int64   DataType = "int64"
	Int8    DataType = "int8"
	Uint8   DataType = "uint8"
	Float16 DataType = "float16"
)

// Size 返回单个元素的字节数，未知类型返回 0
func (t DataType) Size() int64 {
	switch t {
	case Float64, Int64:
		return 8
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int8, Uint8:
		return 1
	}
	return 0
}

// RequestID 一个 job 内某个具名集合通信请求的身份
// Index 是该请求在 job 的 RequestSet 中的下标，整个 job 生命周期内不变
type RequestID struct {
	JobID int64 `json:"job_id"`
	Index int32 `json:"index"`
}

func (id RequestID) String() string {
	return fmt.Sprintf("%d/%d", id.JobID, id.Index)
}

// OpDesc 算子的静态描述 (来自执行计划)
type OpDesc struct {
	Name         string       `json:"name" yaml:"name" validate:"required"`
	OpType       OpType       `json:"op_type" yaml:"op_type" validate:"required,oneof=all_reduce reduce_scatter all_gather broadcast reduce"`
	ReduceMethod ReduceMethod `json:"reduce_method,omitempty" yaml:"reduce_method,omitempty" validate:"omitempty,oneof=sum max min prod"`
	Root         int64        `json:"root,omitempty" yaml:"root,omitempty" validate:"min=0"`
	DataType     DataType     `json:"data_type" yaml:"data_type" validate:"required"`
	Shape        []int64      `json:"shape" yaml:"shape"`
	NumRanks     int64        `json:"num_ranks" yaml:"num_ranks" validate:"min=1"`
	DeviceType   DeviceType   `json:"device_type" yaml:"device_type" validate:"required"`
}

// ElemCount 元素个数 (标量 shape 为 1)
func (o OpDesc) ElemCount() int64 {
	n := int64(1)
	for _, d := range o.Shape {
		n *= d
	}
	return n
}

// Equal 比较两个静态描述是否一致，CreateHandle 时用于校验调用方
func (o OpDesc) Equal(other OpDesc) bool {
	if o.Name != other.Name || o.OpType != other.OpType || o.ReduceMethod != other.ReduceMethod ||
		o.Root != other.Root || o.DataType != other.DataType || o.NumRanks != other.NumRanks ||
		o.DeviceType != other.DeviceType || len(o.Shape) != len(other.Shape) {
		return false
	}
	for i := range o.Shape {
		if o.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// RequestDescriptor 请求的不可变元数据
type RequestDescriptor struct {
	Op        OpDesc    `json:"op" yaml:"op"`
	DeviceSet DeviceSet `json:"device_set" yaml:"device_set"`

	// Order 计划中的全局顺序，各节点据此重放同一条请求序列
	Order int64 `json:"order" yaml:"order"`
	// DependencyDepth 依赖深度，只有同一深度的请求才能融合
	DependencyDepth int64 `json:"dependency_depth" yaml:"dependency_depth" validate:"min=0"`
}

// RankDesc 调用方创建 Handle 时携带的静态描述
type RankDesc struct {
	JobID int64  `json:"job_id"`
	Op    OpDesc `json:"op"`
	Rank  int64  `json:"rank"` // global rank，即 DeviceSet 中的下标
}

// RuntimeRequest 某个 rank 在一次迭代中提交的运行时数据
type RuntimeRequest struct {
	Send []byte
	Recv []byte

	// Callback 在请求执行结束 (成功或失败) 后被调用一次
	Callback func(err error)
}
