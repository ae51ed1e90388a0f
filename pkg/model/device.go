package model

// DeviceType 加速器类型，一个进程内只能有一种类型的后端处于激活状态
type DeviceType string

const (
	DeviceCPU  DeviceType = "cpu"
	DeviceCUDA DeviceType = "cuda"
	DeviceMLU  DeviceType = "mlu"
	DeviceMock DeviceType = "mock"
)

// DeviceDesc 描述一个 rank 所在的位置: (machine, local device)
type DeviceDesc struct {
	MachineID  int64      `json:"machine_id" yaml:"machine_id" validate:"min=0"`
	DeviceType DeviceType `json:"device_type" yaml:"device_type" validate:"required"`
	DeviceID   int64      `json:"device_id" yaml:"device_id" validate:"min=0"`
}

// DeviceSet 参与一个集合通信请求的全部 rank，下标即 global rank
type DeviceSet struct {
	Devices []DeviceDesc `json:"devices" yaml:"devices" validate:"required,min=1,dive"`
}

// MachineIDs 返回去重后的机器 ID (保持首次出现的顺序)
func (s DeviceSet) MachineIDs() []int64 {
	seen := make(map[int64]struct{}, len(s.Devices))
	ids := make([]int64, 0, len(s.Devices))
	for _, d := range s.Devices {
		if _, ok := seen[d.MachineID]; ok {
			continue
		}
		seen[d.MachineID] = struct{}{}
		ids = append(ids, d.MachineID)
	}
	return ids
}

// Interacts 两个 DeviceSet 只要共享任意一个 machine id 就认为存在交互
// 调度时用它判断非本地请求是否构成排序屏障
func (s DeviceSet) Interacts(other DeviceSet) bool {
	for _, a := range s.Devices {
		for _, b := range other.Devices {
			if a.MachineID == b.MachineID {
				return true
			}
		}
	}
	return false
}

// Equal 按顺序逐个比较
func (s DeviceSet) Equal(other DeviceSet) bool {
	if len(s.Devices) != len(other.Devices) {
		return false
	}
	for i := range s.Devices {
		if s.Devices[i] != other.Devices[i] {
			return false
		}
	}
	return true
}
