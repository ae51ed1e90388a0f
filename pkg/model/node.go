package model

// NodeStatus 节点健康状态
type NodeStatus string

const (
	NodeReady   NodeStatus = "READY"
	NodeOffline NodeStatus = "OFFLINE" // 心跳超时
)

// Node 一台参与集合通信的机器
type Node struct {
	MachineID  int64  `json:"machine_id"`
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"` // 进程实例，重启后会变化

	// 本机可用设备数量 (按类型)
	Devices map[DeviceType]int `json:"devices"`
	// 当前已加载的 plan
	Plans []string `json:"plans"`

	Status        NodeStatus `json:"status"`
	LastHeartbeat int64      `json:"last_heartbeat"` // Unix 时间戳
}
