package scheduler

import "cboxing/pkg/model"

// canMergeIntoGroup 新请求能否追加到以 head 开头的缓冲组
// 条件: 同一 job、同一依赖深度、同一设备类型、同一 DeviceSet
func canMergeIntoGroup(e *RequestEntry, head *RequestEntry) bool {
	if head == nil {
		return true
	}
	return e.id.JobID == head.id.JobID &&
		e.desc.DependencyDepth == head.desc.DependencyDepth &&
		e.DeviceType() == head.DeviceType() &&
		e.symbol == head.symbol
}

// hasRankInteraction 两个 DeviceSet 是否共享机器
// 本机不参与的请求如果与缓冲组的机器有交集，它就是一个排序屏障
func hasRankInteraction(a, b model.DeviceSet) bool {
	return a.Interacts(b)
}
