// Package device 探测本进程可用的加速器数量，Executor 据此选择唯一的后端
package device

import (
	"context"

	"cboxing/pkg/model"
)

// Probe 返回某种设备在本机上的数量
type Probe interface {
	DeviceCount(ctx context.Context, t model.DeviceType) (int, error)
}

// StaticProbe 直接使用配置中声明的数量
type StaticProbe map[model.DeviceType]int

func (p StaticProbe) DeviceCount(_ context.Context, t model.DeviceType) (int, error) {
	return p[t], nil
}

// Counts 按 types 依次探测，返回数量大于 0 的设备
func Counts(ctx context.Context, p Probe, types []model.DeviceType) (map[model.DeviceType]int, error) {
	out := make(map[model.DeviceType]int)
	for _, t := range types {
		n, err := p.DeviceCount(ctx, t)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out[t] = n
		}
	}
	return out, nil
}
