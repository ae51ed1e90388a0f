package device

import (
	"context"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"

	"cboxing/pkg/model"
)

// DefaultDockerKinds 设备类型 -> dockerd 上报的 generic resource kind
// (dockerd --node-generic-resource "NVIDIA-GPU=0" 这类配置)
var DefaultDockerKinds = map[model.DeviceType][]string{
	model.DeviceCUDA: {"NVIDIA-GPU", "GPU"},
	model.DeviceMLU:  {"MLU", "CAMBRICON-MLU"},
}

// daemonInfo 是 DockerProbe 对 docker client 的最小依赖
type daemonInfo interface {
	Info(ctx context.Context) (types.Info, error)
	Close() error
}

// DockerProbe 通过 Docker daemon 探测设备：
// 加速器取 generic resources，cpu 未映射 kind 时取 daemon 上报的 NCPU
type DockerProbe struct {
	cli   daemonInfo
	kinds map[model.DeviceType][]string
}

// NewDockerProbe 自动从环境变量或默认路径连接本地 Docker
func NewDockerProbe(kinds map[model.DeviceType][]string) (*DockerProbe, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion("1.44"))
	if err != nil {
		return nil, errors.Wrap(err, "connect docker daemon")
	}
	return newDockerProbe(cli, kinds), nil
}

func newDockerProbe(cli daemonInfo, kinds map[model.DeviceType][]string) *DockerProbe {
	if len(kinds) == 0 {
		kinds = DefaultDockerKinds
	}
	return &DockerProbe{cli: cli, kinds: kinds}
}

func (p *DockerProbe) DeviceCount(ctx context.Context, t model.DeviceType) (int, error) {
	kinds, ok := p.kinds[t]
	if !ok && t != model.DeviceCPU {
		return 0, nil
	}
	info, err := p.cli.Info(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "docker info")
	}
	if !ok {
		return info.NCPU, nil
	}
	return countGenericResources(info.GenericResources, kinds), nil
}

// Close 关闭 docker 客户端
func (p *DockerProbe) Close() error {
	return p.cli.Close()
}

// countGenericResources discrete 资源累加数值，named 资源每条算一个设备
func countGenericResources(resources []swarm.GenericResource, kinds []string) int {
	match := func(kind string) bool {
		for _, k := range kinds {
			if strings.EqualFold(k, kind) {
				return true
			}
		}
		return false
	}
	n := 0
	for _, r := range resources {
		if r.DiscreteResourceSpec != nil && match(r.DiscreteResourceSpec.Kind) {
			n += int(r.DiscreteResourceSpec.Value)
		}
		if r.NamedResourceSpec != nil && match(r.NamedResourceSpec.Kind) {
			n++
		}
	}
	return n
}
