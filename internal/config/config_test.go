package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cboxing/pkg/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cboxing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
machine_id: 3
node_name: gpu-03
etcd:
  endpoints: ["etcd-0:2379", "etcd-1:2379"]
  dial_timeout: 2s
scheduler:
  enable_fusion: false
  fusion_threshold_bytes: 1048576
device:
  probe: docker
  docker_kinds:
    cuda: ["NVIDIA-GPU"]
node:
  heartbeat_interval: 1s
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cfg.MachineID)
	assert.Equal(t, "gpu-03", cfg.NodeName)
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, 2*time.Second, cfg.Etcd.DialTimeout)
	assert.False(t, cfg.Scheduler.EnableFusion)
	assert.Equal(t, int64(1<<20), cfg.Scheduler.FusionThresholdBytes)
	assert.Equal(t, "docker", cfg.Device.Probe)
	assert.Equal(t, map[model.DeviceType][]string{model.DeviceCUDA: {"NVIDIA-GPU"}}, cfg.DockerKinds())
	assert.Equal(t, time.Second, cfg.Node.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Node.LeaseTTL)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "node_name: n0\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Scheduler.EnableFusion)
	assert.Equal(t, int64(16<<20), cfg.Scheduler.FusionThresholdBytes)
	assert.Equal(t, map[model.DeviceType]int{model.DeviceCPU: 1}, cfg.DeviceCounts())
	assert.Nil(t, cfg.DockerKinds())
	assert.Equal(t, []string{"stdout"}, cfg.Log.Outputs)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CBOXING_MACHINE_ID", "7")
	t.Setenv("CBOXING_SCHEDULER_ENABLE_FUSION", "false")
	cfg, err := Load(writeConfig(t, "machine_id: 1\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.MachineID)
	assert.False(t, cfg.Scheduler.EnableFusion)
}

func TestValidate(t *testing.T) {
	tests := map[string]string{
		"bad level":     "log:\n  level: loud\n",
		"bad probe":     "device:\n  probe: nvml\n",
		"negative id":   "machine_id: -1\n",
		"bad threshold": "scheduler:\n  fusion_threshold_bytes: -5\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
