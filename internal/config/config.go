// Package config 加载节点配置 (YAML + 环境变量)
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cboxing/pkg/model"
)

// Config 节点进程的全部配置
type Config struct {
	// MachineID 本机在集群中的编号，与 DeviceDesc.MachineID 对应
	MachineID int64  `mapstructure:"machine_id"`
	NodeName  string `mapstructure:"node_name"`

	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Device    DeviceConfig    `mapstructure:"device"`
	Node      NodeConfig      `mapstructure:"node"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type SchedulerConfig struct {
	EnableFusion bool `mapstructure:"enable_fusion"`
	// FusionThresholdBytes 0 表示不限制
	FusionThresholdBytes int64 `mapstructure:"fusion_threshold_bytes"`
}

// DeviceConfig 设备探测方式
type DeviceConfig struct {
	// Probe: static 或 docker
	Probe string `mapstructure:"probe"`
	// Counts static 模式下各类设备的数量
	Counts map[string]int `mapstructure:"counts"`
	// DockerKinds docker 模式下设备类型对应的 generic resource kind
	DockerKinds map[string][]string `mapstructure:"docker_kinds"`
}

type NodeConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// LeaseTTL 节点注册信息在 etcd 中的存活时间
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		MachineID: 0,
		NodeName:  "",
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			EnableFusion:         true,
			FusionThresholdBytes: 16 << 20,
		},
		Device: DeviceConfig{
			Probe: "static",
		},
		Node: NodeConfig{
			HeartbeatInterval: 3 * time.Second,
			LeaseTTL:          10 * time.Second,
		},
		Metrics: MetricsConfig{Listen: ":9464"},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/cboxing.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise searches common
// locations. Environment variables use the prefix CBOXING, e.g. CBOXING_MACHINE_ID=1.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CBOXING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// 先把默认值交给 viper，纯环境变量的配置才能生效
	v.SetDefault("machine_id", cfg.MachineID)
	v.SetDefault("node_name", cfg.NodeName)
	v.SetDefault("etcd.endpoints", cfg.Etcd.Endpoints)
	v.SetDefault("etcd.dial_timeout", cfg.Etcd.DialTimeout)
	v.SetDefault("scheduler.enable_fusion", cfg.Scheduler.EnableFusion)
	v.SetDefault("scheduler.fusion_threshold_bytes", cfg.Scheduler.FusionThresholdBytes)
	v.SetDefault("device.probe", cfg.Device.Probe)
	v.SetDefault("node.heartbeat_interval", cfg.Node.HeartbeatInterval)
	v.SetDefault("node.lease_ttl", cfg.Node.LeaseTTL)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("CBOXING_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cboxing")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cboxing"))
		}
	}

	// 找不到配置文件时继续使用默认值和环境变量
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.MachineID < 0 {
		return fmt.Errorf("invalid machine_id: %d", c.MachineID)
	}
	c.Device.Probe = strings.ToLower(strings.TrimSpace(c.Device.Probe))
	switch c.Device.Probe {
	case "static", "docker":
	default:
		return fmt.Errorf("invalid device.probe: %q", c.Device.Probe)
	}
	// viper 会把 map 默认值与文件内容逐键合并，因此 counts 的默认值在这里补
	if c.Device.Probe == "static" && len(c.Device.Counts) == 0 {
		c.Device.Counts = map[string]int{string(model.DeviceCPU): 1}
	}
	if c.Scheduler.FusionThresholdBytes < 0 {
		return fmt.Errorf("invalid scheduler.fusion_threshold_bytes: %d", c.Scheduler.FusionThresholdBytes)
	}
	if len(c.Etcd.Endpoints) == 0 {
		return errors.New("etcd.endpoints must not be empty")
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.NodeName == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeName = host
		} else {
			c.NodeName = fmt.Sprintf("machine-%d", c.MachineID)
		}
	}
	return nil
}

// DeviceCounts 把配置中的字符串键转换为设备类型
func (c *Config) DeviceCounts() map[model.DeviceType]int {
	out := make(map[model.DeviceType]int, len(c.Device.Counts))
	for k, n := range c.Device.Counts {
		out[model.DeviceType(strings.ToLower(k))] = n
	}
	return out
}

// DockerKinds 为空时返回 nil，由调用方使用默认映射
func (c *Config) DockerKinds() map[model.DeviceType][]string {
	if len(c.Device.DockerKinds) == 0 {
		return nil
	}
	out := make(map[model.DeviceType][]string, len(c.Device.DockerKinds))
	for k, kinds := range c.Device.DockerKinds {
		out[model.DeviceType(strings.ToLower(k))] = kinds
	}
	return out
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
