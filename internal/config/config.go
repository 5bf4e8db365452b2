package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 配置文件名，和 salt 保持一致：salt-api 读 master，salt-minion 读 minion
const (
	MasterFile = "master"
	MinionFile = "minion"

	DefaultConfigDir = "/etc/salt"
)

// Config 一个进程的全部配置
type Config struct {
	Etcd EtcdConfig `yaml:"etcd"`

	// 等待最后一个 minion 返回之后的超时时间
	Timeout  Seconds `yaml:"timeout"`
	KeepJobs Hours   `yaml:"keep_jobs"`

	// syndic 场景下没有匹配到 minion 也不算失败
	OrderMasters bool `yaml:"order_masters"`

	VerifyEnv       bool   `yaml:"verify_env"`
	LogFile         string `yaml:"log_file"`
	LogLevel        string `yaml:"log_level"`
	LogLevelLogfile string `yaml:"log_level_logfile"`
	PidFile         string `yaml:"pidfile"`
	User            string `yaml:"user"`
	Daemon          bool   `yaml:"daemon"`

	Nodegroups map[string][]string `yaml:"nodegroups"`
	JobCache   string              `yaml:"job_cache"` // sqlite 路径，空则不缓存

	API    APIConfig    `yaml:"api"`
	Minion MinionConfig `yaml:"minion"`
}

type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	DialTimeout Seconds  `yaml:"dial_timeout"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	Prefix      string   `yaml:"prefix"`
}

type APIConfig struct {
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	CORSOrigin []string `yaml:"cors_origin"`
}

// Addr host:port
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type MinionConfig struct {
	ID        string         `yaml:"id"`
	Grains    map[string]any `yaml:"grains"`
	Pillar    map[string]any `yaml:"pillar"`
	Heartbeat Seconds        `yaml:"heartbeat"`
	NodeTTL   Seconds        `yaml:"node_ttl"`
}

// Defaults salt-api 的默认配置
func Defaults() *Config {
	return &Config{
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: Seconds(5 * time.Second),
			Prefix:      "/saltapi",
		},
		Timeout:         Seconds(5 * time.Second),
		KeepJobs:        Hours(24 * time.Hour),
		VerifyEnv:       true,
		LogFile:         "/var/log/salt/api",
		LogLevel:        "warning",
		LogLevelLogfile: "warning",
		PidFile:         "/var/run/salt-api.pid",
		User:            "root",
		Nodegroups:      map[string][]string{},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Minion: MinionConfig{
			Heartbeat: Seconds(3 * time.Second),
			NodeTTL:   Seconds(10 * time.Second),
		},
	}
}

// Step 是一个配置构建步骤，按固定顺序作用在同一个 Config 上
type Step func(cfg *Config) error

// Build 从零开始依次执行每个步骤
func Build(steps ...Step) (*Config, error) {
	cfg := &Config{}
	for _, step := range steps {
		if err := step(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// WithDefaults 填入默认值
func WithDefaults() Step {
	return func(cfg *Config) error {
		*cfg = *Defaults()
		return nil
	}
}

// FromFile 读取 <dir>/<name>，文件不存在时保持原值
func FromFile(dir, name string) Step {
	return func(cfg *Config) error {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	}
}

// FromEnv 环境变量覆盖
func FromEnv() Step {
	return func(cfg *Config) error {
		if v := os.Getenv("SALTAPI_ETCD_ENDPOINTS"); v != "" {
			cfg.Etcd.Endpoints = splitList(v)
		}
		return nil
	}
}

// WithOverrides 命令行参数之类的最终覆盖
func WithOverrides(fn func(cfg *Config)) Step {
	return func(cfg *Config) error {
		fn(cfg)
		return nil
	}
}

// Validate 放在最后
func Validate() Step {
	return func(cfg *Config) error {
		if len(cfg.Etcd.Endpoints) == 0 {
			return errors.New("etcd.endpoints must not be empty")
		}
		if cfg.Timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", cfg.Timeout.Duration())
		}
		if cfg.API.Port < 0 || cfg.API.Port > 65535 {
			return fmt.Errorf("api.port out of range: %d", cfg.API.Port)
		}
		for name, patterns := range cfg.Nodegroups {
			if len(patterns) == 0 {
				return fmt.Errorf("nodegroup %q is empty", name)
			}
		}
		return nil
	}
}

// Load 标准流程：默认值 -> 配置文件 -> 环境变量 -> 覆盖 -> 校验
func Load(dir, name string, overrides func(cfg *Config)) (*Config, error) {
	if overrides == nil {
		overrides = func(*Config) {}
	}
	return Build(
		WithDefaults(),
		FromFile(dir, name),
		FromEnv(),
		WithOverrides(overrides),
		Validate(),
	)
}

// ConfigDir --config-dir > $SALTAPI_CONFIG_DIR > /etc/salt
func ConfigDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if dir := os.Getenv("SALTAPI_CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
