// Package config 定义 xmuxd 的 YAML 配置。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jrmarcco/xmux/internal/apps"
	"github.com/jrmarcco/xmux/internal/errs"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config 是 xmuxd 配置。
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// AdvertiseAddr 是写入注册中心的地址，为空时使用实际监听地址。
	AdvertiseAddr string          `yaml:"advertise_addr"`
	Endpoint      string          `yaml:"endpoint"`
	Group         string          `yaml:"group"`
	Weight        uint32          `yaml:"weight"`
	Services      []ServiceConfig `yaml:"services"`
	Etcd          EtcdConfig      `yaml:"etcd"`
	MetricsAddr   string          `yaml:"metrics_addr"`
	Log           LogConfig       `yaml:"log"`
}

// ServiceConfig 描述一个服务及挂载的应用。
type ServiceConfig struct {
	ID   int32  `yaml:"id"`
	Kind string `yaml:"kind"`
}

// EtcdConfig 为空 Endpoints 时不做注册。
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	KeyPrefix   string        `yaml:"key_prefix"`
	LeaseTTL    int           `yaml:"lease_ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func (c EtcdConfig) Enabled() bool {
	return len(c.Endpoints) > 0
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default 返回默认配置。
func Default() *Config {
	return &Config{
		ListenAddr: ":9527",
		Endpoint:   "xmux",
		Weight:     1,
		Etcd: EtcdConfig{
			KeyPrefix:   "xmux",
			LeaseTTL:    30,
			DialTimeout: 3 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load 读取配置文件并在默认配置之上覆盖，path 为空时返回默认配置。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("[config] failed to read %s: %w", path, err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("[config] failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 把 YAML 解码到 cfg 上，未知字段视为错误。
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate 校验配置。
func (c *Config) Validate() error {
	var problems []error

	if strings.TrimSpace(c.ListenAddr) == "" {
		problems = append(problems, errors.New("listen_addr must not be empty"))
	}
	if name := strings.TrimSpace(c.Endpoint); name == "" || strings.Contains(name, "/") {
		problems = append(problems, errs.ErrInvalidEndpointName)
	}

	seen := make(map[int32]struct{}, len(c.Services))
	for _, svc := range c.Services {
		if _, ok := seen[svc.ID]; ok {
			problems = append(problems, fmt.Errorf("duplicate service id %d", svc.ID))
		}
		seen[svc.ID] = struct{}{}

		switch svc.Kind {
		case apps.KindEcho, apps.KindBroadcast:
		default:
			problems = append(problems, fmt.Errorf("service %d has unknown kind %q", svc.ID, svc.Kind))
		}
	}

	if strings.Contains(c.AdvertiseAddr, "/") {
		problems = append(problems, errors.New("advertise_addr must not contain '/'"))
	}

	if c.Etcd.Enabled() {
		if c.Etcd.LeaseTTL <= 0 {
			problems = append(problems, errors.New("etcd.lease_ttl must be greater than 0"))
		}
		if c.Etcd.DialTimeout <= 0 {
			problems = append(problems, errors.New("etcd.dial_timeout must be greater than 0"))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("[config] %w: %w", ErrInvalidConfig, errors.Join(problems...))
	}
	return nil
}
