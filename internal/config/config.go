// Package config loads a node's static cluster/pool configuration from a
// YAML file: a small struct parsed with yaml.v3, then passed through a
// normalize step that fills in defaults for unset fields.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultFilename is the conventional config file name a node agent looks
// for when none is given on the command line.
const DefaultFilename = "purevisor.yaml"

// Config is a node's static configuration:
// cluster identity, this node's own advertised name/address, its roles
// and tags, the block devices it contributes to the storage pool, and
// the scheduler's default policy and overcommit ratios.
type Config struct {
	Cluster ClusterConfig `yaml:"cluster"`
	Node    NodeConfig    `yaml:"node"`
	Pool    PoolConfig    `yaml:"pool"`
	Sched   SchedConfig   `yaml:"scheduler"`
}

// ClusterConfig names the cluster this node joins and its seed peers.
type ClusterConfig struct {
	Name  string   `yaml:"name"`
	Seeds []string `yaml:"seeds,omitempty"`
}

// NodeConfig describes this node's own identity and capabilities.
type NodeConfig struct {
	Name    string   `yaml:"name"`
	Address string   `yaml:"address"`
	Roles   []string `yaml:"roles,omitempty"`
	Tags    []string `yaml:"tags,omitempty"`
}

// PoolConfig lists the block devices this node contributes to the
// storage pool.
type PoolConfig struct {
	ExtentSizeMB int            `yaml:"extentSizeMB,omitempty"`
	Devices      []DeviceConfig `yaml:"devices,omitempty"`
}

// DeviceConfig names one backing file/device by path, with an optional
// display name.
type DeviceConfig struct {
	Path string `yaml:"path"`
	Name string `yaml:"name,omitempty"`
}

// SchedConfig sets the scheduler's default policy and overcommit ratios.
type SchedConfig struct {
	DefaultPolicy      string `yaml:"defaultPolicy,omitempty"` // "spread" | "pack" | "random"
	EnableOvercommit   bool   `yaml:"enableOvercommit,omitempty"`
	CPUOvercommitRatio int    `yaml:"cpuOvercommitRatio,omitempty"`
	MemOvercommitRatio int    `yaml:"memOvercommitRatio,omitempty"`
}

func (c *Config) normalize() {
	if c.Pool.ExtentSizeMB == 0 {
		c.Pool.ExtentSizeMB = 4
	}
	if c.Sched.DefaultPolicy == "" {
		c.Sched.DefaultPolicy = "spread"
	}
	if c.Sched.CPUOvercommitRatio == 0 {
		c.Sched.CPUOvercommitRatio = 100
	}
	if c.Sched.MemOvercommitRatio == 0 {
		c.Sched.MemOvercommitRatio = 100
	}
}

// Load reads and parses a node configuration file, applying defaults for
// any unset fields after unmarshaling.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Cluster.Name == "" {
		return nil, fmt.Errorf("config: %s: cluster.name is required", path)
	}
	if cfg.Node.Name == "" {
		return nil, fmt.Errorf("config: %s: node.name is required", path)
	}
	cfg.normalize()
	return &cfg, nil
}
