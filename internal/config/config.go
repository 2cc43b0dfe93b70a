// Package config loads the nvstream configuration from YAML, environment
// variables and defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/nvstream/internal/device"
	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/logging"
	"github.com/shizukutanaka/nvstream/internal/monitoring"
)

// EnvPrefix prefixes every environment override, e.g. NVSTREAM_DEVICE_SIMULATE.
const EnvPrefix = "NVSTREAM"

// Config is the complete configuration of the CLI.
type Config struct {
	Device  DeviceConfig             `yaml:"device"`
	Stream  StreamConfig             `yaml:"stream"`
	Logging logging.Config           `yaml:"logging"`
	Metrics monitoring.MetricsConfig `yaml:"metrics"`
}

// DeviceConfig selects the device nodes and the channel parameters.
type DeviceConfig struct {
	NvMap   string `yaml:"nvmap"`
	Control string `yaml:"control"`

	BigPageSize uint32 `yaml:"big_page_size"`
	Runlist     int32  `yaml:"runlist"`
	// Priority is low, medium or high.
	Priority    string `yaml:"priority"`
	TimesliceUS uint32 `yaml:"timeslice_us"`

	// Simulate runs against the in-process device instead of the kernel.
	Simulate bool `yaml:"simulate"`
}

// StreamConfig sizes the ring and the command buffers.
type StreamConfig struct {
	RingCapacity           uint32 `yaml:"ring_capacity"`
	CommandBufferAlignment uint32 `yaml:"command_buffer_alignment"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dev := device.DefaultConfig()
	return &Config{
		Device: DeviceConfig{
			NvMap:       "/dev/nvmap",
			Control:     "/dev/nvhost-ctrl-gpu",
			BigPageSize: dev.BigPageSize,
			Runlist:     dev.Runlist,
			Priority:    "medium",
		},
		Stream: StreamConfig{
			RingCapacity:           dev.RingCapacity,
			CommandBufferAlignment: 0x20000,
		},
		Logging: logging.DefaultConfig(),
		Metrics: monitoring.MetricsConfig{
			Namespace: "nvstream",
		},
	}
}

// Load reads the configuration at path, applies environment overrides and
// validates the result. A missing file leaves the defaults in place; an
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := NewEnvLoader(EnvPrefix).Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// DeviceOptions converts the device and stream sections into the parameters
// of device.Open.
func (c *Config) DeviceOptions() (device.Config, error) {
	p, err := kernel.ParsePriority(c.Device.Priority)
	if err != nil {
		return device.Config{}, err
	}
	return device.Config{
		BigPageSize:  c.Device.BigPageSize,
		Runlist:      c.Device.Runlist,
		Priority:     p,
		TimesliceUS:  c.Device.TimesliceUS,
		RingCapacity: c.Stream.RingCapacity,
	}, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
