package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/logging"
	"github.com/shizukutanaka/nvstream/internal/monitoring"
)

// Validator checks that a configuration can be used to open a device.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks every section of cfg.
func (v *Validator) Validate(cfg *Config) error {
	if err := v.validateDevice(&cfg.Device); err != nil {
		return fmt.Errorf("device config: %w", err)
	}
	if err := v.validateStream(&cfg.Stream); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}
	if err := v.validateLogging(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := v.validateMetrics(&cfg.Metrics); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	return nil
}

func (v *Validator) validateDevice(cfg *DeviceConfig) error {
	if !cfg.Simulate {
		if cfg.NvMap == "" {
			return errors.New("nvmap path is required")
		}
		if cfg.Control == "" {
			return errors.New("control path is required")
		}
	}
	if cfg.BigPageSize != 0 && !powerOfTwo(cfg.BigPageSize) {
		return fmt.Errorf("big_page_size must be a power of two: %d", cfg.BigPageSize)
	}
	if cfg.Runlist < -1 {
		return fmt.Errorf("invalid runlist: %d", cfg.Runlist)
	}
	if _, err := kernel.ParsePriority(cfg.Priority); err != nil || cfg.Priority == "" {
		return fmt.Errorf("invalid priority: %q", cfg.Priority)
	}
	return nil
}

func (v *Validator) validateStream(cfg *StreamConfig) error {
	if cfg.RingCapacity == 0 {
		return errors.New("ring_capacity must be positive")
	}
	if !powerOfTwo(cfg.CommandBufferAlignment) {
		return fmt.Errorf("command_buffer_alignment must be a power of two: %#x", cfg.CommandBufferAlignment)
	}
	if cfg.CommandBufferAlignment < kernel.PageSize {
		return fmt.Errorf("command_buffer_alignment must be at least %#x", kernel.PageSize)
	}
	return nil
}

func (v *Validator) validateLogging(cfg *logging.Config) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.Level) {
		return fmt.Errorf("invalid log level: %s", cfg.Level)
	}
	for module, level := range cfg.ModuleLevels {
		if !contains(validLevels, level) {
			return fmt.Errorf("invalid log level for %s: %s", module, level)
		}
	}
	if !contains([]string{"json", "console"}, cfg.Format) {
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	if cfg.OutputPath == "" {
		return errors.New("output_path is required")
	}
	return nil
}

func (v *Validator) validateMetrics(cfg *monitoring.MetricsConfig) error {
	if cfg.Namespace == "" {
		return errors.New("namespace is required")
	}
	if !cfg.Enabled || cfg.ListenAddr == "" {
		return nil
	}
	if err := v.validateListenAddress(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	return nil
}

// validateListenAddress checks if a string is a valid network listen address.
func (v *Validator) validateListenAddress(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		if strings.HasPrefix(addr, ":") {
			if _, err := net.LookupPort("tcp", strings.TrimPrefix(addr, ":")); err != nil {
				return fmt.Errorf("invalid port: %s", addr)
			}
			return nil
		}
		return fmt.Errorf("invalid listen address format: %s", addr)
	}
	return nil
}

func powerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// contains is a helper function to check for string presence in a slice.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
