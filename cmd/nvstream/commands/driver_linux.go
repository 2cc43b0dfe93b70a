//go:build linux

package commands

import (
	"go.uber.org/zap"

	"github.com/shizukutanaka/nvstream/internal/config"
	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/kernel/tegra"
)

func hardwareDriver(cfg config.DeviceConfig, logger *zap.Logger) (kernel.Driver, error) {
	drv := tegra.NewDriver(logger)
	drv.NvMapPath = cfg.NvMap
	drv.ControlPath = cfg.Control
	return drv, nil
}
