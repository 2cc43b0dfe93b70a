//go:build !linux

package commands

import (
	"errors"

	"go.uber.org/zap"

	"github.com/shizukutanaka/nvstream/internal/config"
	"github.com/shizukutanaka/nvstream/internal/kernel"
)

func hardwareDriver(config.DeviceConfig, *zap.Logger) (kernel.Driver, error) {
	return nil, errors.New("the nvgpu device nodes are only available on linux; use --simulate")
}
