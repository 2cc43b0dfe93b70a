//go:build linux

package tegra

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/shizukutanaka/nvstream/internal/kernel"
)

// Default device node paths.
const (
	DefaultNvMapPath   = "/dev/nvmap"
	DefaultControlPath = "/dev/nvhost-ctrl-gpu"
)

// Driver opens the device nodes.
type Driver struct {
	NvMapPath   string
	ControlPath string
	Logger      *zap.Logger
}

// NewDriver returns a driver for the default device nodes.
func NewDriver(logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		NvMapPath:   DefaultNvMapPath,
		ControlPath: DefaultControlPath,
		Logger:      logger,
	}
}

// OpenControl opens the GPU control node.
func (d *Driver) OpenControl() (kernel.Control, error) {
	fd, err := openNode(d.ControlPath)
	if err != nil {
		return nil, err
	}
	d.logger().Debug("Opened device node", zap.String("path", d.ControlPath), zap.Int("fd", fd))
	return &control{fd: fd, logger: d.logger()}, nil
}

// OpenMemoryManager opens the nvmap node.
func (d *Driver) OpenMemoryManager() (kernel.MemoryManager, error) {
	fd, err := openNode(d.NvMapPath)
	if err != nil {
		return nil, err
	}
	d.logger().Debug("Opened device node", zap.String("path", d.NvMapPath), zap.Int("fd", fd))
	return &memoryManager{fd: fd}, nil
}

func (d *Driver) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func openNode(path string) (int, error) {
	for {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == unix.EINTR {
			continue
		}
		return fd, err
	}
}

// closeFD closes fd once; later calls return EBADF.
func closeFD(fd *int) error {
	if *fd < 0 {
		return unix.EBADF
	}
	err := unix.Close(*fd)
	*fd = -1
	return err
}
