//go:build linux

package tegra

import (
	"context"
	"runtime"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/shizukutanaka/nvstream/internal/kernel"
)

// pollInterval bounds a single poll when the wait can be cancelled.
const pollInterval = 50 * time.Millisecond

type control struct {
	fd     int
	logger *zap.Logger
}

func (c *control) AllocateAddressSpace(bigPageSize uint32, flags uint32) (kernel.AddressSpace, error) {
	args := ctrlAllocASArgs{BigPageSize: bigPageSize, Flags: flags}
	if err := ioctlPtr(c.fd, ctrlIocAllocAS, &args); err != nil {
		return nil, err
	}
	return &addressSpace{fd: int(args.ASFD)}, nil
}

func (c *control) OpenTSG() (kernel.TSG, error) {
	var args ctrlOpenTSGArgs
	if err := ioctlPtr(c.fd, ctrlIocOpenTSG, &args); err != nil {
		return nil, err
	}
	return &tsg{fd: int(args.TSGFD)}, nil
}

func (c *control) OpenChannel(runlist int32, mem kernel.MemoryManager) (kernel.Channel, error) {
	nvmap, ok := mem.(*memoryManager)
	if !ok {
		return nil, unix.EINVAL
	}

	args := ctrlOpenChannelArgs{Value: runlist}
	if err := ioctlPtr(c.fd, ctrlIocOpenChannel, &args); err != nil {
		return nil, err
	}
	ch := &channel{fd: int(args.Value), logger: c.logger}

	nvmapArgs := channelSetNvmapFDArgs{FD: int32(nvmap.fd)}
	if err := ioctlPtr(ch.fd, channelIocSetNvmapFD, &nvmapArgs); err != nil {
		_ = unix.Close(ch.fd)
		return nil, err
	}
	return ch, nil
}

func (c *control) Characteristics() (kernel.Characteristics, error) {
	var raw rawCharacteristics
	args := ctrlCharacteristicsArgs{
		BufSize: uint64(unsafe.Sizeof(raw)),
		BufAddr: uint64(uintptr(unsafe.Pointer(&raw))),
	}
	err := ioctlPtr(c.fd, ctrlIocCharacteristics, &args)
	runtime.KeepAlive(&raw)
	if err != nil {
		return kernel.Characteristics{}, err
	}

	return kernel.Characteristics{
		Arch:                  raw.Arch,
		Impl:                  raw.Impl,
		Rev:                   raw.Rev,
		NumGPC:                raw.NumGPC,
		L2CacheSize:           raw.L2CacheSize,
		VideoMemorySize:       raw.VideoMemorySize,
		NumTPCPerGPC:          raw.NumTPCPerGPC,
		BusType:               raw.BusType,
		BigPageSize:           raw.BigPageSize,
		CompressionPageSize:   raw.CompressionPageSize,
		AvailableBigPageSizes: raw.AvailableBigPageSizes,
		Flags:                 raw.Flags,
	}, nil
}

func (c *control) Close() error {
	return closeFD(&c.fd)
}

// channel is a GPU channel. Fences are sync-fence descriptors: the ID of a
// fence returned by Submit is a file descriptor owned by the channel until
// it is waited on or passed as the wait fence of a later Submit.
type channel struct {
	fd     int
	logger *zap.Logger
}

func (c *channel) AllocateRing(capacity uint32, flags uint32) error {
	args := channelAllocGPFIFOArgs{NumEntries: capacity, Flags: flags}
	return ioctlPtr(c.fd, channelIocAllocGPFIFO, &args)
}

func (c *channel) Submit(entries []kernel.RingEntry, wait *kernel.Fence, flags uint32) (*kernel.Fence, error) {
	if len(entries) == 0 {
		return nil, unix.EINVAL
	}

	args := channelSubmitGPFIFOArgs{
		GPFIFO:     uint64(uintptr(unsafe.Pointer(&entries[0]))),
		NumEntries: uint32(len(entries)),
		Flags:      flags,
		Fence:      rawFence{ID: -1, Value: 0xFFFF_FFFF},
	}
	if wait != nil {
		args.Fence = rawFence{ID: wait.ID, Value: wait.Value}
	}

	err := ioctlPtr(c.fd, channelIocSubmitGPFIFO, &args)
	runtime.KeepAlive(entries)
	if err != nil {
		return nil, err
	}

	// The kernel holds its own reference to the wait fence now.
	if wait != nil && flags&kernel.SubmitFenceWait != 0 && flags&kernel.SubmitSyncFence != 0 && wait.ID >= 0 {
		if err := unix.Close(int(wait.ID)); err != nil {
			c.logger.Warn("Failed to close wait fence", zap.Stringer("fence", *wait), zap.Error(err))
		}
	}

	if flags&kernel.SubmitFenceGet == 0 {
		return nil, nil
	}
	return &kernel.Fence{ID: args.Fence.ID, Value: args.Fence.Value}, nil
}

// WaitFence polls the sync-fence descriptor of f and closes it once the
// fence signals. Without a cancellable ctx the poll blocks indefinitely.
func (c *channel) WaitFence(ctx context.Context, f kernel.Fence) error {
	if f.ID < 0 {
		return unix.EINVAL
	}

	fds := []unix.PollFd{{Fd: f.ID, Events: unix.POLLIN | unix.POLLOUT}}
	timeout := -1
	if ctx.Done() != nil {
		timeout = int(pollInterval / time.Millisecond)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return unix.EIO
		}
		return unix.Close(int(f.ID))
	}
}

func (c *channel) AllocateObjectContext(class kernel.ClassID, flags uint32) (uint64, error) {
	args := channelAllocObjCtxArgs{ClassNum: uint32(class), Flags: flags}
	if err := ioctlPtr(c.fd, channelIocAllocObjCtx, &args); err != nil {
		return 0, err
	}
	return args.ObjID, nil
}

// SetPriority applies p as a timeslice.
func (c *channel) SetPriority(p kernel.Priority) error {
	return c.SetTimeslice(p.Timeslice())
}

func (c *channel) SetTimeslice(us uint32) error {
	args := channelTimesliceArgs{TimesliceUS: us}
	return ioctlPtr(c.fd, channelIocSetTimeslice, &args)
}

func (c *channel) Enable() error {
	return ioctl(c.fd, channelIocEnable, 0)
}

func (c *channel) Disable() error {
	return ioctl(c.fd, channelIocDisable, 0)
}

func (c *channel) Close() error {
	return closeFD(&c.fd)
}
