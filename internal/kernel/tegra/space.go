//go:build linux

package tegra

import (
	"golang.org/x/sys/unix"

	"github.com/shizukutanaka/nvstream/internal/kernel"
)

type addressSpace struct {
	fd int
}

func (a *addressSpace) BindChannel(ch kernel.Channel) error {
	c, ok := ch.(*channel)
	if !ok {
		return unix.EINVAL
	}
	args := asBindChannelArgs{ChannelFD: int32(c.fd)}
	return ioctlPtr(a.fd, asIocBindChannel, &args)
}

func (a *addressSpace) MapBuffer(h kernel.Handle, flags uint32, pageSize uint32, fixed uint64) (uint64, error) {
	args := asMapBufferExArgs{
		Flags:    flags | mapBufferDirectKind,
		DmabufFD: int32(h.FD),
		PageSize: pageSize,
		Offset:   fixed,
	}
	if err := ioctlPtr(a.fd, asIocMapBufferEx, &args); err != nil {
		return 0, err
	}
	return args.Offset, nil
}

func (a *addressSpace) UnmapBuffer(va uint64) error {
	args := asUnmapBufferArgs{Offset: va}
	return ioctlPtr(a.fd, asIocUnmapBuffer, &args)
}

func (a *addressSpace) Close() error {
	return closeFD(&a.fd)
}
