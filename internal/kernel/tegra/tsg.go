//go:build linux

package tegra

import (
	"golang.org/x/sys/unix"

	"github.com/shizukutanaka/nvstream/internal/kernel"
)

type tsg struct {
	fd int
}

func (t *tsg) BindChannel(ch kernel.Channel) error {
	return t.channelRequest(tsgIocBindChannel, ch)
}

func (t *tsg) UnbindChannel(ch kernel.Channel) error {
	return t.channelRequest(tsgIocUnbindChannel, ch)
}

func (t *tsg) channelRequest(req uintptr, ch kernel.Channel) error {
	c, ok := ch.(*channel)
	if !ok {
		return unix.EINVAL
	}
	fd := int32(c.fd)
	return ioctlPtr(t.fd, req, &fd)
}

func (t *tsg) Close() error {
	return closeFD(&t.fd)
}
