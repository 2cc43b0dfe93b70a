package sim

import (
	"syscall"

	"github.com/shizukutanaka/nvstream/internal/kernel"
)

// tsg is a timeslice group holding at most the one simulated channel.
type tsg struct {
	dev     *Device
	channel *channel
	closed  bool
}

func (t *tsg) BindChannel(ch kernel.Channel) error {
	d := t.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if t.closed {
		return syscall.EBADF
	}
	if err := d.fail(OpBindTSG); err != nil {
		return err
	}
	c, ok := ch.(*channel)
	if !ok || c.closed || c.tsg != nil {
		return syscall.EINVAL
	}
	if t.channel != nil {
		return syscall.EBUSY
	}
	t.channel = c
	c.tsg = t
	c.timeslice = kernel.PriorityMedium.Timeslice()
	return nil
}

func (t *tsg) UnbindChannel(ch kernel.Channel) error {
	d := t.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if t.closed {
		return syscall.EBADF
	}
	if err := d.fail(OpUnbindTSG); err != nil {
		return err
	}
	c, ok := ch.(*channel)
	if !ok || t.channel != c {
		return syscall.EINVAL
	}
	t.channel = nil
	c.tsg = nil
	return nil
}

func (t *tsg) Close() error {
	d := t.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if t.closed {
		return syscall.EBADF
	}
	t.closed = true
	d.groups--
	if t.channel != nil {
		t.channel.tsg = nil
		t.channel = nil
	}
	return nil
}
