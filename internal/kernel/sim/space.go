package sim

import (
	"syscall"

	"github.com/shizukutanaka/nvstream/internal/kernel"
)

type mapping struct {
	buf  *buffer
	size uint32
}

type addressSpace struct {
	dev         *Device
	bigPageSize uint32
	closed      bool
}

func (a *addressSpace) BindChannel(ch kernel.Channel) error {
	d := a.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if a.closed {
		return syscall.EBADF
	}
	if err := d.fail(OpBindChannel); err != nil {
		return err
	}
	c, ok := ch.(*channel)
	if !ok || c.dev != d || c.closed {
		return syscall.EINVAL
	}
	if c.space != nil {
		return syscall.EBUSY
	}
	c.space = a
	return nil
}

func (a *addressSpace) MapBuffer(h kernel.Handle, flags uint32, pageSize uint32, fixed uint64) (uint64, error) {
	d := a.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if a.closed {
		return 0, syscall.EBADF
	}
	if err := d.fail(OpMapBuffer); err != nil {
		return 0, err
	}
	b, ok := d.buffers[h.Raw]
	if !ok || !b.allocated {
		return 0, syscall.EINVAL
	}
	if pageSize != kernel.PageSize && pageSize != a.bigPageSize {
		return 0, syscall.EINVAL
	}

	align := uint64(b.align)
	if uint64(pageSize) > align {
		align = uint64(pageSize)
	}
	size := uint64(b.handle.Size)

	var va uint64
	if fixed != 0 {
		if fixed%align != 0 || d.overlaps(fixed, size) {
			return 0, syscall.EINVAL
		}
		va = fixed
	} else {
		va = (d.nextVA + align - 1) &^ (align - 1)
		d.nextVA = va + size
	}

	d.mappings[va] = &mapping{buf: b, size: b.handle.Size}
	b.gpuVA++
	return va, nil
}

// overlaps reports whether [va, va+size) intersects a live mapping. Callers hold d.mu.
func (d *Device) overlaps(va, size uint64) bool {
	for base, m := range d.mappings {
		if va < base+uint64(m.size) && base < va+size {
			return true
		}
	}
	return false
}

func (a *addressSpace) UnmapBuffer(va uint64) error {
	d := a.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if a.closed {
		return syscall.EBADF
	}
	if err := d.fail(OpUnmapBuffer); err != nil {
		return err
	}
	m, ok := d.mappings[va]
	if !ok {
		return syscall.EINVAL
	}
	m.buf.gpuVA--
	delete(d.mappings, va)
	return nil
}

func (a *addressSpace) Close() error {
	d := a.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if !a.closed {
		a.closed = true
		d.spaces--
	}
	return nil
}
