package sim

import (
	"syscall"

	"github.com/shizukutanaka/nvstream/internal/kernel"
)

type buffer struct {
	handle    kernel.Handle
	allocated bool
	align     uint32
	dev       []byte
	// host is the process mapping. It is a separate copy of dev kept in
	// sync only through cache maintenance.
	host  []byte
	gpuVA int
}

type memoryManager struct {
	dev    *Device
	closed bool
}

func (m *memoryManager) lookup(h kernel.Handle) (*buffer, error) {
	if m.closed {
		return nil, syscall.EBADF
	}
	b, ok := m.dev.buffers[h.Raw]
	if !ok {
		return nil, syscall.EINVAL
	}
	return b, nil
}

func (m *memoryManager) Create(size uint32) (kernel.Handle, error) {
	d := m.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if m.closed {
		return kernel.Handle{}, syscall.EBADF
	}
	if err := d.fail(OpCreate); err != nil {
		return kernel.Handle{}, err
	}
	if size == 0 {
		return kernel.Handle{}, syscall.EINVAL
	}

	size = (size + kernel.PageSize - 1) &^ (kernel.PageSize - 1)
	h := kernel.Handle{Raw: d.nextHandle, FD: d.nextFD, Size: size}
	d.nextHandle++
	d.nextFD++
	d.buffers[h.Raw] = &buffer{handle: h}
	return h, nil
}

func (m *memoryManager) Allocate(h kernel.Handle, heap kernel.HeapMask, flags kernel.AllocationFlags, align uint32) error {
	d := m.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := m.lookup(h)
	if err != nil {
		return err
	}
	if err := d.fail(OpAllocate); err != nil {
		return err
	}
	if b.allocated || heap == 0 || align&(align-1) != 0 {
		return syscall.EINVAL
	}

	if align < kernel.PageSize {
		align = kernel.PageSize
	}
	b.allocated = true
	b.align = align
	b.dev = make([]byte, b.handle.Size)
	return nil
}

func (m *memoryManager) Map(h kernel.Handle) ([]byte, error) {
	d := m.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	if err := d.fail(OpMap); err != nil {
		return nil, err
	}
	if !b.allocated {
		return nil, syscall.ENOMEM
	}
	if b.host != nil {
		return nil, syscall.EBUSY
	}

	b.host = append([]byte(nil), b.dev...)
	return b.host, nil
}

func (m *memoryManager) Unmap(h kernel.Handle, mem []byte) error {
	d := m.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := m.lookup(h)
	if err != nil {
		return err
	}
	if err := d.fail(OpUnmap); err != nil {
		return err
	}
	if !sameMapping(b.host, mem) {
		return syscall.EINVAL
	}

	// Lines still dirty in the host cache are lost, as with munmap of a
	// write-combined mapping before a flush.
	b.host = nil
	return nil
}

func (m *memoryManager) CacheMaintenance(h kernel.Handle, mem []byte, offset, length uint32, op kernel.CacheOp) error {
	d := m.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := m.lookup(h)
	if err != nil {
		return err
	}
	if err := d.fail(OpCacheMaintenance); err != nil {
		return err
	}
	if !sameMapping(b.host, mem) || uint64(offset)+uint64(length) > uint64(len(b.dev)) {
		return syscall.EINVAL
	}

	end := offset + length
	switch op {
	case kernel.CacheWriteback:
		copy(b.dev[offset:end], b.host[offset:end])
	case kernel.CacheInvalidate:
		copy(b.host[offset:end], b.dev[offset:end])
	case kernel.CacheWritebackInvalidate:
		copy(b.dev[offset:end], b.host[offset:end])
		copy(b.host[offset:end], b.dev[offset:end])
	default:
		return syscall.EINVAL
	}
	return nil
}

func (m *memoryManager) Free(h kernel.Handle) error {
	d := m.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := m.lookup(h)
	if err != nil {
		return err
	}
	if err := d.fail(OpFree); err != nil {
		return err
	}
	if b.host != nil || b.gpuVA > 0 {
		return syscall.EBUSY
	}
	delete(d.buffers, h.Raw)
	return nil
}

func (m *memoryManager) Close() error {
	m.dev.mu.Lock()
	defer m.dev.mu.Unlock()
	m.closed = true
	return nil
}

func sameMapping(host, mem []byte) bool {
	return host != nil && len(mem) == len(host) && &mem[0] == &host[0]
}
