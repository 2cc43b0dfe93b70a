//go:build linux

package tegra

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/shizukutanaka/nvstream/internal/kernel"
)

type memoryManager struct {
	fd int
}

func (m *memoryManager) Create(size uint32) (kernel.Handle, error) {
	if size == 0 {
		return kernel.Handle{}, unix.EINVAL
	}
	args := nvmapCreateArgs{Size: size}
	if err := ioctlPtr(m.fd, nvmapIocCreate, &args); err != nil {
		return kernel.Handle{}, err
	}

	fdArgs := nvmapGetFDArgs{Handle: args.Handle}
	if err := ioctlPtr(m.fd, nvmapIocGetFD, &fdArgs); err != nil {
		_ = ioctl(m.fd, nvmapIocFree, uintptr(args.Handle))
		return kernel.Handle{}, err
	}

	return kernel.Handle{
		Raw:  args.Handle,
		FD:   int(fdArgs.FD),
		Size: (size + kernel.PageSize - 1) &^ (kernel.PageSize - 1),
	}, nil
}

func (m *memoryManager) Allocate(h kernel.Handle, heap kernel.HeapMask, flags kernel.AllocationFlags, align uint32) error {
	args := nvmapAllocArgs{
		Handle:   h.Raw,
		HeapMask: uint32(heap),
		Flags:    uint32(flags),
		Align:    align,
	}
	return ioctlPtr(m.fd, nvmapIocAlloc, &args)
}

func (m *memoryManager) Map(h kernel.Handle) ([]byte, error) {
	for {
		mem, err := unix.Mmap(h.FD, 0, int(h.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		return mem, nil
	}
}

func (m *memoryManager) Unmap(_ kernel.Handle, mem []byte) error {
	return unix.Munmap(mem)
}

func (m *memoryManager) CacheMaintenance(h kernel.Handle, mem []byte, offset, length uint32, op kernel.CacheOp) error {
	if len(mem) == 0 || uint64(offset)+uint64(length) > uint64(len(mem)) {
		return unix.EINVAL
	}
	args := nvmapCacheArgs{
		Addr:   uint64(uintptr(unsafe.Pointer(&mem[0]))) + uint64(offset),
		Handle: h.Raw,
		Len:    length,
		Op:     int32(op),
	}
	return ioctlPtr(m.fd, nvmapIocCache, &args)
}

// Free releases the handle and closes its dma-buf descriptor.
func (m *memoryManager) Free(h kernel.Handle) error {
	if err := ioctl(m.fd, nvmapIocFree, uintptr(h.Raw)); err != nil {
		return err
	}
	if h.FD >= 0 {
		return unix.Close(h.FD)
	}
	return nil
}

func (m *memoryManager) Close() error {
	return closeFD(&m.fd)
}
