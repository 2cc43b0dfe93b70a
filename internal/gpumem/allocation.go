// Package gpumem manages memory shared between the host and the GPU.
//
// An Allocation owns one memory-manager handle and a fixed GPU virtual
// address. Its host view is mapped on first use and can be dropped and
// re-established at any time without moving the GPU address. Host caches
// are not coherent with the device: Flush before the GPU reads host-written
// data and Invalidate before the host reads GPU-written data.
package gpumem

import (
	"encoding/binary"
	"errors"
	"math"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	nverrors "github.com/shizukutanaka/nvstream/internal/errors"
	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/monitoring"
)

// Heap and caching policy used for every allocation.
const (
	Heap  = kernel.HeapCarveoutGeneric
	Flags = kernel.HandleWriteCombine
)

// Backing supplies the kernel objects an allocation is created from.
type Backing interface {
	Memory() kernel.MemoryManager
	AddressSpace() kernel.AddressSpace
	Logger() *zap.Logger
	Metrics() *monitoring.Metrics
}

// Allocation is GPU-visible memory with a host view.
type Allocation struct {
	mem     kernel.MemoryManager
	as      kernel.AddressSpace
	logger  *zap.Logger
	metrics *monitoring.Metrics

	handle   kernel.Handle
	gpuAddr  uint64
	userSize int

	mu     sync.Mutex
	host   []byte
	closed bool
}

// Allocate creates an allocation of at least userSize bytes. alignment is
// raised to one page and must be a power of two.
//
// Handles created by a call that fails later are released before returning.
func Allocate(b Backing, userSize int, alignment uint32) (*Allocation, error) {
	const op = "allocate"

	if userSize <= 0 {
		return nil, nverrors.Invalid(op, "size must be positive, got %d", userSize)
	}
	if alignment < kernel.PageSize {
		alignment = kernel.PageSize
	}
	if alignment&(alignment-1) != 0 {
		return nil, nverrors.Invalid(op, "alignment %#x is not a power of two", alignment)
	}
	size := alignUp(uint64(userSize), kernel.PageSize)
	if size > math.MaxUint32 {
		return nil, nverrors.Exhausted(op, "size %d exceeds handle limit", userSize)
	}

	logger := b.Logger()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := b.Metrics()
	mem, as := b.Memory(), b.AddressSpace()

	h, err := mem.Create(uint32(size))
	if err != nil {
		metrics.RecordAllocationFailure(monitoring.StageCreate)
		return nil, nverrors.Kernel("create handle", err).WithContext("size", size)
	}

	if err := mem.Allocate(h, Heap, Flags, alignment); err != nil {
		metrics.RecordAllocationFailure(monitoring.StageAllocate)
		return nil, release(nverrors.Kernel("allocate handle", err).WithContext("size", size), mem, h)
	}

	va, err := as.MapBuffer(h, 0, kernel.PageSize, 0)
	if err != nil {
		metrics.RecordAllocationFailure(monitoring.StageGPUMap)
		return nil, release(nverrors.Kernel("map buffer", err).WithContext("handle", h.Raw), mem, h)
	}

	metrics.RecordAllocation(int(h.Size))
	logger.Debug("Allocated GPU memory",
		zap.Uint32("handle", h.Raw),
		zap.String("size", humanize.IBytes(uint64(h.Size))),
		zap.Int("user_size", userSize),
		zap.String("gpu_address", hex(va)),
	)

	return &Allocation{
		mem:      mem,
		as:       as,
		logger:   logger,
		metrics:  metrics,
		handle:   h,
		gpuAddr:  va,
		userSize: userSize,
	}, nil
}

func release(cause error, mem kernel.MemoryManager, h kernel.Handle) error {
	if err := mem.Free(h); err != nil {
		return errors.Join(cause, nverrors.Leak("free handle", err))
	}
	return cause
}

// GPUAddress returns the GPU virtual address. It does not change until Close.
func (a *Allocation) GPUAddress() uint64 {
	return a.gpuAddr
}

// UserSize returns the size that was asked for.
func (a *Allocation) UserSize() int {
	return a.userSize
}

// Size returns the page-rounded size of the backing memory.
func (a *Allocation) Size() int {
	return int(a.handle.Size)
}

// Handle returns the memory-manager handle.
func (a *Allocation) Handle() kernel.Handle {
	return a.handle
}

// Mapped reports whether the host view is established.
func (a *Allocation) Mapped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.host != nil
}

// Map establishes the host view. Mapping an already mapped allocation does nothing.
func (a *Allocation) Map() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mapLocked()
}

func (a *Allocation) mapLocked() error {
	if a.closed {
		return nverrors.State("map", "allocation is closed")
	}
	if a.host != nil {
		return nil
	}

	host, err := a.mem.Map(a.handle)
	if err != nil {
		a.metrics.RecordAllocationFailure(monitoring.StageMap)
		return nverrors.Kernel("map handle", err).WithContext("handle", a.handle.Raw)
	}
	a.host = host
	return nil
}

// Unmap drops the host view. The GPU mapping stays. Unmapping an unmapped
// allocation does nothing.
func (a *Allocation) Unmap() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.host == nil {
		return nil
	}
	if err := a.mem.Unmap(a.handle, a.host); err != nil {
		return nverrors.Kernel("unmap handle", err).WithContext("handle", a.handle.Raw)
	}
	a.host = nil
	return nil
}

// Bytes maps the allocation and returns its host view of UserSize bytes.
// The slice is invalid after Unmap or Close.
func (a *Allocation) Bytes() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.mapLocked(); err != nil {
		return nil, err
	}
	return a.host[:a.userSize], nil
}

// View maps the allocation and calls fn with the host view. The view cannot
// be unmapped while fn runs; fn must not call back into a.
func (a *Allocation) View(fn func(b []byte) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.mapLocked(); err != nil {
		return err
	}
	return fn(a.host[:a.userSize])
}

// WriteWords stores words little-endian starting at byte offset off.
func (a *Allocation) WriteWords(off int, words []uint32) error {
	return a.View(func(b []byte) error {
		if off < 0 || off&3 != 0 || off+4*len(words) > len(b) {
			return nverrors.Invalid("write words", "%d words at %#x do not fit %d bytes", len(words), off, len(b))
		}
		for i, w := range words {
			binary.LittleEndian.PutUint32(b[off+4*i:], w)
		}
		return nil
	})
}

// ReadWords loads n little-endian words starting at byte offset off.
func (a *Allocation) ReadWords(off, n int) ([]uint32, error) {
	if n < 0 {
		return nil, nverrors.Invalid("read words", "negative word count %d", n)
	}
	words := make([]uint32, n)
	err := a.View(func(b []byte) error {
		if off < 0 || off&3 != 0 || off+4*n > len(b) {
			return nverrors.Invalid("read words", "%d words at %#x do not fit %d bytes", n, off, len(b))
		}
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(b[off+4*i:])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return words, nil
}

// Flush writes host caches back and invalidates them so the device sees
// the host view. An unmapped allocation has nothing to flush.
func (a *Allocation) Flush() error {
	return a.maintain("flush", kernel.CacheWritebackInvalidate)
}

// Invalidate drops host caches so the host view sees device writes.
func (a *Allocation) Invalidate() error {
	return a.maintain("invalidate", kernel.CacheInvalidate)
}

func (a *Allocation) maintain(op string, cop kernel.CacheOp) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nverrors.State(op, "allocation is closed")
	}
	if a.host == nil {
		return nil
	}
	if err := a.mem.CacheMaintenance(a.handle, a.host, 0, a.handle.Size, cop); err != nil {
		return nverrors.Kernel("cache "+cop.String(), err).WithContext("handle", a.handle.Raw)
	}
	return nil
}

// Close releases the host view, the GPU mapping and the handle. Any failure
// leaves kernel resources behind and is reported as a leak, and the memory
// is not counted as released. Closing twice does nothing.
func (a *Allocation) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if a.host != nil {
		if err := a.mem.Unmap(a.handle, a.host); err != nil {
			errs = append(errs, nverrors.Leak("unmap handle", err))
		}
		a.host = nil
	}
	if err := a.as.UnmapBuffer(a.gpuAddr); err != nil {
		errs = append(errs, nverrors.Leak("unmap buffer", err).WithContext("gpu_address", a.gpuAddr))
	}
	if err := a.mem.Free(a.handle); err != nil {
		errs = append(errs, nverrors.Leak("free handle", err).WithContext("handle", a.handle.Raw))
	}

	// Leaked memory stays accounted.
	if err := errors.Join(errs...); err != nil {
		nverrors.Report(a.logger, "Failed to release GPU memory", err)
		return err
	}
	a.metrics.RecordRelease(int(a.handle.Size))

	a.logger.Debug("Released GPU memory",
		zap.Uint32("handle", a.handle.Raw),
		zap.String("gpu_address", hex(a.gpuAddr)),
	)
	return nil
}

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
