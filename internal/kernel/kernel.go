// Package kernel describes the three device nodes the submission stack talks
// to: the memory manager (nvmap), the GPU address space and the channel/control
// interface. Implementations live in the tegra (real device nodes) and sim
// (in-process device) packages.
package kernel

import (
	"context"
	"fmt"
)

// PageSize is the small page size of the GPU and host mappings.
const PageSize = 0x1000

// Handle is a memory-manager handle.
type Handle struct {
	// Raw is the id assigned by the memory manager.
	Raw uint32
	// FD is the dma-buf descriptor backing the handle.
	FD int
	// Size is the page-rounded size of the memory behind the handle.
	Size uint32
}

// String implements fmt.Stringer.String.
func (h Handle) String() string {
	return fmt.Sprintf("handle(%#x, fd=%d, size=%#x)", h.Raw, h.FD, h.Size)
}

// HeapMask selects the heap an allocation is served from.
type HeapMask uint32

const (
	HeapIOVMM           HeapMask = 1 << 30
	HeapCarveoutIRAM    HeapMask = 1 << 29
	HeapCarveoutVPR     HeapMask = 1 << 28
	HeapCarveoutTSEC    HeapMask = 1 << 27
	HeapCarveoutVidmem  HeapMask = 1 << 26
	HeapCarveoutIVM     HeapMask = 1 << 1
	HeapCarveoutGeneric HeapMask = 1
)

// AllocationFlags selects the caching policy of an allocation.
type AllocationFlags uint32

const (
	HandleUncacheable    AllocationFlags = 0b00
	HandleWriteCombine   AllocationFlags = 0b01
	HandleInnerCacheable AllocationFlags = 0b10
	HandleCacheable      AllocationFlags = 0b11
)

// CacheOp is a cache maintenance operation.
type CacheOp int32

const (
	CacheWriteback           CacheOp = 0
	CacheInvalidate          CacheOp = 1
	CacheWritebackInvalidate CacheOp = 2
)

// String implements fmt.Stringer.String.
func (op CacheOp) String() string {
	switch op {
	case CacheWriteback:
		return "writeback"
	case CacheInvalidate:
		return "invalidate"
	case CacheWritebackInvalidate:
		return "writeback+invalidate"
	default:
		return fmt.Sprintf("CacheOp(%d)", int32(op))
	}
}

// MemoryManager is the kernel memory manager.
type MemoryManager interface {
	// Create creates a handle of the given size. No memory is attached yet.
	Create(size uint32) (Handle, error)
	// Allocate attaches physical memory to h.
	Allocate(h Handle, heap HeapMask, flags AllocationFlags, align uint32) error
	// Map maps the memory of h into the process. The returned slice covers h.Size bytes.
	Map(h Handle) ([]byte, error)
	// Unmap releases a mapping returned by Map.
	Unmap(h Handle, mem []byte) error
	// CacheMaintenance applies op to [offset, offset+length) of the mapping mem.
	CacheMaintenance(h Handle, mem []byte, offset, length uint32, op CacheOp) error
	// Free releases h and its memory.
	Free(h Handle) error
	Close() error
}

// AddressSpace is a GPU virtual address space.
type AddressSpace interface {
	// BindChannel makes ch execute in this address space.
	BindChannel(ch Channel) error
	// MapBuffer maps h into the GPU address space. A zero fixed address lets
	// the kernel pick one.
	MapBuffer(h Handle, flags uint32, pageSize uint32, fixed uint64) (uint64, error)
	// UnmapBuffer removes the mapping at va.
	UnmapBuffer(va uint64) error
	Close() error
}

// Submission flags for Channel.Submit.
const (
	// SubmitFenceWait makes the kernel wait on the passed fence before running the batch.
	SubmitFenceWait uint32 = 1 << 0
	// SubmitFenceGet requests a completion fence for the batch.
	SubmitFenceGet uint32 = 1 << 1
	// SubmitSyncFence expresses fences as sync-fence descriptors.
	SubmitSyncFence uint32 = 1 << 3
)

// Fence identifies a point on a monotonic completion counter.
type Fence struct {
	ID    int32
	Value uint32
}

// String implements fmt.Stringer.String.
func (f Fence) String() string {
	return fmt.Sprintf("fence(%d@%d)", f.ID, f.Value)
}

// ClassID is an engine class bound to a sub-channel.
type ClassID uint32

const (
	ClassMaxwellB3D      ClassID = 0xB197
	ClassMaxwellBCompute ClassID = 0xB1C0
	ClassInlineToMemory  ClassID = 0xA140
	ClassMaxwellA2D      ClassID = 0x902D
	ClassMaxwellBDMA     ClassID = 0xB0B5
)

// String implements fmt.Stringer.String.
func (c ClassID) String() string {
	switch c {
	case ClassMaxwellB3D:
		return "MAXWELL_B_3D"
	case ClassMaxwellBCompute:
		return "MAXWELL_B_COMPUTE"
	case ClassInlineToMemory:
		return "INLINE_TO_MEMORY"
	case ClassMaxwellA2D:
		return "MAXWELL_A_2D"
	case ClassMaxwellBDMA:
		return "MAXWELL_B_DMA"
	default:
		return fmt.Sprintf("UNKNOWN(%#x)", uint32(c))
	}
}

// Priority is a channel priority. It is applied as a timeslice.
type Priority uint32

const (
	PriorityLow    Priority = 50
	PriorityMedium Priority = 100
	PriorityHigh   Priority = 150
)

// Timeslice returns the timeslice in microseconds used for p.
func (p Priority) Timeslice() uint32 {
	switch p {
	case PriorityHigh:
		return 5200
	case PriorityLow:
		return 1300
	default:
		return 2600
	}
}

// ParsePriority parses "low", "medium" or "high".
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown channel priority %q", s)
	}
}

// Channel is the kernel channel commands are submitted on.
type Channel interface {
	// AllocateRing allocates the hardware ring with capacity entries.
	AllocateRing(capacity uint32, flags uint32) error
	// Submit hands entries to the kernel. If wait is not nil the batch runs
	// only after it is reached. The returned fence is nil unless
	// SubmitFenceGet is set.
	Submit(entries []RingEntry, wait *Fence, flags uint32) (*Fence, error)
	// WaitFence blocks until f is reached.
	WaitFence(ctx context.Context, f Fence) error
	// AllocateObjectContext allocates the context of an engine class.
	AllocateObjectContext(class ClassID, flags uint32) (uint64, error)
	SetPriority(p Priority) error
	SetTimeslice(us uint32) error
	Enable() error
	Disable() error
	Close() error
}

// Characteristics describes the GPU.
type Characteristics struct {
	Arch                  uint32
	Impl                  uint32
	Rev                   uint32
	NumGPC                uint32
	L2CacheSize           uint64
	VideoMemorySize       uint64
	NumTPCPerGPC          uint32
	BusType               uint32
	BigPageSize           uint32
	CompressionPageSize   uint32
	AvailableBigPageSizes uint32
	Flags                 uint64
}

// Control is the GPU control node. Address spaces and channels are created from it.
type Control interface {
	AllocateAddressSpace(bigPageSize uint32, flags uint32) (AddressSpace, error)
	// OpenTSG opens a timeslice group. Kernels without TSG support
	// return ENOTTY.
	OpenTSG() (TSG, error)
	// OpenChannel opens a channel on runlist, using mem for its buffers.
	OpenChannel(runlist int32, mem MemoryManager) (Channel, error)
	Characteristics() (Characteristics, error)
	Close() error
}

// TSG is a timeslice group. A channel bound to a group is scheduled with the
// group's timeslice instead of its own priority.
type TSG interface {
	BindChannel(ch Channel) error
	UnbindChannel(ch Channel) error
	Close() error
}

// Driver opens the process-wide device nodes.
type Driver interface {
	OpenControl() (Control, error)
	OpenMemoryManager() (MemoryManager, error)
}
