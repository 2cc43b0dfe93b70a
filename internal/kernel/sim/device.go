// Package sim is an in-process GPU implementing the kernel interfaces.
//
// Memory lives in Go slices. Host mappings are separate copies of device
// memory, so a missing Flush or Invalidate shows up as stale data the same
// way it does on hardware with write-combined mappings. Submitted batches
// run when their fence is waited on: the front-end reads each ring entry
// from device memory, decodes the method stream and executes the methods
// it knows (object binding, DMA copies, inline-to-memory writes and 3D
// query releases).
package sim

import (
	"fmt"
	"sort"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/pushbuf"
)

// Op names a kernel request for fault injection.
type Op string

const (
	OpCreate               Op = "create"
	OpAllocate             Op = "allocate"
	OpMap                  Op = "map"
	OpUnmap                Op = "unmap"
	OpCacheMaintenance     Op = "cache"
	OpFree                 Op = "free"
	OpAllocateAddressSpace Op = "alloc_as"
	OpBindChannel          Op = "bind_channel"
	OpMapBuffer            Op = "map_buffer"
	OpUnmapBuffer          Op = "unmap_buffer"
	OpOpenTSG              Op = "open_tsg"
	OpBindTSG              Op = "tsg_bind_channel"
	OpUnbindTSG            Op = "tsg_unbind_channel"
	OpOpenChannel          Op = "open_channel"
	OpAllocateRing         Op = "alloc_gpfifo"
	OpSubmit               Op = "submit"
	OpWaitFence            Op = "wait_fence"
	OpAllocateObject       Op = "alloc_obj_ctx"
	OpSetPriority          Op = "set_priority"
	OpSetTimeslice         Op = "set_timeslice"
)

// SyncpointID is the id of the fences returned by the simulated channel.
const SyncpointID = 23

// VABase is the first GPU virtual address handed out.
const VABase = 0x1_0000_0000

// DefaultCharacteristics describes a GM20B.
var DefaultCharacteristics = kernel.Characteristics{
	Arch:                  0x120,
	Impl:                  0xB,
	Rev:                   0xA1,
	NumGPC:                1,
	L2CacheSize:           256 << 10,
	NumTPCPerGPC:          2,
	BusType:               1,
	BigPageSize:           64 << 10,
	CompressionPageSize:   128 << 10,
	AvailableBigPageSizes: 64<<10 | 128<<10,
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger of the device.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

// WithCharacteristics overrides the reported characteristics.
func WithCharacteristics(c kernel.Characteristics) Option {
	return func(d *Device) { d.chars = c }
}

// WithoutTSG makes the control node reject OpenTSG with ENOTTY, as kernels
// without timeslice groups do.
func WithoutTSG() Option {
	return func(d *Device) { d.noTSG = true }
}

// Device is a simulated GPU. It implements kernel.Driver.
type Device struct {
	mu     sync.Mutex
	logger *zap.Logger
	chars  kernel.Characteristics

	faults map[Op]syscall.Errno

	nextHandle uint32
	nextFD     int
	buffers    map[uint32]*buffer

	nextVA   uint64
	mappings map[uint64]*mapping
	spaces   int

	noTSG  bool
	groups int

	channel *channel

	counters map[uint32]uint64
	clock    uint64
}

// New creates a simulated GPU.
func New(opts ...Option) *Device {
	d := &Device{
		logger:     zap.NewNop(),
		chars:      DefaultCharacteristics,
		faults:     make(map[Op]syscall.Errno),
		nextHandle: 1,
		nextFD:     100,
		buffers:    make(map[uint32]*buffer),
		nextVA:     VABase,
		mappings:   make(map[uint64]*mapping),
		counters:   make(map[uint32]uint64),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FailOn makes the next request op fail with errno.
func (d *Device) FailOn(op Op, errno syscall.Errno) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = errno
}

// fail consumes an injected failure. Callers hold d.mu.
func (d *Device) fail(op Op) error {
	if errno, ok := d.faults[op]; ok {
		delete(d.faults, op)
		return errno
	}
	return nil
}

// SetCounter sets the value reported by counter queries of type counter.
func (d *Device) SetCounter(counter uint32, value uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters[counter] = value
}

// OpenControl implements kernel.Driver.OpenControl.
func (d *Device) OpenControl() (kernel.Control, error) {
	return &control{dev: d}, nil
}

// OpenMemoryManager implements kernel.Driver.OpenMemoryManager.
func (d *Device) OpenMemoryManager() (kernel.MemoryManager, error) {
	return &memoryManager{dev: d}, nil
}

// LiveHandles returns the number of handles not yet freed.
func (d *Device) LiveHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// GPUMappings returns the number of live GPU mappings.
func (d *Device) GPUMappings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mappings)
}

// HostMappings returns the number of handles mapped into the process.
func (d *Device) HostMappings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.buffers {
		if b.host != nil {
			n++
		}
	}
	return n
}

// ReadGPU reads n bytes of device memory at va.
func (d *Device) ReadGPU(va uint64, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, err := d.resolve(va, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), mem...), nil
}

// WriteGPU writes device memory at va, as an engine would.
func (d *Device) WriteGPU(va uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, err := d.resolve(va, len(data))
	if err != nil {
		return err
	}
	copy(mem, data)
	return nil
}

// resolve returns device memory backing [va, va+n). Callers hold d.mu.
func (d *Device) resolve(va uint64, n int) ([]byte, error) {
	for base, m := range d.mappings {
		if va < base || va+uint64(n) > base+uint64(m.size) {
			continue
		}
		off := va - base
		return m.buf.dev[off : off+uint64(n)], nil
	}
	return nil, fmt.Errorf("gpu address %#x+%d is not mapped", va, n)
}

// Submission is the record of one Submit call.
type Submission struct {
	Entries []kernel.RingEntry
	Wait    *kernel.Fence
	Flags   uint32
	Fence   kernel.Fence
	// Executed is set once the batch ran.
	Executed bool
	// WaitSatisfied is set when the wait fence was reached before the batch ran.
	WaitSatisfied bool
	// Faults lists the errors raised while executing the batch.
	Faults []error
}

// Submissions returns a copy of every submission of the open channel.
func (d *Device) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channel == nil {
		return nil
	}
	out := make([]Submission, len(d.channel.submissions))
	for i, s := range d.channel.submissions {
		out[i] = *s
		out[i].Entries = append([]kernel.RingEntry(nil), s.Entries...)
		out[i].Faults = append([]error(nil), s.Faults...)
	}
	return out
}

// Completed returns the fences of executed batches in execution order.
func (d *Device) Completed() []kernel.Fence {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channel == nil {
		return nil
	}
	return append([]kernel.Fence(nil), d.channel.completed...)
}

// BoundClasses returns the engine class bound to each sub-channel.
func (d *Device) BoundClasses() map[pushbuf.SubChannel]kernel.ClassID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[pushbuf.SubChannel]kernel.ClassID)
	if d.channel == nil {
		return out
	}
	for sub, class := range d.channel.frontend.bound {
		out[sub] = class
	}
	return out
}

// ObjectContexts returns the classes contexts were allocated for, sorted.
func (d *Device) ObjectContexts() []kernel.ClassID {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channel == nil {
		return nil
	}
	out := append([]kernel.ClassID(nil), d.channel.objects...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OpenGroups returns the number of timeslice groups not yet closed.
func (d *Device) OpenGroups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.groups
}

// ChannelState describes the scheduling parameters of the open channel.
type ChannelState struct {
	Open  bool
	Bound bool
	// Grouped is set while the channel is bound to a timeslice group.
	Grouped     bool
	Enabled     bool
	RingEntries uint32
	Priority    kernel.Priority
	TimesliceUS uint32
}

// Channel returns the state of the open channel.
func (d *Device) Channel() ChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.channel
	if c == nil {
		return ChannelState{}
	}
	return ChannelState{
		Open:        !c.closed,
		Bound:       c.space != nil,
		Grouped:     c.tsg != nil,
		Enabled:     c.enabled,
		RingEntries: c.ringEntries,
		Priority:    c.priority,
		TimesliceUS: c.timeslice,
	}
}
