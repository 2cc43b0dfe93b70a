package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"syscall"

	"go.uber.org/zap"

	"github.com/shizukutanaka/nvstream/internal/kernel"
)

type control struct {
	dev    *Device
	closed bool
}

func (c *control) AllocateAddressSpace(bigPageSize uint32, flags uint32) (kernel.AddressSpace, error) {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.closed {
		return nil, syscall.EBADF
	}
	if err := d.fail(OpAllocateAddressSpace); err != nil {
		return nil, err
	}
	if bigPageSize == 0 {
		bigPageSize = d.chars.BigPageSize
	}
	if bigPageSize&(bigPageSize-1) != 0 || bigPageSize&d.chars.AvailableBigPageSizes == 0 {
		return nil, syscall.EINVAL
	}

	d.spaces++
	return &addressSpace{dev: d, bigPageSize: bigPageSize}, nil
}

func (c *control) OpenTSG() (kernel.TSG, error) {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.closed {
		return nil, syscall.EBADF
	}
	if d.noTSG {
		return nil, syscall.ENOTTY
	}
	if err := d.fail(OpOpenTSG); err != nil {
		return nil, err
	}
	d.groups++
	return &tsg{dev: d}, nil
}

func (c *control) OpenChannel(runlist int32, mem kernel.MemoryManager) (kernel.Channel, error) {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.closed {
		return nil, syscall.EBADF
	}
	if err := d.fail(OpOpenChannel); err != nil {
		return nil, err
	}
	if mem == nil {
		return nil, syscall.EINVAL
	}
	if d.channel != nil && !d.channel.closed {
		return nil, syscall.EBUSY
	}

	ch := &channel{
		dev:      d,
		runlist:  runlist,
		enabled:  true,
		priority: kernel.PriorityMedium,
		frontend: newFrontend(d),
	}
	d.channel = ch
	return ch, nil
}

func (c *control) Characteristics() (kernel.Characteristics, error) {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	if c.closed {
		return kernel.Characteristics{}, syscall.EBADF
	}
	return c.dev.chars, nil
}

func (c *control) Close() error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	c.closed = true
	return nil
}

type channel struct {
	dev      *Device
	runlist  int32
	space    *addressSpace
	tsg      *tsg
	closed   bool
	enabled  bool
	priority kernel.Priority

	timeslice   uint32
	ringEntries uint32
	objects     []kernel.ClassID

	// issued is the highest fence value handed out, reached the highest
	// value the syncpoint has counted to.
	issued  uint32
	reached uint32

	submissions []*Submission
	pending     []*Submission
	completed   []kernel.Fence

	frontend *frontend
}

func (c *channel) AllocateRing(capacity uint32, flags uint32) error {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.closed {
		return syscall.EBADF
	}
	if err := d.fail(OpAllocateRing); err != nil {
		return err
	}
	if c.space == nil || capacity == 0 {
		return syscall.EINVAL
	}
	if c.ringEntries != 0 {
		return syscall.EBUSY
	}
	c.ringEntries = capacity
	return nil
}

func (c *channel) Submit(entries []kernel.RingEntry, wait *kernel.Fence, flags uint32) (*kernel.Fence, error) {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.closed {
		return nil, syscall.EBADF
	}
	if err := d.fail(OpSubmit); err != nil {
		return nil, err
	}
	if c.ringEntries == 0 || uint32(len(entries)) > c.ringEntries {
		return nil, syscall.EINVAL
	}

	s := &Submission{
		Entries: append([]kernel.RingEntry(nil), entries...),
		Flags:   flags,
	}
	if flags&kernel.SubmitFenceWait != 0 {
		if wait == nil || wait.ID != SyncpointID || wait.Value > c.issued {
			return nil, syscall.EINVAL
		}
		w := *wait
		s.Wait = &w
	}

	c.issued++
	s.Fence = kernel.Fence{ID: SyncpointID, Value: c.issued}
	c.submissions = append(c.submissions, s)
	c.pending = append(c.pending, s)

	d.logger.Debug("Queued batch",
		zap.Int("entries", len(entries)),
		zap.Stringer("fence", s.Fence),
	)

	if flags&kernel.SubmitFenceGet == 0 {
		return nil, nil
	}
	f := s.Fence
	return &f, nil
}

func (c *channel) WaitFence(ctx context.Context, f kernel.Fence) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.closed {
		return syscall.EBADF
	}
	if err := d.fail(OpWaitFence); err != nil {
		return err
	}
	if f.ID != SyncpointID || f.Value > c.issued {
		return syscall.EINVAL
	}
	if f.Value <= c.reached {
		return nil
	}
	if !c.enabled {
		return syscall.EAGAIN
	}

	faulted := false
	for len(c.pending) > 0 && c.reached < f.Value {
		s := c.pending[0]
		c.pending = c.pending[1:]
		c.execute(s)
		if len(s.Faults) > 0 {
			faulted = true
		}
	}
	if faulted {
		return syscall.EIO
	}
	return nil
}

// execute runs one batch. Callers hold d.mu.
func (c *channel) execute(s *Submission) {
	d := c.dev
	s.WaitSatisfied = s.Wait == nil || s.Wait.Value <= c.reached

	for _, e := range s.Entries {
		mem, err := d.resolve(e.Address(), int(e.Words()*4))
		if err != nil {
			s.Faults = append(s.Faults, fmt.Errorf("fetch %s: %w", e, err))
			continue
		}
		words := make([]uint32, e.Words())
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(mem[4*i:])
		}
		s.Faults = append(s.Faults, c.frontend.run(words)...)
	}

	s.Executed = true
	c.reached = s.Fence.Value
	c.completed = append(c.completed, s.Fence)

	if len(s.Faults) > 0 {
		d.logger.Warn("Batch faulted",
			zap.Stringer("fence", s.Fence),
			zap.Errors("faults", s.Faults),
		)
		return
	}
	d.logger.Debug("Executed batch",
		zap.Stringer("fence", s.Fence),
		zap.Int("entries", len(s.Entries)),
		zap.Bool("wait_satisfied", s.WaitSatisfied),
	)
}

func (c *channel) AllocateObjectContext(class kernel.ClassID, flags uint32) (uint64, error) {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.closed {
		return 0, syscall.EBADF
	}
	if err := d.fail(OpAllocateObject); err != nil {
		return 0, err
	}
	if !knownClass(class) {
		return 0, syscall.EINVAL
	}
	c.objects = append(c.objects, class)
	return uint64(len(c.objects)), nil
}

func (c *channel) SetPriority(p kernel.Priority) error {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.closed {
		return syscall.EBADF
	}
	if err := d.fail(OpSetPriority); err != nil {
		return err
	}
	// Grouped channels take the timeslice of their group.
	if c.tsg != nil {
		return syscall.EINVAL
	}
	switch p {
	case kernel.PriorityLow, kernel.PriorityMedium, kernel.PriorityHigh:
	default:
		return syscall.EINVAL
	}
	c.priority = p
	c.timeslice = p.Timeslice()
	return nil
}

func (c *channel) SetTimeslice(us uint32) error {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.closed {
		return syscall.EBADF
	}
	if err := d.fail(OpSetTimeslice); err != nil {
		return err
	}
	if c.tsg != nil || us == 0 {
		return syscall.EINVAL
	}
	c.timeslice = us
	return nil
}

func (c *channel) Enable() error {
	return c.setEnabled(true)
}

func (c *channel) Disable() error {
	return c.setEnabled(false)
}

func (c *channel) setEnabled(on bool) error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	if c.closed {
		return syscall.EBADF
	}
	c.enabled = on
	return nil
}

func (c *channel) Close() error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	c.closed = true
	if c.tsg != nil {
		c.tsg.channel = nil
		c.tsg = nil
	}
	return nil
}

func knownClass(class kernel.ClassID) bool {
	switch class {
	case kernel.ClassMaxwellB3D, kernel.ClassMaxwellBCompute, kernel.ClassInlineToMemory,
		kernel.ClassMaxwellA2D, kernel.ClassMaxwellBDMA:
		return true
	}
	return false
}
